package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "basic paragraphs",
			html: "<html><body><p>First paragraph.</p><p>Second paragraph.</p></body></html>",
			want: "First paragraph.\n\nSecond paragraph.",
		},
		{
			name: "script dropped",
			html: "<body><p>visible</p><script>var hidden = 'secret';</script></body>",
			want: "visible",
		},
		{
			name: "style dropped",
			html: "<body><style>p { color: red }</style><p>text</p></body>",
			want: "text",
		},
		{
			name: "head dropped",
			html: "<html><head><title>Page Title</title></head><body>body text</body></html>",
			want: "body text",
		},
		{
			name: "inline tags do not break lines",
			html: "<p>some <b>bold</b> and <em>italic</em> words</p>",
			want: "some bold and italic words",
		},
		{
			name: "headings on their own lines",
			html: "<h1>Title</h1><p>Body text here.</p>",
			want: "Title\n\nBody text here.",
		},
		{
			name: "list items separated",
			html: "<ul><li>one</li><li>two</li></ul>",
			want: "one\n\ntwo",
		},
		{
			name: "nested skip tag",
			html: "<body><noscript><p>no js</p></noscript><p>yes</p></body>",
			want: "yes",
		},
		{
			name: "empty document",
			html: "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTMLToText(tt.html); got != tt.want {
				t.Errorf("HTMLToText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTMLToTextMalformed(t *testing.T) {
	// Unclosed tags should not panic and should still yield the text.
	got := HTMLToText("<p>unclosed <div>nested text")
	if !strings.Contains(got, "unclosed") || !strings.Contains(got, "nested text") {
		t.Errorf("HTMLToText(malformed) = %q, want text preserved", got)
	}
}

func TestFromUploadPlainText(t *testing.T) {
	got, err := FromUpload("notes.txt", []byte("  hello   world  \n\n\n\nbye  "))
	if err != nil {
		t.Fatalf("FromUpload() error = %v", err)
	}
	want := "hello world\n\nbye"
	if got != want {
		t.Errorf("FromUpload() = %q, want %q", got, want)
	}
}

func TestFromUploadMarkdown(t *testing.T) {
	got, err := FromUpload("README.md", []byte("# Title\n\nSome content."))
	if err != nil {
		t.Fatalf("FromUpload() error = %v", err)
	}
	if !strings.Contains(got, "Title") || !strings.Contains(got, "Some content.") {
		t.Errorf("FromUpload() = %q, want markdown text preserved", got)
	}
}

func TestFromUploadUnsupportedExtension(t *testing.T) {
	_, err := FromUpload("binary.exe", []byte("MZ"))
	if !errors.Is(err, ErrUnsupportedExtension) {
		t.Errorf("FromUpload(.exe) error = %v, want ErrUnsupportedExtension", err)
	}

	_, err = FromUpload("noextension", []byte("data"))
	if !errors.Is(err, ErrUnsupportedExtension) {
		t.Errorf("FromUpload(no ext) error = %v, want ErrUnsupportedExtension", err)
	}
}

func TestFromUploadTooLarge(t *testing.T) {
	data := make([]byte, MaxUploadSize+1)
	_, err := FromUpload("big.txt", data)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("FromUpload(oversized) error = %v, want ErrFileTooLarge", err)
	}
}

func TestFromUploadInvalidUTF8(t *testing.T) {
	_, err := FromUpload("bad.txt", []byte{0xff, 0xfe, 0xfd})
	if !errors.Is(err, ErrNotUTF8) {
		t.Errorf("FromUpload(invalid utf8) error = %v, want ErrNotUTF8", err)
	}
}

func TestFromUploadCaseInsensitiveExtension(t *testing.T) {
	got, err := FromUpload("NOTES.TXT", []byte("content"))
	if err != nil {
		t.Fatalf("FromUpload(NOTES.TXT) error = %v", err)
	}
	if got != "content" {
		t.Errorf("FromUpload() = %q, want %q", got, "content")
	}
}

func TestAllowedExtension(t *testing.T) {
	tests := []struct {
		filename string
		want     bool
	}{
		{"doc.txt", true},
		{"doc.md", true},
		{"doc.csv", true},
		{"doc.pdf", true},
		{"doc.docx", true},
		{"doc.DOCX", true},
		{"doc.exe", false},
		{"doc", false},
	}

	for _, tt := range tests {
		if got := AllowedExtension(tt.filename); got != tt.want {
			t.Errorf("AllowedExtension(%q) = %v, want %v", tt.filename, got, tt.want)
		}
	}
}

func TestIsHTML(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        bool
	}{
		{"html content type", "text/html; charset=utf-8", "<p>x</p>", true},
		{"plain text", "text/plain", "just text", false},
		{"no content type with html body", "", "<!DOCTYPE html><html></html>", true},
		{"no content type with plain body", "", "plain text", false},
		{"mislabeled octet-stream html", "application/octet-stream", "<html><body></body></html>", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isHTML(tt.contentType, []byte(tt.body)); got != tt.want {
				t.Errorf("isHTML(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}
