package extract

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"

	"github.com/minirag/minirag/internal/chunk"
)

// MaxUploadSize is the hard cap on uploaded file size.
const MaxUploadSize = 10 * 1024 * 1024

var (
	// ErrUnsupportedExtension indicates the file type is not ingestible.
	ErrUnsupportedExtension = errors.New("unsupported file extension")

	// ErrFileTooLarge indicates the upload exceeds MaxUploadSize.
	ErrFileTooLarge = errors.New("file too large")

	// ErrNotUTF8 indicates a plain-text upload is not valid UTF-8.
	ErrNotUTF8 = errors.New("file is not valid UTF-8")
)

// allowedExtensions maps ingestible extensions to their MIME type for
// the document converter. Plain-text types are read directly.
var allowedExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// FromUpload extracts plain text from an uploaded file.
// Extraction happens once at upload time; the result is stored as the
// source content so re-ingestion never needs the original bytes.
//
// Plain-text formats (.txt, .md, .csv) must be valid UTF-8 and are
// normalized directly. Binary formats (.pdf, .docx) go through the
// document converter.
func FromUpload(filename string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	mimeType, ok := allowedExtensions[ext]
	if !ok {
		return "", fmt.Errorf("%w: %q (allowed: .txt, .md, .csv, .pdf, .docx)", ErrUnsupportedExtension, ext)
	}
	if len(data) > MaxUploadSize {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(data), MaxUploadSize)
	}

	switch ext {
	case ".txt", ".md", ".csv":
		if !utf8.Valid(data) {
			return "", ErrNotUTF8
		}
		return chunk.Normalize(string(data)), nil
	default:
		res, err := docconv.Convert(bytes.NewReader(data), mimeType, false)
		if err != nil {
			return "", fmt.Errorf("converting %s document: %w", ext, err)
		}
		return chunk.Normalize(res.Body), nil
	}
}

// AllowedExtension reports whether a filename has an ingestible extension.
func AllowedExtension(filename string) bool {
	_, ok := allowedExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}
