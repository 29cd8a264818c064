package extract

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/minirag/minirag/internal/chunk"
)

// skipTags are elements whose entire subtree carries no prose.
var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"svg":      true,
	"head":     true,
}

// blockTags are elements that imply a line break around their content.
var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"br": true, "dd": true, "div": true, "dl": true, "dt": true,
	"fieldset": true, "figcaption": true, "figure": true, "footer": true,
	"form": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "header": true, "hr": true, "li": true,
	"main": true, "nav": true, "ol": true, "p": true, "pre": true,
	"section": true, "table": true, "td": true, "th": true, "tr": true,
	"ul": true,
}

// HTMLToText reduces an HTML document to plain text. Script, style and
// other non-prose subtrees are dropped, block elements become line
// breaks, and the result is whitespace-normalized the same way ingested
// text is.
func HTMLToText(src string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(src))

	var b strings.Builder
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			// io.EOF or malformed input; either way, emit what we have.
			break
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if skipTags[tag] && tt == html.StartTagToken {
				skipDepth++
				continue
			}
			if skipDepth == 0 && blockTags[tag] {
				b.WriteByte('\n')
			}

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if skipTags[tag] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if skipDepth == 0 && blockTags[tag] {
				b.WriteByte('\n')
			}

		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}

	return chunk.Normalize(b.String())
}
