// Package chunk provides text normalization and recursive chunking for
// knowledge ingestion. Text is normalized (NFC, whitespace collapsed,
// control characters stripped) and then split into overlapping chunks on
// semantic boundaries, falling back to finer separators when a segment
// is still too large.
package chunk

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Default chunking parameters.
const (
	DefaultSize    = 512
	DefaultOverlap = 64
)

// DefaultSeparators are tried in order; coarse semantic boundaries first,
// with a character-level fallback ("") last.
var DefaultSeparators = []string{
	"\n\n", // paragraph breaks
	"\n",   // line breaks
	". ",   // sentence boundaries
	"? ",
	"! ",
	"; ",
	", ",
	" ", // word boundaries
	"",  // character-level fallback
}

var (
	blankLines   = regexp.MustCompile(`\n{3,}`)
	horizontalWS = regexp.MustCompile(`[^\S\n]+`)
	lineEdgeWS   = regexp.MustCompile(` *\n *`)
)

// Chunk is a piece of normalized text with its position index.
type Chunk struct {
	Index     int
	Content   string
	CharCount int
}

// Options controls Split behavior. Zero values select the defaults.
type Options struct {
	Size       int
	Overlap    int
	Separators []string
}

// Normalize canonicalizes text for chunking: NFC unicode form, control
// characters removed (newlines and tabs survive), blank-line runs
// collapsed to one empty line, horizontal whitespace runs collapsed to a
// single space, and per-line plus overall edges trimmed.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = blankLines.ReplaceAllString(text, "\n\n")
	text = horizontalWS.ReplaceAllString(text, " ")
	text = lineEdgeWS.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// Split normalizes text and splits it into overlapping chunks.
//
// Segments are produced by recursive separator splitting, then merged
// greedily up to the size limit. When a chunk is emitted, the next one
// starts with the last Overlap characters of its predecessor. A single
// segment larger than the size limit is emitted in size-limit slices.
//
// Counts and slicing operate on unicode code points, not bytes.
// Output is deterministic for identical input and options.
func Split(text string, opts Options) []Chunk {
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	// Overlap 0 selects the default; pass a negative value to disable.
	overlap := opts.Overlap
	if overlap == 0 {
		overlap = DefaultOverlap
	}
	if overlap < 0 {
		overlap = 0
	}
	seps := opts.Separators
	if seps == nil {
		seps = DefaultSeparators
	}

	text = Normalize(text)
	if text == "" {
		return []Chunk{}
	}

	if runeLen(text) <= size {
		return []Chunk{{Index: 0, Content: text, CharCount: runeLen(text)}}
	}

	splits := recursiveSplit(text, seps, size)

	var chunks []Chunk
	current := ""

	for _, split := range splits {
		candidate := split
		if current != "" {
			candidate = strings.TrimSpace(current + " " + split)
		}

		if runeLen(candidate) <= size {
			current = candidate
			continue
		}

		if current != "" {
			chunks = append(chunks, Chunk{
				Index:     len(chunks),
				Content:   current,
				CharCount: runeLen(current),
			})
			// Seed the next chunk with the tail of the one just emitted.
			if overlap > 0 && runeLen(current) > overlap {
				current = tailRunes(current, overlap) + " " + split
			} else {
				current = split
			}
			continue
		}

		// A single segment exceeds the size limit: force-emit a slice.
		head := headRunes(split, size)
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Content:   head,
			CharCount: runeLen(head),
		})
		current = dropRunes(split, size)
	}

	if trimmed := strings.TrimSpace(current); trimmed != "" {
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Content:   trimmed,
			CharCount: runeLen(trimmed),
		})
	}

	return chunks
}

// recursiveSplit splits text on the first separator, recursing with the
// remaining separators for any segment still larger than size.
func recursiveSplit(text string, separators []string, size int) []string {
	if len(separators) == 0 {
		return []string{text}
	}

	sep := separators[0]
	rest := separators[1:]

	if sep == "" {
		runes := []rune(text)
		out := make([]string, 0, (len(runes)+size-1)/size)
		for i := 0; i < len(runes); i += size {
			end := min(i+size, len(runes))
			out = append(out, string(runes[i:end]))
		}
		return out
	}

	var out []string
	for part := range strings.SplitSeq(text, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if runeLen(part) <= size {
			out = append(out, part)
		} else {
			out = append(out, recursiveSplit(part, rest, size)...)
		}
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}

// headRunes returns the first n runes of s.
func headRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// tailRunes returns the last n runes of s.
func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

// dropRunes returns s without its first n runes.
func dropRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return ""
	}
	return string(runes[n:])
}
