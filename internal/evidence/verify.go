// Package evidence anchors model-produced quotations to exact spans of the
// source text.
//
// Offsets are rune offsets. A claim's offsets are relative to the chunk it was
// extracted from; verified spans are absolute into the bundle.
package evidence

import (
	"strings"
	"unicode/utf8"
)

// MaxQuoteLength is the longest quotation accepted as evidence, in runes.
// Citations are meant to be short, specific spans.
const MaxQuoteLength = 500

// Claim is a quotation as reported by the model.
type Claim struct {
	Quote string
	Start int // relative to the chunk; 0 when unknown
	End   int
}

// Span is a verified [Start, End) range in the bundle.
type Span struct {
	Start int
	End   int
}

// Verify locates claim in the source text. Resolution order, first hit wins:
//
//  1. the claimed offsets, if the chunk slice at [Start, End) equals the quote
//  2. the first occurrence of the quote in the chunk
//  3. the first occurrence of the quote in the whole bundle
//  4. the first occurrence of the whitespace-trimmed quote in the bundle
//
// It reports false for blank or over-long quotes and for quotes that occur
// nowhere in the text.
func Verify(bundleText, chunkText string, chunkStart int, c Claim) (Span, bool) {
	quoteLen := utf8.RuneCountInString(c.Quote)
	if strings.TrimSpace(c.Quote) == "" || quoteLen > MaxQuoteLength {
		return Span{}, false
	}

	chunk := []rune(chunkText)
	if c.Start >= 0 && c.End > c.Start && c.End <= len(chunk) && string(chunk[c.Start:c.End]) == c.Quote {
		return Span{Start: chunkStart + c.Start, End: chunkStart + c.End}, true
	}

	if i := runeIndex(chunkText, c.Quote); i >= 0 {
		return Span{Start: chunkStart + i, End: chunkStart + i + quoteLen}, true
	}

	if i := runeIndex(bundleText, c.Quote); i >= 0 {
		return Span{Start: i, End: i + quoteLen}, true
	}

	trimmed := strings.TrimSpace(c.Quote)
	if trimmed != c.Quote {
		if i := runeIndex(bundleText, trimmed); i >= 0 {
			return Span{Start: i, End: i + utf8.RuneCountInString(trimmed)}, true
		}
	}

	return Span{}, false
}

// Slice returns the text covered by span, or "" when span is out of range.
func Slice(text string, span Span) string {
	runes := []rune(text)
	if span.Start < 0 || span.End > len(runes) || span.Start > span.End {
		return ""
	}
	return string(runes[span.Start:span.End])
}

// runeIndex is strings.Index measured in runes.
func runeIndex(s, substr string) int {
	i := strings.Index(s, substr)
	if i < 0 {
		return -1
	}
	return utf8.RuneCountInString(s[:i])
}
