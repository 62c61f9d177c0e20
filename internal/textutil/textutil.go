// Package textutil provides pure text helpers shared by the indexing and
// search pipelines: cleanup, query tokenization, language detection, and
// snippet extraction.
package textutil

import (
	"strings"
	"unicode"
)

// CleanText normalizes paragraph text before it is embedded or indexed:
// control characters are dropped and runs of whitespace collapse to a single
// space. The text content itself is never rewritten.
func CleanText(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastSpace := false
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}

	return strings.TrimRight(b.String(), " ")
}

// IsCJK reports whether the rune falls in the CJK Unified Ideographs block.
func IsCJK(r rune) bool {
	return r >= 0x4e00 && r <= 0x9fff
}

// DetectLanguage makes a coarse guess at the dominant language of a text.
// It only distinguishes CJK-heavy text ("zh") from everything else ("en");
// that is all the search pipeline needs for tokenization decisions.
func DetectLanguage(s string) string {
	var cjk, letters int
	for _, r := range s {
		if IsCJK(r) {
			cjk++
			letters++
		} else if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters == 0 {
		return "en"
	}
	if float64(cjk)/float64(letters) > 0.3 {
		return "zh"
	}
	return "en"
}

// TokenizeQuery splits a query into lowercase tokens on any character that is
// neither alphanumeric nor a CJK ideograph. Empty tokens are dropped.
func TokenizeQuery(query string) []string {
	lowered := strings.ToLower(strings.TrimSpace(query))
	fields := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !IsCJK(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// snippetLimit is the maximum snippet length in bytes, matching the result
// shape produced by the backend search commands.
const snippetLimit = 200

// Snippet returns the head of a paragraph for result display. Text longer
// than the limit is cut at a rune boundary and suffixed with an ellipsis.
func Snippet(text string) string {
	if len(text) <= snippetLimit {
		return text
	}

	cut := snippetLimit
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
