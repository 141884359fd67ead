// Package slug converts arbitrary identifiers (project names, form labels,
// attachment filenames) into filesystem-safe path segments.
//
// Unicode is kept: field notebooks are routinely authored in languages other
// than English, and export paths should stay readable. Values are NFKC
// normalised so visually identical labels produce identical paths.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxLength bounds slug length when no explicit limit is given.
const DefaultMaxLength = 200

// Make returns a slug of at most DefaultMaxLength runes.
func Make(value string) string {
	return MakeMax(value, DefaultMaxLength)
}

// MakeMax converts value into a slug of at most maxLength runes.
//
// Rules:
//   - NFKC normalise
//   - drop runes that are not letters, digits, underscores, hyphens or spaces
//   - collapse runs of spaces and hyphens into a single hyphen
//   - trim leading/trailing hyphens and underscores
//
// Truncation happens at a word boundary where possible, so two exports of
// the same value always share a prefix-stable slug.
func MakeMax(value string, maxLength int) string {
	value = norm.NFKC.String(value)

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}

	cleaned := shorten(b.String(), maxLength)
	cleaned = collapseSeparators(cleaned)
	return strings.Trim(cleaned, "-_")
}

// collapseSeparators replaces runs of spaces and hyphens with one hyphen.
func collapseSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	sep := false
	for _, r := range s {
		if r == ' ' || r == '-' {
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('-')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}

// shorten truncates s to at most maxLength runes, preferring to cut at the
// last space before the limit.
func shorten(s string, maxLength int) string {
	if maxLength <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	cut := string(runes[:maxLength])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		return cut[:idx]
	}
	return cut
}
