package graph

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// NormalizeLabel lowercases s and strips everything that is not a letter,
// digit or underscore. Hangul syllables and CJK ideographs survive because
// they are letters. Idempotent.
func NormalizeLabel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeRelation lowercases s and replaces every non-word rune with an
// underscore, so "works at" and "works_at" compare equal.
func NormalizeRelation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Similarity returns an edit-distance derived score in [0, 1]: identical
// strings score 1, fully dissimilar strings score 0. Both inputs are compared
// as given; callers normalize first.
func Similarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	la := utf8.RuneCountInString(a)
	lb := utf8.RuneCountInString(b)
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if maxLen == 0 {
		return 0
	}
	dist := matchr.Levenshtein(a, b)
	if dist >= maxLen {
		return 0
	}
	return float64(maxLen-dist) / float64(maxLen)
}
