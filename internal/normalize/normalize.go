// Package normalize implements the keyword and phone normalization rules
// shared by the Flow Execution Engine's trigger match and the Inbound
// Dispatcher's keyword matcher (spec.md §4.2, §4.3.1, §9).
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Keyword lowercases and strips diacritics from s, so "Hola", "HOLA" and
// "Holá" all normalize identically. normalize(trigger(normalize(x))) =
// normalize(x) holds because the transform is idempotent on its own output.
func Keyword(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.TrimSpace(strings.ToLower(out))
}

// Phone strips every non-digit character, per spec.md §6.2 "canonicalize to
// digits only at every ingress".
func Phone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
