// Package normalize provides the text-normalization primitives shared by
// reconciliation and the lookup index. All functions are pure: the same
// input always yields the same output, with no locale or process state.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripDiacritics decomposes to NFD, drops combining marks, recomposes.
var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Text standardizes a place name for matching:
//  1. Trim surrounding whitespace
//  2. Case-fold to lowercase
//  3. Strip diacritics (São Paulo -> sao paulo)
//  4. Collapse internal whitespace runs to single spaces
func Text(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	s = strings.ToLower(s)
	s, _, _ = transform.String(stripDiacritics, s)

	return strings.Join(strings.Fields(s), " ")
}

// Slug converts a name into its URL path-segment form: lowercase ASCII
// alphanumerics with single hyphen separators and no leading or trailing
// hyphen. Slug is idempotent: Slug(Slug(x)) == Slug(x).
func Slug(s string) string {
	s = Text(s)
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			// Every non-alphanumeric run collapses to one separator.
			pendingSep = true
		}
	}
	return b.String()
}

// BucketKey builds the serialization key for a name+country matching bucket.
func BucketKey(normalizedText, countryCode string) string {
	return normalizedText + "|" + strings.ToUpper(strings.TrimSpace(countryCode))
}
