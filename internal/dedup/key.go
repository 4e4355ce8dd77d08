// Package dedup decides whether an extracted listing is new and forwards new
// listings to the storage sink exactly once per identity key.
package dedup

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// Key builds the identity key of a listing. Both parts are NFKC-normalized,
// case-folded, stripped of punctuation and whitespace-collapsed, so
// "Joe's  Café, Main St." and "JOES CAFÉ main st" share a key. The key is empty
// when either part normalizes to nothing.
func Key(name, address string) scrape.IdentityKey {
	n := Normalize(name)
	a := Normalize(address)
	if n == "" || a == "" {
		return ""
	}
	return scrape.NewIdentityKey(n, a)
}

// Normalize applies the identity normalization to a single field.
func Normalize(s string) string {
	// A Caser keeps state between calls and cannot be shared across goroutines.
	folded := cases.Fold().String(norm.NFKC.String(s))
	mapped := strings.Map(func(r rune) rune {
		switch {
		case isSeparator(r):
			return ' '
		case unicode.IsPunct(r), unicode.IsSymbol(r), unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, folded)
	return strings.Join(strings.Fields(mapped), " ")
}

// isSeparator reports punctuation that splits words rather than decorating them.
func isSeparator(r rune) bool {
	switch r {
	case ',', ';', ':', '/', '\\', '|', '(', ')', '[', ']', '{', '}':
		return true
	}
	return unicode.Is(unicode.Pd, r) || unicode.IsSpace(r)
}
