package surrogate

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Canonicalize normalizes a raw value before lookup: NFKC normalization,
// Unicode case folding, punctuation and symbol removal, whitespace collapse.
// "O'Brien" and "OBRIEN" both become "obrien".
func Canonicalize(raw string) string {
	s := norm.NFKC.String(raw)
	s = folder.String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
