package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/width"
)

var upper = cases.Upper(language.Und)

// NormalizeCode folds full-width characters, drops whitespace and upper-cases a voucher code,
// so "ｓａｖｅ １０" and "save10" resolve to the same voucher.
func NormalizeCode(raw string) string {
	folded := width.Fold.String(strings.TrimSpace(raw))
	folded = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, folded)
	return upper.String(folded)
}
