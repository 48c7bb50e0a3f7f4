package feedback

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// normalize folds case, unifies apostrophes, drops punctuation and collapses
// whitespace so phrase matching is case and whitespace insensitive.
// The result is padded with single spaces for word-boundary matching.
func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)

	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range s {
		switch {
		case r == '’' || r == '‘' || r == '\'':
			b.WriteRune('\'')
			space = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// pattern is a target phrase split on its "..." placeholders into fragments
// that must appear in order.
type pattern []string

func compile(phrase string) pattern {
	var p pattern
	for _, part := range strings.Split(phrase, "...") {
		if frag := strings.TrimSpace(normalize(part)); frag != "" {
			p = append(p, " "+frag+" ")
		}
	}
	return p
}

// matches reports whether text, already normalized, contains every fragment
// in order.
func (p pattern) matches(text string) bool {
	if len(p) == 0 {
		return false
	}
	rest := text
	for _, frag := range p {
		i := strings.Index(rest, frag)
		if i < 0 {
			return false
		}
		// keep the trailing space so the next fragment can start on it
		rest = rest[i+len(frag)-1:]
	}
	return true
}
