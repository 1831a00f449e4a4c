package query

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// LikeMatcher tests strings against a compiled LIKE pattern.
type LikeMatcher struct {
	re *regexp.Regexp
}

// CompileLike compiles a SQL LIKE pattern (spec §3): `%` matches any
// run of characters, `_` matches a single character, `\` escapes the
// following character. A pattern ending in an unescaped `\` is an
// error. caseInsensitive selects ILIKE semantics.
func CompileLike(pattern string, caseInsensitive bool) (*LikeMatcher, error) {
	var b strings.Builder
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '\\':
			i++
			if i >= len(runes) {
				return nil, errors.Errorf("LIKE pattern %q ends with a trailing escape", pattern)
			}
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")

	expr := b.String()
	if caseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling LIKE pattern %q", pattern)
	}
	return &LikeMatcher{re: re}, nil
}

// Test reports whether s matches the compiled pattern.
func (m *LikeMatcher) Test(s string) bool {
	return m.re.MatchString(s)
}
