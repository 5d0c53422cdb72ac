package htmldoc

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
)

// cascadia accepts a few pseudo-classes no browser does. Rejecting them
// keeps offline selectors valid for document.querySelectorAll on the live
// page.
var extensionPseudos = []string{
	":contains", ":containsown", ":matches", ":matchesown", ":haschild", ":input",
}

// CompileSelector compiles a CSS selector group. It accepts what both
// cascadia and the browser's querySelectorAll accept: type, class, id,
// attribute selectors with any operator, combinators (descendant, >, +, ~),
// selector lists and the standard structural pseudo-classes.
func CompileSelector(sel string) (cascadia.Matcher, error) {
	if strings.TrimSpace(sel) == "" {
		return nil, fmt.Errorf("htmldoc: empty selector")
	}
	bare := strings.ToLower(unquoted(sel))
	for _, p := range extensionPseudos {
		if hasPseudo(bare, p) {
			return nil, fmt.Errorf("htmldoc: selector %q: %s is not supported by browsers", sel, p)
		}
	}
	m, err := cascadia.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: selector %q: %w", sel, err)
	}
	return m, nil
}

// unquoted blanks out quoted strings so attribute values are never read as
// selector syntax.
func unquoted(sel string) string {
	var b strings.Builder
	var quote rune
	for _, r := range sel {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			b.WriteByte(' ')
		case r == '"' || r == '\'':
			quote = r
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// hasPseudo reports whether name occurs in sel as a whole pseudo-class.
func hasPseudo(sel, name string) bool {
	for i := 0; ; {
		j := strings.Index(sel[i:], name)
		if j < 0 {
			return false
		}
		end := i + j + len(name)
		if end == len(sel) || !isIdentByte(sel[end]) {
			return true
		}
		i = end
	}
}

func isIdentByte(c byte) bool {
	return c == '-' || c == '_' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
