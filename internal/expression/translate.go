package expression

import "strings"

// Translate rewrites the C-style operators accepted in audience predicates
// into their Lua spelling: && and || become and/or, != becomes ~=, a lone !
// becomes not, and the null literal becomes nil. String literals are copied
// untouched.
func Translate(src string) string {
	var b strings.Builder
	b.Grow(len(src) + 8)

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"':
			j := quotedEnd(src, i)
			b.WriteString(src[i:j])
			i = j
		case strings.HasPrefix(src[i:], "&&"):
			b.WriteString(" and ")
			i += 2
		case strings.HasPrefix(src[i:], "||"):
			b.WriteString(" or ")
			i += 2
		case strings.HasPrefix(src[i:], "!="):
			b.WriteString("~=")
			i += 2
		case c == '!':
			b.WriteString(" not ")
			i++
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			if word == "null" && !afterDot(src, i) {
				word = "nil"
			}
			b.WriteString(word)
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// quotedEnd returns the index just past the string literal starting at i.
func quotedEnd(src string, i int) int {
	q := src[i]
	j := i + 1
	for j < len(src) && src[j] != q {
		if src[j] == '\\' {
			j++
		}
		j++
	}
	if j < len(src) {
		j++
	}
	return min(j, len(src))
}

// Lua keywords that open loops or function bodies. A predicate is a single
// expression and never needs them.
var statementKeywords = map[string]bool{
	"function": true,
	"while":    true,
	"repeat":   true,
	"for":      true,
	"goto":     true,
}

// statementKeyword returns the first loop or function keyword used outside
// a string literal, if any.
func statementKeyword(src string) (string, bool) {
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"':
			i = quotedEnd(src, i)
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			if word := src[i:j]; statementKeywords[word] && !afterDot(src, i) {
				return word, true
			}
			i = j
		default:
			i++
		}
	}
	return "", false
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// afterDot reports whether the identifier at i is a field access.
func afterDot(src string, i int) bool {
	for i > 0 {
		i--
		switch src[i] {
		case ' ', '\t':
			continue
		case '.':
			return true
		default:
			return false
		}
	}
	return false
}
