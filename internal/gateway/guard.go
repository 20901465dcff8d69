package gateway

import (
	"strings"
	"unicode"
)

// trimStatement drops trailing whitespace, comments and semicolons until
// the text ends in code.
func trimStatement(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for {
		next := strings.TrimSpace(trimmed[:codeEnd(trimmed)])
		next = strings.TrimSpace(strings.TrimSuffix(next, ";"))
		if next == trimmed {
			return trimmed
		}
		trimmed = next
	}
}

// checkReadOnly returns the normalized statement, or the reason it is refused.
func checkReadOnly(sqlText string) (string, string) {
	normalized := trimStatement(sqlText)
	if normalized == "" {
		return "", "query is empty"
	}
	if !hasSelectPrefix(normalized) {
		return "", "only SELECT statements are allowed"
	}
	if hasStatementSeparator(normalized) {
		return "", "only a single statement is allowed"
	}
	return normalized, ""
}

func hasSelectPrefix(sqlText string) bool {
	const keyword = "select"
	if len(sqlText) < len(keyword) || !strings.EqualFold(sqlText[:len(keyword)], keyword) {
		return false
	}
	if len(sqlText) == len(keyword) {
		return true
	}
	next := rune(sqlText[len(keyword)])
	return !(unicode.IsLetter(next) || unicode.IsDigit(next) || next == '_')
}

// hasStatementSeparator finds a ';' outside quotes and comments.
func hasStatementSeparator(sqlText string) bool {
	found := false
	scanCode(sqlText, func(_ int, c byte, quoted bool) bool {
		found = c == ';' && !quoted
		return !found
	})
	return found
}

// codeEnd is the offset just past the last byte that is not whitespace or
// part of a comment.
func codeEnd(sqlText string) int {
	end := 0
	scanCode(sqlText, func(i int, c byte, quoted bool) bool {
		if quoted || !unicode.IsSpace(rune(c)) {
			end = i + 1
		}
		return true
	})
	return end
}

// scanCode calls visit for every byte outside comments, reporting whether it
// sits inside a quoted literal or identifier. Quote characters themselves
// count as quoted. Scanning stops when visit returns false.
func scanCode(sqlText string, visit func(i int, c byte, quoted bool) bool) {
	var quote byte
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		switch {
		case quote != 0:
			if c == quote {
				if i+1 < len(sqlText) && sqlText[i+1] == quote {
					if !visit(i, c, true) {
						return
					}
					i++
				} else {
					quote = 0
				}
			}
			if !visit(i, c, true) {
				return
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
			if !visit(i, c, true) {
				return
			}
		case c == '-' && i+1 < len(sqlText) && sqlText[i+1] == '-':
			end := strings.IndexByte(sqlText[i:], '\n')
			if end < 0 {
				return
			}
			i += end - 1
		case c == '/' && i+1 < len(sqlText) && sqlText[i+1] == '*':
			end := strings.Index(sqlText[i+2:], "*/")
			if end < 0 {
				return
			}
			i += end + 3
		default:
			if !visit(i, c, false) {
				return
			}
		}
	}
}
