package query

import (
	"errors"
	"strings"
)

// ErrMultipleStatements indicates the request contains more than one SQL
// statement. The executor runs exactly one statement per request.
var ErrMultipleStatements = errors.New("multiple SQL statements not allowed")

// normalizeStatement trims whitespace, strips a single trailing semicolon and
// rejects input that still contains a statement separator. String literals
// are skipped so a semicolon inside quotes does not trip the check.
func normalizeStatement(sqlQuery string) (string, error) {
	sqlQuery = strings.TrimSpace(sqlQuery)
	sqlQuery = strings.TrimSuffix(sqlQuery, ";")
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")

	if containsBareSemicolon(sqlQuery) {
		return "", ErrMultipleStatements
	}
	return sqlQuery, nil
}

// containsBareSemicolon reports whether sqlQuery has a semicolon outside of
// single- or double-quoted literals.
func containsBareSemicolon(sqlQuery string) bool {
	var inSingle, inDouble bool
	var prev rune

	for _, ch := range sqlQuery {
		switch {
		case inSingle:
			// Doubled quotes ('') flip state twice and stay inside the literal.
			if ch == '\'' && prev != '\\' {
				inSingle = false
			}
		case inDouble:
			if ch == '"' && prev != '\\' {
				inDouble = false
			}
		default:
			switch ch {
			case ';':
				return true
			case '\'':
				inSingle = true
			case '"':
				inDouble = true
			}
		}
		prev = ch
	}
	return false
}
