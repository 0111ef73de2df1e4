// Package query implements the canonicaliser: parsing a SQL SELECT into a
// syntax tree, rewriting table/column references onto stable aliases, and
// normalising literals so logically equivalent queries converge onto the
// same text (and therefore the same fingerprint).
package query

import "fmt"

// Error is returned when a query cannot be parsed, or parses to a statement
// other than a SELECT or a set operation over SELECTs. It is the sole error kind
// the canonicaliser raises; everything past parsing is a pure, panic-free
// transform.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query: invalid query: %s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func invalidQuery(cause error, format string, a ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, a...), Err: cause}
}
