// Package pgutils classifies PostgreSQL driver errors by SQLSTATE code.
package pgutils

import "strings"

// SQLSTATE class 23 (integrity constraint violation) codes the stores
// care about. See https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
)

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return hasCode(err, CodeUniqueViolation)
}

// IsForeignKeyViolation reports whether err is a foreign key violation.
func IsForeignKeyViolation(err error) bool {
	return hasCode(err, CodeForeignKeyViolation)
}

// hasCode matches on the error text rather than a concrete driver type, so
// it works for errors wrapped by bun as well as raw pgx errors.
func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), code)
}
