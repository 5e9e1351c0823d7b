package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// uniqueViolation is the postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsUniqueViolation reports whether err is a postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}
