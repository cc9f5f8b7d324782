package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE classes for retryable transaction failures.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
)

// IsTransientConflict reports whether err is a transaction conflict worth
// retrying: a postgres serialization failure or deadlock, sqlite lock
// contention, or a unique-index violation. Unique violations are retryable
// because the schema's unique indexes only guard get-or-create rows: the
// retry re-reads and converges on whichever row won the race. Anything else
// is terminal for the attempt.
func IsTransientConflict(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgUniqueViolation:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"deadlock detected",
		"could not serialize access",
		"unique constraint failed",
		"duplicate key value violates unique",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
