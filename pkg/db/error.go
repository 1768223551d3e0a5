package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	message := err.Error()

	// PostgreSQL (error code 23505) surfaced as text by some drivers
	if strings.Contains(message, "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(message, "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(message, "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsRetryableErr reports storage failures that are safe to retry as a whole:
// serialization failures, deadlocks, lock timeouts, busy sqlite files and dropped connections.
func IsRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return true
		}
		// Class 08: connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	message := err.Error()
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "connection refused") ||
		strings.Contains(message, "bad connection")
}
