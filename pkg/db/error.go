package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrStorageConflict reports that a transaction could not be serialized
// within the retry budget. Nothing was committed; callers may retry.
var ErrStorageConflict = errors.New("storage_conflict")

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || HasPGCode(err, "23505") {
		return true
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "duplicate key value violates unique constraint"):
		return true
	case strings.Contains(msg, "Error 1062"):
		return true
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return true
	}
	return false
}

// IsConflictErr reports serialization failures, deadlocks and lock timeouts.
func IsConflictErr(err error) bool {
	if err == nil {
		return false
	}
	if IsSerializationFailure(err) || IsDeadlock(err) || IsLockTimeout(err) {
		return true
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "SQLITE_BUSY"):
		return true
	case strings.Contains(msg, "Error 1213"), strings.Contains(msg, "Error 1205"):
		return true
	}
	return false
}

func IsSerializationFailure(err error) bool {
	return HasPGCode(err, "40001")
}

func IsDeadlock(err error) bool {
	return HasPGCode(err, "40P01")
}

func IsLockTimeout(err error) bool {
	return HasPGCode(err, "55P03")
}

func HasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
