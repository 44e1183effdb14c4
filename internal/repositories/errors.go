package repositories

import (
	"context"
	"errors"
	"strings"

	sqlite "modernc.org/sqlite"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	agent, err := repo.GetByAgentID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example registering a project name that already exists.
var ErrConflict = errors.New("record already exists")

// ErrValidation is returned when input is rejected before touching the
// database, e.g. a permission level outside the four defined tokens.
var ErrValidation = errors.New("invalid input")

// SQLite primary result codes that signal contention rather than a broken
// statement. Extended codes (e.g. SQLITE_BUSY_SNAPSHOT) carry the primary
// code in the low byte.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// IsTransient reports whether err is a momentary storage failure worth
// retrying: SQLite busy/locked contention or a Postgres serialization /
// lock-wait failure. Everything else — constraint violations, missing rows,
// malformed input, cancelled contexts — is permanent and must surface to the
// caller immediately.
//
// The write pipeline (internal/writer) is the only caller that acts on this;
// it retries transient failures on a fixed backoff schedule.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
		return false
	}

	// pgconn.PgError implements SQLState without us importing pgx directly.
	var pe interface{ SQLState() string }
	if errors.As(err, &pe) {
		switch pe.SQLState() {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return true
		}
		return false
	}

	// Fallback for drivers that only expose message text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// isUniqueViolation reports whether err is a unique-constraint failure, the
// cue to return ErrConflict instead of a wrapped driver error. SQLITE_CONSTRAINT
// is primary code 19; Postgres signals unique_violation as SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == 19 {
		return strings.Contains(strings.ToLower(se.Error()), "unique")
	}

	var pe interface{ SQLState() string }
	if errors.As(err, &pe) {
		return pe.SQLState() == "23505"
	}

	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
