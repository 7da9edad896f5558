package database

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// UniqueViolation reports whether err is a unique-constraint failure from
// either driver. target is the lowercased constraint, index or column text
// the driver named, for callers to map onto a field.
func UniqueViolation(err error) (target string, ok bool) {
	if err == nil {
		return "", false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code != "23505" {
			return "", false
		}
		return strings.ToLower(pqErr.Constraint + " " + pqErr.Detail), true
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		msg := liteErr.Error()
		switch code := liteErr.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		case code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(msg, "UNIQUE constraint failed"):
		default:
			return "", false
		}
		if i := strings.LastIndex(msg, "constraint failed:"); i >= 0 {
			msg = msg[i+len("constraint failed:"):]
		}
		return strings.ToLower(strings.TrimSpace(msg)), true
	}

	return "", false
}
