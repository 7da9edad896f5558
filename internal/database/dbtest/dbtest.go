// Package dbtest opens migrated in-memory SQLite databases for tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"vilniustech/student-portal/internal/database"
	"vilniustech/student-portal/internal/migrations"
)

// Open returns a fresh in-memory database with every migration applied.
// The handle is closed when the test ends.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrations.Up(ctx, db.DB, database.DialectSQLite))
	return db
}

// InsertUser adds a bare user row and returns its id.
func InsertUser(t testing.TB, db *sqlx.DB, username, email string) int64 {
	t.Helper()

	var mail any
	if email != "" {
		mail = email
	}
	var id int64
	err := db.QueryRowx(
		`INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, 'x', 0) RETURNING id`,
		username, mail,
	).Scan(&id)
	require.NoError(t, err)
	return id
}
