package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectFor(t *testing.T) {
	assert.Equal(t, DialectPostgres, DialectFor("postgres://u:p@localhost/portal"))
	assert.Equal(t, DialectPostgres, DialectFor("PostgreSQL://localhost/portal"))
	assert.Equal(t, DialectSQLite, DialectFor("./data/portal.sqlite"))
	assert.Equal(t, DialectSQLite, DialectFor(":memory:"))
}

func TestSQLiteDSNAddsPragmas(t *testing.T) {
	assert.Equal(t, "./a.db?"+sqlitePragmas, sqliteDSN("./a.db"))
	assert.Equal(t, "file:a.db?mode=rwc&"+sqlitePragmas, sqliteDSN("file:a.db?mode=rwc"))
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "portal.sqlite")
	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, DialectSQLite, DialectOf(db))
	assert.FileExists(t, path)

	var fk int
	require.NoError(t, db.Get(&fk, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, fk)
}

func TestUniqueViolationSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT, username TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX users_email_lower_idx ON users (lower(email))`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX users_username_lower_idx ON users (lower(username))`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO users (email, username) VALUES ('a@x.lt', 'alice')`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO users (email, username) VALUES ('A@x.lt', 'bob')`)
	target, ok := UniqueViolation(err)
	require.True(t, ok, "err: %v", err)
	assert.Contains(t, target, "email")

	_, err = db.ExecContext(ctx, `INSERT INTO users (email, username) VALUES ('b@x.lt', 'ALICE')`)
	target, ok = UniqueViolation(err)
	require.True(t, ok, "err: %v", err)
	assert.Contains(t, target, "username")
}

func TestUniqueViolationPostgres(t *testing.T) {
	err := &pq.Error{Code: "23505", Constraint: "users_email_lower_idx"}
	target, ok := UniqueViolation(err)
	require.True(t, ok)
	assert.Contains(t, target, "email")

	_, ok = UniqueViolation(&pq.Error{Code: "23503"})
	assert.False(t, ok)
	_, ok = UniqueViolation(errors.New("boom"))
	assert.False(t, ok)
	_, ok = UniqueViolation(nil)
	assert.False(t, ok)
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "sqlmock")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE users SET role = 'student'")
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	err = WithTx(context.Background(), db, nil, func(context.Context, *sqlx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)

	mock.ExpectBegin()
	mock.ExpectRollback()
	assert.Panics(t, func() {
		_ = WithTx(context.Background(), db, nil, func(context.Context, *sqlx.Tx) error { panic("oops") })
	})

	require.NoError(t, mock.ExpectationsWereMet())
}
