package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vilniustech/student-portal/internal/database/dbtest"
	"vilniustech/student-portal/internal/identity"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	store, err := NewSQLStore(sqlx.NewDb(mockDB, "sqlmock"))
	require.NoError(t, err)
	return store, mock
}

func TestRedeemResetTokenRollsBackWhenNotRedeemable(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE password_reset_tokens SET used_at = \?\s+WHERE token_hash = \? AND used_at IS NULL AND expires_at > \?\s+RETURNING user_id`).
		WithArgs(now.UnixMilli(), "hash", now.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectRollback()

	_, err := store.RedeemResetToken(context.Background(), "hash", "new-hash", now)
	require.ErrorIs(t, err, ErrResetTokenInvalid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeemResetTokenUpdatesPasswordAndSiblings(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE password_reset_tokens SET used_at`).
		WithArgs(now.UnixMilli(), "hash", now.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(7)))
	mock.ExpectExec(`UPDATE users SET password_hash = \? WHERE id = \?`).
		WithArgs("new-hash", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE password_reset_tokens SET used_at = \? WHERE user_id = \? AND used_at IS NULL`).
		WithArgs(now.UnixMilli(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	userID, err := store.RedeemResetToken(context.Background(), "hash", "new-hash", now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), userID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceResetTokenRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM password_reset_tokens WHERE user_id = \? AND used_at IS NULL`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO password_reset_tokens`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.ReplaceResetToken(context.Background(), ResetToken{UserID: 3, TokenHash: "h", ExpiresAt: 2, CreatedAt: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserTranslatesUniqueViolations(t *testing.T) {
	db := dbtest.Open(t)
	store, err := NewSQLStore(db)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)

	_, err = store.CreateUser(ctx, NewUser{Username: "ana", Email: "ana@univ.lt", PasswordHash: "x", Role: identity.RoleStudent, PreferredLanguage: "en", CreatedAt: now})
	require.NoError(t, err)

	_, err = store.CreateUser(ctx, NewUser{Username: "other", Email: "ANA@univ.lt", PasswordHash: "x", Role: identity.RoleStudent, PreferredLanguage: "en", CreatedAt: now})
	require.ErrorIs(t, err, ErrDuplicateEmail)

	_, err = store.CreateUser(ctx, NewUser{Username: "Ana", PasswordHash: "x", Role: identity.RoleStudent, PreferredLanguage: "en", CreatedAt: now})
	require.ErrorIs(t, err, ErrDuplicateUsername)
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreateUserSkipsTakenRosterID(t *testing.T) {
	db := dbtest.Open(t)
	store, err := NewSQLStore(db)
	require.NoError(t, err)

	// A pre-existing REG-AUTO row for the next id is skipped, not fatal.
	_, err = db.Exec(`INSERT INTO students (name, surname, student_id, created_at) VALUES ('x', 'y', 'REG-AUTO-1', 0)`)
	require.NoError(t, err)

	u, err := store.CreateUser(context.Background(), NewUser{
		Username: "ana", PasswordHash: "x", Role: identity.RoleStudent, PreferredLanguage: "en",
		CreatedAt: time.Now(), WithRosterEntry: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)

	var linked int
	require.NoError(t, db.Get(&linked, `SELECT COUNT(*) FROM students WHERE user_id = ?`, u.ID))
	assert.Zero(t, linked)
}

func TestSweepResetTokens(t *testing.T) {
	db := dbtest.Open(t)
	store, err := NewSQLStore(db)
	require.NoError(t, err)
	uid := dbtest.InsertUser(t, db, "ana", "")
	now := time.UnixMilli(10_000)

	_, err = db.Exec(`INSERT INTO password_reset_tokens (user_id, token_hash, expires_at, created_at, used_at) VALUES
		(?, 'used', 20000, 1, 5),
		(?, 'expired', 9000, 1, NULL),
		(?, 'live', 20000, 1, NULL)`, uid, uid, uid)
	require.NoError(t, err)

	n, err := store.SweepResetTokens(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	tok, err := store.FindActiveResetToken(context.Background(), "live", now)
	require.NoError(t, err)
	assert.Equal(t, uid, tok.UserID)
}
