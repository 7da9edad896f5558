package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"vilniustech/student-portal/internal/database"
	"vilniustech/student-portal/internal/roster"
)

const userColumns = `id, username, email, password_hash, role, avatar_url, first_name, last_name, preferred_language, created_at`

// SQLStore implements CredentialStore on SQLite or Postgres.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &SQLStore{db: db}, nil
}

// FindByIdentifier matches username or email. Registration keeps the two
// namespaces disjoint, so at most one account matches.
func (s *SQLStore) FindByIdentifier(ctx context.Context, identifier string) (User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users
		WHERE lower(email) = lower(?) OR lower(username) = lower(?)
		ORDER BY id
		LIMIT 1`, identifier, identifier)
}

func (s *SQLStore) FindByID(ctx context.Context, id int64) (User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *SQLStore) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower(?) LIMIT 1`, email)
}

func (s *SQLStore) getUser(ctx context.Context, query string, args ...any) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// FindCollisions reports accounts whose username or email already uses the
// requested username or email, in either field.
func (s *SQLStore) FindCollisions(ctx context.Context, username, email string) (Collisions, error) {
	var rows []struct {
		Username string         `db:"username"`
		Email    sql.NullString `db:"email"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT username, email FROM users
		WHERE lower(email) = lower(?) OR lower(username) = lower(?)
		OR lower(username) = lower(?) OR lower(email) = lower(?)`), email, username, email, username)
	if err != nil {
		return Collisions{}, fmt.Errorf("query collisions: %w", err)
	}

	var c Collisions
	for _, r := range rows {
		if email != "" && (strings.EqualFold(r.Username, email) || r.Email.Valid && strings.EqualFold(r.Email.String, email)) {
			c.Email = true
		}
		if username != "" && (strings.EqualFold(r.Username, username) || r.Email.Valid && strings.EqualFold(r.Email.String, username)) {
			c.Username = true
		}
	}
	return c, nil
}

// UsernameTaken reports whether another account uses username as its
// username or email.
func (s *SQLStore) UsernameTaken(ctx context.Context, username string, excludeID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM users
		WHERE (lower(username) = lower(?) OR lower(email) = lower(?)) AND id <> ?`), username, username, excludeID)
	if err != nil {
		return false, fmt.Errorf("query username: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	var created User
	err := database.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO users
			(first_name, last_name, username, email, password_hash, role, preferred_language, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING `+userColumns),
			nullString(nu.FirstName), nullString(nu.LastName), nu.Username, nullString(nu.Email),
			nu.PasswordHash, string(nu.Role), nu.PreferredLanguage, nu.CreatedAt.UnixMilli(),
		).StructScan(&created)
		if err != nil {
			return translateUnique(err, "insert user")
		}
		if !nu.WithRosterEntry {
			return nil
		}

		name := firstNonEmpty(nu.FirstName, nu.Username, "Student")
		surname := firstNonEmpty(nu.LastName, "User")
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO students
			(name, surname, student_id, email, user_id, group_name, created_at)
			VALUES (?, ?, ?, ?, ?, NULL, ?)
			ON CONFLICT DO NOTHING`),
			name, surname, roster.AutoStudentID(created.ID), nullString(nu.Email), created.ID, nu.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert roster entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return User{}, err
	}
	return created, nil
}

func (s *SQLStore) UpdateUsername(ctx context.Context, id int64, username string, role string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET username = ?, role = ? WHERE id = ?`), username, role, id)
	if err != nil {
		return translateUnique(err, "update username")
	}
	return requireRow(res)
}

func (s *SQLStore) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET password_hash = ? WHERE id = ?`), hash, id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) UpdatePreferredLanguage(ctx context.Context, id int64, lang string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET preferred_language = ? WHERE id = ?`), lang, id)
	if err != nil {
		return fmt.Errorf("update preferred language: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) NormalizeAdmin(ctx context.Context, id int64, identifier string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET username = ?, email = ?, role = 'admin' WHERE id = ?`), identifier, identifier, id)
	if err != nil {
		return translateUnique(err, "normalize admin")
	}
	return requireRow(res)
}

func (s *SQLStore) SweepResetTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM password_reset_tokens WHERE used_at IS NOT NULL OR expires_at < ?`), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep reset tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) HasResetTokenSince(ctx context.Context, userID int64, since time.Time) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM password_reset_tokens WHERE user_id = ? AND created_at > ?`), userID, since.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("query recent reset token: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) ReplaceResetToken(ctx context.Context, t ResetToken) error {
	return database.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM password_reset_tokens WHERE user_id = ? AND used_at IS NULL`), t.UserID); err != nil {
			return fmt.Errorf("drop unused reset tokens: %w", err)
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO password_reset_tokens (user_id, token_hash, expires_at, created_at) VALUES (?, ?, ?, ?)`),
			t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert reset token: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) FindActiveResetToken(ctx context.Context, tokenHash string, now time.Time) (ResetToken, error) {
	var t ResetToken
	err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT id, user_id, token_hash, expires_at, created_at, used_at
		FROM password_reset_tokens
		WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?
		LIMIT 1`), tokenHash, now.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return ResetToken{}, ErrResetTokenInvalid
	}
	if err != nil {
		return ResetToken{}, fmt.Errorf("query reset token: %w", err)
	}
	return t, nil
}

func (s *SQLStore) RedeemResetToken(ctx context.Context, tokenHash, passwordHash string, now time.Time) (int64, error) {
	var userID int64
	err := database.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		// The conditional update is the commit point: only one redemption can flip used_at.
		err := tx.QueryRowxContext(ctx, tx.Rebind(`UPDATE password_reset_tokens SET used_at = ?
			WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?
			RETURNING user_id`), now.UnixMilli(), tokenHash, now.UnixMilli()).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrResetTokenInvalid
		}
		if err != nil {
			return fmt.Errorf("consume reset token: %w", err)
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE users SET password_hash = ? WHERE id = ?`), passwordHash, userID)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if err := requireRow(res); err != nil {
			return ErrResetTokenInvalid
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE password_reset_tokens SET used_at = ? WHERE user_id = ? AND used_at IS NULL`), now.UnixMilli(), userID); err != nil {
			return fmt.Errorf("invalidate sibling reset tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return userID, nil
}

func translateUnique(err error, op string) error {
	target, ok := database.UniqueViolation(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case strings.Contains(target, "email"):
		return ErrDuplicateEmail
	case strings.Contains(target, "username"):
		return ErrDuplicateUsername
	default:
		return ErrDuplicateIdentity
	}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
