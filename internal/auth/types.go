package auth

import (
	"time"

	"vilniustech/student-portal/internal/identity"
)

type User struct {
	ID                int64         `db:"id"`
	Username          string        `db:"username"`
	Email             *string       `db:"email"`
	PasswordHash      string        `db:"password_hash"`
	Role              identity.Role `db:"role"`
	AvatarURL         *string       `db:"avatar_url"`
	FirstName         *string       `db:"first_name"`
	LastName          *string       `db:"last_name"`
	PreferredLanguage string        `db:"preferred_language"`
	CreatedAt         int64         `db:"created_at"`
}

func (u User) Identity() identity.Candidate {
	c := identity.Candidate{Username: u.Username}
	if u.Email != nil {
		c.Email = *u.Email
	}
	return c
}

type NewUser struct {
	FirstName         string
	LastName          string
	Username          string
	Email             string
	PasswordHash      string
	Role              identity.Role
	PreferredLanguage string
	CreatedAt         time.Time
	// WithRosterEntry provisions the REG-AUTO roster row in the same transaction.
	WithRosterEntry bool
}

type ResetToken struct {
	ID        int64  `db:"id"`
	UserID    int64  `db:"user_id"`
	TokenHash string `db:"token_hash"`
	ExpiresAt int64  `db:"expires_at"`
	CreatedAt int64  `db:"created_at"`
	UsedAt    *int64 `db:"used_at"`
}

type RegisterInput struct {
	FirstName         string
	LastName          string
	Username          string
	Email             string
	Password          string
	ConfirmPassword   string
	PreferredLanguage string
}

// Collisions reports which identity fields an existing account already uses.
type Collisions struct {
	Email    bool
	Username bool
}

func (c Collisions) Any() bool {
	return c.Email || c.Username
}
