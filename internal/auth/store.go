package auth

import (
	"context"
	"time"
)

// CredentialStore persists users and password reset tokens. Lookups by
// username or email are case-insensitive. Unique violations surface as
// ErrDuplicateEmail, ErrDuplicateUsername or ErrDuplicateIdentity.
type CredentialStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindCollisions(ctx context.Context, username, email string) (Collisions, error)
	UsernameTaken(ctx context.Context, username string, excludeID int64) (bool, error)

	CreateUser(ctx context.Context, u NewUser) (User, error)
	UpdateUsername(ctx context.Context, id int64, username string, role string) error
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	UpdatePreferredLanguage(ctx context.Context, id int64, lang string) error
	// NormalizeAdmin rewrites an existing account to the reserved identity.
	NormalizeAdmin(ctx context.Context, id int64, identifier string) error

	// SweepResetTokens deletes used and expired tokens.
	SweepResetTokens(ctx context.Context, now time.Time) (int64, error)
	HasResetTokenSince(ctx context.Context, userID int64, since time.Time) (bool, error)
	// ReplaceResetToken drops the user's unused tokens and stores t.
	ReplaceResetToken(ctx context.Context, t ResetToken) error
	FindActiveResetToken(ctx context.Context, tokenHash string, now time.Time) (ResetToken, error)
	// RedeemResetToken consumes the token, stores the new password hash and
	// invalidates the user's other unused tokens as one unit. It returns
	// ErrResetTokenInvalid when the token is no longer redeemable.
	RedeemResetToken(ctx context.Context, tokenHash, passwordHash string, now time.Time) (int64, error)
}
