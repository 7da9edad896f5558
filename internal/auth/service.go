package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/samber/oops"

	"vilniustech/student-portal/internal/identity"
)

const (
	minPasswordLength = 6
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLength = 72
	minUsernameLength = 3

	defaultResetTTL      = 15 * time.Minute
	defaultResetCooldown = time.Minute
	defaultStoreTimeout  = 5 * time.Second
)

type Service struct {
	store    CredentialStore
	hasher   PasswordHasher
	resolver *identity.Resolver
	notifier ResetNotifier
	log      *slog.Logger

	schoolEmail        *regexp.Regexp
	resetTTL           time.Duration
	resetCooldown      time.Duration
	storeTimeout       time.Duration
	uniformLoginErrors bool
	publicBaseURL      string

	nowFunc func() time.Time
}

type ServiceConfig struct {
	Hasher   PasswordHasher
	Resolver *identity.Resolver
	Notifier ResetNotifier
	Logger   *slog.Logger

	// SchoolEmailPattern restricts registration emails. Nil accepts any address.
	SchoolEmailPattern *regexp.Regexp
	ResetTokenTTL      time.Duration
	ResetCooldown      time.Duration
	StoreTimeout       time.Duration
	// UniformLoginErrors collapses unknown-user and wrong-password into
	// ErrInvalidCredentials.
	UniformLoginErrors bool
	PublicBaseURL      string
}

func NewService(store CredentialStore, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("password hasher is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if cfg.ResetTokenTTL < 0 || cfg.ResetCooldown < 0 || cfg.StoreTimeout < 0 {
		return nil, fmt.Errorf("durations must be >= 0")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}

	s := &Service{
		store:              store,
		hasher:             cfg.Hasher,
		resolver:           cfg.Resolver,
		notifier:           notifier,
		log:                logger,
		schoolEmail:        cfg.SchoolEmailPattern,
		resetTTL:           cfg.ResetTokenTTL,
		resetCooldown:      cfg.ResetCooldown,
		storeTimeout:       cfg.StoreTimeout,
		uniformLoginErrors: cfg.UniformLoginErrors,
		publicBaseURL:      strings.TrimRight(cfg.PublicBaseURL, "/"),
		nowFunc:            time.Now,
	}
	if s.resetTTL == 0 {
		s.resetTTL = defaultResetTTL
	}
	if s.resetCooldown == 0 {
		s.resetCooldown = defaultResetCooldown
	}
	if s.storeTimeout == 0 {
		s.storeTimeout = defaultStoreTimeout
	}
	return s, nil
}

// Resolver returns the role resolver the service checks reserved identities with.
func (s *Service) Resolver() *identity.Resolver {
	return s.resolver
}

// withStore runs fn under the store deadline. A deadline hit becomes
// ErrStoreUnavailable.
func (s *Service) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return oops.Code("STORE_UNAVAILABLE").With("operation", op).Wrap(errors.Join(ErrStoreUnavailable, err))
	}
	return err
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Username = strings.TrimSpace(in.Username)
	in.Email = identity.Normalize(in.Email)

	var problems []string
	if in.FirstName == "" || in.LastName == "" || in.Username == "" || in.Email == "" || in.Password == "" || in.ConfirmPassword == "" {
		problems = append(problems, "Please enter all fields")
	}
	if in.Password != in.ConfirmPassword {
		problems = append(problems, "Passwords do not match")
	}
	if in.Password != "" && len(in.Password) < minPasswordLength {
		problems = append(problems, "Password must be at least 6 characters")
	}
	if len(in.Password) > maxPasswordLength {
		problems = append(problems, "Password must be at most 72 bytes")
	}
	if s.resolver.IsReservedAdmin(identity.Candidate{Username: in.Username, Email: in.Email}) {
		problems = append(problems, "This identity is reserved for the system administrator")
	}
	if in.Email != "" && s.schoolEmail != nil && !s.schoolEmail.MatchString(in.Email) {
		problems = append(problems, "only school mail is accepted.")
	}
	if len(problems) > 0 {
		return User{}, invalid(problems...)
	}

	var coll Collisions
	err := s.withStore(ctx, "find collisions", func(ctx context.Context) error {
		var err error
		coll, err = s.store.FindCollisions(ctx, in.Username, in.Email)
		return err
	})
	if err != nil {
		return User{}, err
	}
	if coll.Any() {
		switch {
		case coll.Email && coll.Username:
			return User{}, conflict("Email already exists", "Username already exists")
		case coll.Email:
			return User{}, conflict("Email already exists")
		default:
			return User{}, conflict("Username already exists")
		}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return User{}, err
	}

	var created User
	err = s.withStore(ctx, "create user", func(ctx context.Context) error {
		var err error
		created, err = s.store.CreateUser(ctx, NewUser{
			FirstName:         in.FirstName,
			LastName:          in.LastName,
			Username:          in.Username,
			Email:             in.Email,
			PasswordHash:      hash,
			Role:              identity.RoleStudent,
			PreferredLanguage: identity.NormalizeLanguage(in.PreferredLanguage),
			CreatedAt:         s.nowFunc(),
			WithRosterEntry:   true,
		})
		return err
	})
	if errors.Is(err, ErrConflict) {
		return User{}, conflict(conflictMessage(err))
	}
	if err != nil {
		return User{}, err
	}
	return created, nil
}

// Login authenticates by username or email. The returned user carries the
// effective role.
func (s *Service) Login(ctx context.Context, identifier, password string) (User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return User{}, invalid("Please enter email/username and password")
	}

	var u User
	err := s.withStore(ctx, "find user", func(ctx context.Context) error {
		var err error
		u, err = s.store.FindByIdentifier(ctx, identifier)
		return err
	})
	if errors.Is(err, ErrUserNotFound) {
		return User{}, s.loginFailure(ErrUserNotFound)
	}
	if err != nil {
		return User{}, err
	}

	ok, err := s.hasher.Verify(password, u.PasswordHash)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, s.loginFailure(ErrPasswordIncorrect)
	}

	u.Role = s.resolver.EffectiveRole(u.Identity())
	return u, nil
}

func (s *Service) loginFailure(err error) error {
	if s.uniformLoginErrors {
		return ErrInvalidCredentials
	}
	return err
}

// Profile reloads a user with the effective role applied.
func (s *Service) Profile(ctx context.Context, userID int64) (User, error) {
	var u User
	err := s.withStore(ctx, "find user by id", func(ctx context.Context) error {
		var err error
		u, err = s.store.FindByID(ctx, userID)
		return err
	})
	if err != nil {
		return User{}, err
	}
	u.Role = s.resolver.EffectiveRole(u.Identity())
	return u, nil
}

// ChangeUsername re-authenticates the user with currentIdentity (their
// username or email) and password before renaming the account.
func (s *Service) ChangeUsername(ctx context.Context, userID int64, currentIdentity, password, newUsername string) (User, error) {
	currentIdentity = strings.TrimSpace(currentIdentity)
	newUsername = strings.TrimSpace(newUsername)
	if currentIdentity == "" || password == "" || newUsername == "" {
		return User{}, invalid("Please fill all username change fields")
	}
	if len(newUsername) < minUsernameLength {
		return User{}, invalid("New username must be at least 3 characters")
	}

	u, err := s.Profile(ctx, userID)
	if err != nil {
		return User{}, err
	}

	id := identity.Normalize(currentIdentity)
	email := ""
	if u.Email != nil {
		email = identity.Normalize(*u.Email)
	}
	if id != identity.Normalize(u.Username) && id != email {
		return User{}, invalid("Current identity does not match your account")
	}

	ok, err := s.hasher.Verify(password, u.PasswordHash)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, ErrPasswordIncorrect
	}

	// The reserved admin may keep or re-case its own identifier.
	if s.resolver.IsReservedAdmin(identity.Candidate{Username: newUsername}) && u.Role != identity.RoleAdmin {
		return User{}, invalid("This identity is reserved for the system administrator")
	}

	var taken bool
	err = s.withStore(ctx, "check username", func(ctx context.Context) error {
		var err error
		taken, err = s.store.UsernameTaken(ctx, newUsername, userID)
		return err
	})
	if err != nil {
		return User{}, err
	}
	if taken {
		return User{}, conflict("Username already exists")
	}

	u.Username = newUsername
	u.Role = s.resolver.EffectiveRole(u.Identity())
	err = s.withStore(ctx, "update username", func(ctx context.Context) error {
		return s.store.UpdateUsername(ctx, userID, newUsername, string(u.Role))
	})
	if errors.Is(err, ErrConflict) {
		return User{}, conflict("Username already exists")
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next, confirm string) error {
	if current == "" || next == "" || confirm == "" {
		return invalid("Please fill all password fields")
	}
	if len(next) < minPasswordLength {
		return invalid("New password must be at least 6 characters")
	}
	if len(next) > maxPasswordLength {
		return invalid("Password must be at most 72 bytes")
	}
	if next != confirm {
		return invalid("New passwords do not match")
	}

	u, err := s.Profile(ctx, userID)
	if err != nil {
		return err
	}
	ok, err := s.hasher.Verify(current, u.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPasswordIncorrect
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	return s.withStore(ctx, "update password", func(ctx context.Context) error {
		return s.store.UpdatePasswordHash(ctx, userID, hash)
	})
}

// RequestPasswordReset issues a reset link when the address belongs to an
// account and no link was issued within the cool-down. Callers always get the
// same outcome for unknown addresses.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = identity.Normalize(email)
	if email == "" {
		return invalid("Please enter your email address")
	}

	now := s.nowFunc()
	var (
		u      User
		issued bool
		raw    string
	)
	err := s.withStore(ctx, "request password reset", func(ctx context.Context) error {
		if _, err := s.store.SweepResetTokens(ctx, now); err != nil {
			return err
		}

		var err error
		u, err = s.store.FindByEmail(ctx, email)
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		recent, err := s.store.HasResetTokenSince(ctx, u.ID, now.Add(-s.resetCooldown))
		if err != nil || recent {
			return err
		}

		var hash string
		raw, hash, err = generateResetToken()
		if err != nil {
			return err
		}
		err = s.store.ReplaceResetToken(ctx, ResetToken{
			UserID:    u.ID,
			TokenHash: hash,
			ExpiresAt: now.Add(s.resetTTL).UnixMilli(),
			CreatedAt: now.UnixMilli(),
		})
		issued = err == nil
		return err
	})
	if err != nil {
		return err
	}
	if !issued {
		return nil
	}

	link := s.publicBaseURL + "/auth/reset-password/" + raw
	if err := s.notifier.SendResetLink(ctx, u, link); err != nil {
		// The token stays valid; the user can ask again after the cool-down.
		s.log.WarnContext(ctx, "reset link delivery failed", "user_id", u.ID, "error", err)
	}
	return nil
}

func (s *Service) ValidateResetToken(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrResetTokenInvalid
	}
	return s.withStore(ctx, "validate reset token", func(ctx context.Context) error {
		_, err := s.store.FindActiveResetToken(ctx, hashResetToken(raw), s.nowFunc())
		return err
	})
}

// ResetPassword redeems raw and sets a new password. It returns the id of
// the account that was updated.
func (s *Service) ResetPassword(ctx context.Context, raw, next, confirm string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrResetTokenInvalid
	}
	if next == "" || confirm == "" {
		return 0, invalid("Please fill all password fields")
	}
	if len(next) < minPasswordLength {
		return 0, invalid("Password must be at least 6 characters")
	}
	if len(next) > maxPasswordLength {
		return 0, invalid("Password must be at most 72 bytes")
	}
	if next != confirm {
		return 0, invalid("Passwords do not match")
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return 0, err
	}

	var userID int64
	err = s.withStore(ctx, "redeem reset token", func(ctx context.Context) error {
		var err error
		userID, err = s.store.RedeemResetToken(ctx, hashResetToken(raw), hash, s.nowFunc())
		return err
	})
	if err != nil {
		return 0, err
	}
	return userID, nil
}

// SweepResetTokens drops expired and redeemed reset tokens.
func (s *Service) SweepResetTokens(ctx context.Context) (int64, error) {
	var n int64
	err := s.withStore(ctx, "sweep reset tokens", func(ctx context.Context) error {
		var err error
		n, err = s.store.SweepResetTokens(ctx, s.nowFunc())
		return err
	})
	return n, err
}

// UpdatePreferredLanguage stores the normalized language and returns it.
func (s *Service) UpdatePreferredLanguage(ctx context.Context, userID int64, lang string) (string, error) {
	lang = identity.NormalizeLanguage(lang)
	err := s.withStore(ctx, "update preferred language", func(ctx context.Context) error {
		return s.store.UpdatePreferredLanguage(ctx, userID, lang)
	})
	if err != nil {
		return "", err
	}
	return lang, nil
}

type AdminSeed struct {
	User    User
	Created bool
	// GeneratedPassword is set when the account was created without a
	// configured password.
	GeneratedPassword string
}

// EnsureAdmin makes sure the reserved administrator account exists. An
// account already matching the identifier by username or email is
// normalized in place.
func (s *Service) EnsureAdmin(ctx context.Context, password string) (AdminSeed, error) {
	ident := s.resolver.Identifier()

	var existing User
	err := s.withStore(ctx, "find admin", func(ctx context.Context) error {
		var err error
		existing, err = s.store.FindByIdentifier(ctx, ident)
		return err
	})
	switch {
	case err == nil:
		if existing.Username != ident || existing.Email == nil || *existing.Email != ident || existing.Role != identity.RoleAdmin {
			err = s.withStore(ctx, "normalize admin", func(ctx context.Context) error {
				return s.store.NormalizeAdmin(ctx, existing.ID, ident)
			})
			if err != nil {
				return AdminSeed{}, oops.Code("ADMIN_SEED_FAILED").With("operation", "normalize admin").Wrap(err)
			}
			existing.Username = ident
			existing.Email = &ident
		}
		existing.Role = identity.RoleAdmin
		return AdminSeed{User: existing}, nil
	case !errors.Is(err, ErrUserNotFound):
		return AdminSeed{}, err
	}

	seed := AdminSeed{Created: true}
	if password == "" {
		password, err = generateAdminPassword()
		if err != nil {
			return AdminSeed{}, err
		}
		seed.GeneratedPassword = password
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return AdminSeed{}, err
	}

	err = s.withStore(ctx, "create admin", func(ctx context.Context) error {
		var err error
		seed.User, err = s.store.CreateUser(ctx, NewUser{
			FirstName:         "System",
			LastName:          "Administrator",
			Username:          ident,
			Email:             ident,
			PasswordHash:      hash,
			Role:              identity.RoleAdmin,
			PreferredLanguage: identity.DefaultLanguage,
			CreatedAt:         s.nowFunc(),
		})
		return err
	})
	if err != nil {
		return AdminSeed{}, oops.Code("ADMIN_SEED_FAILED").With("operation", "create admin").Wrap(err)
	}
	return seed, nil
}

func generateAdminPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate admin password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
