package auth

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"vilniustech/student-portal/internal/database/dbtest"
	"vilniustech/student-portal/internal/identity"
)

type capturingNotifier struct {
	mu    sync.Mutex
	links []string
}

func (n *capturingNotifier) SendResetLink(_ context.Context, _ User, link string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links = append(n.links, link)
	return nil
}

func (n *capturingNotifier) last(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.links)
	return n.links[len(n.links)-1]
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type fixture struct {
	svc      *Service
	db       *sqlx.DB
	notifier *capturingNotifier
	clock    *testClock
}

func newFixture(t *testing.T, mutate func(*ServiceConfig)) fixture {
	t.Helper()
	db := dbtest.Open(t)
	store, err := NewSQLStore(db)
	require.NoError(t, err)

	notifier := &capturingNotifier{}
	cfg := ServiceConfig{
		Hasher:             NewBcryptHasher(bcrypt.MinCost),
		Resolver:           identity.NewResolver(""),
		Notifier:           notifier,
		SchoolEmailPattern: regexp.MustCompile(`@univ\.lt$`),
		PublicBaseURL:      "http://portal.test/",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(store, cfg)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 2, 16, 10, 0, 0, 0, time.UTC)}
	svc.nowFunc = clock.Now
	return fixture{svc: svc, db: db, notifier: notifier, clock: clock}
}

func validRegistration() RegisterInput {
	return RegisterInput{
		FirstName:       "Ana",
		LastName:        "Kowalska",
		Username:        "ana",
		Email:           "Ana@univ.lt",
		Password:        "s3cret!",
		ConfirmPassword: "s3cret!",
	}
}

func countRows(t *testing.T, db *sqlx.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, query, args...))
	return n
}

func requireFormError(t *testing.T, err error, kind error, message string) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	fe, ok := AsFormError(err)
	require.True(t, ok, "expected *FormError, got %T", err)
	assert.Contains(t, fe.Messages, message)
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	_, err := NewService(nil, ServiceConfig{})
	require.Error(t, err)

	store, err := NewSQLStore(dbtest.Open(t))
	require.NoError(t, err)
	_, err = NewService(store, ServiceConfig{Resolver: identity.NewResolver("")})
	require.Error(t, err)
	_, err = NewService(store, ServiceConfig{Hasher: NewBcryptHasher(bcrypt.MinCost)})
	require.Error(t, err)
}

func TestRegisterCreatesUserAndRosterEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	u, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)
	assert.Equal(t, "ana", u.Username)
	require.NotNil(t, u.Email)
	assert.Equal(t, "ana@univ.lt", *u.Email)
	assert.Equal(t, identity.RoleStudent, u.Role)
	assert.Equal(t, identity.DefaultLanguage, u.PreferredLanguage)
	assert.NotEqual(t, "s3cret!", u.PasswordHash)

	var studentID string
	require.NoError(t, f.db.Get(&studentID, `SELECT student_id FROM students WHERE user_id = ?`, u.ID))
	assert.Equal(t, "REG-AUTO-"+strconv.FormatInt(u.ID, 10), studentID)
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegisterInput)
		want   string
	}{
		{"missing field", func(in *RegisterInput) { in.LastName = " " }, "Please enter all fields"},
		{"mismatch", func(in *RegisterInput) { in.ConfirmPassword = "other!!" }, "Passwords do not match"},
		{"short", func(in *RegisterInput) { in.Password, in.ConfirmPassword = "abc", "abc" }, "Password must be at least 6 characters"},
		{"school mail", func(in *RegisterInput) { in.Email = "ana@gmail.com" }, "only school mail is accepted."},
		{"reserved username", func(in *RegisterInput) { in.Username = " Admin@VilniusTech.lt " }, "This identity is reserved for the system administrator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			in := validRegistration()
			tt.mutate(&in)

			_, err := f.svc.Register(context.Background(), in)
			requireFormError(t, err, ErrValidation, tt.want)
			assert.Zero(t, countRows(t, f.db, `SELECT COUNT(*) FROM users`))
		})
	}
}

func TestRegisterReservedEmailWithOpenPattern(t *testing.T) {
	f := newFixture(t, func(cfg *ServiceConfig) { cfg.SchoolEmailPattern = nil })
	in := validRegistration()
	in.Email = "ADMIN@vilniustech.lt"

	_, err := f.svc.Register(context.Background(), in)
	requireFormError(t, err, ErrValidation, "This identity is reserved for the system administrator")
	assert.Zero(t, countRows(t, f.db, `SELECT COUNT(*) FROM users`))
}

func TestRegisterReportsCollisions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	in := validRegistration()
	in.Username = "ANA"
	in.Email = "other@univ.lt"
	_, err = f.svc.Register(ctx, in)
	requireFormError(t, err, ErrConflict, "Username already exists")

	in = validRegistration()
	in.Username = "someone"
	in.Email = "ANA@UNIV.LT"
	_, err = f.svc.Register(ctx, in)
	requireFormError(t, err, ErrConflict, "Email already exists")

	_, err = f.svc.Register(ctx, validRegistration())
	fe, ok := AsFormError(err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"Email already exists", "Username already exists"}, fe.Messages)
	assert.Equal(t, 1, countRows(t, f.db, `SELECT COUNT(*) FROM users`))
}

func TestLogin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	registered, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	for _, ident := range []string{"ana", "ANA", "ana@univ.lt", " Ana@Univ.LT "} {
		u, err := f.svc.Login(ctx, ident, "s3cret!")
		require.NoError(t, err, ident)
		assert.Equal(t, registered.ID, u.ID)
		assert.Equal(t, identity.RoleStudent, u.Role)
	}

	_, err = f.svc.Login(ctx, "nobody", "s3cret!")
	require.ErrorIs(t, err, ErrUserNotFound)
	require.ErrorIs(t, err, ErrAuthFailure)

	_, err = f.svc.Login(ctx, "ana", "wrong-password")
	require.ErrorIs(t, err, ErrPasswordIncorrect)
	require.ErrorIs(t, err, ErrAuthFailure)

	_, err = f.svc.Login(ctx, "", "")
	requireFormError(t, err, ErrValidation, "Please enter email/username and password")
}

func TestLoginUniformErrors(t *testing.T) {
	f := newFixture(t, func(cfg *ServiceConfig) { cfg.UniformLoginErrors = true })
	ctx := context.Background()
	_, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	_, errUnknown := f.svc.Login(ctx, "nobody", "s3cret!")
	_, errWrong := f.svc.Login(ctx, "ana", "wrong-password")
	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}

func TestRegisterRejectsCrossFieldCollisions(t *testing.T) {
	f := newFixture(t, func(cfg *ServiceConfig) { cfg.SchoolEmailPattern = nil })
	ctx := context.Background()
	owner, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	// A username equal to another account's email would shadow it at login.
	in := validRegistration()
	in.Username = "ANA@univ.lt"
	in.Email = "b@univ.lt"
	_, err = f.svc.Register(ctx, in)
	requireFormError(t, err, ErrConflict, "Username already exists")

	// An email equal to another account's username.
	in = validRegistration()
	in.Username = "bob"
	in.Email = "Ana"
	_, err = f.svc.Register(ctx, in)
	requireFormError(t, err, ErrConflict, "Email already exists")
	assert.Equal(t, 1, countRows(t, f.db, `SELECT COUNT(*) FROM users`))

	got, err := f.svc.Login(ctx, "ana@univ.lt", "s3cret!")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, got.ID)
}

func TestChangeUsername(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)
	other := validRegistration()
	other.Username, other.Email = "taken", "taken@univ.lt"
	_, err = f.svc.Register(ctx, other)
	require.NoError(t, err)

	_, err = f.svc.ChangeUsername(ctx, u.ID, "", "s3cret!", "new")
	requireFormError(t, err, ErrValidation, "Please fill all username change fields")

	_, err = f.svc.ChangeUsername(ctx, u.ID, "ana", "s3cret!", "ab")
	requireFormError(t, err, ErrValidation, "New username must be at least 3 characters")

	_, err = f.svc.ChangeUsername(ctx, u.ID, "taken", "s3cret!", "anna")
	requireFormError(t, err, ErrValidation, "Current identity does not match your account")

	_, err = f.svc.ChangeUsername(ctx, u.ID, "ana", "nope-nope", "anna")
	require.ErrorIs(t, err, ErrPasswordIncorrect)

	_, err = f.svc.ChangeUsername(ctx, u.ID, "ana", "s3cret!", "admin@vilniustech.lt")
	requireFormError(t, err, ErrValidation, "This identity is reserved for the system administrator")

	_, err = f.svc.ChangeUsername(ctx, u.ID, "ana", "s3cret!", "TAKEN")
	requireFormError(t, err, ErrConflict, "Username already exists")

	_, err = f.svc.ChangeUsername(ctx, u.ID, "ana", "s3cret!", "Taken@univ.lt")
	requireFormError(t, err, ErrConflict, "Username already exists")

	updated, err := f.svc.ChangeUsername(ctx, u.ID, "ANA@univ.lt", "s3cret!", "anna")
	require.NoError(t, err)
	assert.Equal(t, "anna", updated.Username)

	_, err = f.svc.Login(ctx, "anna", "s3cret!")
	require.NoError(t, err)
	_, err = f.svc.Login(ctx, "ana", "s3cret!")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestChangeUsernameReservedAdminKeepsIdentifier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	seed, err := f.svc.EnsureAdmin(ctx, "admin-pass")
	require.NoError(t, err)

	u, err := f.svc.ChangeUsername(ctx, seed.User.ID, "admin@vilniustech.lt", "admin-pass", "Admin@VilniusTech.lt")
	require.NoError(t, err)
	assert.Equal(t, identity.RoleAdmin, u.Role)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	requireFormError(t, f.svc.ChangePassword(ctx, u.ID, "", "x", "x"), ErrValidation, "Please fill all password fields")
	requireFormError(t, f.svc.ChangePassword(ctx, u.ID, "s3cret!", "short", "short"), ErrValidation, "New password must be at least 6 characters")
	requireFormError(t, f.svc.ChangePassword(ctx, u.ID, "s3cret!", "longer1", "longer2"), ErrValidation, "New passwords do not match")
	require.ErrorIs(t, f.svc.ChangePassword(ctx, u.ID, "wrong!!", "longer1", "longer1"), ErrPasswordIncorrect)

	require.NoError(t, f.svc.ChangePassword(ctx, u.ID, "s3cret!", "longer1", "longer1"))
	_, err = f.svc.Login(ctx, "ana", "longer1")
	require.NoError(t, err)
	_, err = f.svc.Login(ctx, "ana", "s3cret!")
	require.ErrorIs(t, err, ErrPasswordIncorrect)
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ANA@univ.lt"))
	link := f.notifier.last(t)
	require.True(t, strings.HasPrefix(link, "http://portal.test/auth/reset-password/"), link)
	raw := strings.TrimPrefix(link, "http://portal.test/auth/reset-password/")
	assert.Len(t, raw, 64)

	var stored string
	require.NoError(t, f.db.Get(&stored, `SELECT token_hash FROM password_reset_tokens WHERE user_id = ?`, u.ID))
	assert.NotEqual(t, raw, stored)
	assert.Equal(t, hashResetToken(raw), stored)

	require.NoError(t, f.svc.ValidateResetToken(ctx, raw))

	_, err = f.svc.ResetPassword(ctx, raw, "fresh-pass", "other-pass")
	requireFormError(t, err, ErrValidation, "Passwords do not match")

	userID, err := f.svc.ResetPassword(ctx, raw, "fresh-pass", "fresh-pass")
	require.NoError(t, err)
	assert.Equal(t, u.ID, userID)

	_, err = f.svc.ResetPassword(ctx, raw, "again-pass", "again-pass")
	require.ErrorIs(t, err, ErrResetTokenInvalid)
	require.ErrorIs(t, f.svc.ValidateResetToken(ctx, raw), ErrResetTokenInvalid)

	_, err = f.svc.Login(ctx, "ana", "fresh-pass")
	require.NoError(t, err)
}

func TestPasswordResetUnknownEmailIssuesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ghost@univ.lt"))
	assert.Empty(t, f.notifier.links)
	assert.Zero(t, countRows(t, f.db, `SELECT COUNT(*) FROM password_reset_tokens`))

	requireFormError(t, f.svc.RequestPasswordReset(ctx, "  "), ErrValidation, "Please enter your email address")
}

func TestPasswordResetCooldownAndReplacement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ana@univ.lt"))
	first := f.notifier.last(t)

	f.clock.now = f.clock.now.Add(30 * time.Second)
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ana@univ.lt"))
	assert.Len(t, f.notifier.links, 1)

	f.clock.now = f.clock.now.Add(time.Minute)
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ana@univ.lt"))
	second := f.notifier.last(t)
	assert.NotEqual(t, first, second)

	assert.Equal(t, 1, countRows(t, f.db, `SELECT COUNT(*) FROM password_reset_tokens WHERE user_id = ? AND used_at IS NULL`, u.ID))
	oldRaw := first[strings.LastIndex(first, "/")+1:]
	require.ErrorIs(t, f.svc.ValidateResetToken(ctx, oldRaw), ErrResetTokenInvalid)
}

func TestPasswordResetExpiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ana@univ.lt"))
	link := f.notifier.last(t)
	raw := link[strings.LastIndex(link, "/")+1:]

	f.clock.now = f.clock.now.Add(16 * time.Minute)
	require.ErrorIs(t, f.svc.ValidateResetToken(ctx, raw), ErrResetTokenInvalid)
	_, err = f.svc.ResetPassword(ctx, raw, "fresh-pass", "fresh-pass")
	require.ErrorIs(t, err, ErrResetTokenInvalid)

	// The next request sweeps the expired token.
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ana@univ.lt"))
	assert.Equal(t, 1, countRows(t, f.db, `SELECT COUNT(*) FROM password_reset_tokens`))
}

func TestSweepResetTokensDropsExpired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)
	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ana@univ.lt"))

	n, err := f.svc.SweepResetTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.now = f.clock.now.Add(16 * time.Minute)
	n, err = f.svc.SweepResetTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Zero(t, countRows(t, f.db, `SELECT COUNT(*) FROM password_reset_tokens`))
}

func TestUpdatePreferredLanguage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u, err := f.svc.Register(ctx, validRegistration())
	require.NoError(t, err)

	lang, err := f.svc.UpdatePreferredLanguage(ctx, u.ID, " LT ")
	require.NoError(t, err)
	assert.Equal(t, "lt", lang)

	lang, err = f.svc.UpdatePreferredLanguage(ctx, u.ID, "de")
	require.NoError(t, err)
	assert.Equal(t, "en", lang)

	_, err = f.svc.UpdatePreferredLanguage(ctx, 9999, "lt")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestEnsureAdmin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	seed, err := f.svc.EnsureAdmin(ctx, "")
	require.NoError(t, err)
	assert.True(t, seed.Created)
	assert.NotEmpty(t, seed.GeneratedPassword)
	assert.Equal(t, identity.RoleAdmin, seed.User.Role)

	u, err := f.svc.Login(ctx, "ADMIN@vilniustech.lt", seed.GeneratedPassword)
	require.NoError(t, err)
	assert.Equal(t, identity.RoleAdmin, u.Role)

	again, err := f.svc.EnsureAdmin(ctx, "ignored")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Empty(t, again.GeneratedPassword)
	assert.Equal(t, seed.User.ID, again.User.ID)
	assert.Zero(t, countRows(t, f.db, `SELECT COUNT(*) FROM students`))
}

func TestEnsureAdminNormalizesExistingAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := dbtest.InsertUser(t, f.db, "Admin@VilniusTech.lt", "")

	seed, err := f.svc.EnsureAdmin(ctx, "")
	require.NoError(t, err)
	assert.False(t, seed.Created)
	assert.Equal(t, id, seed.User.ID)

	var row struct {
		Username string `db:"username"`
		Email    string `db:"email"`
		Role     string `db:"role"`
	}
	require.NoError(t, f.db.Get(&row, `SELECT username, email, role FROM users WHERE id = ?`, id))
	assert.Equal(t, "admin@vilniustech.lt", row.Username)
	assert.Equal(t, "admin@vilniustech.lt", row.Email)
	assert.Equal(t, "admin", row.Role)
}

type blockingStore struct {
	CredentialStore
}

func (blockingStore) FindByIdentifier(ctx context.Context, _ string) (User, error) {
	<-ctx.Done()
	return User{}, ctx.Err()
}

func TestStoreTimeoutSurfacesAsUnavailable(t *testing.T) {
	svc, err := NewService(blockingStore{}, ServiceConfig{
		Hasher:       NewBcryptHasher(bcrypt.MinCost),
		Resolver:     identity.NewResolver(""),
		StoreTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), "ana", "s3cret!")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, errors.Is(err, ErrAuthFailure))
}
