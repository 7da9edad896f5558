package app

import (
	"context"
	"io"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vilniustech/student-portal/internal/config"
	"vilniustech/student-portal/internal/observability"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		LogFormat:   "text",
		DatabaseURL: filepath.Join(dir, "portal.sqlite"),
		DBTimeout:   5 * time.Second,
		HTTP: config.HTTPConfig{
			Addr:            "127.0.0.1:0",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: time.Second,
		},
		Session: config.SessionConfig{
			Secret:     "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			CookieName: "ssp.sid",
			TTL:        8 * time.Hour,
		},
		Auth: config.AuthConfig{
			AdminIdentifier:    "admin@vilniustech.lt",
			BcryptCost:         4,
			SchoolEmailPattern: regexp.MustCompile(config.DefaultSchoolEmailPattern),
			ResetTokenTTL:      15 * time.Minute,
			ResetCooldown:      time.Minute,
		},
		StaticDir:      dir,
		AuditLogFile:   filepath.Join(dir, "audit.log"),
		EventRetention: 30 * 24 * time.Hour,
	}
}

func TestSeedAdminIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	logger := observability.NewLogger("text", io.Discard)
	ctx := context.Background()

	first, err := SeedAdmin(ctx, cfg, logger)
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.NotEmpty(t, first.GeneratedPassword)
	assert.Equal(t, "admin@vilniustech.lt", first.User.Username)

	second, err := SeedAdmin(ctx, cfg, logger)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Empty(t, second.GeneratedPassword)
	assert.Equal(t, first.User.ID, second.User.ID)
}

func TestSeedAdminUsesConfiguredPassword(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.AdminPassword = "configured-secret"

	seed, err := SeedAdmin(context.Background(), cfg, observability.NewLogger("text", io.Discard))
	require.NoError(t, err)
	assert.True(t, seed.Created)
	assert.Empty(t, seed.GeneratedPassword)
}

func TestNewWiresServicesAndSweeps(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(ctx, cfg, observability.NewLogger("text", io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.db.Close() })

	require.NotNil(t, a.server)
	require.NotNil(t, a.sessions)
	a.sweep(ctx)

	var users int
	require.NoError(t, a.db.GetContext(ctx, &users, `SELECT COUNT(*) FROM users`))
	assert.Equal(t, 1, users, "admin account should be seeded")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	a, err := New(ctx, cfg, observability.NewLogger("text", io.Discard))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
