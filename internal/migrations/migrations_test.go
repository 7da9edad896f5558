package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vilniustech/student-portal/internal/database"
)

func TestListReturnsSortedChecksums(t *testing.T) {
	for _, dialect := range []database.Dialect{database.DialectSQLite, database.DialectPostgres} {
		items, err := List(dialect)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "00001_identity.sql", items[0].Name)
		assert.Equal(t, "00002_portal.sql", items[1].Name)
		assert.Equal(t, "00003_schedules.sql", items[2].Name)
		assert.Len(t, items[0].Checksum, 64)
		assert.NotEqual(t, items[0].Checksum, items[1].Checksum)
	}
}

func TestUpCreatesSchemaOnSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Up(ctx, db.DB, database.DialectSQLite))
	// second run is a no-op
	require.NoError(t, Up(ctx, db.DB, database.DialectSQLite))

	v, err := Version(ctx, db.DB, database.DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	for _, table := range []string{"users", "password_reset_tokens", "sessions", "students", "notifications", "notification_receipts", "events", "schedules"} {
		var n int
		require.NoError(t, db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table))
		assert.Equal(t, 1, n, "table %s", table)
	}
}
