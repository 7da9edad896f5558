// Package database opens the portal's relational store. SQLite (modernc) is
// the default; a postgres:// URL selects lib/pq instead.
package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

func init() {
	sqlx.BindDriver(string(DialectSQLite), sqlx.QUESTION)
}

func DialectFor(dsn string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// DialectOf reports the dialect of an opened handle.
func DialectOf(db *sqlx.DB) Dialect {
	if db.DriverName() == string(DialectPostgres) {
		return DialectPostgres
	}
	return DialectSQLite
}

// Open connects and pings the store named by dsn.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	dialect := DialectFor(dsn)

	var db *sqlx.DB
	var err error
	switch dialect {
	case DialectPostgres:
		db, err = sqlx.Open(string(DialectPostgres), dsn)
	default:
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
		db, err = sqlx.Open(string(DialectSQLite), sqliteDSN(dsn))
		if err == nil {
			// SQLite serializes writers; one connection also keeps :memory: databases alive.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	path := strings.TrimPrefix(strings.TrimSpace(dsn), "sqlite://")
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}

func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(strings.TrimSpace(dsn), "sqlite://")
	path = strings.TrimPrefix(path, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.Contains(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir sqlite database dir: %w", err)
	}
	return nil
}
