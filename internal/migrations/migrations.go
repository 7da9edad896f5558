// Package migrations applies the embedded goose migrations for the dialect
// of the opened database.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	"vilniustech/student-portal/internal/database"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// goose keeps its base FS and dialect in package state.
var mu sync.Mutex

type FileInfo struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB, dialect database.Dialect) error {
	mu.Lock()
	defer mu.Unlock()

	if err := configure(dialect); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply %s migrations: %w", dialect, err)
	}
	return nil
}

// Version returns the latest applied migration version.
func Version(ctx context.Context, db *sql.DB, dialect database.Dialect) (int64, error) {
	mu.Lock()
	defer mu.Unlock()

	if err := configure(dialect); err != nil {
		return 0, err
	}
	v, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return v, nil
}

// List returns the embedded migrations for dialect with their sha256 checksums.
func List(dialect database.Dialect) ([]FileInfo, error) {
	dir := dirFor(dialect)
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			continue
		}
		b, err := fs.ReadFile(files, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(b)
		out = append(out, FileInfo{Name: e.Name(), Checksum: hex.EncodeToString(sum[:])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func configure(dialect database.Dialect) error {
	sub, err := fs.Sub(files, dirFor(dialect))
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	goose.SetBaseFS(sub)
	goose.SetLogger(goose.NopLogger())

	gooseDialect := "sqlite3"
	if dialect == database.DialectPostgres {
		gooseDialect = "postgres"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return nil
}

func dirFor(dialect database.Dialect) string {
	if dialect == database.DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}
