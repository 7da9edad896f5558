package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"vilniustech/student-portal/internal/config"
	"vilniustech/student-portal/internal/database"
	"vilniustech/student-portal/internal/migrations"
)

func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long:  `Apply all pending migrations for the database named by DATABASE_URL.`,
		RunE:  runMigrateUp,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		RunE:  runMigrateUp,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the applied version and the embedded migrations",
		RunE:  runMigrateStatus,
	})
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func openForMigrate(ctx context.Context) (*sqlx.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	return db, nil
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	cmd.Println("Connecting to database...")
	db, err := openForMigrate(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	dialect := database.DialectOf(db)

	cmd.Println("Running migrations...")
	if err := migrations.Up(ctx, db.DB, dialect); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
	}
	v, err := migrations.Version(ctx, db.DB, dialect)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "read version").Wrap(err)
	}
	cmd.Printf("Migrations completed successfully (version %d)\n", v)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	db, err := openForMigrate(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	dialect := database.DialectOf(db)

	v, err := migrations.Version(ctx, db.DB, dialect)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "read version").Wrap(err)
	}
	files, err := migrations.List(dialect)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "list migrations").Wrap(err)
	}
	cmd.Print(formatStatus(dialect, v, files))
	return nil
}

// formatStatus renders one line per embedded migration, marking those at or
// below the applied version.
func formatStatus(dialect database.Dialect, applied int64, files []migrations.FileInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "dialect: %s\nversion: %d\n", dialect, applied)
	for _, f := range files {
		var v int64
		_, _ = fmt.Sscanf(f.Name, "%d", &v)
		state := "pending"
		if v > 0 && v <= applied {
			state = "applied"
		}
		sum := f.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		fmt.Fprintf(&b, "%-8s %s %s\n", state, f.Name, sum)
	}
	return b.String()
}
