// Command waitforpostgres blocks until the Postgres database used by the
// integration tests accepts connections.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"vilniustech/student-portal/internal/database"
)

func main() {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if database.DialectFor(dsn) != database.DialectPostgres {
		fmt.Fprintln(os.Stderr, "TEST_POSTGRES_DSN or DATABASE_URL must be a postgres:// URL")
		os.Exit(2)
	}

	timeout := 60 * time.Second
	if raw := os.Getenv("WAIT_FOR_POSTGRES_TIMEOUT_SEC"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			fmt.Fprintf(os.Stderr, "invalid WAIT_FOR_POSTGRES_TIMEOUT_SEC: %q\n", raw)
			os.Exit(2)
		}
		timeout = time.Duration(secs) * time.Second
	}

	deadline := time.Now().Add(timeout)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := database.Open(ctx, dsn)
		cancel()
		if err == nil {
			_ = db.Close()
			fmt.Println("postgres ready")
			return
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "postgres not ready within %s: %v\n", timeout, err)
			os.Exit(1)
		}
		time.Sleep(2 * time.Second)
	}
}
