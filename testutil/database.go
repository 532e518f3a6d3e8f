package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/O-Tiger/WebServiceTwitchBot/db"
)

// SetupTestDB opens the Postgres database named by TEST_PG_DSN and runs
// migrations. It skips the test when TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return open(t, "pgx", dsn)
}

// SetupSQLite returns a migrated in-memory SQLite database private to the test.
func SetupSQLite(t *testing.T) *sql.DB {
	t.Helper()
	return open(t, "sqlite3", "file::memory:?_foreign_keys=on")
}

func open(t *testing.T, driver, dsn string) *sql.DB {
	t.Helper()
	database, err := db.Connect(driver, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close() //nolint:errcheck,gosec
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close() //nolint:errcheck,gosec
	})
	return database
}
