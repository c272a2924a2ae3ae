package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/parkwatch/internal/db"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production, closed when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Shared cache keeps the database alive while the pool holds a conn.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		name,
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}
	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()
	w := db.NewWorker(conn)
	t.Cleanup(w.Close)
	return w
}
