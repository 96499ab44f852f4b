// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"database/sql"
	"testing"
	"time"

	"sage/internal/db"
	"sage/internal/migrate"
)

// Epoch is the fixed clock most tests start from.
var Epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// Open returns a migrated SQLite database in t.TempDir, closed on cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

// Clock is a settable clock for components that take Now func() time.Time.
type Clock struct {
	T time.Time
}

func NewClock() *Clock { return &Clock{T: Epoch} }

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }
