package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"sage/internal/domain"
)

// Repo is the SQL access layer. Methods with a Tx suffix run inside the
// caller's transaction; the rest use the pool directly.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// Ping verifies the database is reachable.
func (r Repo) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := domain.ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTime(s string) time.Time {
	t, _ := domain.ParseTime(s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
