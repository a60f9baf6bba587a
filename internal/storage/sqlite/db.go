// Package sqlite implements the local embedded replica on top of SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"replica_dashboard/migrations"
)

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Open opens the replica database at dsn. SQLite allows a single writer, so
// the pool is limited to one connection; callers never hold it for longer
// than one transaction.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		// shapes replicate out of order, references are soft
		"PRAGMA foreign_keys = OFF",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}

	// modernc registers as "sqlite"; sqlx only knows the bind style by the
	// mattn driver name.
	return sqlx.NewDb(db, "sqlite3"), nil
}

// Schema owns the replica DDL.
type Schema struct {
	db *sqlx.DB
}

func NewSchema(db *sqlx.DB) *Schema {
	return &Schema{db: db}
}

// Migrate creates or upgrades the replica tables. Safe to call repeatedly.
func (s *Schema) Migrate(ctx context.Context) error {
	p, err := migrations.NewProvider(s.db.DB)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate replica: %w", err)
	}
	return nil
}

// Reset drops every replica table and recreates the empty schema.
func (s *Schema) Reset(ctx context.Context) error {
	p, err := migrations.NewProvider(s.db.DB)
	if err != nil {
		return err
	}
	if _, err := p.DownTo(ctx, 0); err != nil {
		return fmt.Errorf("drop replica: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("recreate replica: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
