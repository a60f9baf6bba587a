// Package postgres reads the authoritative server database directly. The
// dashboard only uses it to compare replica freshness against the server.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var timestampColumns = map[string]bool{
	"created_at":   true,
	"updated_at":   true,
	"published_at": true,
}

func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}

// FreshnessProbe reports the newest timestamp of one table on the server.
type FreshnessProbe struct {
	db     *sqlx.DB
	table  string
	column string
}

func NewFreshnessProbe(db *sqlx.DB, table, column string) (*FreshnessProbe, error) {
	if !timestampColumns[column] {
		return nil, fmt.Errorf("unsupported freshness column %q", column)
	}
	if table == "" {
		return nil, fmt.Errorf("freshness table is required")
	}
	return &FreshnessProbe{db: db, table: table, column: column}, nil
}

// Latest returns false when the table is empty.
func (p *FreshnessProbe) Latest(ctx context.Context) (time.Time, bool, error) {
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s",
		pq.QuoteIdentifier(p.column), pq.QuoteIdentifier(p.table))

	var latest sql.NullTime
	if err := p.db.GetContext(ctx, &latest, query); err != nil {
		return time.Time{}, false, fmt.Errorf("query latest %s.%s: %w", p.table, p.column, err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}
