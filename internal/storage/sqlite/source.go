package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"replica_dashboard/internal/domain"
)

const upsertSourceQuery = `
	INSERT INTO sources (
		id, name, type, kind, active, poll_frequency, meta, created_at, updated_at
	) VALUES (
		:id, :name, :type, :kind, :active, :poll_frequency, :meta, :created_at, :updated_at
	)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		type = excluded.type,
		kind = excluded.kind,
		active = excluded.active,
		poll_frequency = excluded.poll_frequency,
		meta = excluded.meta,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at`

type sourceRow struct {
	ID            string  `db:"id"`
	Name          string  `db:"name"`
	Type          string  `db:"type"`
	Kind          string  `db:"kind"`
	Active        int     `db:"active"`
	PollFrequency *string `db:"poll_frequency"`
	Meta          string  `db:"meta"`
	CreatedAt     *string `db:"created_at"`
	UpdatedAt     *string `db:"updated_at"`
}

type SourceStore struct {
	db *sqlx.DB
}

func NewSourceStore(db *sqlx.DB) *SourceStore {
	return &SourceStore{db: db}
}

func (s *SourceStore) Upsert(ctx context.Context, src *domain.Source) error {
	meta := string(src.Meta)
	if meta == "" {
		meta = "{}"
	}
	row := sourceRow{
		ID:            src.ID,
		Name:          src.Name,
		Type:          string(src.Type),
		Kind:          string(src.Kind),
		Active:        boolToInt(src.Active),
		PollFrequency: src.PollFrequency,
		Meta:          meta,
		CreatedAt:     formatTimePtr(src.CreatedAt),
		UpdatedAt:     formatTimePtr(src.UpdatedAt),
	}
	if _, err := sqlx.NamedExecContext(ctx, GetExecutor(ctx, s.db), upsertSourceQuery, row); err != nil {
		return fmt.Errorf("upsert source %s: %w", src.ID, err)
	}
	return nil
}

func (s *SourceStore) Delete(ctx context.Context, id string) error {
	if _, err := GetExecutor(ctx, s.db).ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete source %s: %w", id, err)
	}
	return nil
}

func (s *SourceStore) List(ctx context.Context) ([]domain.Source, error) {
	var rows []sourceRow
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows,
		`SELECT id, name, type, kind, active, poll_frequency, meta, created_at, updated_at
		 FROM sources ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	sources := make([]domain.Source, 0, len(rows))
	for _, r := range rows {
		src := domain.Source{
			ID:            r.ID,
			Name:          r.Name,
			Type:          domain.SourceType(r.Type),
			Kind:          domain.Kind(r.Kind),
			Active:        r.Active == 1,
			PollFrequency: r.PollFrequency,
			Meta:          json.RawMessage(r.Meta),
		}
		if src.CreatedAt, err = parseTimePtr(r.CreatedAt); err != nil {
			return nil, err
		}
		if src.UpdatedAt, err = parseTimePtr(r.UpdatedAt); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
