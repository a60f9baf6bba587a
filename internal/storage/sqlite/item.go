package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"replica_dashboard/internal/domain"
)

const upsertItemQuery = `
	INSERT INTO content_items (
		id, source_id, kind, title, url, summary, body,
		published_at, raw_metadata, topics, created_at, updated_at
	) VALUES (
		:id, :source_id, :kind, :title, :url, :summary, :body,
		:published_at, :raw_metadata, :topics, :created_at, :updated_at
	)
	ON CONFLICT (id) DO UPDATE SET
		source_id = excluded.source_id,
		kind = excluded.kind,
		title = excluded.title,
		url = excluded.url,
		summary = excluded.summary,
		body = excluded.body,
		published_at = excluded.published_at,
		raw_metadata = excluded.raw_metadata,
		topics = excluded.topics,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at`

const listItemsQuery = `
	SELECT
		ci.id, ci.source_id, ci.kind, ci.title, ci.url, ci.summary, ci.body,
		ci.published_at, ci.raw_metadata, ci.topics, ci.created_at, ci.updated_at,
		(SELECT json_group_array(t.topic) FROM item_topics t WHERE t.item_id = ci.id) AS tag_topics
	FROM content_items ci
	ORDER BY COALESCE(ci.published_at, ci.created_at) DESC, ci.id ASC`

// timestampColumns are the content_items columns a freshness check may use.
var timestampColumns = map[string]bool{
	"created_at":   true,
	"updated_at":   true,
	"published_at": true,
}

type itemRow struct {
	ID          string  `db:"id"`
	SourceID    string  `db:"source_id"`
	Kind        string  `db:"kind"`
	Title       string  `db:"title"`
	URL         string  `db:"url"`
	Summary     *string `db:"summary"`
	Body        *string `db:"body"`
	PublishedAt *string `db:"published_at"`
	RawMetadata string  `db:"raw_metadata"`
	Topics      string  `db:"topics"`
	CreatedAt   string  `db:"created_at"`
	UpdatedAt   string  `db:"updated_at"`
}

type listItemRow struct {
	itemRow
	TagTopics string `db:"tag_topics"`
}

type ItemStore struct {
	db *sqlx.DB
}

func NewItemStore(db *sqlx.DB) *ItemStore {
	return &ItemStore{db: db}
}

func (s *ItemStore) Upsert(ctx context.Context, item *domain.ContentItem) error {
	row, err := toItemRow(item)
	if err != nil {
		return err
	}
	if _, err := sqlx.NamedExecContext(ctx, GetExecutor(ctx, s.db), upsertItemQuery, row); err != nil {
		return fmt.Errorf("upsert item %s: %w", item.ID, err)
	}
	return nil
}

func (s *ItemStore) Delete(ctx context.Context, id string) error {
	if _, err := GetExecutor(ctx, s.db).ExecContext(ctx, `DELETE FROM content_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}

// MaxTimestamp returns the newest value of column across the replica. The
// bool is false when the replica holds no items.
func (s *ItemStore) MaxTimestamp(ctx context.Context, column string) (time.Time, bool, error) {
	if !timestampColumns[column] {
		return time.Time{}, false, fmt.Errorf("unsupported timestamp column %q", column)
	}

	var latest sql.NullString
	query := fmt.Sprintf(`SELECT MAX(%s) FROM content_items`, column)
	if err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &latest, query); err != nil {
		return time.Time{}, false, fmt.Errorf("max %s: %w", column, err)
	}
	if !latest.Valid || latest.String == "" {
		return time.Time{}, false, nil
	}
	t, err := parseTime(latest.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// List returns every replicated item, newest first, ties by id.
func (s *ItemStore) List(ctx context.Context) ([]domain.ContentItem, error) {
	var rows []listItemRow
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, listItemsQuery); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	items := make([]domain.ContentItem, 0, len(rows))
	for _, r := range rows {
		item, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func toItemRow(item *domain.ContentItem) (*itemRow, error) {
	topics := item.Topics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return nil, fmt.Errorf("marshal topics: %w", err)
	}
	meta := string(item.RawMetadata)
	if meta == "" {
		meta = "{}"
	}

	return &itemRow{
		ID:          item.ID,
		SourceID:    item.SourceID,
		Kind:        string(item.Kind),
		Title:       item.Title,
		URL:         item.URL,
		Summary:     item.Summary,
		Body:        item.Body,
		PublishedAt: formatTimePtr(item.PublishedAt),
		RawMetadata: meta,
		Topics:      string(topicsJSON),
		CreatedAt:   formatTime(item.CreatedAt),
		UpdatedAt:   formatTime(item.UpdatedAt),
	}, nil
}

func (r *listItemRow) toDomain() (domain.ContentItem, error) {
	item := domain.ContentItem{
		ID:          r.ID,
		SourceID:    r.SourceID,
		Kind:        domain.Kind(r.Kind),
		Title:       r.Title,
		URL:         r.URL,
		Summary:     r.Summary,
		Body:        r.Body,
		RawMetadata: json.RawMessage(r.RawMetadata),
	}

	var err error
	if item.PublishedAt, err = parseTimePtr(r.PublishedAt); err != nil {
		return item, err
	}
	if item.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return item, err
	}
	if item.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return item, err
	}

	var own, tagged []string
	if err := json.Unmarshal([]byte(r.Topics), &own); err != nil {
		return item, fmt.Errorf("item %s topics: %w", r.ID, err)
	}
	if r.TagTopics != "" {
		if err := json.Unmarshal([]byte(r.TagTopics), &tagged); err != nil {
			return item, fmt.Errorf("item %s tagged topics: %w", r.ID, err)
		}
	}
	item.Topics = mergeTopics(own, tagged)
	return item, nil
}

func mergeTopics(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, t := range list {
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
