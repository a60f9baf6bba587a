package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"replica_dashboard/internal/domain"
)

const upsertTopicQuery = `
	INSERT INTO item_topics (id, item_id, topic, created_at)
	VALUES (:id, :item_id, :topic, :created_at)
	ON CONFLICT (id) DO UPDATE SET
		item_id = excluded.item_id,
		topic = excluded.topic,
		created_at = excluded.created_at`

type topicRow struct {
	ID        string `db:"id"`
	ItemID    string `db:"item_id"`
	Topic     string `db:"topic"`
	CreatedAt string `db:"created_at"`
}

type TopicStore struct {
	db *sqlx.DB
}

func NewTopicStore(db *sqlx.DB) *TopicStore {
	return &TopicStore{db: db}
}

func (s *TopicStore) Upsert(ctx context.Context, t *domain.ItemTopic) error {
	row := topicRow{
		ID:        t.ID,
		ItemID:    t.ItemID,
		Topic:     t.Topic,
		CreatedAt: formatTime(t.CreatedAt),
	}
	if _, err := sqlx.NamedExecContext(ctx, GetExecutor(ctx, s.db), upsertTopicQuery, row); err != nil {
		return fmt.Errorf("upsert topic %s: %w", t.ID, err)
	}
	return nil
}

func (s *TopicStore) Delete(ctx context.Context, id string) error {
	if _, err := GetExecutor(ctx, s.db).ExecContext(ctx, `DELETE FROM item_topics WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete topic %s: %w", id, err)
	}
	return nil
}
