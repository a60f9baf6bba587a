package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"replica_dashboard/internal/domain"
)

type ItemStore interface {
	Upsert(ctx context.Context, item *domain.ContentItem) error
	Delete(ctx context.Context, id string) error
	MaxTimestamp(ctx context.Context, column string) (time.Time, bool, error)
	List(ctx context.Context) ([]domain.ContentItem, error)
}

type SourceStore interface {
	Upsert(ctx context.Context, src *domain.Source) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.Source, error)
}

type TopicStore interface {
	Upsert(ctx context.Context, topic *domain.ItemTopic) error
	Delete(ctx context.Context, id string) error
}

type FeedbackStore interface {
	Upsert(ctx context.Context, f *domain.Feedback) error
	Delete(ctx context.Context, userID, itemID string) error
	ByUser(ctx context.Context, userID string) (map[string]int, error)
	Engagement(ctx context.Context) (map[string]domain.Engagement, error)
}

type Schema interface {
	Migrate(ctx context.Context) error
	Reset(ctx context.Context) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type FeedClient interface {
	Subscribe(ctx context.Context, shape domain.Shape) (domain.Stream, error)
	Probe(ctx context.Context, shape domain.Shape) error
}

// FreshnessProbe reports the newest timestamp held by the authoritative
// store for the primary table.
type FreshnessProbe interface {
	Latest(ctx context.Context) (time.Time, bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, event *domain.SyncEvent) error
	Close() error
}
