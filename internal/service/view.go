package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"replica_dashboard/internal/config"
	"replica_dashboard/internal/domain"
	"replica_dashboard/internal/ranking"
)

// RankedView is the application-visible ordering of the replica for one
// user. Refresh re-reads the replica and re-ranks it.
type RankedView struct {
	items    ItemStore
	sources  SourceStore
	feedback FeedbackStore
	logger   *slog.Logger
	config   config.RankingConfig
	now      func() time.Time

	mu     sync.RWMutex
	ranked []domain.Ranked
}

func NewRankedView(
	items ItemStore,
	sources SourceStore,
	feedback FeedbackStore,
	logger *slog.Logger,
	cfg config.RankingConfig,
) *RankedView {
	return &RankedView{
		items:    items,
		sources:  sources,
		feedback: feedback,
		logger:   logger.With("component", "ranked_view", "user", cfg.UserID),
		config:   cfg,
		now:      time.Now,
	}
}

func (v *RankedView) Refresh(ctx context.Context) error {
	items, err := v.items.List(ctx)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	sources, err := v.sources.List(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	userFeedback, err := v.feedback.ByUser(ctx, v.config.UserID)
	if err != nil {
		return fmt.Errorf("read user feedback: %w", err)
	}
	engagement, err := v.feedback.Engagement(ctx)
	if err != nil {
		return fmt.Errorf("read engagement: %w", err)
	}

	engine := ranking.NewEngine(v.config.HalfLife, ranking.WeightsFromSources(sources, v.config.SourceWeights))
	ranked := engine.Rank(v.now(), items, userFeedback, engagement)
	if v.config.Limit > 0 && len(ranked) > v.config.Limit {
		ranked = ranked[:v.config.Limit]
	}

	v.mu.Lock()
	v.ranked = ranked
	v.mu.Unlock()

	v.logger.Debug("ranked view refreshed", "items", len(items), "shown", len(ranked))
	return nil
}

func (v *RankedView) Ranked() []domain.Ranked {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]domain.Ranked(nil), v.ranked...)
}
