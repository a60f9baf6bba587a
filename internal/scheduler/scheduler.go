package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Refresher re-reads the replica into application-visible state.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler refreshes on start, on every tick and whenever the trigger
// channel fires.
type Scheduler struct {
	refresher Refresher
	interval  time.Duration
	trigger   <-chan struct{}
	timeout   time.Duration
	logger    *slog.Logger
}

func NewScheduler(refresher Refresher, interval time.Duration, trigger <-chan struct{}, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		refresher: refresher,
		interval:  interval,
		trigger:   trigger,
		timeout:   30 * time.Second,
		logger:    logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	s.runRefresh(ctx, "start")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runRefresh(ctx, "tick")
		case <-s.trigger:
			s.runRefresh(ctx, "trigger")
		}
	}
}

func (s *Scheduler) runRefresh(ctx context.Context, reason string) {
	refreshCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.refresher.Refresh(refreshCtx); err != nil {
		s.logger.Error("refresh failed", "reason", reason, "error", err)
		return
	}
	s.logger.Debug("refreshed", "reason", reason)
}
