package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"replica_dashboard/internal/config"
	"replica_dashboard/internal/feed"
	"replica_dashboard/internal/publisher"
	"replica_dashboard/internal/scheduler"
	"replica_dashboard/internal/service"
	"replica_dashboard/internal/storage/postgres"
	"replica_dashboard/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("replica stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.Replica.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create replica dir: %w", err)
		}
	}

	db, err := sqlite.Open(cfg.Replica.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("opened replica", "path", cfg.Replica.Path)

	items := sqlite.NewItemStore(db)
	sources := sqlite.NewSourceStore(db)
	feedback := sqlite.NewFeedbackStore(db)
	stores := service.Stores{
		Items:    items,
		Sources:  sources,
		Topics:   sqlite.NewTopicStore(db),
		Feedback: feedback,
	}

	client := feed.New(feed.Config{
		BaseURL:        cfg.Feed.BaseURL,
		Timeout:        cfg.Feed.Timeout,
		MaxBatch:       cfg.Feed.MaxBatch,
		MaxAttempts:    cfg.Feed.Retry.MaxAttempts,
		InitialBackoff: cfg.Feed.Retry.InitialBackoff,
		MaxBackoff:     cfg.Feed.Retry.MaxBackoff,
	}, logger)

	freshness, cleanup, err := setupFreshness(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer cleanup()

	var pub service.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			return err
		}
		defer rabbitMQ.Close()
		pub = rabbitMQ
	}

	coordinator := service.NewCoordinator(
		cfg.ShapeList(),
		client,
		stores,
		sqlite.NewSchema(db),
		sqlite.NewTransactionManager(db),
		freshness,
		pub,
		logger,
		cfg.Sync,
	)

	logger.Info("starting replica sync",
		"feed", cfg.Feed.BaseURL,
		"shapes", len(cfg.Shapes),
		"freshness", cfg.Sync.FreshnessSource,
	)

	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coordinator.Shutdown()

	go func() {
		if err := coordinator.WaitForReady(ctx); err != nil {
			return
		}
		logger.Info("replica ready",
			"session_id", coordinator.SessionID(),
			"items", len(coordinator.View()),
			"loading", coordinator.Loading(),
		)
	}()

	view := service.NewRankedView(items, sources, feedback, logger, cfg.Ranking)
	sched := scheduler.NewScheduler(&dashboard{view: view, logger: logger}, cfg.Sync.RefreshInterval, coordinator.Refreshed(), logger)

	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("scheduler: %w", err)
	}
	logger.Info("shutting down")
	return nil
}

func setupFreshness(ctx context.Context, cfg *config.Config, client *feed.Client) (service.FreshnessProbe, func(), error) {
	noop := func() {}

	primary, ok := cfg.PrimaryShape()
	if !ok || cfg.Sync.FreshnessSource == config.FreshnessNone {
		return nil, noop, nil
	}

	switch cfg.Sync.FreshnessSource {
	case config.FreshnessPostgres:
		db, err := postgres.Open(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, noop, err
		}
		probe, err := postgres.NewFreshnessProbe(db, primary.Table, cfg.Sync.FreshnessColumn)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return probe, func() { _ = db.Close() }, nil
	default:
		return feed.NewFreshnessProbe(client, primary, cfg.Sync.FreshnessColumn), noop, nil
	}
}

// dashboard refreshes the ranked view and logs its head.
type dashboard struct {
	view   *service.RankedView
	logger *slog.Logger
}

func (d *dashboard) Refresh(ctx context.Context) error {
	if err := d.view.Refresh(ctx); err != nil {
		return err
	}

	ranked := d.view.Ranked()
	top := ranked
	if len(top) > 5 {
		top = top[:5]
	}
	for i, r := range top {
		d.logger.Debug("ranked item", "rank", i+1, "id", r.Item.ID, "title", r.Item.Title, "score", r.Score)
	}
	d.logger.Info("dashboard refreshed", "items", len(ranked))
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
