package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"replica_dashboard/internal/config"
	"replica_dashboard/internal/domain"
)

var (
	ErrNotStarted = errors.New("coordinator not started")
	ErrShutdown   = errors.New("coordinator shut down")
)

// Stores groups the replica tables the coordinator writes to.
type Stores struct {
	Items    ItemStore
	Sources  SourceStore
	Topics   TopicStore
	Feedback FeedbackStore
}

// Coordinator keeps the local replica in sync with a set of shapes and tells
// the application when the replica is ready to read.
type Coordinator struct {
	shapes    []domain.Shape
	feed      FeedClient
	stores    Stores
	schema    Schema
	txManager TransactionManager
	freshness FreshnessProbe
	publisher Publisher
	logger    *slog.Logger
	config    config.SyncConfig

	mu  sync.Mutex
	run *run

	viewMu sync.RWMutex
	view   []domain.ContentItem

	refreshed chan struct{}
}

// run is one session's worth of goroutines.
type run struct {
	session *Session
	cancel  context.CancelFunc
	queue   chan work
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// work is a delivered batch of one shape, or the error that ended it.
type work struct {
	shape domain.Shape
	msgs  []domain.Message
	err   error
}

func NewCoordinator(
	shapes []domain.Shape,
	feed FeedClient,
	stores Stores,
	schema Schema,
	txManager TransactionManager,
	freshness FreshnessProbe,
	publisher Publisher,
	logger *slog.Logger,
	cfg config.SyncConfig,
) *Coordinator {
	return &Coordinator{
		shapes:    shapes,
		feed:      feed,
		stores:    stores,
		schema:    schema,
		txManager: txManager,
		freshness: freshness,
		publisher: publisher,
		logger:    logger.With("component", "coordinator"),
		config:    cfg,
		refreshed: make(chan struct{}, 1),
	}
}

// Start prepares the replica and opens every shape subscription. It is a
// no-op while a session is running. Only replica initialisation failures are
// returned.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != nil {
		return nil
	}

	if err := c.schema.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate replica: %w", err)
	}

	names := make([]string, len(c.shapes))
	for i, s := range c.shapes {
		names[i] = s.Name
	}
	session := NewSession(names, c.config.CountErrored())

	queueSize := c.config.QueueSize
	if queueSize <= 0 {
		queueSize = len(c.shapes)
	}
	r := &run{
		session: session,
		queue:   make(chan work, queueSize),
		logger:  c.logger.With("session", session.ID()),
	}

	if err := c.checkFreshness(ctx, r); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	c.run = r

	r.logger.Info("starting sync session",
		"shapes", len(c.shapes),
		"ready_timeout", c.config.ReadyTimeout,
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c.write(runCtx, r)
	}()

	for _, shape := range c.shapes {
		shape := shape
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			c.subscribe(runCtx, r, shape)
		}()
	}

	if session.Evaluate() {
		c.becomeReady(runCtx, r)
		return nil
	}
	if c.config.ReadyTimeout <= 0 {
		return nil
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c.watchReadiness(runCtx, r)
	}()

	return nil
}

// WaitForReady blocks until the session is ready, the coordinator shuts
// down or ctx is done.
func (c *Coordinator) WaitForReady(ctx context.Context) error {
	session := c.session()
	if session == nil {
		return ErrNotStarted
	}

	select {
	case <-session.Ready():
		return nil
	default:
	}

	select {
	case <-session.Ready():
		return nil
	case <-session.Done():
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentReplicaSnapshot reads whatever has been applied so far.
func (c *Coordinator) CurrentReplicaSnapshot(ctx context.Context) ([]domain.ContentItem, error) {
	items, err := c.stores.Items.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("read replica snapshot: %w", err)
	}
	return items, nil
}

// Shutdown cancels every subscription and waits for them to stop. Events
// still queued are dropped. Safe to call repeatedly.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	r := c.run
	c.run = nil
	c.mu.Unlock()

	if r == nil {
		return
	}

	r.cancel()
	r.session.close()
	r.wg.Wait()
	r.logger.Info("sync session stopped")
}

func (c *Coordinator) Ready() bool {
	session := c.session()
	if session == nil {
		return false
	}
	select {
	case <-session.Ready():
		return true
	default:
		return false
	}
}

// Loading reports whether the application should still show a blocking
// loading state.
func (c *Coordinator) Loading() bool {
	session := c.session()
	return session != nil && session.IsLoading()
}

// Refreshed fires after the replica view has been re-read.
func (c *Coordinator) Refreshed() <-chan struct{} {
	return c.refreshed
}

// View is the replica snapshot taken at the last refresh.
func (c *Coordinator) View() []domain.ContentItem {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return append([]domain.ContentItem(nil), c.view...)
}

func (c *Coordinator) ShapeStates() []domain.ShapeState {
	session := c.session()
	if session == nil {
		return nil
	}
	return session.States()
}

func (c *Coordinator) SessionID() string {
	session := c.session()
	if session == nil {
		return ""
	}
	return session.ID()
}

func (c *Coordinator) session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.session
}

// checkFreshness resets the replica when it lags the authoritative store by
// more than the stale threshold. Probe failures leave the replica as is.
func (c *Coordinator) checkFreshness(ctx context.Context, r *run) error {
	if c.freshness == nil {
		return nil
	}

	local, ok, err := c.stores.Items.MaxTimestamp(ctx, c.config.FreshnessColumn)
	if err != nil {
		r.logger.Warn("read local freshness", "error", err)
		return nil
	}
	if !ok {
		r.logger.Debug("replica is empty, skipping freshness probe")
		return nil
	}

	probeCtx, cancel := c.probeContext(ctx)
	defer cancel()

	server, found, err := c.freshness.Latest(probeCtx)
	if err != nil {
		r.logger.Warn("freshness probe failed", "error", err)
		return nil
	}
	if !found {
		return nil
	}

	drift := server.Sub(local)
	if drift <= c.config.StaleThreshold {
		r.logger.Debug("replica is fresh", "drift", drift)
		return nil
	}

	r.logger.Warn("replica is stale, resetting",
		"local", local,
		"server", server,
		"drift", drift,
		"threshold", c.config.StaleThreshold,
	)

	if err := c.schema.Reset(ctx); err != nil {
		return fmt.Errorf("reset replica: %w", err)
	}
	c.setView(nil)
	c.publish(ctx, r, domain.SyncEventReset, "")
	return nil
}

func (c *Coordinator) subscribe(ctx context.Context, r *run, shape domain.Shape) {
	stream, err := c.feed.Subscribe(ctx, shape)
	if err != nil {
		c.fail(ctx, r, shape, fmt.Errorf("open subscription: %w", err))
		return
	}
	defer stream.Close()

	r.session.MarkStreaming(shape.Name)
	r.logger.Debug("shape subscription opened", "shape", shape.Name)

	for {
		msgs, err := stream.Next(ctx)
		if err != nil {
			c.fail(ctx, r, shape, fmt.Errorf("read stream: %w", err))
			return
		}
		if !c.enqueue(ctx, r, work{shape: shape, msgs: msgs}) {
			return
		}
	}
}

func (c *Coordinator) fail(ctx context.Context, r *run, shape domain.Shape, err error) {
	if ctx.Err() != nil {
		return
	}
	r.logger.Error("shape subscription failed", "shape", shape.Name, "error", err)
	c.enqueue(ctx, r, work{shape: shape, err: err})
}

func (c *Coordinator) enqueue(ctx context.Context, r *run, w work) bool {
	select {
	case r.queue <- w:
		return true
	case <-ctx.Done():
		return false
	}
}

// write is the single writer: every replica write of the session goes
// through it, in delivery order per shape.
func (c *Coordinator) write(ctx context.Context, r *run) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-r.queue:
			if ctx.Err() != nil {
				return
			}
			if w.err != nil {
				c.markErrored(ctx, r, w.shape.Name, w.err)
				continue
			}
			c.process(ctx, r, w.shape, w.msgs)
		}
	}
}

// process applies the data of a batch and handles its control messages in
// order, so a marker is seen only after the data that preceded it.
func (c *Coordinator) process(ctx context.Context, r *run, shape domain.Shape, msgs []domain.Message) {
	start := 0
	for i, m := range msgs {
		if !m.IsControl() {
			continue
		}
		c.apply(ctx, r, shape, msgs[start:i])
		start = i + 1

		if ctx.Err() != nil {
			return
		}
		if m.IsUpToDate() {
			c.markUpToDate(ctx, r, shape.Name)
		} else {
			r.logger.Debug("ignoring control message", "shape", shape.Name, "control", m.Control)
		}
	}
	c.apply(ctx, r, shape, msgs[start:])
}

func (c *Coordinator) apply(ctx context.Context, r *run, shape domain.Shape, msgs []domain.Message) {
	if len(msgs) == 0 || ctx.Err() != nil {
		return
	}

	events := make([]*domain.ChangeEvent, 0, len(msgs))
	for _, m := range msgs {
		ev, err := decodeMessage(shape.Entity, m)
		if err != nil {
			r.logger.Warn("dropping malformed event", "shape", shape.Name, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return
	}

	err := c.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		for _, ev := range events {
			if err := c.applyEvent(txCtx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		c.recordApplied(r, shape.Name, events)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if len(events) == 1 {
		r.logger.Error("dropping event that cannot be applied", "shape", shape.Name, "error", err)
		return
	}

	// isolate the failing rows
	r.logger.Warn("batch apply failed, retrying events one by one",
		"shape", shape.Name,
		"events", len(events),
		"error", err,
	)
	for _, ev := range events {
		if ctx.Err() != nil {
			return
		}
		err := c.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			return c.applyEvent(txCtx, ev)
		})
		if err != nil {
			r.logger.Error("dropping event that cannot be applied",
				"shape", shape.Name,
				"op", ev.Op,
				"error", err,
			)
			continue
		}
		c.recordApplied(r, shape.Name, []*domain.ChangeEvent{ev})
	}
}

func (c *Coordinator) applyEvent(ctx context.Context, ev *domain.ChangeEvent) error {
	del := ev.Op == domain.OpDelete

	switch ev.Entity {
	case domain.EntityItems:
		if del {
			return c.stores.Items.Delete(ctx, ev.Item.ID)
		}
		return c.stores.Items.Upsert(ctx, ev.Item)
	case domain.EntitySources:
		if del {
			return c.stores.Sources.Delete(ctx, ev.Source.ID)
		}
		return c.stores.Sources.Upsert(ctx, ev.Source)
	case domain.EntityTopics:
		if del {
			return c.stores.Topics.Delete(ctx, ev.Topic.ID)
		}
		return c.stores.Topics.Upsert(ctx, ev.Topic)
	case domain.EntityFeedback:
		if del {
			return c.stores.Feedback.Delete(ctx, ev.Feedback.UserID, ev.Feedback.ItemID)
		}
		return c.stores.Feedback.Upsert(ctx, ev.Feedback)
	}
	return fmt.Errorf("%w: %q", domain.ErrUnknownEntity, ev.Entity)
}

func (c *Coordinator) recordApplied(r *run, shape string, events []*domain.ChangeEvent) {
	var latest time.Time
	for _, ev := range events {
		if ts := ev.ServerTimestamp(); ts.After(latest) {
			latest = ts
		}
	}
	r.session.RecordApplied(shape, latest)
}

func (c *Coordinator) markUpToDate(ctx context.Context, r *run, shape string) {
	changed, ready := r.session.MarkUpToDate(shape)
	if !changed {
		return
	}
	r.logger.Info("shape up to date", "shape", shape)
	if ready {
		c.becomeReady(ctx, r)
	}
}

func (c *Coordinator) markErrored(ctx context.Context, r *run, shape string, err error) {
	changed, ready := r.session.MarkErrored(shape, err)
	if !changed {
		return
	}
	r.logger.Warn("shape errored", "shape", shape, "error", err)
	c.publish(ctx, r, domain.SyncEventShapeErrored, shape)
	if ready {
		c.becomeReady(ctx, r)
	}
}

// becomeReady runs once per session: it refreshes the view, then releases
// waiters.
func (c *Coordinator) becomeReady(ctx context.Context, r *run) {
	items, err := c.stores.Items.List(ctx)
	if err != nil {
		r.logger.Error("refresh replica view", "error", err)
	} else {
		c.setView(items)
	}

	select {
	case c.refreshed <- struct{}{}:
	default:
	}

	r.session.release()

	r.logger.Info("replica ready", "items", len(items))
	c.publish(ctx, r, domain.SyncEventReady, "")
}

// watchReadiness applies the soft timeout: it changes what the application
// is told, never what the subscriptions do.
func (c *Coordinator) watchReadiness(ctx context.Context, r *run) {
	timer := time.NewTimer(c.config.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-r.session.Ready():
		return
	case <-timer.C:
	}

	outstanding := r.session.Outstanding()
	if len(outstanding) == 0 {
		return
	}

	unreachable := c.probeShapes(ctx, outstanding)
	if ctx.Err() != nil {
		return
	}

	switch {
	case len(unreachable) == 0:
		r.logger.Warn("ready timeout elapsed, shapes still loading in background", "outstanding", outstanding)
		c.clearLoading(ctx, r)

	case len(unreachable) == len(outstanding):
		r.logger.Warn("ready timeout elapsed and no shape is reachable, serving local replica", "outstanding", outstanding)
		if r.session.ForceReady() {
			c.becomeReady(ctx, r)
		}

	default:
		for _, name := range outstanding {
			if err, ok := unreachable[name]; ok {
				c.markErrored(ctx, r, name, fmt.Errorf("unreachable after ready timeout: %w", err))
			}
		}
		c.clearLoading(ctx, r)
	}
}

func (c *Coordinator) clearLoading(ctx context.Context, r *run) {
	if r.session.ClearLoading() {
		c.publish(ctx, r, domain.SyncEventLoadingCleared, "")
	}
}

// probeShapes checks the named shapes concurrently and returns the errors
// of the unreachable ones.
func (c *Coordinator) probeShapes(ctx context.Context, names []string) map[string]error {
	byName := make(map[string]domain.Shape, len(c.shapes))
	for _, s := range c.shapes {
		byName[s.Name] = s
	}

	results := make([]error, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			probeCtx, cancel := c.probeContext(ctx)
			defer cancel()
			results[i] = c.feed.Probe(probeCtx, byName[name])
			return nil
		})
	}
	_ = g.Wait()

	unreachable := make(map[string]error)
	for i, err := range results {
		if err != nil {
			unreachable[names[i]] = err
		}
	}
	return unreachable
}

func (c *Coordinator) probeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.ProbeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.ProbeTimeout)
}

func (c *Coordinator) setView(items []domain.ContentItem) {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	c.view = items
}

func (c *Coordinator) publish(ctx context.Context, r *run, t domain.SyncEventType, shape string) {
	if c.publisher == nil {
		return
	}
	event := &domain.SyncEvent{
		Type:      t,
		SessionID: r.session.ID(),
		Shape:     shape,
		Timestamp: time.Now().UTC(),
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		r.logger.Warn("publish sync event", "type", t, "error", err)
	}
}
