package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"replica_dashboard/internal/domain"
)

var ErrStreamClosed = errors.New("stream closed")

// shapeStream is one live subscription. Next is called from a single
// goroutine; Close may be called from any goroutine and unblocks Next.
type shapeStream struct {
	client  *Client
	shape   domain.Shape
	backoff *backoff.ExponentialBackOff
	logger  *slog.Logger

	mu     sync.Mutex
	body   io.ReadCloser
	reader *bufio.Reader
	closed bool

	pending    []domain.Message
	offset     string
	connOffset string
	received   int
	idle       int
}

func newStream(c *Client, shape domain.Shape) *shapeStream {
	return &shapeStream{
		client: c,
		shape:  shape,
		backoff: backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(c.initialBackoff),
			backoff.WithMaxInterval(c.maxBackoff),
			backoff.WithMaxElapsedTime(0),
		),
		logger: c.logger.With("shape", shape.Name),
	}
}

// Next blocks until at least one message is available. Batches never extend
// past a control message, so an up-to-date marker always ends its batch.
// An interrupted connection is resumed from the last seen offset after an
// exponential backoff.
func (s *shapeStream) Next(ctx context.Context) ([]domain.Message, error) {
	for {
		if batch := s.take(); len(batch) > 0 {
			return batch, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := s.fill()
		if err == nil || len(s.pending) > 0 {
			continue
		}
		if s.isClosed() {
			return nil, ErrStreamClosed
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if s.received == 0 {
			s.idle++
		} else {
			s.idle = 0
		}
		if s.idle >= s.client.maxAttempts {
			return nil, fmt.Errorf("shape %s: stream ended without data %d times: %w", s.shape.Name, s.idle, err)
		}

		// a connection that moved the offset forward restarts the backoff
		if s.offset != s.connOffset {
			s.backoff.Reset()
		}
		wait := s.backoff.NextBackOff()
		if s.offset == "" {
			s.logger.Warn("shape stream ended without offset, replaying snapshot after backoff",
				"wait", wait,
				"received", s.received,
				"error", err,
			)
		} else {
			s.logger.Debug("shape stream interrupted, reconnecting",
				"offset", s.offset,
				"wait", wait,
				"error", err,
			)
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}

		if err := s.connect(ctx); err != nil {
			return nil, fmt.Errorf("reconnect %s: %w", s.shape.Name, err)
		}
	}
}

func (s *shapeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

// connect opens a new connection, retrying with exponential backoff up to
// the configured attempt count.
func (s *shapeStream) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.client.initialBackoff),
		backoff.WithMaxInterval(s.client.maxBackoff),
		backoff.WithMaxElapsedTime(0),
	)

	var lastErr error
	for attempt := 1; attempt <= s.client.maxAttempts; attempt++ {
		body, err := s.client.open(ctx, s.shape, s.offset)
		if err == nil {
			return s.attach(body)
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == s.client.maxAttempts {
			break
		}

		wait := b.NextBackOff()
		s.logger.Warn("shape request failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.client.maxAttempts, lastErr)
}

func (s *shapeStream) attach(body io.ReadCloser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = body.Close()
		return ErrStreamClosed
	}
	if s.body != nil {
		_ = s.body.Close()
	}
	s.body = body
	s.reader = bufio.NewReader(body)
	s.received = 0
	s.connOffset = s.offset
	return nil
}

// fill reads lines into pending until the connection has nothing more
// buffered, a control message arrives, or a full batch is queued.
func (s *shapeStream) fill() error {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()
	if reader == nil {
		return ErrStreamClosed
	}

	for {
		line, readErr := reader.ReadBytes('\n')
		msgs, err := decodeLine(line)
		if err != nil {
			s.logger.Warn("dropping unparsable message", "error", err)
		}

		control := false
		for _, m := range msgs {
			if m.Offset != "" {
				s.offset = m.Offset
			}
			if m.IsControl() {
				control = true
			}
			s.pending = append(s.pending, m)
			s.received++
		}

		if readErr != nil {
			return readErr
		}
		if control || len(s.pending) >= s.client.maxBatch || reader.Buffered() == 0 {
			return nil
		}
	}
}

func (s *shapeStream) take() []domain.Message {
	n := len(s.pending)
	if n == 0 {
		return nil
	}
	if n > s.client.maxBatch {
		n = s.client.maxBatch
	}
	for i := 0; i < n; i++ {
		if s.pending[i].IsControl() {
			n = i + 1
			break
		}
	}

	batch := make([]domain.Message, n)
	copy(batch, s.pending[:n])
	s.pending = s.pending[n:]
	return batch
}

func (s *shapeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FreshnessProbe reports the newest server-side value of a column for one
// shape, through the feed endpoint.
type FreshnessProbe struct {
	client *Client
	shape  domain.Shape
	column string
}

func NewFreshnessProbe(client *Client, shape domain.Shape, column string) *FreshnessProbe {
	return &FreshnessProbe{client: client, shape: shape, column: column}
}

func (p *FreshnessProbe) Latest(ctx context.Context) (time.Time, bool, error) {
	return p.client.Latest(ctx, p.shape, p.column)
}
