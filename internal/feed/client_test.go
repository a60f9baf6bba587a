package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"replica_dashboard/internal/domain"
)

type ClientTestSuite struct {
	suite.Suite
	logger *slog.Logger
	shape  domain.Shape
	cfg    Config
}

func (s *ClientTestSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	s.shape = domain.Shape{
		Name:    "items",
		Table:   "items",
		Entity:  domain.EntityItems,
		Where:   "published_at > now() - interval '7 days'",
		OrderBy: "published_at DESC",
	}
	s.cfg = Config{
		Timeout:        2 * time.Second,
		MaxBatch:       100,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) newClient(handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	s.T().Cleanup(server.Close)

	cfg := s.cfg
	cfg.BaseURL = server.URL + "/v1/shape"
	return New(cfg, s.logger)
}

// collect reads batches until an up-to-date marker arrives.
func (s *ClientTestSuite) collect(ctx context.Context, stream domain.Stream) [][]domain.Message {
	var batches [][]domain.Message
	for {
		batch, err := stream.Next(ctx)
		s.Require().NoError(err)
		s.Require().NotEmpty(batch)
		batches = append(batches, batch)
		if batch[len(batch)-1].IsUpToDate() {
			return batches
		}
	}
}

func flatten(batches [][]domain.Message) []domain.Message {
	var out []domain.Message
	for _, b := range batches {
		out = append(out, b...)
	}
	return out
}

func (s *ClientTestSuite) TestSubscribe_SendsShapeParameters() {
	ctx := context.Background()

	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/v1/shape", r.URL.Path)
		s.Equal("items", r.URL.Query().Get("table"))
		s.Equal(s.shape.Where, r.URL.Query().Get("where"))
		s.Equal("published_at DESC", r.URL.Query().Get("order_by"))
		s.Empty(r.URL.Query().Get("offset"))
		fmt.Fprintln(w, `{"control":"up-to-date","offset":"0_0"}`)
	})

	stream, err := client.Subscribe(ctx, s.shape)
	s.Require().NoError(err)
	defer stream.Close()

	batches := s.collect(ctx, stream)
	s.Len(flatten(batches), 1)
}

func (s *ClientTestSuite) TestNext_MarkerEndsBatch() {
	ctx := context.Background()

	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"op":"insert","value":{"id":"a"},"offset":"1"}`)
		fmt.Fprintln(w, `{"op":"insert","value":{"id":"b"},"offset":"2"}`)
		fmt.Fprintln(w, `{"control":"up-to-date","offset":"2"}`)
		fmt.Fprintln(w, `{"op":"update","value":{"id":"a"},"offset":"3"}`)
	})

	stream, err := client.Subscribe(ctx, s.shape)
	s.Require().NoError(err)
	defer stream.Close()

	batches := s.collect(ctx, stream)
	msgs := flatten(batches)
	s.Require().Len(msgs, 3)
	s.Equal(domain.OpInsert, msgs[0].Op)
	s.JSONEq(`{"id":"b"}`, string(msgs[1].Value))
	s.True(msgs[2].IsUpToDate())

	next, err := stream.Next(ctx)
	s.Require().NoError(err)
	s.Require().Len(next, 1)
	s.Equal(domain.OpUpdate, next[0].Op)
}

func (s *ClientTestSuite) TestNext_ArrayLinesAndMalformedLines() {
	ctx := context.Background()

	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `[{"op":"insert","value":{"id":"a"}},{"op":"insert","value":{"id":"b"}}]`)
		fmt.Fprintln(w, `{not json`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `[{"op":"delete","value":{"id":"a"}},{"control":"up-to-date"}]`)
	})

	stream, err := client.Subscribe(ctx, s.shape)
	s.Require().NoError(err)
	defer stream.Close()

	msgs := flatten(s.collect(ctx, stream))
	s.Require().Len(msgs, 4)
	s.Equal(domain.OpDelete, msgs[2].Op)
	s.True(msgs[3].IsUpToDate())
}

func (s *ClientTestSuite) TestNext_RespectsMaxBatch() {
	ctx := context.Background()
	s.cfg.MaxBatch = 2

	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, `{"op":"insert","value":{"id":"%d"}}`+"\n", i)
		}
		fmt.Fprintln(w, `{"control":"up-to-date"}`)
	})

	stream, err := client.Subscribe(ctx, s.shape)
	s.Require().NoError(err)
	defer stream.Close()

	batches := s.collect(ctx, stream)
	for _, b := range batches {
		s.LessOrEqual(len(b), 2)
	}
	s.Len(flatten(batches), 6)
}

func (s *ClientTestSuite) TestNext_ResumesFromOffsetAfterDisconnect() {
	ctx := context.Background()
	var calls atomic.Int32

	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			fmt.Fprintln(w, `{"op":"insert","value":{"id":"a"},"offset":"7_1"}`)
		default:
			s.Equal("7_1", r.URL.Query().Get("offset"))
			s.Equal("true", r.URL.Query().Get("live"))
			fmt.Fprintln(w, `{"control":"up-to-date","offset":"7_1"}`)
		}
	})

	stream, err := client.Subscribe(ctx, s.shape)
	s.Require().NoError(err)
	defer stream.Close()

	msgs := flatten(s.collect(ctx, stream))
	s.Require().Len(msgs, 2)
	s.Equal(domain.OpInsert, msgs[0].Op)
	s.True(msgs[1].IsUpToDate())
	s.Equal(int32(2), calls.Load())
}

func (s *ClientTestSuite) TestNext_BacksOffBetweenSnapshotReplays() {
	s.cfg.InitialBackoff = 100 * time.Millisecond
	s.cfg.MaxBackoff = time.Second

	var (
		mu   sync.Mutex
		hits []time.Time
	)
	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, time.Now())
		mu.Unlock()

		s.Empty(r.URL.Query().Get("offset"))
		fmt.Fprintln(w, `{"op":"insert","value":{"id":"a"}}`)
		fmt.Fprintln(w, `{"control":"up-to-date"}`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	stream, err := client.Subscribe(ctx, s.shape)
	s.Require().NoError(err)
	defer stream.Close()

	batches := 0
	for {
		_, err := stream.Next(ctx)
		if err != nil {
			s.True(errors.Is(err, context.DeadlineExceeded), "unexpected error: %v", err)
			break
		}
		batches++
	}

	mu.Lock()
	defer mu.Unlock()

	// waits start in [50ms, 150ms] and grow by 1.5x
	s.GreaterOrEqual(len(hits), 2)
	s.LessOrEqual(len(hits), 6)
	s.LessOrEqual(batches, len(hits))
	for i := 1; i < len(hits); i++ {
		gap := hits[i].Sub(hits[i-1])
		s.GreaterOrEqual(gap, 45*time.Millisecond, "reconnect %d came after %s", i, gap)
	}
}

func (s *ClientTestSuite) TestSubscribe_RetriesServerErrors() {
	ctx := context.Background()
	var calls atomic.Int32

	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, `{"control":"up-to-date"}`)
	})

	stream, err := client.Subscribe(ctx, s.shape)
	s.Require().NoError(err)
	defer stream.Close()

	s.Len(flatten(s.collect(ctx, stream)), 1)
	s.Equal(int32(3), calls.Load())
}

func (s *ClientTestSuite) TestSubscribe_GivesUpAfterMaxAttempts() {
	var calls atomic.Int32

	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	stream, err := client.Subscribe(context.Background(), s.shape)

	s.Error(err)
	s.Nil(stream)
	s.Contains(err.Error(), "after 3 attempts")
	s.Equal(int32(3), calls.Load())
}

func (s *ClientTestSuite) TestNext_FailsWhenStreamKeepsEndingEmpty() {
	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	stream, err := client.Subscribe(context.Background(), s.shape)
	s.Require().NoError(err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	s.Error(err)
	s.Contains(err.Error(), "stream ended without data")
}

func (s *ClientTestSuite) TestClose_UnblocksNext() {
	release := make(chan struct{})

	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"control":"up-to-date"}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx := context.Background()
	stream, err := client.Subscribe(ctx, s.shape)
	s.Require().NoError(err)
	s.collect(ctx, stream)

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.NoError(stream.Close())

	select {
	case err := <-done:
		s.ErrorIs(err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		s.Fail("Next did not return after Close")
	}
}

func (s *ClientTestSuite) TestProbe() {
	var status atomic.Int32
	status.Store(http.StatusOK)

	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("1", r.URL.Query().Get("limit"))
		w.WriteHeader(int(status.Load()))
	})

	s.NoError(client.Probe(context.Background(), s.shape))

	status.Store(http.StatusBadGateway)
	err := client.Probe(context.Background(), s.shape)
	s.Error(err)
	s.Contains(err.Error(), "unexpected status: 502")
}

func (s *ClientTestSuite) TestLatest_ParsesNewestValue() {
	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("created_at DESC", r.URL.Query().Get("order_by"))
		s.Equal("1", r.URL.Query().Get("limit"))
		fmt.Fprintln(w, `{"op":"insert","value":{"id":"a","created_at":"2024-03-01 10:30:00"}}`)
		fmt.Fprintln(w, `{"control":"up-to-date"}`)
	})

	probe := NewFreshnessProbe(client, s.shape, "created_at")
	latest, ok, err := probe.Latest(context.Background())

	s.Require().NoError(err)
	s.True(ok)
	s.Equal(time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), latest)
}

func (s *ClientTestSuite) TestLatest_EmptyTable() {
	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"control":"up-to-date"}`)
	})

	_, ok, err := client.Latest(context.Background(), s.shape, "created_at")

	s.NoError(err)
	s.False(ok)
}

func (s *ClientTestSuite) TestLatest_Unreachable() {
	client := s.newClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, _, err := client.Latest(context.Background(), s.shape, "created_at")

	s.Error(err)
	s.Contains(err.Error(), "freshness probe items")
}
