package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"replica_dashboard/internal/domain"
)

var errStreamClosed = errors.New("stream closed")

// fakeStream hands out batches pushed by the test.
type fakeStream struct {
	batches chan []domain.Message
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		batches: make(chan []domain.Message, 32),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) Next(ctx context.Context) ([]domain.Message, error) {
	select {
	case b := <-s.batches:
		return b, nil
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, errStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeFeed struct {
	mu           sync.Mutex
	streams      map[string]*fakeStream
	subscribeErr map[string]error
	probeErr     map[string]error
	subscribed   []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		streams:      make(map[string]*fakeStream),
		subscribeErr: make(map[string]error),
		probeErr:     make(map[string]error),
	}
}

func (f *fakeFeed) Subscribe(_ context.Context, shape domain.Shape) (domain.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.subscribeErr[shape.Name]; err != nil {
		return nil, err
	}
	f.subscribed = append(f.subscribed, shape.Name)
	return f.streamLocked(shape.Name), nil
}

func (f *fakeFeed) Probe(_ context.Context, shape domain.Shape) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr[shape.Name]
}

// stream returns the live stream of a shape, replacing a closed one so a
// restarted session gets a fresh subscription.
func (f *fakeFeed) stream(name string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamLocked(name)
}

func (f *fakeFeed) streamLocked(name string) *fakeStream {
	st, ok := f.streams[name]
	if !ok || st.isClosed() {
		st = newFakeStream()
		f.streams[name] = st
	}
	return st
}

func (f *fakeFeed) push(name string, msgs ...domain.Message) {
	f.stream(name).batches <- msgs
}

func (f *fakeFeed) fail(name string, err error) {
	f.stream(name).errs <- err
}

func (f *fakeFeed) setSubscribeErr(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr[name] = err
}

func (f *fakeFeed) setProbeErr(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr[name] = err
}

func (f *fakeFeed) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed)
}

func insert(value string) domain.Message {
	return domain.Message{Op: domain.OpInsert, Value: json.RawMessage(value)}
}

func update(value string) domain.Message {
	return domain.Message{Op: domain.OpUpdate, Value: json.RawMessage(value)}
}

func remove(value string) domain.Message {
	return domain.Message{Op: domain.OpDelete, Value: json.RawMessage(value)}
}

func upToDate() domain.Message {
	return domain.Message{Control: domain.ControlUpToDate}
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func itemValue(id string, published time.Time) string {
	return fmt.Sprintf(
		`{"id":%q,"source_id":"1","source_type":"paper","title":"Item %s","url":"https://example.com/%s","published_at":%q,"created_at":%q,"updated_at":%q,"topics":["ml"],"raw_metadata":{"authors":["x"]}}`,
		id, id, id, ts(published), ts(published), ts(published),
	)
}

func sourceValue(id, name string, weight float64) string {
	return fmt.Sprintf(
		`{"id":%q,"name":%q,"type":"rss","medium":"blog","active":true,"meta":{"weight":%g}}`,
		id, name, weight,
	)
}

func feedbackValue(user, item string, score int, at time.Time) string {
	return fmt.Sprintf(`{"id":1,"user_id":%q,"item_id":%q,"score":%d,"created_at":%q}`, user, item, score, ts(at))
}
