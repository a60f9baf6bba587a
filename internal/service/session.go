package service

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"replica_dashboard/internal/domain"
)

// Session tracks the per-shape progress of one coordinator run and derives
// readiness from it. Once ready, a session never reverts.
type Session struct {
	id           string
	countErrored bool

	mu      sync.Mutex
	order   []string
	states  map[string]*domain.ShapeState
	ready   bool
	loading bool

	readyCh     chan struct{}
	releaseOnce sync.Once
	closed      chan struct{}
	closeOnce   sync.Once
}

func NewSession(shapes []string, countErrored bool) *Session {
	s := &Session{
		id:           uuid.NewString(),
		countErrored: countErrored,
		order:        append([]string(nil), shapes...),
		states:       make(map[string]*domain.ShapeState, len(shapes)),
		loading:      true,
		readyCh:      make(chan struct{}),
		closed:       make(chan struct{}),
	}
	for _, name := range shapes {
		s.states[name] = &domain.ShapeState{Name: name, Phase: domain.PhasePending}
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) MarkStreaming(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[name]; ok && st.Phase == domain.PhasePending {
		st.Phase = domain.PhaseStreaming
	}
}

// MarkUpToDate moves a shape to UpToDate. Repeated markers are no-ops.
// becameReady is true for the one transition that made the session ready.
func (s *Session) MarkUpToDate(name string) (changed, becameReady bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok || st.Phase == domain.PhaseUpToDate {
		return false, false
	}
	st.Phase = domain.PhaseUpToDate
	st.Err = nil
	return true, s.evaluate()
}

// MarkErrored records a shape failure. A shape that already reached
// UpToDate keeps that phase.
func (s *Session) MarkErrored(name string, err error) (changed, becameReady bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok || st.Phase == domain.PhaseUpToDate || st.Phase == domain.PhaseErrored {
		return false, false
	}
	st.Phase = domain.PhaseErrored
	st.Err = err
	return true, s.evaluate()
}

func (s *Session) RecordApplied(name string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[name]; ok && ts.After(st.LastAppliedServerTimestamp) {
		st.LastAppliedServerTimestamp = ts
	}
}

// Evaluate re-derives readiness, for sessions that may be complete from the
// start.
func (s *Session) Evaluate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluate()
}

// ForceReady makes the session ready regardless of shape phases.
func (s *Session) ForceReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return false
	}
	s.ready = true
	s.loading = false
	return true
}

// ClearLoading stops telling the application to wait, without declaring the
// session ready.
func (s *Session) ClearLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loading {
		return false
	}
	s.loading = false
	return true
}

func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Outstanding lists the shapes that have not completed yet, in configured
// order.
func (s *Session) Outstanding() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, name := range s.order {
		if !s.complete(s.states[name]) {
			names = append(names, name)
		}
	}
	return names
}

func (s *Session) States() []domain.ShapeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ShapeState, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.states[name])
	}
	return out
}

// Ready is closed once the session is ready and the first refresh is done.
func (s *Session) Ready() <-chan struct{} {
	return s.readyCh
}

// Done is closed when the session is shut down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) release() {
	s.releaseOnce.Do(func() { close(s.readyCh) })
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) evaluate() bool {
	if s.ready {
		return false
	}
	for _, name := range s.order {
		if !s.complete(s.states[name]) {
			return false
		}
	}
	s.ready = true
	s.loading = false
	return true
}

func (s *Session) complete(st *domain.ShapeState) bool {
	switch st.Phase {
	case domain.PhaseUpToDate:
		return true
	case domain.PhaseErrored:
		return s.countErrored
	}
	return false
}
