package sessionstore

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store].
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// MemOption configures a [MemStore].
type MemOption func(*MemStore)

// WithNow overrides the time source used for activity timestamps.
func WithNow(now func() time.Time) MemOption {
	return func(s *MemStore) { s.now = now }
}

// NewMemStore returns an empty MemStore.
func NewMemStore(opts ...MemOption) *MemStore {
	s := &MemStore{sessions: make(map[string]*Session), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemStore) GetOrCreate(_ context.Context, id, userID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, UserID: userID}
		s.sessions[id] = sess
	}
	sess.LastActivity = s.now()
	return clone(sess), nil
}

func (s *MemStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return clone(sess), nil
}

func (s *MemStore) AppendExchange(_ context.Context, id string, ex Exchange, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.History = TrimHistory(append(sess.History, ex), limit)
	sess.LastActivity = s.now()
	return nil
}

func (s *MemStore) SetLocation(_ context.Context, id string, loc Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Location = loc
	sess.LastActivity = s.now()
	return nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemStore) ListByUser(_ context.Context, userID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, clone(sess))
		}
	}
	slices.SortFunc(out, func(a, b Session) int { return b.LastActivity.Compare(a.LastActivity) })
	return out, nil
}

func (s *MemStore) SweepIdle(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func clone(s *Session) Session {
	c := *s
	c.History = slices.Clone(s.History)
	return c
}
