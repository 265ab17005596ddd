// Package notify keeps the most recent phone notifications of every user.
//
// Devices forward notifications as they arrive. The assistant attaches the
// latest few to each query and the analyze_notifications tool reads a larger
// window. Each user owns a fixed-capacity ring; older entries are overwritten.
package notify

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of notifications retained per user.
const DefaultCapacity = 50

// Notification is a single phone notification.
type Notification struct {
	App       string    `json:"app"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type ring struct {
	items []Notification
	start int
	n     int
}

func (r *ring) push(item Notification) {
	idx := (r.start + r.n) % len(r.items)
	r.items[idx] = item
	if r.n < len(r.items) {
		r.n++
		return
	}
	r.start = (r.start + 1) % len(r.items)
}

// latest returns up to n items, oldest first.
func (r *ring) latest(n int) []Notification {
	n = min(n, r.n)
	out := make([]Notification, 0, n)
	for i := r.n - n; i < r.n; i++ {
		out = append(out, r.items[(r.start+i)%len(r.items)])
	}
	return out
}

// Store maps user IDs to their notification rings. It is safe for concurrent
// use. The zero value is not usable; use [NewStore].
type Store struct {
	mu       sync.Mutex
	capacity int
	users    map[string]*ring
}

// NewStore returns a Store retaining capacity notifications per user.
// A non-positive capacity selects [DefaultCapacity].
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity, users: make(map[string]*ring)}
}

// Add appends items to userID's ring in order.
func (s *Store) Add(userID string, items ...Notification) {
	if userID == "" || len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.users[userID]
	if !ok {
		r = &ring{items: make([]Notification, s.capacity)}
		s.users[userID] = r
	}
	for _, it := range items {
		r.push(it)
	}
}

// Latest returns up to n of userID's most recent notifications, oldest first.
// Unknown users yield nil.
func (s *Store) Latest(userID string, n int) []Notification {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.users[userID]
	if !ok || r.n == 0 {
		return nil
	}
	return r.latest(n)
}

// Len returns the number of notifications held for userID.
func (s *Store) Len(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.users[userID]; ok {
		return r.n
	}
	return 0
}

// Clear drops every notification of userID.
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}
