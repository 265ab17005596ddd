// Package sessionstore defines the persistence interface for assistant
// sessions: who the session belongs to, where the wearer was last seen, the
// recent question/answer exchanges and when the session was last active.
//
// Two implementations exist: [MemStore] in this package and the PostgreSQL
// store in the postgres sub-package. Both are safe for concurrent use.
package sessionstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("sessionstore: session not found")

// DefaultHistoryLimit is the number of exchanges kept per session.
const DefaultHistoryLimit = 20

// IdleTimeout is how long a session may stay inactive before a sweep drops it.
const IdleTimeout = time.Hour

// Exchange is one answered query.
type Exchange struct {
	Query  string    `json:"query"`
	Answer string    `json:"answer"`
	At     time.Time `json:"at"`
}

// Location is the last known whereabouts of the wearer.
type Location struct {
	Lat      float64 `json:"lat,omitempty"`
	Lng      float64 `json:"lng,omitempty"`
	City     string  `json:"city,omitempty"`
	State    string  `json:"state,omitempty"`
	Country  string  `json:"country,omitempty"`
	Timezone string  `json:"timezone,omitempty"`
}

// Session is the persisted state of one device session.
type Session struct {
	ID           string
	UserID       string
	Location     Location
	History      []Exchange
	LastActivity time.Time
}

// Store persists sessions.
type Store interface {
	// GetOrCreate returns the session with id, creating it for userID when it
	// does not exist. An existing session keeps its user.
	GetOrCreate(ctx context.Context, id, userID string) (Session, error)

	// Get returns the session with id or [ErrNotFound].
	Get(ctx context.Context, id string) (Session, error)

	// AppendExchange adds ex to the session history, keeping the newest
	// limit entries, and marks the session active.
	AppendExchange(ctx context.Context, id string, ex Exchange, limit int) error

	// SetLocation stores the latest location and marks the session active.
	SetLocation(ctx context.Context, id string, loc Location) error

	// Delete removes the session. Deleting an unknown session is not an error.
	Delete(ctx context.Context, id string) error

	// ListByUser returns every session of userID, most recently active first.
	ListByUser(ctx context.Context, userID string) ([]Session, error)

	// SweepIdle deletes sessions whose last activity is before cutoff and
	// returns how many were removed.
	SweepIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// TrimHistory keeps the newest limit exchanges of h. A limit of zero or less
// means [DefaultHistoryLimit].
func TrimHistory(h []Exchange, limit int) []Exchange {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h
}
