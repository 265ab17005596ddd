// Package capture collects the multimodal context of a turn: at most one
// in-flight photo per session and a best-effort geocoded location.
//
// Every wait is bounded and every failure degrades to "no photo" or the
// Unknown location sentinel. Nothing here returns an error to the turn.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/mira/internal/clock"
	"github.com/MrWong99/mira/internal/observe"
)

const (
	// DefaultPhotoWait bounds how long finalization waits for a pending photo.
	DefaultPhotoWait = 3 * time.Second

	// photoStaleAfter is the age since completion after which a photo is no
	// longer reused for a new turn.
	photoStaleAfter = 5 * time.Second

	// photoPurgeAfter is the age since completion after which a photo is
	// dropped entirely.
	photoPurgeAfter = 30 * time.Second
)

// Photo is a single camera frame.
type Photo struct {
	RequestID string
	MIMEType  string
	Data      []byte
}

// Camera captures a photo on the device. RequestPhoto blocks until the device
// answers or ctx ends.
type Camera interface {
	RequestPhoto(ctx context.Context) (*Photo, error)
}

// photoEntry is the handle of one capture request. done is closed once photo
// and err are set.
type photoEntry struct {
	done        chan struct{}
	photo       *Photo
	err         error
	completedAt time.Time
}

func (e *photoEntry) completed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// PhotoCache tracks at most one capture request per session key. It is safe
// for concurrent use.
type PhotoCache struct {
	clock   clock.Clock
	metrics *observe.Metrics

	// captureTimeout bounds the capture itself; it is independent of any
	// turn so a slow camera still fills the cache for the next turn.
	captureTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*photoEntry
}

// PhotoOption configures a PhotoCache.
type PhotoOption func(*PhotoCache)

// WithClock sets the clock used for freshness and wait timeouts.
func WithClock(c clock.Clock) PhotoOption {
	return func(pc *PhotoCache) { pc.clock = c }
}

// WithMetrics records photo wait outcomes to m.
func WithMetrics(m *observe.Metrics) PhotoOption {
	return func(pc *PhotoCache) { pc.metrics = m }
}

// WithCaptureTimeout bounds a single capture request. Default: 30s.
func WithCaptureTimeout(d time.Duration) PhotoOption {
	return func(pc *PhotoCache) {
		if d > 0 {
			pc.captureTimeout = d
		}
	}
}

// NewPhotoCache creates an empty PhotoCache.
func NewPhotoCache(opts ...PhotoOption) *PhotoCache {
	pc := &PhotoCache{
		clock:          clock.Real{},
		captureTimeout: photoPurgeAfter,
		entries:        make(map[string]*photoEntry),
	}
	for _, o := range opts {
		o(pc)
	}
	return pc
}

// Request makes sure a photo for key is pending or fresh. A pending request
// or a result completed less than five seconds ago is reused; otherwise
// exactly one new capture is started on cam and its handle recorded before
// Request returns. Request never blocks on the camera.
func (pc *PhotoCache) Request(key string, cam Camera) {
	if cam == nil {
		return
	}
	pc.mu.Lock()
	if e, ok := pc.entries[key]; ok {
		if !e.completed() || pc.clock.Now().Sub(e.completedAt) < photoStaleAfter {
			pc.mu.Unlock()
			return
		}
		delete(pc.entries, key)
	}
	e := &photoEntry{done: make(chan struct{})}
	pc.entries[key] = e
	pc.mu.Unlock()

	go pc.capture(key, cam, e)
}

func (pc *PhotoCache) capture(key string, cam Camera, e *photoEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), pc.captureTimeout)
	photo, err := cam.RequestPhoto(ctx)
	cancel()

	pc.mu.Lock()
	e.photo, e.err = photo, err
	if err == nil && photo == nil {
		e.err = context.DeadlineExceeded
	}
	if e.err != nil {
		if pc.entries[key] == e {
			delete(pc.entries, key)
		}
	} else {
		e.completedAt = pc.clock.Now()
		pc.clock.AfterFunc(photoPurgeAfter, func() {
			pc.mu.Lock()
			defer pc.mu.Unlock()
			if pc.entries[key] == e {
				delete(pc.entries, key)
			}
		})
	}
	pc.mu.Unlock()
	close(e.done)

	if e.err != nil {
		slog.Warn("photo capture failed", "session_id", key, "err", e.err)
	}
}

// Get returns the photo for key. A completed photo is returned at once;
// otherwise Get waits for the pending capture up to timeout (or until ctx
// ends) and returns nil without cancelling the capture. A non-positive
// timeout selects [DefaultPhotoWait].
func (pc *PhotoCache) Get(ctx context.Context, key string, timeout time.Duration) *Photo {
	if timeout <= 0 {
		timeout = DefaultPhotoWait
	}
	pc.mu.Lock()
	e, ok := pc.entries[key]
	pc.mu.Unlock()
	if !ok {
		pc.record(ctx, "none")
		return nil
	}
	if e.completed() {
		pc.record(ctx, "ready")
		return e.photo
	}

	expired := make(chan struct{})
	t := pc.clock.AfterFunc(timeout, func() { close(expired) })
	defer t.Stop()

	select {
	case <-e.done:
		if e.err != nil {
			pc.record(ctx, "failed")
			return nil
		}
		pc.record(ctx, "waited")
		return e.photo
	case <-expired:
		pc.record(ctx, "timeout")
		return nil
	case <-ctx.Done():
		pc.record(ctx, "timeout")
		return nil
	}
}

// Forget drops any entry for key. A capture still in flight completes into
// the void.
func (pc *PhotoCache) Forget(key string) {
	pc.mu.Lock()
	delete(pc.entries, key)
	pc.mu.Unlock()
}

func (pc *PhotoCache) record(ctx context.Context, outcome string) {
	if pc.metrics != nil {
		pc.metrics.RecordPhotoWait(ctx, outcome)
	}
}
