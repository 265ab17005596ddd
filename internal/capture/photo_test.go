package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/mira/internal/clock/fake"
)

// fakeCamera answers capture requests in call order. While release is
// non-nil every call blocks until it is closed.
type fakeCamera struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	err     error
}

func (c *fakeCamera) RequestPhoto(ctx context.Context) (*Photo, error) {
	c.mu.Lock()
	c.calls++
	n, rel, err := c.calls, c.release, c.err
	c.mu.Unlock()

	if rel != nil {
		select {
		case <-rel:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Photo{RequestID: fmt.Sprintf("photo-%d", n), MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8}}, nil
}

func (c *fakeCamera) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeCamera) setRelease(ch chan struct{}) {
	c.mu.Lock()
	c.release = ch
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newCache() (*PhotoCache, *fake.Clock) {
	clk := fake.New(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewPhotoCache(WithClock(clk)), clk
}

func (pc *PhotoCache) entry(key string) *photoEntry {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.entries[key]
}

func photoID(p *Photo) string {
	if p == nil {
		return "<nil>"
	}
	return p.RequestID
}

func TestPhotoCache_SingleInFlight(t *testing.T) {
	t.Parallel()
	pc, _ := newCache()
	release := make(chan struct{})
	cam := &fakeCamera{release: release}

	for range 3 {
		pc.Request("sess-1", cam)
	}
	waitFor(t, "capture to start", func() bool { return cam.Calls() == 1 })

	close(release)
	if got := pc.Get(context.Background(), "sess-1", time.Hour); photoID(got) != "photo-1" {
		t.Errorf("Get = %s, want photo-1", photoID(got))
	}
	if cam.Calls() != 1 {
		t.Errorf("camera calls = %d, want 1", cam.Calls())
	}
}

func TestPhotoCache_GetWaitsForPending(t *testing.T) {
	t.Parallel()
	pc, clk := newCache()
	release := make(chan struct{})
	cam := &fakeCamera{release: release}
	pc.Request("sess-1", cam)

	result := make(chan *Photo, 1)
	go func() { result <- pc.Get(context.Background(), "sess-1", DefaultPhotoWait) }()
	waitFor(t, "wait timer", func() bool { return clk.Pending() == 1 })

	close(release)
	if got := <-result; photoID(got) != "photo-1" {
		t.Errorf("Get = %s, want photo-1", photoID(got))
	}
}

func TestPhotoCache_TimeoutDoesNotCancelCapture(t *testing.T) {
	t.Parallel()
	pc, clk := newCache()
	release := make(chan struct{})
	cam := &fakeCamera{release: release}
	pc.Request("sess-1", cam)

	result := make(chan *Photo, 1)
	go func() { result <- pc.Get(context.Background(), "sess-1", 3000*time.Millisecond) }()
	waitFor(t, "wait timer", func() bool { return clk.Pending() == 1 })

	clk.Advance(3000 * time.Millisecond)
	if got := <-result; got != nil {
		t.Fatalf("Get after timeout = %s, want nil", photoID(got))
	}

	close(release)
	if got := pc.Get(context.Background(), "sess-1", time.Hour); photoID(got) != "photo-1" {
		t.Errorf("late Get = %s, want photo-1 from the same capture", photoID(got))
	}
	if cam.Calls() != 1 {
		t.Errorf("camera calls = %d, want 1", cam.Calls())
	}
}

func TestPhotoCache_FreshnessWindow(t *testing.T) {
	t.Parallel()
	pc, clk := newCache()
	cam := &fakeCamera{}

	pc.Request("sess-1", cam)
	if got := pc.Get(context.Background(), "sess-1", time.Hour); photoID(got) != "photo-1" {
		t.Fatalf("Get = %s, want photo-1", photoID(got))
	}

	clk.Advance(4999 * time.Millisecond)
	pc.Request("sess-1", cam)
	if cam.Calls() != 1 {
		t.Fatalf("camera calls = %d, want 1 (fresh result reused)", cam.Calls())
	}

	clk.Advance(time.Millisecond)
	pc.Request("sess-1", cam)
	if got := pc.Get(context.Background(), "sess-1", time.Hour); photoID(got) != "photo-2" {
		t.Errorf("Get = %s, want photo-2 after the result went stale", photoID(got))
	}
}

func TestPhotoCache_PurgeAfter30s(t *testing.T) {
	t.Parallel()
	pc, clk := newCache()
	cam := &fakeCamera{}

	pc.Request("sess-1", cam)
	_ = pc.Get(context.Background(), "sess-1", time.Hour)

	clk.Advance(29 * time.Second)
	if got := pc.Get(context.Background(), "sess-1", time.Hour); photoID(got) != "photo-1" {
		t.Fatalf("Get at 29s = %s, want photo-1 (stale photos are still served)", photoID(got))
	}
	clk.Advance(time.Second)
	if got := pc.Get(context.Background(), "sess-1", time.Hour); got != nil {
		t.Errorf("Get at 30s = %s, want nil", photoID(got))
	}
}

func TestPhotoCache_PurgeKeepsNewerRequest(t *testing.T) {
	t.Parallel()
	pc, clk := newCache()
	cam := &fakeCamera{}

	pc.Request("sess-1", cam)
	_ = pc.Get(context.Background(), "sess-1", time.Hour)

	clk.Advance(6 * time.Second)
	release := make(chan struct{})
	cam.setRelease(release)
	pc.Request("sess-1", cam)
	second := pc.entry("sess-1")

	clk.Advance(24 * time.Second)
	if got := pc.entry("sess-1"); got != second || got == nil {
		t.Fatal("purge of the first photo removed the newer request")
	}

	close(release)
	if got := pc.Get(context.Background(), "sess-1", time.Hour); photoID(got) != "photo-2" {
		t.Errorf("Get = %s, want photo-2", photoID(got))
	}
}

func TestPhotoCache_FailedCaptureClearsEntry(t *testing.T) {
	t.Parallel()
	pc, _ := newCache()
	cam := &fakeCamera{err: errors.New("camera busy")}

	pc.Request("sess-1", cam)
	waitFor(t, "failed capture to clear", func() bool {
		return cam.Calls() == 1 && pc.entry("sess-1") == nil
	})
	if got := pc.Get(context.Background(), "sess-1", time.Hour); got != nil {
		t.Fatalf("Get = %s, want nil", photoID(got))
	}

	cam.mu.Lock()
	cam.err = nil
	cam.mu.Unlock()
	pc.Request("sess-1", cam)
	if got := pc.Get(context.Background(), "sess-1", time.Hour); photoID(got) != "photo-2" {
		t.Errorf("Get = %s, want photo-2 after retry", photoID(got))
	}
}

func TestPhotoCache_GetUnknownSession(t *testing.T) {
	t.Parallel()
	pc, _ := newCache()
	if got := pc.Get(context.Background(), "nobody", 0); got != nil {
		t.Errorf("Get = %s, want nil", photoID(got))
	}
}

func TestPhotoCache_GetHonoursContext(t *testing.T) {
	t.Parallel()
	pc, _ := newCache()
	release := make(chan struct{})
	defer close(release)
	pc.Request("sess-1", &fakeCamera{release: release})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := pc.Get(ctx, "sess-1", time.Hour); got != nil {
		t.Errorf("Get = %s, want nil for cancelled context", photoID(got))
	}
}

func TestPhotoCache_SessionsAreIndependent(t *testing.T) {
	t.Parallel()
	pc, _ := newCache()
	camA, camB := &fakeCamera{}, &fakeCamera{}

	pc.Request("a", camA)
	pc.Request("b", camB)
	_ = pc.Get(context.Background(), "a", time.Hour)
	_ = pc.Get(context.Background(), "b", time.Hour)

	pc.Forget("a")
	if got := pc.Get(context.Background(), "a", time.Hour); got != nil {
		t.Errorf("Get(a) after Forget = %s, want nil", photoID(got))
	}
	if got := pc.Get(context.Background(), "b", time.Hour); got == nil {
		t.Error("Get(b) = nil, want photo")
	}
}
