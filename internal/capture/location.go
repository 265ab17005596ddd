package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/mira/internal/observe"
	"github.com/MrWong99/mira/internal/resilience"
	"github.com/MrWong99/mira/pkg/geocode"
)

// Unknown is the value of every location field that could not be resolved.
const Unknown = "Unknown"

// Coords is a device position.
type Coords struct {
	Lat float64
	Lng float64
}

// Valid reports whether both coordinates are non-zero. Devices report 0/0
// while they have no fix.
func (c Coords) Valid() bool { return c.Lat != 0 && c.Lng != 0 }

// Location is the resolved place of a session. It is never partially nil:
// unresolved fields hold [Unknown] or one of its variants.
type Location struct {
	City     string
	State    string
	Country  string
	Timezone geocode.Timezone
}

// UnknownLocation returns the sentinel used whenever nothing is known.
func UnknownLocation() Location {
	return Location{
		City:    Unknown,
		State:   Unknown,
		Country: Unknown,
		Timezone: geocode.Timezone{
			Name:      Unknown,
			ShortName: Unknown,
			FullName:  Unknown,
		},
	}
}

// IsUnknown reports whether l carries no resolved field at all.
func (l Location) IsUnknown() bool { return l == UnknownLocation() }

// LocationResolver turns coordinates into a Location. Reverse geocoding and
// the timezone lookup share one circuit breaker so an unreachable geocoder
// is not hit on every location update.
type LocationResolver struct {
	geocoder geocode.Geocoder
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

// NewLocationResolver wraps g. A nil g resolves every position to the
// sentinel. breaker may be nil to call g unguarded.
func NewLocationResolver(g geocode.Geocoder, breaker *resilience.CircuitBreaker, m *observe.Metrics) *LocationResolver {
	return &LocationResolver{geocoder: g, breaker: breaker, metrics: m}
}

// Resolve runs the reverse and timezone lookups as two independent calls.
// Each failing call leaves only its own fields at [Unknown]. Invalid
// coordinates yield the full sentinel without any call.
func (r *LocationResolver) Resolve(ctx context.Context, c Coords) Location {
	loc := UnknownLocation()
	if !c.Valid() || r.geocoder == nil {
		return loc
	}

	var addr *geocode.Address
	err := r.guard(func() error {
		var err error
		addr, err = r.geocoder.Reverse(ctx, c.Lat, c.Lng)
		return err
	})
	r.record(ctx, "reverse", err)
	switch {
	case err != nil:
		slog.Warn("reverse geocoding failed", "err", err)
	case addr != nil:
		loc.City = orDefault(addr.City, "Unknown city")
		loc.State = orDefault(addr.State, "Unknown state")
		loc.Country = orDefault(addr.Country, "Unknown country")
	}

	var tz *geocode.Timezone
	err = r.guard(func() error {
		var err error
		tz, err = r.geocoder.Timezone(ctx, c.Lat, c.Lng)
		return err
	})
	r.record(ctx, "timezone", err)
	switch {
	case err != nil:
		slog.Warn("timezone lookup failed", "err", err)
	case tz != nil:
		loc.Timezone = geocode.Timezone{
			Name:      orDefault(tz.Name, Unknown),
			ShortName: orDefault(tz.ShortName, Unknown),
			FullName:  orDefault(tz.FullName, Unknown),
			OffsetSec: tz.OffsetSec,
			IsDST:     tz.IsDST,
		}
	}
	return loc
}

// guard runs fn through the breaker. A backend that answered without a
// result is healthy, so ErrNoResult does not count as a failure.
func (r *LocationResolver) guard(fn func() error) error {
	var noResult bool
	call := func() error {
		err := fn()
		if errors.Is(err, geocode.ErrNoResult) {
			noResult = true
			return nil
		}
		return err
	}
	var err error
	if r.breaker != nil {
		err = r.breaker.Execute(call)
	} else {
		err = call()
	}
	if err == nil && noResult {
		return geocode.ErrNoResult
	}
	return err
}

func (r *LocationResolver) record(ctx context.Context, kind string, err error) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, geocode.ErrNoResult):
		status = "no_result"
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	r.metrics.RecordGeocodeLookup(ctx, kind, status)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// LocationBook keeps the latest resolved location per session key.
type LocationBook struct {
	mu     sync.RWMutex
	latest map[string]Location
}

// NewLocationBook returns an empty book.
func NewLocationBook() *LocationBook {
	return &LocationBook{latest: make(map[string]Location)}
}

// Set stores loc as the latest location of key.
func (b *LocationBook) Set(key string, loc Location) {
	b.mu.Lock()
	b.latest[key] = loc
	b.mu.Unlock()
}

// Get returns the latest location of key, or the sentinel.
func (b *LocationBook) Get(key string) Location {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if loc, ok := b.latest[key]; ok {
		return loc
	}
	return UnknownLocation()
}

// Forget drops key.
func (b *LocationBook) Forget(key string) {
	b.mu.Lock()
	delete(b.latest, key)
	b.mu.Unlock()
}
