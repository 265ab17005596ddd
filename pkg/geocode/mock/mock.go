// Package mock provides a test double for geocode.Geocoder.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/mira/pkg/geocode"
)

// Call records the coordinates of a single lookup.
type Call struct {
	Lat, Lng float64
}

// Geocoder is a mock implementation of geocode.Geocoder.
type Geocoder struct {
	mu sync.Mutex

	// Address and ReverseErr are returned by Reverse.
	Address    *geocode.Address
	ReverseErr error

	// Zone and TimezoneErr are returned by Timezone.
	Zone        *geocode.Timezone
	TimezoneErr error

	ReverseCalls  []Call
	TimezoneCalls []Call
}

var _ geocode.Geocoder = (*Geocoder)(nil)

// Reverse records the call and returns Address or ReverseErr.
func (g *Geocoder) Reverse(_ context.Context, lat, lng float64) (*geocode.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ReverseCalls = append(g.ReverseCalls, Call{Lat: lat, Lng: lng})
	if g.ReverseErr != nil {
		return nil, g.ReverseErr
	}
	if g.Address == nil {
		return nil, geocode.ErrNoResult
	}
	a := *g.Address
	return &a, nil
}

// Timezone records the call and returns Zone or TimezoneErr.
func (g *Geocoder) Timezone(_ context.Context, lat, lng float64) (*geocode.Timezone, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.TimezoneCalls = append(g.TimezoneCalls, Call{Lat: lat, Lng: lng})
	if g.TimezoneErr != nil {
		return nil, g.TimezoneErr
	}
	if g.Zone == nil {
		return nil, geocode.ErrNoResult
	}
	tz := *g.Zone
	return &tz, nil
}

// Calls returns the number of Reverse and Timezone invocations.
func (g *Geocoder) Calls() (reverse, timezone int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ReverseCalls), len(g.TimezoneCalls)
}
