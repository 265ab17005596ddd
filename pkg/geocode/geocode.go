// Package geocode defines the Geocoder interface used to turn device
// coordinates into a human-readable place and a timezone.
//
// Reverse geocoding and timezone lookup are independent calls so that a
// failure in one does not discard the result of the other.
package geocode

import (
	"context"
	"errors"
)

// ErrNoResult is returned when the backend answered successfully but carried
// no usable address or timezone for the coordinates.
var ErrNoResult = errors.New("geocode: no result")

// Address is the coarse place a coordinate pair resolves to. Any field may be
// empty when the backend does not know it.
type Address struct {
	City    string
	State   string
	Country string
}

// Timezone describes the zone in effect at a coordinate pair.
type Timezone struct {
	// Name is the IANA zone name, e.g. "Europe/Berlin".
	Name string

	// ShortName is the abbreviation, e.g. "CEST".
	ShortName string

	// FullName is the long form, e.g. "Central European Summer Time".
	FullName string

	// OffsetSec is the current offset from UTC in seconds.
	OffsetSec int

	// IsDST reports whether daylight saving time is currently in effect.
	IsDST bool
}

// Geocoder resolves coordinates. Implementations must be safe for concurrent
// use.
type Geocoder interface {
	// Reverse returns the address for lat/lng.
	Reverse(ctx context.Context, lat, lng float64) (*Address, error)

	// Timezone returns the timezone in effect at lat/lng.
	Timezone(ctx context.Context, lat, lng float64) (*Timezone, error)
}
