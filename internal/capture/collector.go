package capture

import (
	"context"
	"time"
)

// Collector bundles the photo cache, the location resolver and the latest
// location per session behind the calls a turn needs.
type Collector struct {
	photos    *PhotoCache
	resolver  *LocationResolver
	locations *LocationBook
}

// NewCollector creates a Collector. A nil resolver resolves every position to
// the sentinel.
func NewCollector(photos *PhotoCache, resolver *LocationResolver) *Collector {
	if photos == nil {
		photos = NewPhotoCache()
	}
	if resolver == nil {
		resolver = NewLocationResolver(nil, nil, nil)
	}
	return &Collector{photos: photos, resolver: resolver, locations: NewLocationBook()}
}

// RequestPhoto makes sure a photo for key is pending or fresh.
func (c *Collector) RequestPhoto(key string, cam Camera) {
	c.photos.Request(key, cam)
}

// GetPhoto returns the photo for key, waiting at most timeout.
func (c *Collector) GetPhoto(ctx context.Context, key string, timeout time.Duration) *Photo {
	return c.photos.Get(ctx, key, timeout)
}

// UpdateLocation resolves coords and stores the result as the latest
// location of key.
func (c *Collector) UpdateLocation(ctx context.Context, key string, coords Coords) Location {
	loc := c.resolver.Resolve(ctx, coords)
	c.locations.Set(key, loc)
	return loc
}

// Location returns the latest location of key, or the sentinel.
func (c *Collector) Location(key string) Location {
	return c.locations.Get(key)
}

// Forget drops every piece of context held for key.
func (c *Collector) Forget(key string) {
	c.photos.Forget(key)
	c.locations.Forget(key)
}
