package update

import (
	"sync/atomic"
	"time"
)

// DefaultTTL is the freshness window of a fetched release.
const DefaultTTL = 5 * time.Minute

// Cache holds the last fetched release. Writers replace the whole value;
// readers get a copy and never block.
type Cache struct {
	info atomic.Pointer[ReleaseInfo]
	ttl  time.Duration
	now  func() time.Time
}

// NewCache returns an empty cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, now: time.Now}
}

// Store replaces the cached release.
func (c *Cache) Store(info ReleaseInfo) {
	c.info.Store(&info)
}

// Snapshot returns a copy of the cached release; the zero value if empty.
func (c *Cache) Snapshot() ReleaseInfo {
	if p := c.info.Load(); p != nil {
		return *p
	}
	return ReleaseInfo{}
}

// Fresh reports whether a release was fetched within the TTL.
func (c *Cache) Fresh() bool {
	p := c.info.Load()
	if p == nil || p.Empty() {
		return false
	}
	return c.now().Sub(p.FetchedAt) < c.ttl
}
