package bundle

import (
	"sync"
	"time"

	"github.com/apphub/catalog/pkg/catalog"
)

// metadataCache is a small read-through TTL cache over JobBundleVersion
// lookups, keyed by (slug, version). Entries are invalidated wholesale per
// slug on publish/deprecate, matching spec §5's "in-memory caches ... are
// read-through with TTL and are invalidated on receipt of the
// corresponding updated event" policy for bundle metadata.
type metadataCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	version   *catalog.JobBundleVersion
	expiresAt time.Time
}

func newMetadataCache(ttl time.Duration) *metadataCache {
	return &metadataCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func cacheKey(slug, version string) string { return slug + "@" + version }

func (c *metadataCache) get(slug, version string) (*catalog.JobBundleVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(slug, version)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.version, true
}

func (c *metadataCache) put(v *catalog.JobBundleVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(v.Slug, v.Version)] = cacheEntry{version: v, expiresAt: time.Now().Add(c.ttl)}
}

// invalidate drops every cached version for slug, regardless of TTL. Called
// on publish/deprecate so a stale "latest" resolution never outlives the
// write that superseded it.
func (c *metadataCache) invalidate(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.version.Slug == slug {
			delete(c.entries, key)
		}
	}
}
