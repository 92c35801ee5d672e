package sessions

import (
	"sync"
	"time"
)

// listCache memoises session-list results per user for a short TTL to
// absorb UI polling.
type listCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]listCacheEntry
	now     func() time.Time
}

type listCacheEntry struct {
	records []StatusRecord
	savedAt time.Time
}

func newListCache(ttl time.Duration) *listCache {
	return &listCache{
		ttl:     ttl,
		entries: make(map[string]listCacheEntry),
		now:     time.Now,
	}
}

func (c *listCache) get(userID string) ([]StatusRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[userID]
	if !ok || c.now().Sub(entry.savedAt) > c.ttl {
		return nil, false
	}
	return entry.records, true
}

func (c *listCache) put(userID string, records []StatusRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = listCacheEntry{records: records, savedAt: c.now()}
}

func (c *listCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]listCacheEntry)
}
