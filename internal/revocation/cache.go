package revocation

import (
	"sync"
	"time"
)

const defaultCacheCap = 10_000

// cachedResult is an advisory copy of a store lookup. Negative results are
// cached too so repeated checks of live capabilities skip the database.
type cachedResult struct {
	Revoked   bool
	RevokedAt time.Time
	RevokedBy string
	Reason    string
}

// resultCache is a capped map with FIFO eviction by insertion order. FIFO is
// acceptable here because the cache is advisory — evicting a hot entry only
// costs one extra store round trip.
type resultCache struct {
	mu    sync.Mutex
	cap   int
	order []string
	items map[string]cachedResult
}

func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		capacity = defaultCacheCap
	}
	return &resultCache{
		cap:   capacity,
		items: make(map[string]cachedResult, capacity),
	}
}

func (c *resultCache) get(capabilityID string) (cachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[capabilityID]
	return r, ok
}

func (c *resultCache) put(capabilityID string, r cachedResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[capabilityID]; !exists {
		if len(c.order) >= c.cap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.order = append(c.order, capabilityID)
	}
	c.items[capabilityID] = r
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
