// Package quote provides the short-TTL order-book snapshot cache and the
// cache-then-fallback read waterfall feeding trade pricing.
package quote

import (
	"sync"

	"github.com/togather-fin/togather-core/internal/domain"
)

// Cache stores the latest QuoteSnapshot per instrument. It is read-mostly and
// safe for concurrent readers; the feed is the single writer per instrument.
// Staleness is judged by the reader against UpdatedAt, there is no background
// expiry sweep.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]domain.QuoteSnapshot
}

// NewCache creates an empty quote cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]domain.QuoteSnapshot)}
}

// Get returns the cached snapshot for the instrument.
func (c *Cache) Get(instrument string) (domain.QuoteSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot, ok := c.entries[instrument]
	return snapshot, ok
}

// Put replaces the snapshot for its instrument.
func (c *Cache) Put(snapshot domain.QuoteSnapshot) {
	if snapshot.Instrument == "" {
		return
	}
	c.mu.Lock()
	c.entries[snapshot.Instrument] = snapshot
	c.mu.Unlock()
}

// Instruments returns the instrument codes currently cached.
func (c *Cache) Instruments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for code := range c.entries {
		out = append(out, code)
	}
	return out
}

// Clear removes every cached snapshot.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]domain.QuoteSnapshot)
	c.mu.Unlock()
}
