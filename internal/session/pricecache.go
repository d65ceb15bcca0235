package session

import (
	"sync"

	"spotbot/internal/domain"
)

// PriceCache holds the latest bid/ask per symbol. Last write wins; no
// history is retained.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[int64]domain.Price
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[int64]domain.Price)}
}

// Set overwrites the cached price for p.SymbolID.
func (c *PriceCache) Set(p domain.Price) {
	c.mu.Lock()
	c.prices[p.SymbolID] = p
	c.mu.Unlock()
}

// Get returns the latest price for a symbol and whether one exists.
func (c *PriceCache) Get(symbolID int64) (domain.Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbolID]
	return p, ok
}

// Snapshot returns a copy of all cached prices.
func (c *PriceCache) Snapshot() map[int64]domain.Price {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[int64]domain.Price, len(c.prices))
	for id, p := range c.prices {
		out[id] = p
	}
	return out
}
