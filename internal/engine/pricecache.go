// Package engine implements the per-user trading engine: position
// monitoring, rule matching, price routing, trigger evaluation and exit
// execution, supervised per user by the Manager.
package engine

import "sync"

// PriceCache holds the most recent price per instrument token. The price
// source is the only writer per token; evaluation reads concurrently.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[uint32]float64
}

// NewPriceCache returns an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[uint32]float64)}
}

// Set stores the latest price for a token.
func (c *PriceCache) Set(token uint32, price float64) {
	c.mu.Lock()
	c.prices[token] = price
	c.mu.Unlock()
}

// Get returns the latest price and whether the token has ever been priced.
func (c *PriceCache) Get(token uint32) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[token]
	return p, ok
}

// Remove drops a token once its position is gone.
func (c *PriceCache) Remove(token uint32) {
	c.mu.Lock()
	delete(c.prices, token)
	c.mu.Unlock()
}

// Len reports how many tokens are currently priced.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
