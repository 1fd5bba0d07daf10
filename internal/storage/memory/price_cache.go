package memory

import (
	"context"
	"sync"
)

// PriceCache keeps the last valid price per URL in process memory.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewPriceCache constructs an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]float64)}
}

// LastPrice returns the cached price for url, if any.
func (c *PriceCache) LastPrice(_ context.Context, url string) (float64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.prices[url]
	return price, ok, nil
}

// StorePrice replaces the cached price for url.
func (c *PriceCache) StorePrice(_ context.Context, url string, price float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[url] = price
	return nil
}
