// Package redis implements the last-price cache on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config controls the Redis connection and key layout.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

type client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// PriceCache stores the last valid price per URL under "<prefix>price:<url>".
type PriceCache struct {
	client client
	prefix string
	ttl    time.Duration
}

// New dials Redis with the provided config.
func New(cfg Config) (*PriceCache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(c client, cfg Config) *PriceCache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pricemon:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &PriceCache{client: c, prefix: prefix, ttl: ttl}
}

func (c *PriceCache) key(url string) string {
	return c.prefix + "price:" + url
}

// LastPrice returns the cached price for url. A missing key is not an error.
func (c *PriceCache) LastPrice(ctx context.Context, url string) (float64, bool, error) {
	raw, err := c.client.Get(ctx, c.key(url)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get last price: %w", err)
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached price %q: %w", raw, err)
	}
	return price, true, nil
}

// StorePrice writes price for url, refreshing the TTL.
func (c *PriceCache) StorePrice(ctx context.Context, url string, price float64) error {
	value := strconv.FormatFloat(price, 'f', -1, 64)
	if err := c.client.Set(ctx, c.key(url), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("store last price: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (c *PriceCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client connection pool.
func (c *PriceCache) Close() error {
	return c.client.Close()
}
