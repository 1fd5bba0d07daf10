// Package ratelimit implements keyed token buckets that slow down when the
// remote side pushes back.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/adaptive-price-monitor/internal/metrics"
)

// Limiter manages one token bucket per key (usually a domain).
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	minRate      rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// MinRPS bounds how far ReportResult may slow a key down.
	MinRPS float64
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	minRate := rate.Limit(cfg.MinRPS)
	if cfg.MinRPS <= 0 {
		minRate = r / 8
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		minRate:      minRate,
		defaultBurst: burst,
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	start := time.Now()
	if err := l.get(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

// Allow consumes a token for key if one is available right now.
func (l *Limiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// ReportResult halves the key's rate on 429/503 responses and recovers it by
// a tenth on success, never leaving [MinRPS, DefaultRPS].
func (l *Limiter) ReportResult(key string, status int) {
	if l.defaultRate == rate.Inf {
		return
	}
	limiter := l.get(key)
	current := limiter.Limit()
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		limiter.SetLimit(max(current/2, l.minRate))
	case status >= 200 && status < 300 && current < l.defaultRate:
		limiter.SetLimit(min(current*1.1, l.defaultRate))
	}
}

// Rate returns the current limit for key.
func (l *Limiter) Rate(key string) rate.Limit {
	return l.get(key).Limit()
}
