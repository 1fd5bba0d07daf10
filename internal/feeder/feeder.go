// Package feeder periodically enqueues monitored product URLs when they are due.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/scheduler"
)

// Target is one monitored product page.
type Target struct {
	URL      string
	Domain   string
	Interval time.Duration
	Metadata map[string]string
}

// Enqueuer schedules a URL for processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, url, domain string, metadata map[string]string) (crawler.QueueItem, error)
}

// Config controls how often targets are revisited.
type Config struct {
	// Tick is how often due targets are scanned.
	Tick time.Duration
	// DefaultInterval applies to targets without their own interval.
	DefaultInterval time.Duration
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 6 * time.Hour
	}
}

type entry struct {
	target   Target
	lastSent time.Time
}

// Feeder tracks targets and pushes them into the queue on their interval.
type Feeder struct {
	cfg    Config
	queue  Enqueuer
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.Mutex
	targets map[string]*entry
}

// New creates a Feeder.
func New(cfg Config, queue Enqueuer, clock crawler.Clock, logger *zap.Logger) *Feeder {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feeder{
		cfg:     cfg,
		queue:   queue,
		clock:   clock,
		logger:  logger,
		targets: make(map[string]*entry),
	}
}

// Add registers or replaces a target keyed by its normalized URL.
func (f *Feeder) Add(t Target) error {
	normalized, err := crawler.NormalizeURL(t.URL)
	if err != nil {
		return fmt.Errorf("add target: %w", err)
	}
	t.URL = normalized
	if t.Interval <= 0 {
		t.Interval = f.cfg.DefaultInterval
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.targets[normalized]; ok {
		e.target = t
		return nil
	}
	f.targets[normalized] = &entry{target: t}
	return nil
}

// Remove stops monitoring url.
func (f *Feeder) Remove(url string) {
	normalized, err := crawler.NormalizeURL(url)
	if err != nil {
		return
	}
	f.mu.Lock()
	delete(f.targets, normalized)
	f.mu.Unlock()
}

// Targets returns the registered targets ordered by URL.
func (f *Feeder) Targets() []Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Target, 0, len(f.targets))
	for _, e := range f.targets {
		out = append(out, e.target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Tick enqueues every due target and returns how many were accepted.
// Duplicates and a full queue are logged and retried on a later tick.
func (f *Feeder) Tick(ctx context.Context) int {
	now := f.clock.Now()

	f.mu.Lock()
	var due []*entry
	for _, e := range f.targets {
		if e.lastSent.IsZero() || !now.Before(e.lastSent.Add(e.target.Interval)) {
			due = append(due, e)
		}
	}
	f.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].target.URL < due[j].target.URL })

	sent := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		t := e.target
		_, err := f.queue.Enqueue(ctx, t.URL, t.Domain, t.Metadata)
		switch {
		case err == nil:
			sent++
			f.mark(t.URL, now)
		case errors.Is(err, scheduler.ErrDuplicate):
			f.logger.Debug("target already queued", zap.String("url", t.URL))
			f.mark(t.URL, now)
		case errors.Is(err, scheduler.ErrQueueFull):
			f.logger.Warn("queue full, target postponed", zap.String("url", t.URL))
			return sent
		default:
			f.logger.Warn("enqueue target failed", zap.String("url", t.URL), zap.Error(err))
		}
	}
	if sent > 0 {
		f.logger.Info("targets enqueued", zap.Int("count", sent))
	}
	return sent
}

func (f *Feeder) mark(url string, at time.Time) {
	f.mu.Lock()
	if e, ok := f.targets[url]; ok {
		e.lastSent = at
	}
	f.mu.Unlock()
}

// Run ticks until ctx is done.
func (f *Feeder) Run(ctx context.Context) {
	f.Tick(ctx)
	ticker := time.NewTicker(f.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}
