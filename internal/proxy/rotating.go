// Package proxy rotates egress proxies on a timer or when a domain blocks us.
package proxy

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

// SessionPlaceholder in a proxy URL is replaced by a fresh session id on every
// rotation, which sticky-session gateways treat as a new exit IP.
const SessionPlaceholder = "{session}"

// Config lists the proxies and the rotation cadence.
type Config struct {
	URLs             []string
	RotationInterval time.Duration
}

// Rotating implements crawler.ProxyProvider over a fixed proxy list.
type Rotating struct {
	mu           sync.Mutex
	urls         []string
	interval     time.Duration
	index        int
	session      string
	lastRotation time.Time
	blocked      bool

	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
}

// NewRotating builds a provider. With no URLs it is disabled and GetConfig
// returns an empty proxy.
func NewRotating(cfg Config, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *Rotating {
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	urls := make([]string, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	r := &Rotating{
		urls:     urls,
		interval: cfg.RotationInterval,
		ids:      ids,
		clock:    clock,
		logger:   logger,
	}
	r.lastRotation = clock.Now()
	r.session = r.newSession()
	return r
}

func (r *Rotating) newSession() string {
	if r.ids == nil {
		return ""
	}
	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Warn("proxy session id failed", zap.Error(err))
		return ""
	}
	return strings.ReplaceAll(id, "-", "")
}

// Enabled reports whether any proxy is configured.
func (r *Rotating) Enabled() bool {
	return len(r.urls) > 0
}

// ShouldRotate is true once the interval has elapsed or a block was reported.
func (r *Rotating) ShouldRotate() bool {
	if !r.Enabled() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked || r.clock.Now().Sub(r.lastRotation) >= r.interval
}

// Rotate advances to the next proxy and starts a new session.
func (r *Rotating) Rotate() {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = (r.index + 1) % len(r.urls)
	r.session = r.newSession()
	r.lastRotation = r.clock.Now()
	r.blocked = false
	r.logger.Info("proxy rotated", zap.Int("index", r.index))
}

// GetConfig returns the proxy the next request should use.
func (r *Rotating) GetConfig() crawler.ProxyConfig {
	if !r.Enabled() {
		return crawler.ProxyConfig{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return crawler.ProxyConfig{
		URL:   strings.ReplaceAll(r.urls[r.index], SessionPlaceholder, r.session),
		Index: r.index,
	}
}

// ReportBlocked flags the current proxy so the next ShouldRotate is true.
func (r *Rotating) ReportBlocked() {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = true
}
