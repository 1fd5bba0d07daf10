// Package breaker implements per-domain circuit breaking for page fetches.
//
// A domain starts closed. Enough failures inside the failure window open it,
// rejecting work until the half-open timeout elapses. The first CanExecute call
// after that admits exactly one probe; its outcome closes or re-opens the circuit.
package breaker

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/metrics"
)

// Config controls breaker thresholds and retry pacing.
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	HalfOpenTimeout  time.Duration
	BaseRetryDelay   time.Duration
	MaxRetries       int
	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func (c *Config) defaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = 60 * time.Second
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// DomainCircuitBreaker tracks one CircuitState per domain behind a single mutex.
type DomainCircuitBreaker struct {
	mu       sync.Mutex
	circuits map[string]*crawler.CircuitState
	cfg      Config
	clock    crawler.Clock
	logger   *zap.Logger
}

// New constructs a DomainCircuitBreaker.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *DomainCircuitBreaker {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DomainCircuitBreaker{
		circuits: make(map[string]*crawler.CircuitState),
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// circuit returns the record for domain, creating a closed one on first use.
// Must be called with mu held.
func (b *DomainCircuitBreaker) circuit(domain string) *crawler.CircuitState {
	c, ok := b.circuits[domain]
	if !ok {
		c = &crawler.CircuitState{Domain: domain, State: crawler.CircuitClosed}
		b.circuits[domain] = c
	}
	return c
}

// RecordFailure counts a failed fetch and returns the resulting circuit position.
func (b *DomainCircuitBreaker) RecordFailure(domain string, kind crawler.FailureKind) crawler.CircuitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	c := b.circuit(domain)
	if b.cfg.FailureWindow > 0 && !c.LastFailure.IsZero() && now.Sub(c.LastFailure) > b.cfg.FailureWindow &&
		c.State == crawler.CircuitClosed {
		c.Failures = 0
	}
	c.Failures++
	c.LastFailure = now
	c.LastKind = kind

	switch c.State {
	case crawler.CircuitClosed:
		if c.Failures >= b.cfg.FailureThreshold {
			b.transition(c, crawler.CircuitOpen)
		}
	case crawler.CircuitHalfOpen:
		c.ProbeInFlight = false
		b.transition(c, crawler.CircuitOpen)
	}
	return c.State
}

// RecordSuccess stamps the last success, restarts the retry backoff and
// closes a half-open circuit.
func (b *DomainCircuitBreaker) RecordSuccess(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(domain)
	c.LastSuccess = b.clock.Now()
	c.RetryCount = 0
	if c.State == crawler.CircuitHalfOpen {
		c.Failures = 0
		c.ProbeInFlight = false
		b.transition(c, crawler.CircuitClosed)
	}
}

// CanExecute reports whether work for domain may proceed now. While half-open,
// only one probe is admitted until its outcome is recorded.
func (b *DomainCircuitBreaker) CanExecute(domain string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	c := b.circuit(domain)
	if c.State == crawler.CircuitOpen && now.Sub(c.LastFailure) >= b.cfg.HalfOpenTimeout {
		b.transition(c, crawler.CircuitHalfOpen)
	}

	switch c.State {
	case crawler.CircuitClosed:
		return true
	case crawler.CircuitHalfOpen:
		// A probe that never reported back is treated as lost.
		if c.ProbeInFlight && now.Sub(c.ProbeStarted) < b.cfg.HalfOpenTimeout {
			return false
		}
		c.ProbeInFlight = true
		c.ProbeStarted = now
		return true
	default:
		return false
	}
}

// RetryDelay returns the backoff before the next attempt against domain and
// advances its retry counter. ok is false once the retry budget is exhausted.
func (b *DomainCircuitBreaker) RetryDelay(domain string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(domain)
	if c.RetryCount >= b.cfg.MaxRetries {
		return 0, false
	}
	backoff := float64(b.cfg.BaseRetryDelay) * math.Pow(2, float64(c.RetryCount))
	spread := 0.1 * (1 + float64(c.RetryCount)/float64(b.cfg.MaxRetries))
	jitter := b.cfg.Rand() * spread
	c.RetryCount++
	return time.Duration(backoff * (1 + jitter)), true
}

// Reset forces domain back to a closed circuit with zeroed counters.
func (b *DomainCircuitBreaker) Reset(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(domain)
	c.Failures = 0
	c.RetryCount = 0
	c.ProbeInFlight = false
	b.transition(c, crawler.CircuitClosed)
}

// State returns a copy of the domain record without side effects.
func (b *DomainCircuitBreaker) State(domain string) crawler.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[domain]
	if !ok {
		return crawler.CircuitState{Domain: domain, State: crawler.CircuitClosed}
	}
	return *c
}

// Snapshot returns copies of every tracked circuit ordered by domain.
func (b *DomainCircuitBreaker) Snapshot() []crawler.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]crawler.CircuitState, 0, len(b.circuits))
	for _, c := range b.circuits {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// transition moves c to next. Must be called with mu held.
func (b *DomainCircuitBreaker) transition(c *crawler.CircuitState, next crawler.CircuitStatus) {
	if c.State == next {
		return
	}
	b.logger.Info("circuit transition",
		zap.String("domain", c.Domain),
		zap.String("from", string(c.State)),
		zap.String("to", string(next)),
		zap.Int("failures", c.Failures),
	)
	c.State = next
	metrics.SetCircuitState(c.Domain, string(next))
}
