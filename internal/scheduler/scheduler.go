// Package scheduler orders page checks by priority while honoring per-domain
// pacing, a global in-flight limit, and bounded retries.
package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/metrics"
)

// Scheduler errors.
var (
	ErrQueueFull   = errors.New("queue is full")
	ErrDuplicate   = errors.New("url already queued or in flight")
	ErrNotInFlight = errors.New("item is not in flight")
	ErrItemBroken  = errors.New("item exceeded max retries")
)

// Priority weights.
const (
	weightTime    = 0.4
	weightDomain  = 0.3
	weightErrors  = 0.2
	weightRetries = 0.1

	// throttleDecay lowers the score of items skipped for domain pacing.
	throttleDecay = 0.9
)

// Config controls scheduler capacity and pacing.
type Config struct {
	MaxQueueSize      int
	MaxInFlight       int
	MaxRetries        int
	PriorityThreshold time.Duration
	DomainRateLimit   time.Duration
}

func (c *Config) defaults() {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PriorityThreshold <= 0 {
		c.PriorityThreshold = 24 * time.Hour
	}
	if c.DomainRateLimit < 0 {
		c.DomainRateLimit = 0
	}
}

// domainState aggregates per-domain scheduling statistics.
type domainState struct {
	successRate     float64
	errorCount      int
	processed       int
	lastScrape      time.Time
	cooldownUntil   time.Time
	processingTotal time.Duration
	queueTotal      time.Duration
	samples         int
}

// Status is a point-in-time summary of the scheduler.
type Status struct {
	QueueSize   int  `json:"queue_size"`
	InFlight    int  `json:"in_flight"`
	MaxInFlight int  `json:"max_in_flight"`
	Paused      bool `json:"paused"`
	Processed   int  `json:"processed"`
	Errors      int  `json:"errors"`
	Retried     int  `json:"retried"`
	Broken      int  `json:"broken"`
	Domains     int  `json:"domains"`
}

// DomainStats summarizes scheduling behavior for one domain.
type DomainStats struct {
	Domain            string        `json:"domain"`
	SuccessRate       float64       `json:"success_rate"`
	ErrorCount        int           `json:"error_count"`
	Processed         int           `json:"processed"`
	Queued            int           `json:"queued"`
	InFlight          int           `json:"in_flight"`
	LastScrape        time.Time     `json:"last_scrape,omitempty"`
	CooldownUntil     time.Time     `json:"cooldown_until,omitempty"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	AvgQueueTime      time.Duration `json:"avg_queue_time"`
}

// lease remembers the domain pacing an in-flight item displaced.
type lease struct {
	at   time.Time
	prev time.Time
}

// PriorityScheduler is a max-priority queue of QueueItems guarded by one mutex.
type PriorityScheduler struct {
	mu       sync.Mutex
	items    itemHeap
	queued   map[string]struct{}
	inFlight map[string]*crawler.QueueItem
	leases   map[string]lease
	domains  map[string]*domainState
	seq      uint64
	paused   bool

	processed int
	failed    int
	retried   int
	broken    int

	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a PriorityScheduler.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *PriorityScheduler {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriorityScheduler{
		queued:   make(map[string]struct{}),
		inFlight: make(map[string]*crawler.QueueItem),
		leases:   make(map[string]lease),
		domains:  make(map[string]*domainState),
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// AddItem scores item and inserts it as pending.
func (s *PriorityScheduler) AddItem(item crawler.QueueItem) error {
	if item.URL == "" {
		return fmt.Errorf("add item: %w", crawler.ErrInvalidURL)
	}
	if item.Domain == "" {
		domain, err := crawler.DomainOf(item.URL)
		if err != nil {
			return fmt.Errorf("add item: %w", err)
		}
		item.Domain = domain
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) >= s.cfg.MaxQueueSize {
		return ErrQueueFull
	}
	if s.known(item.URL) {
		return ErrDuplicate
	}
	now := s.clock.Now()
	if item.AddedAt.IsZero() {
		item.AddedAt = now
	}
	item.Status = crawler.ItemStatusPending
	item.PriorityScore = s.score(item, now)
	s.push(item)
	s.logger.Debug("item added",
		zap.String("url", item.URL),
		zap.String("domain", item.Domain),
		zap.Float64("score", item.PriorityScore),
	)
	return nil
}

// GetNextItem returns the highest-priority eligible item, or false when the
// queue is empty, paused, at the in-flight limit, or every candidate is throttled.
func (s *PriorityScheduler) GetNextItem() (crawler.QueueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused || len(s.items) == 0 {
		return crawler.QueueItem{}, false
	}
	if s.cfg.MaxInFlight > 0 && len(s.inFlight) >= s.cfg.MaxInFlight {
		return crawler.QueueItem{}, false
	}

	now := s.clock.Now()
	var (
		skipped []entry
		picked  *crawler.QueueItem
	)
	for len(s.items) > 0 {
		e := heap.Pop(&s.items).(entry)
		it := e.item
		if !it.NotBefore.IsZero() && now.Before(it.NotBefore) {
			skipped = append(skipped, e)
			continue
		}
		if s.throttled(it.Domain, now) {
			it.PriorityScore *= throttleDecay
			skipped = append(skipped, e)
			continue
		}
		picked = it
		break
	}
	for _, e := range skipped {
		heap.Push(&s.items, e)
	}
	if picked == nil {
		return crawler.QueueItem{}, false
	}

	delete(s.queued, picked.URL)
	d := s.domain(picked.Domain)
	s.leases[picked.URL] = lease{at: now, prev: d.lastScrape}
	d.lastScrape = now
	picked.Status = crawler.ItemStatusProcessing
	picked.ProcessingStart = now
	picked.ProcessingEnd = time.Time{}
	s.inFlight[picked.URL] = picked
	s.publishGauges()
	return picked.Clone(), true
}

// MarkComplete releases an in-flight item and records the outcome.
func (s *PriorityScheduler) MarkComplete(item crawler.QueueItem, success bool, errText string) (crawler.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracked, ok := s.inFlight[item.URL]
	if !ok {
		return item, fmt.Errorf("mark complete %s: %w", item.URL, ErrNotInFlight)
	}
	delete(s.inFlight, item.URL)
	delete(s.leases, item.URL)

	now := s.clock.Now()
	tracked.Metadata = item.Clone().Metadata
	tracked.ProcessingEnd = now
	tracked.LastChecked = now
	d := s.domain(tracked.Domain)
	if success {
		tracked.Status = crawler.ItemStatusDone
		tracked.LastError = ""
		d.successRate = d.successRate*0.9 + 0.1
		d.processed++
		s.processed++
	} else {
		tracked.Status = crawler.ItemStatusError
		tracked.ErrorCount++
		tracked.LastError = errText
		d.successRate *= 0.9
		d.errorCount++
		s.failed++
	}
	d.processingTotal += now.Sub(tracked.ProcessingStart)
	d.queueTotal += tracked.ProcessingStart.Sub(tracked.AddedAt)
	d.samples++
	s.publishGauges()

	s.logger.Debug("item completed",
		zap.String("url", tracked.URL),
		zap.String("status", string(tracked.Status)),
		zap.Duration("processing", now.Sub(tracked.ProcessingStart)),
		zap.Duration("queued", tracked.ProcessingStart.Sub(tracked.AddedAt)),
	)
	return tracked.Clone(), nil
}

// RetryItem re-enqueues item immediately, or marks it broken once retries are exhausted.
func (s *PriorityScheduler) RetryItem(item crawler.QueueItem) (crawler.QueueItem, error) {
	return s.RetryItemAfter(item, 0)
}

// RetryItemAfter re-enqueues item to become eligible after delay. Items that
// already used every retry become broken and are returned with ErrItemBroken.
func (s *PriorityScheduler) RetryItemAfter(item crawler.QueueItem, delay time.Duration) (crawler.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, item.URL)
	delete(s.leases, item.URL)
	now := s.clock.Now()
	if item.Retries >= s.cfg.MaxRetries {
		item.Status = crawler.ItemStatusBroken
		item.NotBefore = time.Time{}
		s.broken++
		s.publishGauges()
		s.logger.Warn("item marked broken",
			zap.String("url", item.URL),
			zap.Int("retries", item.Retries),
			zap.String("last_error", item.LastError),
		)
		return item, ErrItemBroken
	}
	if s.known(item.URL) {
		return item, ErrDuplicate
	}

	item.Retries++
	item.Status = crawler.ItemStatusRetry
	item.NotBefore = time.Time{}
	if delay > 0 {
		item.NotBefore = now.Add(delay)
	}
	item.PriorityScore = s.score(item, now)
	s.push(item)
	s.retried++
	s.logger.Info("retrying item",
		zap.String("url", item.URL),
		zap.Int("attempt", item.Retries),
		zap.Duration("delay", delay),
	)
	return item, nil
}

// Requeue puts an in-flight item back without counting a retry. Used when the
// domain gate rejected the work before any fetch happened.
func (s *PriorityScheduler) Requeue(item crawler.QueueItem, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, item.URL)
	if l, ok := s.leases[item.URL]; ok {
		delete(s.leases, item.URL)
		// Nothing was fetched, so the domain keeps its earlier pacing unless
		// another item was leased since.
		if d := s.domain(item.Domain); d.lastScrape.Equal(l.at) {
			d.lastScrape = l.prev
		}
	}
	if s.known(item.URL) {
		return ErrDuplicate
	}
	now := s.clock.Now()
	item.Status = crawler.ItemStatusPending
	item.NotBefore = time.Time{}
	if delay > 0 {
		item.NotBefore = now.Add(delay)
	}
	s.push(item)
	return nil
}

// DeferDomain holds back every item of domain until the given time.
func (s *PriorityScheduler) DeferDomain(domain string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.domain(domain)
	if until.After(d.cooldownUntil) {
		d.cooldownUntil = until
	}
}

// Pause stops GetNextItem from handing out work.
func (s *PriorityScheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.logger.Info("queue paused")
}

// Resume re-enables GetNextItem.
func (s *PriorityScheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.logger.Info("queue resumed")
}

// Flush drops every queued item and returns how many were removed. In-flight
// items finish normally.
func (s *PriorityScheduler) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.items)
	s.items = nil
	s.queued = make(map[string]struct{})
	s.publishGauges()
	s.logger.Info("queue flushed", zap.Int("dropped", n))
	return n
}

// Status returns a summary without mutating scheduler state.
func (s *PriorityScheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		QueueSize:   len(s.items),
		InFlight:    len(s.inFlight),
		MaxInFlight: s.cfg.MaxInFlight,
		Paused:      s.paused,
		Processed:   s.processed,
		Errors:      s.failed,
		Retried:     s.retried,
		Broken:      s.broken,
		Domains:     len(s.domains),
	}
}

// DomainStats returns statistics for one domain without mutating state.
func (s *PriorityScheduler) DomainStats(domain string) DomainStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := DomainStats{Domain: domain, SuccessRate: 1}
	if d, ok := s.domains[domain]; ok {
		stats.SuccessRate = d.successRate
		stats.ErrorCount = d.errorCount
		stats.Processed = d.processed
		stats.LastScrape = d.lastScrape
		stats.CooldownUntil = d.cooldownUntil
		if d.samples > 0 {
			stats.AvgProcessingTime = d.processingTotal / time.Duration(d.samples)
			stats.AvgQueueTime = d.queueTotal / time.Duration(d.samples)
		}
	}
	for _, e := range s.items {
		if e.item.Domain == domain {
			stats.Queued++
		}
	}
	for _, it := range s.inFlight {
		if it.Domain == domain {
			stats.InFlight++
		}
	}
	return stats
}

// Domains lists every domain the scheduler has seen.
func (s *PriorityScheduler) Domains() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.domains))
	for d := range s.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// score computes the priority of item at now. Must be called with mu held.
func (s *PriorityScheduler) score(item crawler.QueueItem, now time.Time) float64 {
	timeScore := 1.0
	if !item.LastChecked.IsZero() {
		timeScore = math.Min(now.Sub(item.LastChecked).Seconds()/s.cfg.PriorityThreshold.Seconds(), 1)
		timeScore = math.Max(timeScore, 0)
	}
	domainSuccess := s.domain(item.Domain).successRate
	errorPenalty := math.Min(float64(item.ErrorCount)/float64(s.cfg.MaxRetries), 1)
	retryPenalty := math.Min(float64(item.Retries)/float64(s.cfg.MaxRetries), 1)

	score := weightTime*timeScore + weightDomain*domainSuccess - weightErrors*errorPenalty - weightRetries*retryPenalty
	return math.Max(0, math.Min(1, score))
}

// throttled reports whether domain is inside its pacing interval or cooldown.
// Must be called with mu held.
func (s *PriorityScheduler) throttled(domain string, now time.Time) bool {
	d, ok := s.domains[domain]
	if !ok {
		return false
	}
	if now.Before(d.cooldownUntil) {
		return true
	}
	return !d.lastScrape.IsZero() && now.Sub(d.lastScrape) < s.cfg.DomainRateLimit
}

// push inserts item. Must be called with mu held.
func (s *PriorityScheduler) push(item crawler.QueueItem) {
	s.seq++
	cp := item.Clone()
	heap.Push(&s.items, entry{item: &cp, seq: s.seq})
	s.queued[item.URL] = struct{}{}
	s.publishGauges()
}

// known reports whether url is queued or in flight. Must be called with mu held.
func (s *PriorityScheduler) known(url string) bool {
	if _, ok := s.queued[url]; ok {
		return true
	}
	_, ok := s.inFlight[url]
	return ok
}

// domain returns the stats record for name. Must be called with mu held.
func (s *PriorityScheduler) domain(name string) *domainState {
	d, ok := s.domains[name]
	if !ok {
		d = &domainState{successRate: 1}
		s.domains[name] = d
	}
	return d
}

func (s *PriorityScheduler) publishGauges() {
	metrics.SetQueueDepth(len(s.items))
	metrics.SetInFlight(len(s.inFlight))
}
