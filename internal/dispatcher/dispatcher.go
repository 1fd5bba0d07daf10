// Package dispatcher fans work out to a worker pool and exposes the
// operator-facing controls: enqueue, status, and per-domain reports.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/extractor"
	"github.com/JakeFAU/adaptive-price-monitor/internal/learning"
	"github.com/JakeFAU/adaptive-price-monitor/internal/scheduler"
)

// Queue is the scheduler surface the dispatcher exposes to operators.
type Queue interface {
	AddItem(item crawler.QueueItem) error
	Status() scheduler.Status
	DomainStats(domain string) scheduler.DomainStats
	Domains() []string
	Pause()
	Resume()
	Flush() int
}

// Circuits is the breaker surface the dispatcher exposes to operators.
type Circuits interface {
	State(domain string) crawler.CircuitState
	Snapshot() []crawler.CircuitState
	Reset(domain string)
}

// Strategies reports per-domain extraction state.
type Strategies interface {
	Strategies(domain string) []crawler.Strategy
	DomainHealth(domain string) extractor.Health
}

// Similarity reports learned domain neighbours.
type Similarity interface {
	PeekSimilarDomains(domain string) []learning.Similar
}

// Runner is one worker loop.
type Runner interface {
	Run(ctx context.Context)
}

// Deps wires the dispatcher. Queue, Circuits and Strategies are required.
type Deps struct {
	Queue      Queue
	Circuits   Circuits
	Strategies Strategies
	Similarity Similarity
	Items      crawler.ItemStore
	Workers    []Runner

	// Blocked rejects domains at enqueue time. Nil allows everything.
	Blocked *crawler.Blocklist
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	deps   Deps
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(deps Deps, logger *zap.Logger) (*Dispatcher, error) {
	if deps.Queue == nil || deps.Circuits == nil || deps.Strategies == nil {
		return nil, fmt.Errorf("dispatcher: queue, circuits and strategies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{deps: deps, logger: logger}, nil
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.deps.Workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	d.logger.Info("workers started", zap.Int("workers", len(d.deps.Workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("workers stopped")
}

// Enqueue normalizes url and schedules it. An empty domain is derived from
// the URL host.
func (d *Dispatcher) Enqueue(ctx context.Context, url, domain string, metadata map[string]string) (crawler.QueueItem, error) {
	normalized, err := crawler.NormalizeURL(url)
	if err != nil {
		return crawler.QueueItem{}, fmt.Errorf("enqueue: %w", err)
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		if domain, err = crawler.DomainOf(normalized); err != nil {
			return crawler.QueueItem{}, fmt.Errorf("enqueue: %w", err)
		}
	}
	if d.deps.Blocked.Blocked(domain) {
		return crawler.QueueItem{}, fmt.Errorf("enqueue %s: %w", domain, crawler.ErrBlockedDomain)
	}
	item := crawler.QueueItem{URL: normalized, Domain: domain, Metadata: metadata}
	if err := d.deps.Queue.AddItem(item); err != nil {
		return crawler.QueueItem{}, fmt.Errorf("enqueue %s: %w", normalized, err)
	}
	item.Status = crawler.ItemStatusPending
	if d.deps.Items != nil {
		if err := d.deps.Items.SaveItem(ctx, item); err != nil {
			d.logger.Warn("persist enqueued item failed", zap.String("url", normalized), zap.Error(err))
		}
	}
	return item, nil
}

// Status summarizes the queue and every tracked circuit.
type Status struct {
	Queue    scheduler.Status       `json:"queue"`
	Circuits []crawler.CircuitState `json:"circuits"`
	Workers  int                    `json:"workers"`
}

// Status returns a read-only snapshot.
func (d *Dispatcher) Status() Status {
	return Status{
		Queue:    d.deps.Queue.Status(),
		Circuits: d.deps.Circuits.Snapshot(),
		Workers:  len(d.deps.Workers),
	}
}

// StrategyConfidence is the ranking-relevant view of one strategy.
type StrategyConfidence struct {
	ID         string                 `json:"id"`
	Type       crawler.StrategyType   `json:"type"`
	Selector   string                 `json:"selector"`
	Field      string                 `json:"field"`
	Confidence float64                `json:"confidence"`
	Status     crawler.StrategyStatus `json:"status"`
	Source     crawler.StrategySource `json:"source,omitempty"`
	Attempts   int                    `json:"attempts"`
}

// DomainReport combines scheduling, circuit, and extraction state for a domain.
type DomainReport struct {
	Domain     string                `json:"domain"`
	Queue      scheduler.DomainStats `json:"queue"`
	Circuit    crawler.CircuitState  `json:"circuit"`
	Extraction extractor.Health      `json:"extraction"`
	Strategies []StrategyConfidence  `json:"strategies"`
	Similar    []learning.Similar    `json:"similar,omitempty"`
}

// DomainStats returns a read-only report for domain.
func (d *Dispatcher) DomainStats(domain string) DomainReport {
	strategies := d.deps.Strategies.Strategies(domain)
	ranked := make([]StrategyConfidence, 0, len(strategies))
	for _, s := range strategies {
		ranked = append(ranked, StrategyConfidence{
			ID:         s.ID,
			Type:       s.Type,
			Selector:   s.Selector,
			Field:      s.TargetField(),
			Confidence: s.Confidence,
			Status:     s.Status,
			Source:     s.Source,
			Attempts:   s.Attempts,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Confidence > ranked[j].Confidence })

	report := DomainReport{
		Domain:     domain,
		Queue:      d.deps.Queue.DomainStats(domain),
		Circuit:    d.deps.Circuits.State(domain),
		Extraction: d.deps.Strategies.DomainHealth(domain),
		Strategies: ranked,
	}
	if d.deps.Similarity != nil {
		report.Similar = d.deps.Similarity.PeekSimilarDomains(domain)
	}
	return report
}

// Domains lists every domain the scheduler has seen.
func (d *Dispatcher) Domains() []string {
	return d.deps.Queue.Domains()
}

// ResetCircuit forces domain's circuit closed.
func (d *Dispatcher) ResetCircuit(domain string) {
	d.deps.Circuits.Reset(domain)
	d.logger.Info("circuit reset by operator", zap.String("domain", domain))
}

// Pause stops workers from receiving new items.
func (d *Dispatcher) Pause() { d.deps.Queue.Pause() }

// Resume lets workers receive items again.
func (d *Dispatcher) Resume() { d.deps.Queue.Resume() }

// Flush drops every queued item and returns how many were removed.
func (d *Dispatcher) Flush() int {
	n := d.deps.Queue.Flush()
	d.logger.Warn("queue flushed", zap.Int("dropped", n))
	return n
}
