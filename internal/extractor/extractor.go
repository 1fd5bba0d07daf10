// Package extractor pulls prices and stock state out of product pages using a
// per-domain set of strategies whose confidence adapts to observed results.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/metrics"
)

// ErrContentUnavailable is returned when there is no page content to extract from.
var ErrContentUnavailable = errors.New("page content unavailable")

// StrategyFallback names results produced by the generic heuristics.
const StrategyFallback = "fallback"

// Learner receives extraction observations and proposes strategies for
// domains that have none.
type Learner interface {
	Observe(domain string, obs crawler.PatternObservation)
	Candidates(domain string) []crawler.Strategy
}

// Config controls confidence bookkeeping and alert thresholds.
type Config struct {
	FallbackConfidence     float64
	ConfidenceStep         float64
	DefaultConfidence      float64
	RetireFloor            float64
	MinAttemptsToRetire    int
	DomainFailureWarn      int
	DomainFailureThreshold int
	// StrictOldPrice rejects results whose old price is not above the current
	// one instead of dropping the old price.
	StrictOldPrice      bool
	VariantTrigger      float64
	VariantMinSuccesses int
	VariantConfidence   float64
	// Seeds are configured strategies. A seed with an empty Domain applies to
	// every domain.
	Seeds []crawler.Strategy
}

func (c *Config) defaults() {
	if c.FallbackConfidence <= 0 {
		c.FallbackConfidence = 0.3
	}
	if c.ConfidenceStep <= 0 {
		c.ConfidenceStep = 0.1
	}
	if c.DefaultConfidence <= 0 {
		c.DefaultConfidence = 0.5
	}
	if c.RetireFloor <= 0 {
		c.RetireFloor = 0.1
	}
	if c.MinAttemptsToRetire <= 0 {
		c.MinAttemptsToRetire = 5
	}
	if c.DomainFailureWarn <= 0 {
		c.DomainFailureWarn = 2
	}
	if c.DomainFailureThreshold <= 0 {
		c.DomainFailureThreshold = 3
	}
	if c.VariantTrigger <= 0 {
		c.VariantTrigger = 0.9
	}
	if c.VariantMinSuccesses <= 0 {
		c.VariantMinSuccesses = 5
	}
	if c.VariantConfidence <= 0 {
		c.VariantConfidence = 0.4
	}
}

// Health summarises extraction state for one domain.
type Health struct {
	Domain              string `json:"domain"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastStrategy        string `json:"last_strategy,omitempty"`
	Active              int    `json:"active_strategies"`
	Retired             int    `json:"retired_strategies"`
}

type compiled struct {
	run attempter
	err error
}

// domainState is guarded by its own mutex so feedback for one domain never
// blocks another.
type domainState struct {
	mu                  sync.Mutex
	seeded              bool
	loaded              bool
	strategies          []crawler.Strategy
	compiled            map[string]compiled
	consecutiveFailures int
	lastWinner          string
	signature           string
}

func (st *domainState) index(id string) int {
	for i := range st.strategies {
		if st.strategies[i].ID == id {
			return i
		}
	}
	return -1
}

func (st *domainState) hasSelector(s crawler.Strategy) bool {
	for _, existing := range st.strategies {
		if existing.Type == s.Type && existing.Selector == s.Selector && existing.TargetField() == s.TargetField() {
			return true
		}
	}
	return false
}

// AdaptiveExtractor runs domain strategies against page content.
type AdaptiveExtractor struct {
	cfg      Config
	store    crawler.StrategyStore
	notifier crawler.Notifier
	learner  Learner
	hasher   crawler.Hasher
	ids      crawler.IDGenerator
	clock    crawler.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	domains map[string]*domainState
}

// New constructs an AdaptiveExtractor. store, notifier and learner are optional.
func New(
	cfg Config,
	store crawler.StrategyStore,
	notifier crawler.Notifier,
	learner Learner,
	hasher crawler.Hasher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *AdaptiveExtractor {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdaptiveExtractor{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		learner:  learner,
		hasher:   hasher,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		domains:  make(map[string]*domainState),
	}
}

func (e *AdaptiveExtractor) state(domain string) *domainState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.domains[domain]
	if !ok {
		st = &domainState{compiled: make(map[string]compiled)}
		e.domains[domain] = st
	}
	return st
}

// verdict is the read-only judgement of one strategy attempt.
type verdict int

const (
	verdictMiss verdict = iota
	verdictHit
	verdictInvalid
	verdictError
)

type feedback struct {
	id      string
	verdict verdict
}

type planned struct {
	strategy crawler.Strategy
	compiled compiled
}

// Extract runs the domain's strategies in confidence order and returns the
// first validated result, falling back to generic heuristics. Only
// ErrContentUnavailable is returned as an error; every other problem is
// reported through the result.
func (e *AdaptiveExtractor) Extract(ctx context.Context, domain string, content []byte) (crawler.ExtractionResult, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return crawler.ExtractionResult{Error: ErrContentUnavailable.Error()}, ErrContentUnavailable
	}

	st := e.state(domain)
	dirty := e.prepare(ctx, domain, st)
	primary, supplementary := e.plan(st)

	p := newPage(content)
	var (
		verdicts []feedback
		winner   *crawler.Strategy
		result   crawler.ExtractionResult
		lastErr  error
	)
	for _, pl := range primary {
		r, v, err := e.try(pl, p)
		verdicts = append(verdicts, feedback{id: pl.strategy.ID, verdict: v})
		if v != verdictHit {
			if err != nil {
				lastErr = err
				e.logger.Debug("strategy rejected",
					zap.String("domain", domain),
					zap.String("strategy_id", pl.strategy.ID),
					zap.Error(err),
				)
			}
			continue
		}
		s := pl.strategy
		winner = &s
		result = r
		break
	}

	if winner != nil {
		verdicts = append(verdicts, e.supplement(supplementary, p, &result)...)
	} else {
		result = fallbackFields(p).result()
		if err := Validate(&result, e.cfg.StrictOldPrice); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			result = crawler.ExtractionResult{Error: lastErr.Error()}
		} else {
			result.StrategyUsed = StrategyFallback
			result.Confidence = e.cfg.FallbackConfidence
			result.Success = true
		}
	}
	if result.Success {
		e.decorate(p, &result)
	}

	obs := crawler.PatternObservation{At: e.now(), Success: result.Success}
	if e.learner != nil || e.hasher != nil {
		structure, signature := pageStructure(p)
		obs.Structure = structure
		if e.hasher != nil && signature != "" {
			digest, err := e.hasher.Hash([]byte(signature))
			if err == nil {
				signature = digest
			}
		}
		if change, ok := e.trackLayout(st, signature); ok {
			obs.Changes = append(obs.Changes, change)
		}
	}

	changed, variants, alerts, changes := e.apply(domain, st, verdicts, winner, &result)
	dirty = append(dirty, changed...)
	dirty = append(dirty, variants...)
	obs.Changes = append(obs.Changes, changes...)
	e.persist(ctx, dirty)
	for _, alert := range alerts {
		e.notify(ctx, alert)
	}

	if e.learner != nil {
		if winner != nil {
			w := *winner
			obs.Strategy = &w
		}
		obs.Fields = resultFields(result)
		obs.Strategies = e.Strategies(domain)
		e.learner.Observe(domain, obs)
	}

	metrics.ObserveExtraction(result.StrategyUsed, result.Success, result.Confidence)
	return result, nil
}

// try runs one strategy with panic isolation and validates its output.
func (e *AdaptiveExtractor) try(pl planned, p *page) (result crawler.ExtractionResult, v verdict, err error) {
	if pl.compiled.err != nil {
		return result, verdictError, pl.compiled.err
	}
	defer func() {
		if rec := recover(); rec != nil {
			v = verdictError
			err = fmt.Errorf("strategy %s panicked: %v", pl.strategy.ID, rec)
		}
	}()
	f, err := pl.compiled.run.attempt(p)
	if err != nil {
		return result, verdictError, err
	}
	if !f.hasPrice() {
		return result, verdictMiss, nil
	}
	result = f.result()
	if err := Validate(&result, e.cfg.StrictOldPrice); err != nil {
		return crawler.ExtractionResult{}, verdictInvalid, err
	}
	result.StrategyUsed = string(pl.strategy.Type)
	result.StrategyID = pl.strategy.ID
	result.Confidence = pl.strategy.Confidence
	result.Success = true
	return result, verdictHit, nil
}

// supplement runs strategies that target secondary fields and fills whatever
// the winning strategy left empty.
func (e *AdaptiveExtractor) supplement(plans []planned, p *page, result *crawler.ExtractionResult) []feedback {
	var out []feedback
	for _, pl := range plans {
		field := pl.strategy.TargetField()
		if fieldSet(*result, field) {
			continue
		}
		v := verdictMiss
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					v = verdictError
				}
			}()
			if pl.compiled.err != nil {
				v = verdictError
				return
			}
			f, err := pl.compiled.run.attempt(p)
			if err != nil {
				v = verdictError
				return
			}
			candidate := *result
			fill(&candidate, f, field)
			if !fieldSet(candidate, field) {
				return
			}
			if Validate(&candidate, e.cfg.StrictOldPrice) != nil || !fieldSet(candidate, field) {
				v = verdictInvalid
				return
			}
			*result = candidate
			v = verdictHit
		}()
		out = append(out, feedback{id: pl.strategy.ID, verdict: v})
	}
	return out
}

func fieldSet(r crawler.ExtractionResult, field string) bool {
	switch field {
	case crawler.FieldPriceOld:
		return r.PriceOld != nil
	case crawler.FieldPricePix:
		return r.PricePix != nil
	case crawler.FieldAvailability:
		return r.Availability != crawler.AvailabilityUnknown
	default:
		return r.PriceCurrent != nil
	}
}

func fill(r *crawler.ExtractionResult, f fields, field string) {
	switch field {
	case crawler.FieldAvailability:
		r.Availability = f.availability
	case crawler.FieldPriceOld, crawler.FieldPricePix:
		if v, ok := f.prices[field]; ok {
			if field == crawler.FieldPriceOld {
				r.PriceOld = &v
			} else {
				r.PricePix = &v
			}
		}
	}
}

// decorate fills availability, currency and badges from page-wide heuristics.
func (e *AdaptiveExtractor) decorate(p *page, r *crawler.ExtractionResult) {
	text := p.visibleText()
	if r.Availability == crawler.AvailabilityUnknown {
		r.Availability = ClassifyAvailability(text)
	}
	if r.Currency == "" {
		r.Currency = DetectCurrency(text)
	}
	r.PromotionBadges = promotionBadges(p)
}

func resultFields(r crawler.ExtractionResult) []string {
	var out []string
	for _, f := range []string{crawler.FieldPriceCurrent, crawler.FieldPriceOld, crawler.FieldPricePix, crawler.FieldAvailability} {
		if fieldSet(r, f) {
			out = append(out, f)
		}
	}
	return out
}

// prepare seeds configured strategies, hydrates stored ones and, when the
// domain still has nothing active, borrows candidates from learning. It
// returns strategies that must be persisted.
func (e *AdaptiveExtractor) prepare(ctx context.Context, domain string, st *domainState) []crawler.Strategy {
	st.mu.Lock()
	defer st.mu.Unlock()

	var dirty []crawler.Strategy
	if !st.seeded {
		st.seeded = true
		for _, seed := range e.cfg.Seeds {
			if seed.Domain != "" && seed.Domain != domain {
				continue
			}
			s := e.normalize(domain, seed, crawler.SourceConfig)
			if s.ID == "" || st.index(s.ID) >= 0 {
				continue
			}
			st.strategies = append(st.strategies, s)
		}
	}

	if !st.loaded {
		if e.store == nil {
			st.loaded = true
		} else if stored, err := e.store.GetStrategies(ctx, domain); err != nil {
			e.logger.Warn("load strategies failed", zap.String("domain", domain), zap.Error(err))
		} else {
			st.loaded = true
			for _, s := range stored {
				s.Domain = domain
				if s.Status == crawler.StrategyActive && e.exhausted(s) {
					s.Status = crawler.StrategyRetired
					e.logger.Info("strategy retired on load",
						zap.String("domain", domain),
						zap.String("strategy_id", s.ID),
						zap.Float64("confidence", s.Confidence),
					)
					dirty = append(dirty, s)
				}
				if i := st.index(s.ID); i >= 0 {
					st.strategies[i] = s
					delete(st.compiled, s.ID)
					continue
				}
				st.strategies = append(st.strategies, s)
			}
		}
	}

	if e.learner != nil && activeCount(st.strategies) == 0 {
		for _, c := range e.learner.Candidates(domain) {
			s := e.normalize(domain, c, crawler.SourceTransfer)
			if s.ID == "" || st.index(s.ID) >= 0 || st.hasSelector(s) {
				continue
			}
			st.strategies = append(st.strategies, s)
			dirty = append(dirty, s)
			e.logger.Info("strategy transferred",
				zap.String("domain", domain),
				zap.String("strategy_id", s.ID),
				zap.String("type", string(s.Type)),
			)
		}
	}
	return dirty
}

// normalize fills defaults on a strategy entering a domain.
func (e *AdaptiveExtractor) normalize(domain string, s crawler.Strategy, source crawler.StrategySource) crawler.Strategy {
	s.Domain = domain
	if s.Status == "" {
		s.Status = crawler.StrategyActive
	}
	if s.Confidence <= 0 {
		s.Confidence = e.cfg.DefaultConfidence
	}
	if s.Source == "" {
		s.Source = source
	}
	if s.ID == "" {
		s.ID = e.strategyID(domain, s)
	}
	return s
}

// strategyID derives a stable identifier for configured strategies and a
// fresh one for everything else.
func (e *AdaptiveExtractor) strategyID(domain string, s crawler.Strategy) string {
	if s.Source == crawler.SourceConfig && e.hasher != nil {
		digest, err := e.hasher.Hash([]byte(domain + "|" + string(s.Type) + "|" + s.Selector + "|" + s.TargetField()))
		if err == nil && len(digest) >= 16 {
			return digest[:16]
		}
	}
	if e.ids != nil {
		id, err := e.ids.NewID()
		if err == nil {
			return id
		}
		e.logger.Warn("generate strategy id failed", zap.Error(err))
	}
	return ""
}

// exhausted reports whether a strategy has enough attempts and too little
// confidence to stay selectable.
func (e *AdaptiveExtractor) exhausted(s crawler.Strategy) bool {
	return s.Attempts >= e.cfg.MinAttemptsToRetire && s.Confidence < e.cfg.RetireFloor
}

func activeCount(strategies []crawler.Strategy) int {
	n := 0
	for _, s := range strategies {
		if s.Status == crawler.StrategyActive {
			n++
		}
	}
	return n
}

// plan snapshots the active strategies in trial order with their compiled form.
func (e *AdaptiveExtractor) plan(st *domainState) (primary, supplementary []planned) {
	st.mu.Lock()
	defer st.mu.Unlock()

	active := make([]crawler.Strategy, 0, len(st.strategies))
	for _, s := range st.strategies {
		if s.Status == crawler.StrategyActive && !e.exhausted(s) {
			active = append(active, s)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Confidence != active[j].Confidence {
			return active[i].Confidence > active[j].Confidence
		}
		return active[i].Priority > active[j].Priority
	})
	for _, s := range active {
		c, ok := st.compiled[s.ID]
		if !ok {
			run, err := compile(s)
			c = compiled{run: run, err: err}
			st.compiled[s.ID] = c
		}
		pl := planned{strategy: s, compiled: c}
		switch s.TargetField() {
		case crawler.FieldPriceCurrent:
			primary = append(primary, pl)
		default:
			// Composite and semantic strategies always produce a full record.
			if s.Type == crawler.StrategyComposite || s.Type == crawler.StrategySemantic {
				primary = append(primary, pl)
				continue
			}
			supplementary = append(supplementary, pl)
		}
	}
	return primary, supplementary
}

// apply folds attempt verdicts into the domain's strategies under its lock.
func (e *AdaptiveExtractor) apply(
	domain string,
	st *domainState,
	verdicts []feedback,
	winner *crawler.Strategy,
	result *crawler.ExtractionResult,
) (changed, variants []crawler.Strategy, alerts []crawler.Alert, changes []crawler.PatternChange) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := e.now()
	for _, fb := range verdicts {
		i := st.index(fb.id)
		if i < 0 {
			continue
		}
		s := &st.strategies[i]
		s.Attempts++
		switch fb.verdict {
		case verdictHit:
			s.Successes++
			s.Confidence = min(1, s.Confidence+e.cfg.ConfidenceStep)
			s.LastSuccess = now
		case verdictInvalid, verdictError:
			s.Failures++
			s.Confidence = max(0, s.Confidence-e.cfg.ConfidenceStep)
			if e.exhausted(*s) {
				s.Status = crawler.StrategyRetired
				e.logger.Info("strategy retired",
					zap.String("domain", domain),
					zap.String("strategy_id", s.ID),
					zap.Float64("confidence", s.Confidence),
				)
			}
		}
		changed = append(changed, *s)
	}

	previous := st.lastWinner
	switch {
	case winner != nil:
		st.consecutiveFailures = 0
		st.lastWinner = winner.ID
		if i := st.index(winner.ID); i >= 0 {
			result.Confidence = st.strategies[i].Confidence
			variants = e.spawnVariants(st, i)
		}
		if previous != "" && previous != winner.ID {
			changes = append(changes, crawler.PatternChange{At: now, Kind: "strategy_switch", From: previous, To: winner.ID})
		}
	case result.Success:
		if previous != "" {
			changes = append(changes, crawler.PatternChange{At: now, Kind: "strategy_switch", From: previous, To: StrategyFallback})
		}
		st.lastWinner = StrategyFallback
	default:
		st.consecutiveFailures++
		if previous != "" {
			changes = append(changes, crawler.PatternChange{At: now, Kind: "extraction_lost", From: previous})
		}
		st.lastWinner = ""
		n := st.consecutiveFailures
		switch {
		case n >= e.cfg.DomainFailureThreshold:
			alerts = append(alerts, crawler.Alert{
				Level:   crawler.AlertError,
				Event:   crawler.EventDomainBroken,
				Message: fmt.Sprintf("extraction failed %d times in a row", n),
				Domain:  domain,
				Context: map[string]any{"consecutive_failures": n, "error": result.Error},
				At:      now,
			})
		case n >= e.cfg.DomainFailureWarn:
			alerts = append(alerts, crawler.Alert{
				Level:   crawler.AlertWarning,
				Event:   crawler.EventDomainDegraded,
				Message: fmt.Sprintf("extraction failed %d times in a row", n),
				Domain:  domain,
				Context: map[string]any{"consecutive_failures": n, "error": result.Error},
				At:      now,
			})
		}
	}
	return changed, variants, alerts, changes
}

// spawnVariants derives looser siblings of a proven strategy once. Must be
// called with st.mu held.
func (e *AdaptiveExtractor) spawnVariants(st *domainState, i int) []crawler.Strategy {
	parent := st.strategies[i]
	if parent.Variants || parent.Confidence < e.cfg.VariantTrigger || parent.Successes < e.cfg.VariantMinSuccesses {
		return nil
	}
	st.strategies[i].Variants = true
	out := []crawler.Strategy{st.strategies[i]}
	for _, selector := range variantSelectors(parent) {
		v := crawler.Strategy{
			Domain:     parent.Domain,
			Type:       parent.Type,
			Selector:   selector,
			Field:      parent.Field,
			Confidence: e.cfg.VariantConfidence,
			Status:     crawler.StrategyActive,
			Priority:   parent.Priority,
			ParentID:   parent.ID,
			Source:     crawler.SourceVariant,
		}
		if st.hasSelector(v) {
			continue
		}
		v.ID = e.strategyID(parent.Domain, v)
		if v.ID == "" {
			continue
		}
		st.strategies = append(st.strategies, v)
		out = append(out, v)
	}
	if len(out) > 1 {
		e.logger.Info("strategy variants generated",
			zap.String("domain", parent.Domain),
			zap.String("parent_id", parent.ID),
			zap.Int("count", len(out)-1),
		)
	}
	return out
}

// trackLayout compares the page signature with the last one seen.
func (e *AdaptiveExtractor) trackLayout(st *domainState, signature string) (crawler.PatternChange, bool) {
	if signature == "" {
		return crawler.PatternChange{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	previous := st.signature
	st.signature = signature
	if previous == "" || previous == signature {
		return crawler.PatternChange{}, false
	}
	return crawler.PatternChange{At: e.now(), Kind: "layout_change", From: previous, To: signature}, true
}

func (e *AdaptiveExtractor) persist(ctx context.Context, strategies []crawler.Strategy) {
	if e.store == nil {
		return
	}
	for _, s := range strategies {
		if err := e.store.SaveStrategy(ctx, s); err != nil {
			e.logger.Warn("save strategy failed",
				zap.String("domain", s.Domain),
				zap.String("strategy_id", s.ID),
				zap.Error(err),
			)
		}
	}
}

func (e *AdaptiveExtractor) notify(ctx context.Context, alert crawler.Alert) {
	e.logger.Warn("extraction alert",
		zap.String("domain", alert.Domain),
		zap.String("event", alert.Event),
		zap.String("level", string(alert.Level)),
	)
	if e.notifier == nil {
		return
	}
	if err := e.notifier.SendAlert(ctx, alert); err != nil {
		e.logger.Warn("send alert failed", zap.String("event", alert.Event), zap.Error(err))
	}
}

// AddStrategy registers a strategy for its domain and persists it.
func (e *AdaptiveExtractor) AddStrategy(ctx context.Context, s crawler.Strategy) (crawler.Strategy, error) {
	if s.Domain == "" {
		return crawler.Strategy{}, errors.New("strategy domain is required")
	}
	if _, err := compile(s); err != nil {
		return crawler.Strategy{}, fmt.Errorf("compile strategy: %w", err)
	}
	if s.Source == "" {
		s.Source = crawler.SourceConfig
	}
	s = e.normalize(s.Domain, s, s.Source)
	if s.ID == "" {
		return crawler.Strategy{}, errors.New("strategy id could not be generated")
	}

	st := e.state(s.Domain)
	st.mu.Lock()
	if i := st.index(s.ID); i >= 0 {
		st.strategies[i] = s
	} else {
		st.strategies = append(st.strategies, s)
	}
	delete(st.compiled, s.ID)
	st.mu.Unlock()

	e.persist(ctx, []crawler.Strategy{s})
	return s, nil
}

// Strategies returns a copy of every known strategy for domain in trial order.
func (e *AdaptiveExtractor) Strategies(domain string) []crawler.Strategy {
	e.mu.Lock()
	st, ok := e.domains[domain]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	out := append([]crawler.Strategy(nil), st.strategies...)
	st.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

// DomainHealth reports extraction health without side effects.
func (e *AdaptiveExtractor) DomainHealth(domain string) Health {
	h := Health{Domain: domain}
	e.mu.Lock()
	st, ok := e.domains[domain]
	e.mu.Unlock()
	if !ok {
		return h
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	h.ConsecutiveFailures = st.consecutiveFailures
	h.LastStrategy = st.lastWinner
	for _, s := range st.strategies {
		if s.Status == crawler.StrategyActive {
			h.Active++
		} else {
			h.Retired++
		}
	}
	return h
}

func (e *AdaptiveExtractor) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}
