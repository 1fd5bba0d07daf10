// Package learning keeps per-domain extraction patterns and transfers proven
// strategies between domains that look alike.
package learning

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

// Config controls similarity scoring and strategy transfer.
type Config struct {
	SimilarityThreshold   float64
	FeatureWeight         float64
	TransferMinConfidence float64
	TransferConfidence    float64
	SuccessDecay          float64
	MaxPatternChanges     int
}

func (c *Config) defaults() {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.6
	}
	if c.FeatureWeight <= 0 || c.FeatureWeight > 1 {
		c.FeatureWeight = 0.7
	}
	if c.TransferMinConfidence <= 0 {
		c.TransferMinConfidence = 0.8
	}
	if c.TransferConfidence <= 0 {
		c.TransferConfidence = 0.5
	}
	if c.SuccessDecay <= 0 || c.SuccessDecay >= 1 {
		c.SuccessDecay = 0.9
	}
	if c.MaxPatternChanges <= 0 {
		c.MaxPatternChanges = 50
	}
}

// Similar is a domain scored against another.
type Similar struct {
	Domain string  `json:"domain"`
	Score  float64 `json:"score"`
}

type pairKey struct {
	a, b string
}

func newPairKey(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// DomainLearning accumulates DomainPattern records.
type DomainLearning struct {
	mu         sync.Mutex
	cfg        Config
	patterns   map[string]*crawler.DomainPattern
	similarity map[pairKey]float64
	ids        crawler.IDGenerator
	logger     *zap.Logger
}

// New constructs a DomainLearning.
func New(cfg Config, ids crawler.IDGenerator, logger *zap.Logger) *DomainLearning {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DomainLearning{
		cfg:        cfg,
		patterns:   make(map[string]*crawler.DomainPattern),
		similarity: make(map[pairKey]float64),
		ids:        ids,
		logger:     logger,
	}
}

func selectorKey(s crawler.Strategy) string {
	return string(s.Type) + ":" + s.Selector
}

// Observe folds one extraction outcome into the domain's pattern.
func (l *DomainLearning) Observe(domain string, obs crawler.PatternObservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.patterns[domain]
	if !ok {
		p = &crawler.DomainPattern{
			Domain:         domain,
			SelectorScores: make(map[string]map[string]crawler.SelectorScore),
			Structure:      make(map[string]float64),
			Strategies:     make(map[string]crawler.Strategy),
		}
		l.patterns[domain] = p
	}
	p.Observations++

	outcome := 0.0
	if obs.Success {
		outcome = 1
	}
	if p.Observations == 1 {
		p.SuccessRate = outcome
	} else {
		p.SuccessRate = l.cfg.SuccessDecay*p.SuccessRate + (1-l.cfg.SuccessDecay)*outcome
	}

	switch {
	case obs.Strategy != nil:
		key := selectorKey(*obs.Strategy)
		for _, field := range obs.Fields {
			score := scoreFor(p, field, key)
			score.Successes++
			p.SelectorScores[field][key] = score
		}
	case !obs.Success:
		for _, s := range obs.Strategies {
			if s.Status != crawler.StrategyActive {
				continue
			}
			field, key := s.TargetField(), selectorKey(s)
			score := scoreFor(p, field, key)
			score.Failures++
			p.SelectorScores[field][key] = score
		}
	}

	n := float64(p.Observations)
	for k, v := range obs.Structure {
		old, seen := p.Structure[k]
		if !seen {
			p.Structure[k] = v
			continue
		}
		p.Structure[k] = old + (v-old)/n
	}

	if len(obs.Strategies) > 0 {
		p.Strategies = make(map[string]crawler.Strategy, len(obs.Strategies))
		for _, s := range obs.Strategies {
			p.Strategies[s.ID] = s
		}
	}

	if len(obs.Changes) > 0 {
		p.PatternChanges = append(p.PatternChanges, obs.Changes...)
		if over := len(p.PatternChanges) - l.cfg.MaxPatternChanges; over > 0 {
			p.PatternChanges = append([]crawler.PatternChange(nil), p.PatternChanges[over:]...)
		}
		for _, c := range obs.Changes {
			l.logger.Info("pattern change",
				zap.String("domain", domain),
				zap.String("kind", c.Kind),
				zap.String("from", c.From),
				zap.String("to", c.To),
			)
		}
	}

	for key := range l.similarity {
		if key.a == domain || key.b == domain {
			delete(l.similarity, key)
		}
	}
}

func scoreFor(p *crawler.DomainPattern, field, key string) crawler.SelectorScore {
	byKey, ok := p.SelectorScores[field]
	if !ok {
		byKey = make(map[string]crawler.SelectorScore)
		p.SelectorScores[field] = byKey
	}
	return byKey[key]
}

// features is the sparse vector used for cosine similarity.
func features(p *crawler.DomainPattern) map[string]float64 {
	out := map[string]float64{"success_rate": p.SuccessRate}
	for _, s := range p.Strategies {
		if s.Status == crawler.StrategyActive {
			out["type_"+string(s.Type)]++
		}
	}
	for _, byKey := range p.SelectorScores {
		for key, score := range byKey {
			if score.Successes > 0 {
				out["value_"+key] += float64(score.Successes)
			}
		}
	}
	return out
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for k, v := range a {
		na += v * v
		if w, ok := b[k]; ok {
			dot += v * w
		}
	}
	for _, w := range b {
		nb += w * w
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// structural averages 1-|a-b|/max(a,b) over the metrics both domains share.
func structural(a, b map[string]float64) float64 {
	var sum float64
	shared := 0
	for k, v := range a {
		w, ok := b[k]
		if !ok {
			continue
		}
		shared++
		hi := math.Max(math.Abs(v), math.Abs(w))
		if hi == 0 {
			sum++
			continue
		}
		sum += 1 - math.Abs(v-w)/hi
	}
	if shared == 0 {
		return 0
	}
	return sum / float64(shared)
}

// Similarity scores two domains in [0, 1]. Results are memoized until either
// domain is observed again.
func (l *DomainLearning) Similarity(a, b string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.similarityLocked(a, b, true)
}

// similarityLocked scores a pair, storing the result only when memo is set.
func (l *DomainLearning) similarityLocked(a, b string, memo bool) float64 {
	if a == b {
		return 1
	}
	key := newPairKey(a, b)
	if v, ok := l.similarity[key]; ok {
		return v
	}
	pa, okA := l.patterns[a]
	pb, okB := l.patterns[b]
	if !okA || !okB {
		return 0
	}
	w := l.cfg.FeatureWeight
	score := w*cosine(features(pa), features(pb)) + (1-w)*structural(pa.Structure, pb.Structure)
	if memo {
		l.similarity[key] = score
	}
	return score
}

// SimilarDomains lists domains scoring at least the threshold against domain,
// best first.
func (l *DomainLearning) SimilarDomains(domain string) []Similar {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.similarLocked(domain, true)
}

// PeekSimilarDomains is SimilarDomains for reporting: it reuses memoized
// scores but never stores new ones.
func (l *DomainLearning) PeekSimilarDomains(domain string) []Similar {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.similarLocked(domain, false)
}

func (l *DomainLearning) similarLocked(domain string, memo bool) []Similar {
	var out []Similar
	for other := range l.patterns {
		if other == domain {
			continue
		}
		if score := l.similarityLocked(domain, other, memo); score >= l.cfg.SimilarityThreshold {
			out = append(out, Similar{Domain: other, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}

// Candidates proposes strategies proven on similar domains that target does
// not already have. They start at the transfer confidence with fresh IDs.
func (l *DomainLearning) Candidates(target string) []crawler.Strategy {
	l.mu.Lock()
	defer l.mu.Unlock()

	have := make(map[string]bool)
	if p, ok := l.patterns[target]; ok {
		for _, s := range p.Strategies {
			have[selectorKey(s)+"|"+s.TargetField()] = true
		}
	}

	var out []crawler.Strategy
	for _, sim := range l.similarLocked(target, true) {
		source := l.patterns[sim.Domain]
		ids := make([]string, 0, len(source.Strategies))
		for id := range source.Strategies {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s := source.Strategies[id]
			if s.Status != crawler.StrategyActive || s.Confidence <= l.cfg.TransferMinConfidence {
				continue
			}
			key := selectorKey(s) + "|" + s.TargetField()
			if have[key] {
				continue
			}
			have[key] = true
			out = append(out, l.transfer(target, s))
		}
	}
	if len(out) > 0 {
		l.logger.Info("transfer candidates", zap.String("domain", target), zap.Int("count", len(out)))
	}
	return out
}

func (l *DomainLearning) transfer(target string, s crawler.Strategy) crawler.Strategy {
	c := crawler.Strategy{
		Domain:     target,
		Type:       s.Type,
		Selector:   s.Selector,
		Field:      s.Field,
		Confidence: l.cfg.TransferConfidence,
		Status:     crawler.StrategyActive,
		Priority:   s.Priority,
		Children:   append([]crawler.Strategy(nil), s.Children...),
		ParentID:   s.ID,
		Source:     crawler.SourceTransfer,
	}
	if l.ids != nil {
		if id, err := l.ids.NewID(); err == nil {
			c.ID = id
		} else {
			l.logger.Warn("generate transfer id failed", zap.Error(err))
		}
	}
	return c
}

// Pattern returns a deep copy of the domain's pattern.
func (l *DomainLearning) Pattern(domain string) (crawler.DomainPattern, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.patterns[domain]
	if !ok {
		return crawler.DomainPattern{}, false
	}
	cp := *p
	cp.SelectorScores = make(map[string]map[string]crawler.SelectorScore, len(p.SelectorScores))
	for field, byKey := range p.SelectorScores {
		inner := make(map[string]crawler.SelectorScore, len(byKey))
		for k, v := range byKey {
			inner[k] = v
		}
		cp.SelectorScores[field] = inner
	}
	cp.Structure = make(map[string]float64, len(p.Structure))
	for k, v := range p.Structure {
		cp.Structure[k] = v
	}
	cp.Strategies = make(map[string]crawler.Strategy, len(p.Strategies))
	for k, v := range p.Strategies {
		cp.Strategies[k] = v
	}
	cp.PatternChanges = append([]crawler.PatternChange(nil), p.PatternChanges...)
	return cp, true
}
