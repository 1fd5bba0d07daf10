package learning

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("t-%d", s.n), nil
}

func css(id, selector, field string, confidence float64) crawler.Strategy {
	return crawler.Strategy{
		ID: id, Type: crawler.StrategyCSS, Selector: selector, Field: field,
		Confidence: confidence, Status: crawler.StrategyActive,
	}
}

func observe(l *DomainLearning, domain string, winner crawler.Strategy, structure map[string]float64, all ...crawler.Strategy) {
	w := winner
	l.Observe(domain, crawler.PatternObservation{
		Success:    true,
		Strategy:   &w,
		Fields:     []string{crawler.FieldPriceCurrent},
		Structure:  structure,
		Strategies: all,
	})
}

func TestObserve_SuccessRateAndScores(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil, nil)
	price := css("p", ".price", "", 0.7)
	observe(l, "shop.com", price, nil, price)
	l.Observe("shop.com", crawler.PatternObservation{Success: false, Strategies: []crawler.Strategy{price}})

	p, ok := l.Pattern("shop.com")
	require.True(t, ok)
	require.Equal(t, 2, p.Observations)
	require.InDelta(t, 0.9, p.SuccessRate, 1e-9)
	score := p.SelectorScores[crawler.FieldPriceCurrent]["css:.price"]
	require.Equal(t, 1, score.Successes)
	require.Equal(t, 1, score.Failures)

	p.SelectorScores[crawler.FieldPriceCurrent]["css:.price"] = crawler.SelectorScore{}
	again, _ := l.Pattern("shop.com")
	require.Equal(t, 1, again.SelectorScores[crawler.FieldPriceCurrent]["css:.price"].Successes, "Pattern returns a copy")

	_, ok = l.Pattern("unknown.com")
	require.False(t, ok)
}

func TestObserve_KeepsBoundedChangeLog(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxPatternChanges: 2}, nil, nil)
	for i := 0; i < 3; i++ {
		l.Observe("shop.com", crawler.PatternObservation{
			Success: true,
			Changes: []crawler.PatternChange{{Kind: "strategy_switch", To: fmt.Sprint(i)}},
		})
	}
	p, _ := l.Pattern("shop.com")
	require.Len(t, p.PatternChanges, 2)
	require.Equal(t, "1", p.PatternChanges[0].To)
}

func TestSimilarityAndTransfer(t *testing.T) {
	t.Parallel()

	l := New(Config{}, &seqIDs{}, nil)
	layout := map[string]float64{"tag_div": 100, "tag_span": 40, "itemprop": 3}

	price := css("a-price", ".price", "", 0.95)
	pix := css("a-pix", ".pix", crawler.FieldPricePix, 0.9)
	weak := css("a-weak", ".old", crawler.FieldPriceOld, 0.7)
	observe(l, "a.com", price, layout, price, pix, weak)

	bPrice := css("b-price", ".price", "", 0.6)
	observe(l, "b.com", bPrice, layout, bPrice)

	re := crawler.Strategy{ID: "c-re", Type: crawler.StrategyRegex, Selector: "x", Confidence: 0.9, Status: crawler.StrategyActive}
	observe(l, "c.com", re, map[string]float64{"tag_div": 1, "tag_span": 400, "itemprop": 0}, re)

	ab := l.Similarity("a.com", "b.com")
	require.Greater(t, ab, 0.85)
	require.Equal(t, ab, l.Similarity("b.com", "a.com"))
	require.Less(t, l.Similarity("b.com", "c.com"), 0.6)
	require.Equal(t, 1.0, l.Similarity("b.com", "b.com"))

	similar := l.SimilarDomains("b.com")
	require.Len(t, similar, 1)
	require.Equal(t, "a.com", similar[0].Domain)

	candidates := l.Candidates("b.com")
	require.Len(t, candidates, 1)
	c := candidates[0]
	require.Equal(t, ".pix", c.Selector)
	require.Equal(t, "b.com", c.Domain)
	require.Equal(t, "a-pix", c.ParentID)
	require.Equal(t, "t-1", c.ID)
	require.Equal(t, crawler.SourceTransfer, c.Source)
	require.InDelta(t, 0.5, c.Confidence, 1e-9)
	require.Zero(t, c.Attempts)
}

func TestSimilarityMemoInvalidatedOnObserve(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil, nil)
	price := css("p", ".price", "", 0.9)
	observe(l, "a.com", price, nil, price)
	observe(l, "b.com", price, nil, price)

	_ = l.Similarity("a.com", "b.com")
	require.Len(t, l.similarity, 1)

	observe(l, "a.com", price, nil, price)
	require.Empty(t, l.similarity)
	require.Zero(t, l.Similarity("a.com", "missing.com"))
}

func TestPeekSimilarDomainsLeavesMemoAlone(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil, nil)
	price := css("p", ".price", "", 0.9)
	observe(l, "a.com", price, nil, price)
	observe(l, "b.com", price, nil, price)

	peeked := l.PeekSimilarDomains("a.com")
	require.Empty(t, l.similarity)
	require.Equal(t, l.SimilarDomains("a.com"), peeked)
	require.Len(t, l.similarity, 1)
}

func TestStructural(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, structural(map[string]float64{"x": 0}, map[string]float64{"x": 0}), 1e-9)
	require.InDelta(t, 0.5, structural(map[string]float64{"x": 10}, map[string]float64{"x": 5}), 1e-9)
	require.Zero(t, structural(map[string]float64{"x": 1}, map[string]float64{"y": 1}))
}
