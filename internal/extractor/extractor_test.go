package extractor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/hash/sha256"
)

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("gen-%d", s.n), nil
}

type memStrategyStore struct {
	mu    sync.Mutex
	byID  map[string]crawler.Strategy
	saves int
}

func newMemStrategyStore(seed ...crawler.Strategy) *memStrategyStore {
	s := &memStrategyStore{byID: make(map[string]crawler.Strategy)}
	for _, st := range seed {
		s.byID[st.ID] = st
	}
	return s
}

func (m *memStrategyStore) GetStrategies(_ context.Context, domain string) ([]crawler.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []crawler.Strategy
	for _, s := range m.byID {
		if s.Domain == domain {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStrategyStore) SaveStrategy(_ context.Context, s crawler.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.byID[s.ID] = s
	return nil
}

func (m *memStrategyStore) get(id string) crawler.Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []crawler.Alert
}

func (n *recordingNotifier) SendAlert(_ context.Context, alert crawler.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.alerts))
	for _, a := range n.alerts {
		out = append(out, a.Event)
	}
	return out
}

type stubLearner struct {
	mu           sync.Mutex
	candidates   []crawler.Strategy
	observations []crawler.PatternObservation
}

func (l *stubLearner) Observe(_ string, obs crawler.PatternObservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observations = append(l.observations, obs)
}

func (l *stubLearner) Candidates(string) []crawler.Strategy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]crawler.Strategy(nil), l.candidates...)
}

func newTestExtractor(cfg Config, store crawler.StrategyStore, notifier crawler.Notifier, learner Learner) *AdaptiveExtractor {
	clock := fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	return New(cfg, store, notifier, learner, sha256.New(), &seqIDs{}, clock, nil)
}

func strategyByID(t *testing.T, e *AdaptiveExtractor, domain, id string) crawler.Strategy {
	t.Helper()
	for _, s := range e.Strategies(domain) {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("strategy %s not found", id)
	return crawler.Strategy{}
}

const domain = "shop.com"

func TestExtract_FallsThroughMissToNextStrategy(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(Config{Seeds: []crawler.Strategy{
		{ID: "css-1", Domain: domain, Type: crawler.StrategyCSS, Selector: ".product-price", Confidence: 0.9},
		{ID: "re-1", Domain: domain, Type: crawler.StrategyRegex, Selector: `R\$\s*([\d.,]+)`, Confidence: 0.5},
	}}, nil, nil, nil)

	html := `<html><body><div class="price-box">R$ 1.299,90</div><button>Comprar agora</button></body></html>`
	res, err := e.Extract(context.Background(), domain, []byte(html))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "regex", res.StrategyUsed)
	require.Equal(t, "re-1", res.StrategyID)
	require.NotNil(t, res.PriceCurrent)
	require.InDelta(t, 1299.90, *res.PriceCurrent, 1e-9)
	require.Equal(t, "BRL", res.Currency)
	require.Equal(t, crawler.AvailabilityInStock, res.Availability)

	regex := strategyByID(t, e, domain, "re-1")
	require.InDelta(t, 0.6, regex.Confidence, 1e-9)
	require.Equal(t, 1, regex.Successes)

	css := strategyByID(t, e, domain, "css-1")
	require.InDelta(t, 0.9, css.Confidence, 1e-9, "a miss leaves confidence alone")
	require.Equal(t, 1, css.Attempts)
	require.Zero(t, css.Failures)
}

func TestExtract_RejectsPixAbovePrice(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	e := newTestExtractor(Config{Seeds: []crawler.Strategy{{
		ID:         "re-pix",
		Domain:     domain,
		Type:       crawler.StrategyRegex,
		Selector:   `(?s)price">R\$ (?P<price_current>[\d.,]+).*?pix">R\$ (?P<price_pix>[\d.,]+)`,
		Confidence: 0.5,
	}}}, nil, notifier, nil)

	html := `<html><body><span class="price">R$ 100,00</span> <span class="pix">R$ 120,00 no pix</span></body></html>`
	res, err := e.Extract(context.Background(), domain, []byte(html))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "pix")

	s := strategyByID(t, e, domain, "re-pix")
	require.InDelta(t, 0.4, s.Confidence, 1e-9)
	require.Equal(t, 1, s.Failures)
	require.Equal(t, 1, e.DomainHealth(domain).ConsecutiveFailures)
	require.Empty(t, notifier.events())
}

func TestExtract_OldPriceNotAboveCurrent(t *testing.T) {
	t.Parallel()

	seed := crawler.Strategy{
		ID:       "re-old",
		Domain:   domain,
		Type:     crawler.StrategyRegex,
		Selector: `(?s)<p>R\$ (?P<price_current>[\d.,]+)</p><p>R\$ (?P<price_old>[\d.,]+)</p>`,
	}
	html := []byte(`<html><body><p>R$ 100,00</p><p>R$ 90,00</p></body></html>`)

	t.Run("dropped by default", func(t *testing.T) {
		t.Parallel()
		e := newTestExtractor(Config{Seeds: []crawler.Strategy{seed}}, nil, nil, nil)
		res, err := e.Extract(context.Background(), domain, html)
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, "regex", res.StrategyUsed)
		require.Nil(t, res.PriceOld)
		require.InDelta(t, 100.0, *res.PriceCurrent, 1e-9)
	})

	t.Run("rejected when strict", func(t *testing.T) {
		t.Parallel()
		e := newTestExtractor(Config{StrictOldPrice: true, Seeds: []crawler.Strategy{seed}}, nil, nil, nil)
		res, err := e.Extract(context.Background(), domain, html)
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, StrategyFallback, res.StrategyUsed)
		require.InDelta(t, 0.3, res.Confidence, 1e-9)
		require.Equal(t, 1, strategyByID(t, e, domain, "re-old").Failures)
	})
}

func TestExtract_FallbackHeuristics(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(Config{}, nil, nil, nil)
	html := `<html><body><h1>Tênis</h1><p>De R$ 79,90</p><p>Por R$ 59,90</p>
<p>R$ 55,00 no pix</p><p>Em estoque</p><p>25% OFF</p><p>Frete grátis</p></body></html>`
	res, err := e.Extract(context.Background(), domain, []byte(html))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, StrategyFallback, res.StrategyUsed)
	require.InDelta(t, 0.3, res.Confidence, 1e-9)
	require.InDelta(t, 59.90, *res.PriceCurrent, 1e-9)
	require.InDelta(t, 79.90, *res.PriceOld, 1e-9)
	require.InDelta(t, 55.00, *res.PricePix, 1e-9)
	require.Equal(t, crawler.AvailabilityInStock, res.Availability)
	require.ElementsMatch(t, []string{"25%_off", "free_shipping"}, res.PromotionBadges)
}

func TestExtract_FallbackKeepsBlocksApart(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(Config{}, nil, nil, nil)
	res, err := e.Extract(context.Background(), domain,
		[]byte(`<html><body><div class=price>R$ 49</div><div>100 avaliações</div></body></html>`))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, StrategyFallback, res.StrategyUsed)
	require.InDelta(t, 49, *res.PriceCurrent, 1e-9)

	res, err = e.Extract(context.Background(), domain,
		[]byte("<html><body><div class=price>R$\u00a01\u00a0299,90</div><div>300 vendidos</div></body></html>"))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.InDelta(t, 1299.90, *res.PriceCurrent, 1e-9)
}

func TestExtract_DomainFailureAlerts(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	e := newTestExtractor(Config{}, nil, notifier, nil)
	page := []byte(`<html><body><p>Página não encontrada</p></body></html>`)

	for i := 0; i < 3; i++ {
		res, err := e.Extract(context.Background(), domain, page)
		require.NoError(t, err)
		require.False(t, res.Success)
	}
	require.Equal(t, []string{crawler.EventDomainDegraded, crawler.EventDomainBroken}, notifier.events())
	require.Equal(t, 3, e.DomainHealth(domain).ConsecutiveFailures)

	_, err := e.Extract(context.Background(), domain, []byte(`<html><body>R$ 10,00</body></html>`))
	require.NoError(t, err)
	require.Equal(t, 3, e.DomainHealth(domain).ConsecutiveFailures, "fallback success does not clear the streak")

	_, err = e.AddStrategy(context.Background(), crawler.Strategy{
		ID: "css-ok", Domain: domain, Type: crawler.StrategyCSS, Selector: "body",
	})
	require.NoError(t, err)
	res, err := e.Extract(context.Background(), domain, []byte(`<html><body>R$ 10,00</body></html>`))
	require.NoError(t, err)
	require.Equal(t, "css", res.StrategyUsed)
	require.Zero(t, e.DomainHealth(domain).ConsecutiveFailures)
}

func TestExtract_RetiresFailingStrategy(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(Config{Seeds: []crawler.Strategy{{
		ID:         "re-bad",
		Domain:     domain,
		Type:       crawler.StrategyRegex,
		Selector:   `(?s)price">R\$ (?P<price_current>[\d.,]+).*?pix">R\$ (?P<price_pix>[\d.,]+)`,
		Confidence: 0.5,
	}}}, nil, nil, nil)
	html := []byte(`<html><body><span class="price">R$ 100,00</span><span class="pix">R$ 150,00</span></body></html>`)

	for i := 0; i < 5; i++ {
		_, err := e.Extract(context.Background(), domain, html)
		require.NoError(t, err)
	}
	s := strategyByID(t, e, domain, "re-bad")
	require.Equal(t, crawler.StrategyRetired, s.Status)
	require.Equal(t, 5, s.Attempts)

	_, err := e.Extract(context.Background(), domain, html)
	require.NoError(t, err)
	require.Equal(t, 5, strategyByID(t, e, domain, "re-bad").Attempts, "retired strategies are skipped")
	require.Equal(t, 1, e.DomainHealth(domain).Retired)
}

func TestExtract_CompileErrorIsIsolated(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(Config{Seeds: []crawler.Strategy{
		{ID: "re-broken", Domain: domain, Type: crawler.StrategyRegex, Selector: `([`, Confidence: 0.9},
		{ID: "css-ok", Domain: domain, Type: crawler.StrategyCSS, Selector: "#price", Confidence: 0.5},
	}}, nil, nil, nil)

	res, err := e.Extract(context.Background(), domain, []byte(`<html><body><b id="price">R$ 42,00</b></body></html>`))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "css-ok", res.StrategyID)
	require.InDelta(t, 0.8, strategyByID(t, e, domain, "re-broken").Confidence, 1e-9)
}

func TestExtract_GeneratesVariantsOnce(t *testing.T) {
	t.Parallel()

	store := newMemStrategyStore()
	e := newTestExtractor(Config{Seeds: []crawler.Strategy{
		{ID: "css-price", Domain: domain, Type: crawler.StrategyCSS, Selector: "div.price", Confidence: 0.6},
	}}, store, nil, nil)
	html := []byte(`<html><body><div class="price"><span>R$ 19,90</span></div></body></html>`)

	for i := 0; i < 5; i++ {
		res, err := e.Extract(context.Background(), domain, html)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	var variants []crawler.Strategy
	for _, s := range e.Strategies(domain) {
		if s.Source == crawler.SourceVariant {
			variants = append(variants, s)
		}
	}
	require.Len(t, variants, 2)
	selectors := []string{variants[0].Selector, variants[1].Selector}
	require.ElementsMatch(t, []string{"div.price > span", "div.price:first-child"}, selectors)
	for _, v := range variants {
		require.Equal(t, "css-price", v.ParentID)
		require.InDelta(t, 0.4, v.Confidence, 1e-9)
		require.Equal(t, v, store.get(v.ID))
	}
	require.True(t, store.get("css-price").Variants)

	_, err := e.Extract(context.Background(), domain, html)
	require.NoError(t, err)
	require.Len(t, e.Strategies(domain), 3)
}

func TestExtract_HydratesAndPersists(t *testing.T) {
	t.Parallel()

	store := newMemStrategyStore(crawler.Strategy{
		ID: "stored-xpath", Domain: domain, Type: crawler.StrategyXPath,
		Selector: `//span[@class='preco']`, Confidence: 0.7, Status: crawler.StrategyActive,
	})
	e := newTestExtractor(Config{}, store, nil, nil)

	res, err := e.Extract(context.Background(), domain, []byte(`<html><body><span class="preco">R$ 3.499,00</span></body></html>`))
	require.NoError(t, err)
	require.Equal(t, "xpath", res.StrategyUsed)
	require.InDelta(t, 3499.0, *res.PriceCurrent, 1e-9)
	require.InDelta(t, 0.8, store.get("stored-xpath").Confidence, 1e-9)
	require.Equal(t, 1, store.get("stored-xpath").Attempts)
}

func TestExtract_SkipsExhaustedStoredStrategy(t *testing.T) {
	t.Parallel()

	store := newMemStrategyStore(crawler.Strategy{
		ID: "dead", Domain: domain, Type: crawler.StrategyRegex,
		Selector: `R\$ (?P<price_current>[\d.,]+)`, Confidence: 0.02, Attempts: 40, Failures: 39,
		Status: crawler.StrategyActive,
	})
	e := newTestExtractor(Config{}, store, nil, nil)

	res, err := e.Extract(context.Background(), domain,
		[]byte(`<html><body><b id="price">R$ 42,00</b></body></html>`))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, StrategyFallback, res.StrategyUsed)
	require.InDelta(t, 42.0, *res.PriceCurrent, 1e-9)

	dead := strategyByID(t, e, domain, "dead")
	require.Equal(t, crawler.StrategyRetired, dead.Status)
	require.Equal(t, 40, dead.Attempts, "exhausted strategies are never tried")
	require.Equal(t, crawler.StrategyRetired, store.get("dead").Status)
	require.Equal(t, 1, e.DomainHealth(domain).Retired)
}

func TestExtract_SemanticJSONLD(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(Config{Seeds: []crawler.Strategy{
		{ID: "semantic", Type: crawler.StrategySemantic},
	}}, nil, nil, nil)
	html := `<html><head><script type="application/ld+json">
{"@context":"https://schema.org","@type":"Product","offers":{"@type":"Offer","price":249.9,"priceCurrency":"BRL","availability":"https://schema.org/OutOfStock"}}
</script></head><body><h1>Fone</h1></body></html>`

	res, err := e.Extract(context.Background(), "other.com", []byte(html))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "semantic", res.StrategyUsed)
	require.InDelta(t, 249.9, *res.PriceCurrent, 1e-9)
	require.Equal(t, "BRL", res.Currency)
	require.Equal(t, crawler.AvailabilityOutOfStock, res.Availability)
}

func TestExtract_CompositeMergesChildren(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(Config{Seeds: []crawler.Strategy{{
		ID:     "combo",
		Domain: domain,
		Type:   crawler.StrategyComposite,
		Children: []crawler.Strategy{
			{Type: crawler.StrategyCSS, Selector: ".now"},
			{Type: crawler.StrategyCSS, Selector: ".was", Field: crawler.FieldPriceOld},
			{Type: crawler.StrategyCSS, Selector: ".stock", Field: crawler.FieldAvailability},
		},
	}}}, nil, nil, nil)

	html := `<html><body><s class="was">$120.00</s><b class="now">$99.50</b><i class="stock">Sold out</i></body></html>`
	res, err := e.Extract(context.Background(), domain, []byte(html))
	require.NoError(t, err)
	require.Equal(t, "composite", res.StrategyUsed)
	require.InDelta(t, 99.5, *res.PriceCurrent, 1e-9)
	require.InDelta(t, 120.0, *res.PriceOld, 1e-9)
	require.Equal(t, "USD", res.Currency)
	require.Equal(t, crawler.AvailabilityOutOfStock, res.Availability)
}

func TestExtract_SupplementaryFieldStrategy(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(Config{Seeds: []crawler.Strategy{
		{ID: "main", Domain: domain, Type: crawler.StrategyCSS, Selector: ".price"},
		{ID: "pix", Domain: domain, Type: crawler.StrategyCSS, Selector: ".pix", Field: crawler.FieldPricePix},
	}}, nil, nil, nil)

	html := `<html><body><b class="price">R$ 200,00</b><b class="pix">R$ 180,00</b></body></html>`
	res, err := e.Extract(context.Background(), domain, []byte(html))
	require.NoError(t, err)
	require.Equal(t, "main", res.StrategyID)
	require.InDelta(t, 180.0, *res.PricePix, 1e-9)
	require.Equal(t, 1, strategyByID(t, e, domain, "pix").Successes)
}

func TestExtract_TransfersLearnedCandidates(t *testing.T) {
	t.Parallel()

	learner := &stubLearner{candidates: []crawler.Strategy{
		{Type: crawler.StrategyCSS, Selector: ".valor", Confidence: 0.5, Source: crawler.SourceTransfer},
	}}
	e := newTestExtractor(Config{}, nil, nil, learner)

	res, err := e.Extract(context.Background(), "new.com", []byte(`<html><body><div class="valor">R$ 12,34</div></body></html>`))
	require.NoError(t, err)
	require.Equal(t, "css", res.StrategyUsed)

	strategies := e.Strategies("new.com")
	require.Len(t, strategies, 1)
	require.Equal(t, crawler.SourceTransfer, strategies[0].Source)
	require.Equal(t, "new.com", strategies[0].Domain)

	require.Len(t, learner.observations, 1)
	obs := learner.observations[0]
	require.True(t, obs.Success)
	require.NotNil(t, obs.Strategy)
	require.Contains(t, obs.Fields, crawler.FieldPriceCurrent)
	require.NotEmpty(t, obs.Structure)
}

func TestExtract_EmptyContent(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(Config{}, nil, nil, nil)
	_, err := e.Extract(context.Background(), domain, []byte("  \n"))
	require.ErrorIs(t, err, ErrContentUnavailable)
}

func TestExtract_StrategySwitchRecordsChange(t *testing.T) {
	t.Parallel()

	learner := &stubLearner{}
	e := newTestExtractor(Config{Seeds: []crawler.Strategy{
		{ID: "a", Domain: domain, Type: crawler.StrategyCSS, Selector: ".a", Confidence: 0.9},
		{ID: "b", Domain: domain, Type: crawler.StrategyCSS, Selector: ".b", Confidence: 0.5},
	}}, nil, nil, learner)

	_, err := e.Extract(context.Background(), domain, []byte(`<html><body><p class="a">R$ 1,00</p></body></html>`))
	require.NoError(t, err)
	_, err = e.Extract(context.Background(), domain, []byte(`<html><body><p class="b">R$ 1,00</p></body></html>`))
	require.NoError(t, err)

	var kinds []string
	for _, c := range learner.observations[1].Changes {
		kinds = append(kinds, c.Kind)
	}
	require.Contains(t, kinds, "strategy_switch")
	require.Equal(t, "b", e.DomainHealth(domain).LastStrategy)
}
