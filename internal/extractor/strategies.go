package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

// fields is what one strategy pulled out of a page.
type fields struct {
	prices       map[string]float64
	availability crawler.Availability
	currency     string
}

func newFields() fields {
	return fields{prices: make(map[string]float64)}
}

// setText stores a raw text value for field, parsing it as a price or stock state.
func (f *fields) setText(field, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if field == crawler.FieldAvailability {
		if f.availability == crawler.AvailabilityUnknown {
			f.availability = ClassifyAvailability(text)
		}
		return
	}
	if _, ok := f.prices[field]; ok {
		return
	}
	if v, ok := ParsePrice(text); ok {
		f.prices[field] = v
		if f.currency == "" {
			f.currency = DetectCurrency(text)
		}
	}
}

// merge copies values from other that f does not have yet.
func (f *fields) merge(other fields) {
	for k, v := range other.prices {
		if _, ok := f.prices[k]; !ok {
			f.prices[k] = v
		}
	}
	if f.availability == crawler.AvailabilityUnknown {
		f.availability = other.availability
	}
	if f.currency == "" {
		f.currency = other.currency
	}
}

func (f fields) hasPrice() bool {
	_, ok := f.prices[crawler.FieldPriceCurrent]
	return ok
}

// result converts fields into an unvalidated ExtractionResult.
func (f fields) result() crawler.ExtractionResult {
	r := crawler.ExtractionResult{
		Availability: f.availability,
		Currency:     f.currency,
	}
	if v, ok := f.prices[crawler.FieldPriceCurrent]; ok {
		r.PriceCurrent = &v
	}
	if v, ok := f.prices[crawler.FieldPriceOld]; ok {
		r.PriceOld = &v
	}
	if v, ok := f.prices[crawler.FieldPricePix]; ok {
		r.PricePix = &v
	}
	return r
}

// attempter is one compiled extraction strategy.
type attempter interface {
	attempt(p *page) (fields, error)
}

var errUnknownStrategy = errors.New("unknown strategy type")

// compile turns a Strategy into a runnable attempter.
func compile(s crawler.Strategy) (attempter, error) {
	switch s.Type {
	case crawler.StrategyRegex:
		return compileRegex(s)
	case crawler.StrategyCSS:
		if strings.TrimSpace(s.Selector) == "" {
			return nil, fmt.Errorf("css strategy %s: empty selector", s.ID)
		}
		return cssAttempt{selector: s.Selector, field: s.TargetField()}, nil
	case crawler.StrategyXPath:
		if strings.TrimSpace(s.Selector) == "" {
			return nil, fmt.Errorf("xpath strategy %s: empty expression", s.ID)
		}
		return xpathAttempt{expr: s.Selector, field: s.TargetField()}, nil
	case crawler.StrategySemantic:
		return semanticAttempt{extra: s.Selector}, nil
	case crawler.StrategyComposite:
		if len(s.Children) == 0 {
			return nil, fmt.Errorf("composite strategy %s: no children", s.ID)
		}
		children := make([]attempter, 0, len(s.Children))
		for _, child := range s.Children {
			a, err := compile(child)
			if err != nil {
				return nil, fmt.Errorf("composite strategy %s: %w", s.ID, err)
			}
			children = append(children, a)
		}
		return compositeAttempt{children: children}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownStrategy, s.Type)
	}
}

// regexAttempt runs a pattern over the raw HTML. Named groups price_current,
// price_old, price_pix and availability map to fields; otherwise the first
// group (or whole match) feeds the strategy's target field.
type regexAttempt struct {
	re    *regexp.Regexp
	field string
}

func compileRegex(s crawler.Strategy) (attempter, error) {
	re, err := regexp.Compile(s.Selector)
	if err != nil {
		return nil, fmt.Errorf("regex strategy %s: %w", s.ID, err)
	}
	return regexAttempt{re: re, field: s.TargetField()}, nil
}

func (a regexAttempt) attempt(p *page) (fields, error) {
	out := newFields()
	m := a.re.FindStringSubmatch(p.raw)
	if m == nil {
		return out, nil
	}
	named := false
	for i, name := range a.re.SubexpNames() {
		if name == "" || i >= len(m) {
			continue
		}
		named = true
		out.setText(name, m[i])
	}
	if !named {
		value := m[0]
		if len(m) > 1 {
			value = m[1]
		}
		out.setText(a.field, value)
	}
	if out.currency == "" {
		out.currency = DetectCurrency(m[0])
	}
	return out, nil
}

// cssAttempt reads the first element matching a CSS selector.
type cssAttempt struct {
	selector string
	field    string
}

func (a cssAttempt) attempt(p *page) (fields, error) {
	out := newFields()
	doc, err := p.document()
	if err != nil {
		return out, err
	}
	sel := doc.Find(a.selector).First()
	if sel.Length() == 0 {
		return out, nil
	}
	out.setText(a.field, nodeValue(sel))
	return out, nil
}

// nodeValue prefers machine-readable attributes over rendered text.
func nodeValue(sel *goquery.Selection) string {
	for _, attr := range []string{"content", "data-price", "value"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return collapseSpace(sel.Text())
}

// xpathAttempt evaluates an XPath expression over the parsed DOM.
type xpathAttempt struct {
	expr  string
	field string
}

func (a xpathAttempt) attempt(p *page) (fields, error) {
	out := newFields()
	doc, err := p.document()
	if err != nil {
		return out, err
	}
	if len(doc.Nodes) == 0 {
		return out, nil
	}
	nodes, err := htmlquery.QueryAll(doc.Nodes[0], a.expr)
	if err != nil {
		return out, fmt.Errorf("xpath %q: %w", a.expr, err)
	}
	for _, n := range nodes {
		out.setText(a.field, collapseSpace(htmlquery.InnerText(n)))
		if a.field == crawler.FieldAvailability && out.availability != crawler.AvailabilityUnknown {
			break
		}
		if _, ok := out.prices[a.field]; ok {
			break
		}
	}
	return out, nil
}

// semanticSelectors are structured-markup locations of the current price.
var semanticSelectors = []string{
	`[itemprop="price"]`,
	`meta[property="product:price:amount"]`,
	`meta[property="og:price:amount"]`,
	`[data-price]`,
	`[aria-label*="preço"]`,
	`[aria-label*="price"]`,
}

// semanticAttempt reads schema.org JSON-LD, microdata, and OpenGraph price hints.
// extra is an optional additional CSS selector tried after the built-in ones.
type semanticAttempt struct {
	extra string
}

func (a semanticAttempt) attempt(p *page) (fields, error) {
	out := newFields()
	doc, err := p.document()
	if err != nil {
		return out, err
	}

	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload any
		if json.Unmarshal([]byte(s.Text()), &payload) != nil {
			return true
		}
		readJSONLD(payload, &out)
		return !out.hasPrice()
	})

	selectors := semanticSelectors
	if strings.TrimSpace(a.extra) != "" {
		selectors = append(append([]string(nil), selectors...), a.extra)
	}
	for _, css := range selectors {
		if out.hasPrice() {
			break
		}
		sel := doc.Find(css).First()
		if sel.Length() == 0 {
			continue
		}
		out.setText(crawler.FieldPriceCurrent, nodeValue(sel))
	}

	if v, ok := doc.Find(`meta[property="product:price:currency"], [itemprop="priceCurrency"]`).First().Attr("content"); ok && out.currency == "" {
		out.currency = strings.ToUpper(strings.TrimSpace(v))
	}
	if out.availability == crawler.AvailabilityUnknown {
		if v, ok := doc.Find(`[itemprop="availability"]`).First().Attr("href"); ok {
			out.availability = ClassifyAvailability(v)
		}
	}
	return out, nil
}

// readJSONLD walks a decoded JSON-LD payload looking for Product offers.
func readJSONLD(node any, out *fields) {
	switch v := node.(type) {
	case []any:
		for _, child := range v {
			readJSONLD(child, out)
		}
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			readJSONLD(graph, out)
		}
		if offers, ok := v["offers"]; ok {
			readOffers(offers, out)
		}
	}
}

func readOffers(node any, out *fields) {
	switch v := node.(type) {
	case []any:
		for _, child := range v {
			readOffers(child, out)
		}
	case map[string]any:
		for _, key := range []string{"price", "lowPrice"} {
			switch raw := v[key].(type) {
			case float64:
				if _, seen := out.prices[crawler.FieldPriceCurrent]; !seen && raw > 0 {
					out.prices[crawler.FieldPriceCurrent] = raw
				}
			case string:
				out.setText(crawler.FieldPriceCurrent, raw)
			}
		}
		if cur, ok := v["priceCurrency"].(string); ok && out.currency == "" {
			out.currency = strings.ToUpper(cur)
		}
		if avail, ok := v["availability"].(string); ok && out.availability == crawler.AvailabilityUnknown {
			out.availability = ClassifyAvailability(avail)
		}
	}
}

// compositeAttempt runs child strategies in order and merges their fields.
type compositeAttempt struct {
	children []attempter
}

func (a compositeAttempt) attempt(p *page) (fields, error) {
	out := newFields()
	var errs []error
	for _, child := range a.children {
		f, err := child.attempt(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.merge(f)
	}
	if !out.hasPrice() && len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}
