package extractor

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var structureTags = []string{"div", "span", "a", "img", "script", "meta", "form", "table", "li", "button"}

// pageStructure returns coarse layout metrics for similarity scoring and a
// signature string built from the distinct tag/class pairs in the body.
func pageStructure(p *page) (map[string]float64, string) {
	doc, err := p.document()
	if err != nil || doc == nil {
		return nil, ""
	}
	metrics := make(map[string]float64, len(structureTags)+4)
	for _, tag := range structureTags {
		metrics["tag_"+tag] = float64(doc.Find(tag).Length())
	}
	metrics["jsonld"] = float64(doc.Find(`script[type="application/ld+json"]`).Length())
	metrics["itemprop"] = float64(doc.Find("[itemprop]").Length())
	metrics["og_meta"] = float64(doc.Find(`meta[property^="og:"], meta[property^="product:"]`).Length())
	if len(p.raw) > 0 {
		metrics["text_ratio"] = float64(len(p.visibleText())) / float64(len(p.raw))
	}

	seen := make(map[string]struct{})
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		token := node.Data
		if class, ok := s.Attr("class"); ok {
			if fields := strings.Fields(class); len(fields) > 0 {
				token += "." + fields[0]
			}
		}
		seen[token] = struct{}{}
	})
	tokens := make([]string, 0, len(seen))
	for t := range seen {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return metrics, strings.Join(tokens, " ")
}
