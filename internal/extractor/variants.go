package extractor

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

var combinatorSplit = regexp.MustCompile(`\s*[>+~]\s*|\s+`)

// variantSelectors derives looser selectors from a strategy that has proven
// reliable. Only CSS and regex strategies produce variants.
func variantSelectors(s crawler.Strategy) []string {
	sel := strings.TrimSpace(s.Selector)
	if sel == "" {
		return nil
	}
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || v == sel {
			return
		}
		for _, existing := range out {
			if existing == v {
				return
			}
		}
		out = append(out, v)
	}

	switch s.Type {
	case crawler.StrategyCSS:
		if strings.Contains(sel, ",") {
			return nil
		}
		add(sel + " > span")
		add(sel + ":first-child")
		parts := combinatorSplit.Split(sel, -1)
		add(parts[len(parts)-1])
	case crawler.StrategyRegex:
		loose := strings.ReplaceAll(sel, `\s+`, `\s*`)
		loose = strings.ReplaceAll(loose, " ", `\s*`)
		if _, err := regexp.Compile(loose); err == nil {
			add(loose)
		}
	}
	return out
}
