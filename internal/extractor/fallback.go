package extractor

import (
	"regexp"
	"slices"
	"strings"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

const (
	currencyExpr = `(?:R\$|US\$|\$|€|£)`
	gapExpr      = `[\s\x{00a0}\x{202f}]*`
)

var (
	anyPricePattern  = regexp.MustCompile(currencyExpr + gapExpr + `(` + amountExpr + `)`)
	salePricePattern = regexp.MustCompile(`(?i)(?:\bpor|\bnow|\bsale price:?|\bagora)` + gapExpr + currencyExpr + gapExpr + `(` + amountExpr + `)`)
	oldPricePattern  = regexp.MustCompile(`(?i)(?:\bde|\bwas|\bantes|\blist price:?)` + gapExpr + currencyExpr + gapExpr + `(` + amountExpr + `)`)
	pixAfterPattern  = regexp.MustCompile(`(?i)` + currencyExpr + gapExpr + `(` + amountExpr + `)` + gapExpr + `(?:à vista` + gapExpr + `)?(?:no|via|com|pelo)?` + gapExpr + `pix`)
	pixBeforePattern = regexp.MustCompile(`(?i)pix[^0-9]{0,20}?` + currencyExpr + gapExpr + `(` + amountExpr + `)`)
	discountPattern  = regexp.MustCompile(`(?i)(\d{1,2})\s*%\s*(?:off|de desconto|desconto)`)
)

var badgeKeywords = map[string]string{
	"frete grátis":     "free_shipping",
	"frete gratis":     "free_shipping",
	"free shipping":    "free_shipping",
	"oferta relâmpago": "flash_sale",
	"flash sale":       "flash_sale",
	"black friday":     "black_friday",
	"cupom":            "coupon",
	"coupon":           "coupon",
}

// fallbackFields applies fixed currency-agnostic heuristics to the page text.
func fallbackFields(p *page) fields {
	out := newFields()
	text := p.visibleText()
	if text == "" {
		text = collapseSpace(p.raw)
	}

	if m := salePricePattern.FindStringSubmatch(text); m != nil {
		out.setText(crawler.FieldPriceCurrent, m[1])
	}
	if m := oldPricePattern.FindStringSubmatch(text); m != nil {
		out.setText(crawler.FieldPriceOld, m[1])
	}
	if m := pixAfterPattern.FindStringSubmatch(text); m != nil {
		out.setText(crawler.FieldPricePix, m[1])
	} else if m := pixBeforePattern.FindStringSubmatch(text); m != nil {
		out.setText(crawler.FieldPricePix, m[1])
	}

	if !out.hasPrice() {
		old, hasOld := out.prices[crawler.FieldPriceOld]
		for _, m := range anyPricePattern.FindAllStringSubmatch(text, -1) {
			v, ok := ParsePrice(m[1])
			if !ok || (hasOld && v == old) {
				continue
			}
			out.prices[crawler.FieldPriceCurrent] = v
			break
		}
	}
	out.currency = DetectCurrency(text)
	out.availability = ClassifyAvailability(text)
	return out
}

// promotionBadges lists promotion markers found in the page text.
func promotionBadges(p *page) []string {
	text := strings.ToLower(plainSpace(p.visibleText()))
	var badges []string
	seen := make(map[string]bool)
	if m := discountPattern.FindStringSubmatch(text); m != nil {
		badges = append(badges, m[1]+"%_off")
	}
	for kw, badge := range badgeKeywords {
		if strings.Contains(text, kw) && !seen[badge] {
			seen[badge] = true
			badges = append(badges, badge)
		}
	}
	slices.Sort(badges)
	return badges
}
