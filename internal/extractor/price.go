package extractor

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

// amountExpr matches a price amount with optional thousands groups and cents.
// Groups may be split by a dot, a comma or a no-break space, never by an
// ordinary space, which separates unrelated numbers in flattened page text.
const amountExpr = `\d{1,3}(?:[.,\x{00a0}\x{202f}]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?`

// groupSpaces replaces the no-break spaces used as thousands separators.
var groupSpaces = strings.NewReplacer("\u00a0", "", "\u202f", "")

var amountPattern = regexp.MustCompile(amountExpr)

// ParsePrice reads the first amount in text, accepting both 1.234,56 and
// 1,234.56 notations. Non-positive or non-finite amounts are rejected.
func ParsePrice(text string) (float64, bool) {
	m := amountPattern.FindString(text)
	if m == "" {
		return 0, false
	}
	m = groupSpaces.Replace(m)

	lastDot := strings.LastIndexByte(m, '.')
	lastComma := strings.LastIndexByte(m, ',')
	decimal := -1
	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimal = max(lastDot, lastComma)
	case lastDot >= 0 || lastComma >= 0:
		idx := max(lastDot, lastComma)
		if strings.Count(m, string(m[idx])) == 1 && len(m)-idx-1 != 3 {
			decimal = idx
		}
	}

	var b strings.Builder
	for i := 0; i < len(m); i++ {
		c := m[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case i == decimal:
			b.WriteByte('.')
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"R$", "BRL"},
	{"US$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"$", "USD"},
}

// DetectCurrency returns the ISO code of the first currency symbol in text.
func DetectCurrency(text string) string {
	best, code := -1, ""
	for _, c := range currencySymbols {
		idx := strings.Index(text, c.symbol)
		if idx < 0 {
			continue
		}
		if best == -1 || idx < best {
			best, code = idx, c.code
		}
	}
	return code
}

var (
	outOfStockKeywords = []string{
		"esgotado", "indisponível", "indisponivel", "fora de estoque",
		"out of stock", "sold out", "unavailable", "currently unavailable",
	}
	inStockKeywords = []string{
		"em estoque", "disponível", "disponivel", "adicionar ao carrinho", "comprar agora",
		"in stock", "add to cart", "buy now",
	}
)

// ClassifyAvailability maps free text to a stock state. Out-of-stock phrases
// win because several of them contain an in-stock phrase.
func ClassifyAvailability(text string) crawler.Availability {
	lower := strings.ToLower(plainSpace(text))
	for _, kw := range outOfStockKeywords {
		if strings.Contains(lower, kw) {
			return crawler.AvailabilityOutOfStock
		}
	}
	for _, kw := range inStockKeywords {
		if strings.Contains(lower, kw) {
			return crawler.AvailabilityInStock
		}
	}
	if strings.Contains(lower, "outofstock") || strings.Contains(lower, "soldout") {
		return crawler.AvailabilityOutOfStock
	}
	if strings.Contains(lower, "instock") || strings.Contains(lower, "limitedavailability") {
		return crawler.AvailabilityInStock
	}
	return crawler.AvailabilityUnknown
}
