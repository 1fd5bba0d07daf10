package extractor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"R$ 1.299,90", 1299.90, true},
		{"$1,299.90", 1299.90, true},
		{"R$ 59,90", 59.90, true},
		{"US$ 12.5", 12.5, true},
		{"1.234", 1234, true},
		{"1,234", 1234, true},
		{"R$ 10.000.000,00", 10_000_000, true},
		{"€ 3\u00a0499,00", 3499, true},
		{"1\u202f234,56", 1234.56, true},
		{"49 100", 49, true},
		{"R$ 49 100 avaliações", 49, true},
		{"grátis", 0, false},
		{"0,00", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := ParsePrice(tt.in)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestDetectCurrency(t *testing.T) {
	t.Parallel()

	require.Equal(t, "BRL", DetectCurrency("por R$ 10,00"))
	require.Equal(t, "USD", DetectCurrency("US$ 10"))
	require.Equal(t, "EUR", DetectCurrency("€10 or $11"))
	require.Empty(t, DetectCurrency("10,00"))
}

func TestClassifyAvailability(t *testing.T) {
	t.Parallel()

	require.Equal(t, crawler.AvailabilityOutOfStock, ClassifyAvailability("Produto indisponível"))
	require.Equal(t, crawler.AvailabilityOutOfStock, ClassifyAvailability("Currently unavailable"))
	require.Equal(t, crawler.AvailabilityInStock, ClassifyAvailability("Adicionar ao carrinho"))
	require.Equal(t, crawler.AvailabilityInStock, ClassifyAvailability("Em\u00a0estoque"))
	require.Equal(t, crawler.AvailabilityInStock, ClassifyAvailability("http://schema.org/InStock"))
	require.Equal(t, crawler.AvailabilityUnknown, ClassifyAvailability("hello"))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	price := func(v float64) *float64 { return &v }

	r := crawler.ExtractionResult{}
	require.ErrorIs(t, Validate(&r, false), ErrNoPrice)

	r = crawler.ExtractionResult{PriceCurrent: price(-1)}
	require.ErrorIs(t, Validate(&r, false), ErrInvalidPrice)

	r = crawler.ExtractionResult{PriceCurrent: price(10), PricePix: price(11)}
	require.ErrorIs(t, Validate(&r, false), ErrPixAboveCurrent)

	r = crawler.ExtractionResult{PriceCurrent: price(10), PricePix: price(10), PriceOld: price(10)}
	require.NoError(t, Validate(&r, false))
	require.Nil(t, r.PriceOld)
	require.NotNil(t, r.PricePix)

	r = crawler.ExtractionResult{PriceCurrent: price(10), PriceOld: price(9)}
	require.ErrorIs(t, Validate(&r, true), ErrOldPriceNotHigher)
}

func TestVariantSelectors(t *testing.T) {
	t.Parallel()

	css := crawler.Strategy{Type: crawler.StrategyCSS, Selector: "div.product > span.price"}
	require.Equal(t, []string{
		"div.product > span.price > span",
		"div.product > span.price:first-child",
		"span.price",
	}, variantSelectors(css))

	re := crawler.Strategy{Type: crawler.StrategyRegex, Selector: `Preço: R\$\s+(\d+)`}
	require.Equal(t, []string{`Preço:\s*R\$\s*(\d+)`}, variantSelectors(re))

	require.Empty(t, variantSelectors(crawler.Strategy{Type: crawler.StrategyXPath, Selector: "//b"}))
}
