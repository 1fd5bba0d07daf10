package extractor

import (
	"errors"
	"math"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

// Validation errors.
var (
	ErrNoPrice           = errors.New("no current price extracted")
	ErrInvalidPrice      = errors.New("current price must be a positive number")
	ErrPixAboveCurrent   = errors.New("pix price exceeds current price")
	ErrOldPriceNotHigher = errors.New("old price is not above current price")
)

// Validate checks r in place. A pix price above the current price is rejected.
// An old price that is not above the current one is dropped, or rejected when
// strictOldPrice is set.
func Validate(r *crawler.ExtractionResult, strictOldPrice bool) error {
	if r.PriceCurrent == nil {
		return ErrNoPrice
	}
	current := *r.PriceCurrent
	if current <= 0 || math.IsNaN(current) || math.IsInf(current, 0) {
		return ErrInvalidPrice
	}
	if r.PricePix != nil {
		if *r.PricePix <= 0 {
			r.PricePix = nil
		} else if *r.PricePix > current {
			return ErrPixAboveCurrent
		}
	}
	if r.PriceOld != nil && *r.PriceOld <= current {
		if strictOldPrice {
			return ErrOldPriceNotHigher
		}
		r.PriceOld = nil
	}
	return nil
}
