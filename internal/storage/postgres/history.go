package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

// SaveItem upserts the latest known state of a queue item.
func (s *Store) SaveItem(ctx context.Context, item crawler.QueueItem) error {
	if item.URL == "" {
		return fmt.Errorf("item url is required")
	}
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	url, domain, status, priority_score, retries, error_count, last_error,
	last_checked, added_at, metadata
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (url) DO UPDATE SET
	status = EXCLUDED.status,
	priority_score = EXCLUDED.priority_score,
	retries = EXCLUDED.retries,
	error_count = EXCLUDED.error_count,
	last_error = EXCLUDED.last_error,
	last_checked = EXCLUDED.last_checked,
	metadata = EXCLUDED.metadata,
	updated_at = now()`, s.items)

	args := []any{
		item.URL,
		item.Domain,
		string(item.Status),
		item.PriorityScore,
		item.Retries,
		item.ErrorCount,
		item.LastError,
		item.LastChecked,
		item.AddedAt,
		metaJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

// RecordResult appends one extraction observation to the price history.
func (s *Store) RecordResult(ctx context.Context, record crawler.PriceRecord) error {
	if record.URL == "" {
		return fmt.Errorf("record url is required")
	}
	badges := record.Result.PromotionBadges
	if badges == nil {
		badges = []string{}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	url, domain, checked_at, price_current, price_old, price_pix, currency,
	availability, promotion_badges, strategy_used, confidence, success, error,
	variation, status_code, headless
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)`, s.results)

	r := record.Result
	args := []any{
		record.URL,
		record.Domain,
		record.CheckedAt,
		r.PriceCurrent,
		r.PriceOld,
		r.PricePix,
		r.Currency,
		string(r.Availability),
		badges,
		r.StrategyUsed,
		r.Confidence,
		r.Success,
		r.Error,
		record.Variation,
		record.StatusCode,
		record.Headless,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetHistory returns the most recent observations for a URL, newest first.
func (s *Store) GetHistory(ctx context.Context, url string, limit int) ([]crawler.PriceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT url, domain, checked_at, price_current, price_old, price_pix, currency,
	availability, promotion_badges, strategy_used, confidence, success, error,
	variation, status_code, headless
FROM %s
WHERE url = $1
ORDER BY checked_at DESC
LIMIT $2`, s.results)

	rows, err := s.pool.Query(ctx, query, url, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []crawler.PriceRecord
	for rows.Next() {
		var (
			rec                         crawler.PriceRecord
			current, old, pix, variance pgtype.Float8
			availability                string
		)
		if err := rows.Scan(
			&rec.URL,
			&rec.Domain,
			&rec.CheckedAt,
			&current,
			&old,
			&pix,
			&rec.Result.Currency,
			&availability,
			&rec.Result.PromotionBadges,
			&rec.Result.StrategyUsed,
			&rec.Result.Confidence,
			&rec.Result.Success,
			&rec.Result.Error,
			&variance,
			&rec.StatusCode,
			&rec.Headless,
		); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.Result.PriceCurrent = floatPtr(current)
		rec.Result.PriceOld = floatPtr(old)
		rec.Result.PricePix = floatPtr(pix)
		rec.Result.Availability = crawler.Availability(availability)
		rec.Variation = floatPtr(variance)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func floatPtr(v pgtype.Float8) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
