package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

// GetStrategies loads every stored strategy for a domain, best first.
func (s *Store) GetStrategies(ctx context.Context, domain string) ([]crawler.Strategy, error) {
	query := fmt.Sprintf(`
SELECT id, domain, type, selector, field, confidence, status, priority, last_success,
	attempts, successes, failures, children, parent_id, source, variants_generated
FROM %s
WHERE domain = $1
ORDER BY priority DESC, confidence DESC, id`, s.strategies)

	rows, err := s.pool.Query(ctx, query, domain)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []crawler.Strategy
	for rows.Next() {
		var (
			st                         crawler.Strategy
			kind, status, source       string
			lastSuccess                time.Time
			children                   []byte
			attempts, successes, fails int
		)
		if err := rows.Scan(
			&st.ID,
			&st.Domain,
			&kind,
			&st.Selector,
			&st.Field,
			&st.Confidence,
			&status,
			&st.Priority,
			&lastSuccess,
			&attempts,
			&successes,
			&fails,
			&children,
			&st.ParentID,
			&source,
			&st.Variants,
		); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		st.Type = crawler.StrategyType(kind)
		st.Status = crawler.StrategyStatus(status)
		st.Source = crawler.StrategySource(source)
		st.Attempts, st.Successes, st.Failures = attempts, successes, fails
		if !lastSuccess.IsZero() {
			st.LastSuccess = lastSuccess.UTC()
		}
		if len(children) > 0 {
			if err := json.Unmarshal(children, &st.Children); err != nil {
				return nil, fmt.Errorf("decode children of %s: %w", st.ID, err)
			}
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strategies: %w", err)
	}
	return out, nil
}

// SaveStrategy upserts a strategy keyed by its ID.
func (s *Store) SaveStrategy(ctx context.Context, strategy crawler.Strategy) error {
	if strategy.ID == "" {
		return fmt.Errorf("strategy id is required")
	}
	children, err := json.Marshal(childrenOrEmpty(strategy.Children))
	if err != nil {
		return fmt.Errorf("marshal children: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, domain, type, selector, field, confidence, status, priority, last_success,
	attempts, successes, failures, children, parent_id, source, variants_generated
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (id) DO UPDATE SET
	confidence = EXCLUDED.confidence,
	status = EXCLUDED.status,
	priority = EXCLUDED.priority,
	last_success = EXCLUDED.last_success,
	attempts = EXCLUDED.attempts,
	successes = EXCLUDED.successes,
	failures = EXCLUDED.failures,
	children = EXCLUDED.children,
	variants_generated = EXCLUDED.variants_generated,
	updated_at = now()`, s.strategies)

	args := []any{
		strategy.ID,
		strategy.Domain,
		string(strategy.Type),
		strategy.Selector,
		strategy.Field,
		strategy.Confidence,
		string(strategy.Status),
		strategy.Priority,
		strategy.LastSuccess,
		strategy.Attempts,
		strategy.Successes,
		strategy.Failures,
		children,
		strategy.ParentID,
		string(strategy.Source),
		strategy.Variants,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	return nil
}

func childrenOrEmpty(children []crawler.Strategy) []crawler.Strategy {
	if children == nil {
		return []crawler.Strategy{}
	}
	return children
}
