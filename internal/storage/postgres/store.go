// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var (
	_ crawler.StrategyStore = (*Store)(nil)
	_ crawler.ItemStore     = (*Store)(nil)
	_ crawler.ResultStore   = (*Store)(nil)
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	StrategyTable   string
	ItemTable       string
	ResultTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

func (c *Config) defaults() {
	if c.StrategyTable == "" {
		c.StrategyTable = "strategies"
	}
	if c.ItemTable == "" {
		c.ItemTable = "queue_items"
	}
	if c.ResultTable == "" {
		c.ResultTable = "price_results"
	}
}

func (c Config) validate() error {
	for _, table := range []string{c.StrategyTable, c.ItemTable, c.ResultTable} {
		if !validTableName.MatchString(table) {
			return fmt.Errorf("invalid table name %q", table)
		}
	}
	return nil
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// Store persists strategies, queue items, and price history in Postgres.
type Store struct {
	pool       pool
	strategies string
	items      string
	results    string
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{
		pool:       p,
		strategies: cfg.StrategyTable,
		items:      cfg.ItemTable,
		results:    cfg.ResultTable,
	}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Store{
		pool:       p,
		strategies: cfg.StrategyTable,
		items:      cfg.ItemTable,
		results:    cfg.ResultTable,
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables the store writes to when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	type TEXT NOT NULL,
	selector TEXT NOT NULL,
	field TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	last_success TIMESTAMPTZ NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	successes INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	children JSONB NOT NULL DEFAULT '[]',
	parent_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	variants_generated BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.strategies),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_domain_idx ON %s (domain)`, s.strategies, s.strategies),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	status TEXT NOT NULL,
	priority_score DOUBLE PRECISION NOT NULL,
	retries INTEGER NOT NULL,
	error_count INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	last_checked TIMESTAMPTZ NOT NULL,
	added_at TIMESTAMPTZ NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.items),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL,
	domain TEXT NOT NULL,
	checked_at TIMESTAMPTZ NOT NULL,
	price_current DOUBLE PRECISION,
	price_old DOUBLE PRECISION,
	price_pix DOUBLE PRECISION,
	currency TEXT NOT NULL DEFAULT '',
	availability TEXT NOT NULL DEFAULT '',
	promotion_badges TEXT[] NOT NULL DEFAULT '{}',
	strategy_used TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL,
	success BOOLEAN NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	variation DOUBLE PRECISION,
	status_code INTEGER NOT NULL,
	headless BOOLEAN NOT NULL
)`, s.results),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_url_checked_idx ON %s (url, checked_at DESC)`, s.results, s.results),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
