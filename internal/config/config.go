// Package config loads and validates monitor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

// Storage backends for failed-page snapshots.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Extractor  ExtractorConfig  `mapstructure:"extractor"`
	Learning   LearningConfig   `mapstructure:"learning"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Feeder     FeederConfig     `mapstructure:"feeder"`
	Targets    []TargetConfig   `mapstructure:"targets"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SchedulerConfig bounds the priority queue.
type SchedulerConfig struct {
	MaxQueueSize      int           `mapstructure:"max_queue_size"`
	MaxInFlight       int           `mapstructure:"max_in_flight"`
	MaxRetries        int           `mapstructure:"max_retries"`
	PriorityThreshold time.Duration `mapstructure:"priority_threshold"`
	DomainRateLimit   time.Duration `mapstructure:"domain_rate_limit"`
}

// BreakerConfig tunes the per-domain circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	HalfOpenTimeout  time.Duration `mapstructure:"half_open_timeout"`
	BaseRetryDelay   time.Duration `mapstructure:"base_retry_delay"`
	MaxRetries       int           `mapstructure:"max_retries"`
}

// ExtractorConfig tunes confidence bookkeeping.
type ExtractorConfig struct {
	FallbackConfidence     float64 `mapstructure:"fallback_confidence"`
	ConfidenceStep         float64 `mapstructure:"confidence_step"`
	DefaultConfidence      float64 `mapstructure:"default_confidence"`
	RetireFloor            float64 `mapstructure:"retire_floor"`
	MinAttemptsToRetire    int     `mapstructure:"min_attempts_to_retire"`
	DomainFailureWarn      int     `mapstructure:"domain_failure_warn"`
	DomainFailureThreshold int     `mapstructure:"domain_failure_threshold"`
	StrictOldPrice         bool    `mapstructure:"strict_old_price"`
}

// LearningConfig tunes cross-domain strategy transfer.
type LearningConfig struct {
	Enabled               bool    `mapstructure:"enabled"`
	SimilarityThreshold   float64 `mapstructure:"similarity_threshold"`
	TransferMinConfidence float64 `mapstructure:"transfer_min_confidence"`
	TransferConfidence    float64 `mapstructure:"transfer_confidence"`
}

// WorkerConfig sizes the worker pool and its per-item budgets.
type WorkerConfig struct {
	Count                int           `mapstructure:"count"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	HeadlessTimeout      time.Duration `mapstructure:"headless_timeout"`
	BreakerDefer         time.Duration `mapstructure:"breaker_defer"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	ExtractRetryDelay    time.Duration `mapstructure:"extract_retry_delay"`
	PriceChangeThreshold float64       `mapstructure:"price_change_threshold"`
	SnapshotPrefix       string        `mapstructure:"snapshot_prefix"`
}

// FetchConfig controls the plain HTTP fetch path and its pacing.
type FetchConfig struct {
	UserAgent     string  `mapstructure:"user_agent"`
	RespectRobots bool    `mapstructure:"respect_robots"`
	MaxBodyBytes  int     `mapstructure:"max_body_bytes"`
	DomainRPS     float64 `mapstructure:"domain_rps"`
	DomainBurst   int     `mapstructure:"domain_burst"`
	MinDomainRPS  float64 `mapstructure:"min_domain_rps"`

	// BlockedDomains are exact domains or "*.suffix" patterns refused at
	// enqueue time.
	BlockedDomains []string `mapstructure:"blocked_domains"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// ProxyConfig lists egress proxies to rotate through.
type ProxyConfig struct {
	URLs             []string      `mapstructure:"urls"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
}

// DBConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig configures the last-price cache. An empty Addr selects the
// in-memory cache.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// PubSubConfig holds topics for results and alerts. An empty ProjectID keeps
// messages in memory.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	ResultTopic string `mapstructure:"result_topic"`
	AlertTopic  string `mapstructure:"alert_topic"`

	// IntakeSubscription, when set, receives JSON enqueue requests.
	IntakeSubscription   string `mapstructure:"intake_subscription"`
	IntakeMaxOutstanding int    `mapstructure:"intake_max_outstanding"`
}

// StorageConfig selects where failed-page snapshots go.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// AlertsConfig controls alert fan-out and repeat suppression.
type AlertsConfig struct {
	// SuppressWindow is the minimum spacing between identical alerts for a
	// domain. Zero disables suppression.
	SuppressWindow time.Duration `mapstructure:"suppress_window"`
	Publish        bool          `mapstructure:"publish"`
}

// FeederConfig controls periodic re-enqueueing of targets.
type FeederConfig struct {
	Tick            time.Duration `mapstructure:"tick"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
}

// TargetConfig is one monitored product page.
type TargetConfig struct {
	URL      string            `mapstructure:"url"`
	Domain   string            `mapstructure:"domain"`
	Interval time.Duration     `mapstructure:"interval"`
	Metadata map[string]string `mapstructure:"metadata"`
}

// StrategyConfig seeds an extraction strategy. An empty Domain applies it to
// every domain.
type StrategyConfig struct {
	Domain     string           `mapstructure:"domain"`
	Type       string           `mapstructure:"type"`
	Selector   string           `mapstructure:"selector"`
	Field      string           `mapstructure:"field"`
	Confidence float64          `mapstructure:"confidence"`
	Priority   int              `mapstructure:"priority"`
	Children   []StrategyConfig `mapstructure:"children"`
}

// Strategy converts the configured seed into a crawler.Strategy.
func (s StrategyConfig) Strategy() crawler.Strategy {
	out := crawler.Strategy{
		Domain:     strings.ToLower(strings.TrimSpace(s.Domain)),
		Type:       crawler.StrategyType(strings.ToLower(s.Type)),
		Selector:   s.Selector,
		Field:      s.Field,
		Confidence: s.Confidence,
		Priority:   s.Priority,
		Source:     crawler.SourceConfig,
	}
	for _, child := range s.Children {
		out.Children = append(out.Children, child.Strategy())
	}
	return out
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("scheduler.max_queue_size", 10000)
	v.SetDefault("scheduler.max_in_flight", 0)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.priority_threshold", 24*time.Hour)
	v.SetDefault("scheduler.domain_rate_limit", 5*time.Second)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_window", 0)
	v.SetDefault("breaker.half_open_timeout", 60*time.Second)
	v.SetDefault("breaker.base_retry_delay", 5*time.Second)
	v.SetDefault("breaker.max_retries", 3)
	v.SetDefault("extractor.fallback_confidence", 0.3)
	v.SetDefault("extractor.confidence_step", 0.1)
	v.SetDefault("extractor.default_confidence", 0.5)
	v.SetDefault("extractor.retire_floor", 0.1)
	v.SetDefault("extractor.min_attempts_to_retire", 5)
	v.SetDefault("extractor.domain_failure_warn", 2)
	v.SetDefault("extractor.domain_failure_threshold", 3)
	v.SetDefault("extractor.strict_old_price", false)
	v.SetDefault("learning.enabled", true)
	v.SetDefault("learning.similarity_threshold", 0.6)
	v.SetDefault("learning.transfer_min_confidence", 0.8)
	v.SetDefault("learning.transfer_confidence", 0.5)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.fetch_timeout", 30*time.Second)
	v.SetDefault("worker.headless_timeout", 45*time.Second)
	v.SetDefault("worker.breaker_defer", 30*time.Second)
	v.SetDefault("worker.cooldown", 15*time.Minute)
	v.SetDefault("worker.extract_retry_delay", 10*time.Minute)
	v.SetDefault("worker.price_change_threshold", 0.2)
	v.SetDefault("worker.snapshot_prefix", "failed")
	v.SetDefault("fetch.user_agent", "adaptive-price-monitor/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.max_body_bytes", 4<<20)
	v.SetDefault("fetch.domain_rps", 0.5)
	v.SetDefault("fetch.domain_burst", 1)
	v.SetDefault("fetch.min_domain_rps", 0)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("proxy.rotation_interval", 10*time.Minute)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("redis.key_prefix", "pricemon:")
	v.SetDefault("redis.ttl", 30*24*time.Hour)
	v.SetDefault("pubsub.result_topic", "price-results")
	v.SetDefault("pubsub.alert_topic", "price-alerts")
	v.SetDefault("pubsub.intake_max_outstanding", 100)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.base_dir", "snapshots")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("alerts.suppress_window", 5*time.Minute)
	v.SetDefault("alerts.publish", false)
	v.SetDefault("feeder.tick", time.Minute)
	v.SetDefault("feeder.default_interval", 6*time.Hour)
}

var strategyTypes = map[crawler.StrategyType]bool{
	crawler.StrategyRegex:     true,
	crawler.StrategyCSS:       true,
	crawler.StrategyXPath:     true,
	crawler.StrategySemantic:  true,
	crawler.StrategyComposite: true,
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Scheduler.MaxQueueSize <= 0 {
		return fmt.Errorf("scheduler.max_queue_size must be > 0")
	}
	if c.Scheduler.MaxInFlight < 0 {
		return fmt.Errorf("scheduler.max_in_flight must be >= 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Worker.PriceChangeThreshold < 0 {
		return fmt.Errorf("worker.price_change_threshold must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.Alerts.Publish && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when alerts.publish is enabled")
	}
	if c.PubSub.IntakeSubscription != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.intake_subscription is configured")
	}
	for i, t := range c.Targets {
		if _, err := crawler.NormalizeURL(t.URL); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
	}
	for i, s := range c.Strategies {
		if err := validateStrategy(s); err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStrategy(s StrategyConfig) error {
	st := s.Strategy()
	if !strategyTypes[st.Type] {
		return fmt.Errorf("unknown strategy type %q", s.Type)
	}
	if st.Type == crawler.StrategyComposite {
		if len(s.Children) == 0 {
			return fmt.Errorf("composite strategy needs children")
		}
		for _, child := range s.Children {
			if err := validateStrategy(child); err != nil {
				return err
			}
		}
		return nil
	}
	if st.Type != crawler.StrategySemantic && s.Selector == "" {
		return fmt.Errorf("%s strategy needs a selector", st.Type)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// SeedStrategies converts every configured strategy.
func (c Config) SeedStrategies() []crawler.Strategy {
	out := make([]crawler.Strategy, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		out = append(out, s.Strategy())
	}
	return out
}
