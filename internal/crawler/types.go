// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// ItemStatus represents the lifecycle state of a queued page check.
type ItemStatus string

// Item status values tracked by the scheduler.
const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusRetry      ItemStatus = "retry"
	ItemStatusDone       ItemStatus = "done"
	ItemStatusError      ItemStatus = "error"
	ItemStatusBroken     ItemStatus = "broken"
)

// IsTerminal reports whether the item will never be scheduled again in its
// current lifecycle.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusDone || s == ItemStatusBroken
}

// QueueItem is one unit of scheduled work: a product page to check.
type QueueItem struct {
	URL             string            `json:"url"`
	Domain          string            `json:"domain"`
	LastChecked     time.Time         `json:"last_checked"`
	PriorityScore   float64           `json:"priority_score"`
	Retries         int               `json:"retries"`
	Status          ItemStatus        `json:"status"`
	AddedAt         time.Time         `json:"added_at"`
	ProcessingStart time.Time         `json:"processing_start,omitempty"`
	ProcessingEnd   time.Time         `json:"processing_end,omitempty"`
	ErrorCount      int               `json:"error_count"`
	LastError       string            `json:"last_error,omitempty"`
	NotBefore       time.Time         `json:"not_before,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand to callers outside the scheduler lock.
func (q QueueItem) Clone() QueueItem {
	cp := q
	if q.Metadata != nil {
		cp.Metadata = make(map[string]string, len(q.Metadata))
		for k, v := range q.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// CircuitStatus is the gate position of a domain circuit breaker.
type CircuitStatus string

// Circuit positions.
const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half-open"
)

// CircuitState is the per-domain breaker record.
type CircuitState struct {
	Domain        string        `json:"domain"`
	Failures      int           `json:"failures"`
	LastFailure   time.Time     `json:"last_failure,omitempty"`
	LastSuccess   time.Time     `json:"last_success,omitempty"`
	State         CircuitStatus `json:"state"`
	RetryCount    int           `json:"retry_count"`
	ProbeInFlight bool          `json:"probe_in_flight"`
	ProbeStarted  time.Time     `json:"probe_started,omitempty"`
	LastKind      FailureKind   `json:"last_kind,omitempty"`
}

// FailureKind classifies why a fetch against a domain failed.
type FailureKind string

// Failure kinds recorded against a circuit.
const (
	FailureTransient FailureKind = "transient"
	FailureFatal     FailureKind = "fatal"
	FailureCaptcha   FailureKind = "captcha"
	FailureBlocked   FailureKind = "blocked"
)

// StrategyType enumerates the extraction strategy variants.
type StrategyType string

// Supported strategy types.
const (
	StrategyRegex     StrategyType = "regex"
	StrategyCSS       StrategyType = "css"
	StrategyXPath     StrategyType = "xpath"
	StrategySemantic  StrategyType = "semantic"
	StrategyComposite StrategyType = "composite"
)

// StrategyStatus marks whether a strategy is eligible for selection.
type StrategyStatus string

// Strategy statuses.
const (
	StrategyActive  StrategyStatus = "active"
	StrategyRetired StrategyStatus = "retired"
)

// StrategySource records where a strategy came from.
type StrategySource string

// Strategy origins.
const (
	SourceConfig   StrategySource = "config"
	SourceStore    StrategySource = "store"
	SourceVariant  StrategySource = "variant"
	SourceTransfer StrategySource = "transfer"
)

// Field names a strategy can target.
const (
	FieldPriceCurrent = "price_current"
	FieldPriceOld     = "price_old"
	FieldPricePix     = "price_pix"
	FieldAvailability = "availability"
)

// Strategy is one way of extracting fields from a page for a domain.
type Strategy struct {
	ID          string         `json:"id"`
	Domain      string         `json:"domain"`
	Type        StrategyType   `json:"type"`
	Selector    string         `json:"selector"`
	Field       string         `json:"field,omitempty"`
	Confidence  float64        `json:"confidence"`
	Status      StrategyStatus `json:"status"`
	Priority    int            `json:"priority"`
	LastSuccess time.Time      `json:"last_success,omitempty"`
	Attempts    int            `json:"attempts"`
	Successes   int            `json:"successes"`
	Failures    int            `json:"failures"`
	Children    []Strategy     `json:"children,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	Source      StrategySource `json:"source,omitempty"`
	Variants    bool           `json:"variants_generated,omitempty"`
}

// TargetField returns the field the strategy writes, defaulting to the current price.
func (s Strategy) TargetField() string {
	if s.Field == "" {
		return FieldPriceCurrent
	}
	return s.Field
}

// Availability is the stock state of a product.
type Availability string

// Availability values.
const (
	AvailabilityUnknown    Availability = ""
	AvailabilityInStock    Availability = "in_stock"
	AvailabilityOutOfStock Availability = "out_of_stock"
)

// ExtractionResult is produced once per extraction attempt.
type ExtractionResult struct {
	PriceCurrent    *float64     `json:"price_current,omitempty"`
	PriceOld        *float64     `json:"price_old,omitempty"`
	PricePix        *float64     `json:"price_pix,omitempty"`
	Availability    Availability `json:"availability,omitempty"`
	PromotionBadges []string     `json:"promotion_badges,omitempty"`
	Currency        string       `json:"currency,omitempty"`
	StrategyUsed    string       `json:"strategy_used,omitempty"`
	StrategyID      string       `json:"strategy_id,omitempty"`
	Confidence      float64      `json:"confidence"`
	Success         bool         `json:"success"`
	Error           string       `json:"error,omitempty"`
}

// HasPrice reports whether a current price was extracted.
func (r ExtractionResult) HasPrice() bool {
	return r.PriceCurrent != nil
}

// SelectorScore tracks how a selector performed for one field.
type SelectorScore struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// PatternChange records a detected change in how a domain is extracted.
type PatternChange struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	From string    `json:"from,omitempty"`
	To   string    `json:"to,omitempty"`
}

// DomainPattern is the learning record for a domain.
type DomainPattern struct {
	Domain         string                              `json:"domain"`
	SelectorScores map[string]map[string]SelectorScore `json:"selector_scores"`
	SuccessRate    float64                             `json:"success_rate"`
	PatternChanges []PatternChange                     `json:"pattern_changes,omitempty"`
	Structure      map[string]float64                  `json:"structure,omitempty"`
	Strategies     map[string]Strategy                 `json:"strategies,omitempty"`
	Observations   int                                 `json:"observations"`
}

// OutcomeKind classifies the result of one process-next step.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeFailure  OutcomeKind = "failure"
	OutcomeCaptcha  OutcomeKind = "captcha"
	OutcomeBlocked  OutcomeKind = "blocked"
	OutcomeDeferred OutcomeKind = "deferred"
	OutcomeIdle     OutcomeKind = "idle"
)

// Outcome is returned by the worker for every unit of work; errors never escape raw.
type Outcome struct {
	Kind       OutcomeKind       `json:"kind"`
	URL        string            `json:"url,omitempty"`
	Domain     string            `json:"domain,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Result     *ExtractionResult `json:"result,omitempty"`
	ItemStatus ItemStatus        `json:"item_status,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL         string
	Domain      string
	UseHeadless bool
	Headers     http.Header
	ProxyURL    string
}

// FetchResponse is the result returned by a PageFetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ProxyConfig describes the proxy the next request should use.
type ProxyConfig struct {
	URL   string `json:"url,omitempty"`
	Index int    `json:"index"`
}

// AlertLevel is the severity of a notifier alert.
type AlertLevel string

// Alert levels.
const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// Alert is an operator-facing event.
type Alert struct {
	ID      string         `json:"id,omitempty"`
	Level   AlertLevel     `json:"level"`
	Event   string         `json:"event"`
	Message string         `json:"message"`
	Domain  string         `json:"domain,omitempty"`
	URL     string         `json:"url,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	At      time.Time      `json:"at"`
}

// Alert events raised by the pipeline.
const (
	EventCircuitOpen    = "circuit_open"
	EventCaptcha        = "captcha_detected"
	EventBlocked        = "blocked"
	EventItemBroken     = "item_broken"
	EventDomainDegraded = "domain_degraded"
	EventDomainBroken   = "domain_broken"
	EventPriceChange    = "price_change"
)

// PriceRecord is one persisted extraction observation.
type PriceRecord struct {
	URL        string           `json:"url"`
	Domain     string           `json:"domain"`
	CheckedAt  time.Time        `json:"checked_at"`
	Result     ExtractionResult `json:"result"`
	Variation  *float64         `json:"variation,omitempty"`
	StatusCode int              `json:"status_code"`
	Headless   bool             `json:"headless"`
}

// PatternObservation is what the extractor reports to domain learning after
// each extraction.
type PatternObservation struct {
	At         time.Time          `json:"at"`
	Success    bool               `json:"success"`
	Strategy   *Strategy          `json:"strategy,omitempty"`
	Fields     []string           `json:"fields,omitempty"`
	Structure  map[string]float64 `json:"structure,omitempty"`
	Strategies []Strategy         `json:"strategies,omitempty"`
	Changes    []PatternChange    `json:"changes,omitempty"`
}
