package crawler

import (
	"context"
	"io"
	"time"
)

// PageFetcher fetches a URL and returns the body plus metadata.
type PageFetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ProxyProvider rotates egress proxies when a domain starts blocking us.
type ProxyProvider interface {
	ShouldRotate() bool
	Rotate()
	GetConfig() ProxyConfig
	ReportBlocked()
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// ChallengeDetector recognises anti-bot interstitials in a fetched page.
type ChallengeDetector interface {
	Classify(resp FetchResponse) (FailureKind, bool)
}

// StrategyStore hydrates and persists extraction strategies.
type StrategyStore interface {
	GetStrategies(ctx context.Context, domain string) ([]Strategy, error)
	SaveStrategy(ctx context.Context, strategy Strategy) error
}

// ItemStore persists queue item state.
type ItemStore interface {
	SaveItem(ctx context.Context, item QueueItem) error
}

// ResultStore persists extraction history.
type ResultStore interface {
	RecordResult(ctx context.Context, record PriceRecord) error
	GetHistory(ctx context.Context, url string, limit int) ([]PriceRecord, error)
}

// PriceCache remembers the last valid price seen per URL.
type PriceCache interface {
	LastPrice(ctx context.Context, url string) (float64, bool, error)
	StorePrice(ctx context.Context, url string, price float64) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	SendAlert(ctx context.Context, alert Alert) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for layout signatures and snapshots.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
