// Package intake receives enqueue requests from a Pub/Sub subscription so
// upstream systems can add product pages without calling the admin API.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/metrics"
	"github.com/JakeFAU/adaptive-price-monitor/internal/scheduler"
)

// Enqueuer accepts URLs for monitoring.
type Enqueuer interface {
	Enqueue(ctx context.Context, url, domain string, metadata map[string]string) (crawler.QueueItem, error)
}

// Request is the JSON body of an intake message.
type Request struct {
	URL      string            `json:"url"`
	Domain   string            `json:"domain,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Config names the subscription and bounds concurrent handling.
type Config struct {
	Subscription   string
	MaxOutstanding int
}

// Subscriber drains an intake subscription into the queue.
type Subscriber struct {
	sub    *pubsub.Subscription
	queue  Enqueuer
	logger *zap.Logger
}

// New returns a Subscriber for cfg.Subscription.
func New(client *pubsub.Client, cfg Config, queue Enqueuer, logger *zap.Logger) (*Subscriber, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Subscription == "" {
		return nil, fmt.Errorf("intake subscription is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("enqueuer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscription(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return &Subscriber{sub: sub, queue: queue, logger: logger}, nil
}

// Run receives until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("intake subscriber started", zap.String("subscription", s.sub.ID()))
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if s.handle(ctx, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive intake: %w", err)
	}
	s.logger.Info("intake subscriber stopped")
	return nil
}

// handle reports whether the message should be acked. Only a full queue asks
// for redelivery; malformed or rejected requests would fail again.
func (s *Subscriber) handle(ctx context.Context, data []byte) bool {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil || req.URL == "" {
		metrics.ObserveIntake("malformed")
		s.logger.Warn("dropping malformed intake message", zap.ByteString("data", data), zap.Error(err))
		return true
	}
	_, err := s.queue.Enqueue(ctx, req.URL, req.Domain, req.Metadata)
	switch {
	case err == nil:
		metrics.ObserveIntake("enqueued")
		return true
	case errors.Is(err, scheduler.ErrDuplicate):
		metrics.ObserveIntake("duplicate")
		s.logger.Debug("intake url already queued", zap.String("url", req.URL))
		return true
	case errors.Is(err, scheduler.ErrQueueFull):
		metrics.ObserveIntake("deferred")
		s.logger.Warn("queue full, intake message will be redelivered", zap.String("url", req.URL))
		return false
	default:
		metrics.ObserveIntake("rejected")
		s.logger.Warn("intake url rejected", zap.String("url", req.URL), zap.Error(err))
		return true
	}
}
