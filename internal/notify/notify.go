// Package notify delivers operator alerts to logs and Pub/Sub.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/metrics"
)

// Log writes alerts to a zap logger at a level matching their severity.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// SendAlert logs the alert.
func (l *Log) SendAlert(_ context.Context, alert crawler.Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("event", alert.Event),
		zap.String("domain", alert.Domain),
		zap.String("url", alert.URL),
		zap.Time("at", alert.At),
	}
	if len(alert.Context) > 0 {
		fields = append(fields, zap.Any("context", alert.Context))
	}
	if ce := l.logger.Check(levelFor(alert.Level), alert.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func levelFor(level crawler.AlertLevel) zapcore.Level {
	switch level {
	case crawler.AlertCritical, crawler.AlertError:
		return zapcore.ErrorLevel
	case crawler.AlertWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Publish forwards alerts to a Publisher topic.
type Publish struct {
	publisher crawler.Publisher
	topic     string
}

// NewPublish creates a Publish notifier.
func NewPublish(publisher crawler.Publisher, topic string) *Publish {
	return &Publish{publisher: publisher, topic: topic}
}

// alertMessage adds Pub/Sub attributes for subscription filters.
type alertMessage struct {
	crawler.Alert
}

func (m alertMessage) Attributes() map[string]string {
	return map[string]string{
		"event":  m.Event,
		"level":  string(m.Level),
		"domain": m.Domain,
	}
}

// SendAlert publishes the alert as JSON.
func (p *Publish) SendAlert(ctx context.Context, alert crawler.Alert) error {
	if _, err := p.publisher.Publish(ctx, p.topic, alertMessage{Alert: alert}); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.Event, err)
	}
	return nil
}

// Multi fans an alert out to every notifier, joining their errors.
type Multi []crawler.Notifier

// SendAlert delivers to all notifiers even if some fail.
func (m Multi) SendAlert(ctx context.Context, alert crawler.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.SendAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Allower reports whether an event keyed by key may proceed now.
type Allower interface {
	Allow(key string) bool
}

// Dispatcher stamps alerts, counts them, and suppresses repeats of the same
// domain and event while the allower says no. Critical alerts always pass.
type Dispatcher struct {
	next    crawler.Notifier
	allower Allower
	ids     crawler.IDGenerator
	clock   crawler.Clock
	logger  *zap.Logger
}

// NewDispatcher wraps next. allower may be nil to disable suppression.
func NewDispatcher(
	next crawler.Notifier,
	allower Allower,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{next: next, allower: allower, ids: ids, clock: clock, logger: logger}
}

// SendAlert forwards the alert unless it is a suppressed repeat.
func (d *Dispatcher) SendAlert(ctx context.Context, alert crawler.Alert) error {
	if alert.Level == "" {
		alert.Level = crawler.AlertInfo
	}
	if alert.At.IsZero() {
		alert.At = d.now()
	}
	if alert.ID == "" && d.ids != nil {
		if id, err := d.ids.NewID(); err == nil {
			alert.ID = id
		}
	}
	if d.allower != nil && alert.Level != crawler.AlertCritical &&
		!d.allower.Allow(alert.Domain+"|"+alert.Event) {
		d.logger.Debug("alert suppressed",
			zap.String("event", alert.Event),
			zap.String("domain", alert.Domain),
		)
		return nil
	}
	metrics.ObserveAlert(string(alert.Level), alert.Event)
	if err := d.next.SendAlert(ctx, alert); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}
