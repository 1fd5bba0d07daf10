// Package worker implements the per-item monitoring pipeline: gate, fetch,
// classify, extract, and feed the outcome back into the breaker, the
// scheduler, and strategy confidence.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/headless/detector"
	"github.com/JakeFAU/adaptive-price-monitor/internal/metrics"
	"github.com/JakeFAU/adaptive-price-monitor/internal/scheduler"
)

// Scheduler is the part of the priority scheduler a worker drives.
type Scheduler interface {
	GetNextItem() (crawler.QueueItem, bool)
	MarkComplete(item crawler.QueueItem, success bool, errText string) (crawler.QueueItem, error)
	RetryItem(item crawler.QueueItem) (crawler.QueueItem, error)
	RetryItemAfter(item crawler.QueueItem, delay time.Duration) (crawler.QueueItem, error)
	Requeue(item crawler.QueueItem, delay time.Duration) error
	DeferDomain(domain string, until time.Time)
}

// Breaker is the per-domain circuit gate.
type Breaker interface {
	CanExecute(domain string) bool
	RecordSuccess(domain string)
	RecordFailure(domain string, kind crawler.FailureKind) crawler.CircuitStatus
	RetryDelay(domain string) (time.Duration, bool)
	State(domain string) crawler.CircuitState
}

// Extractor turns page content into an ExtractionResult.
type Extractor interface {
	Extract(ctx context.Context, domain string, content []byte) (crawler.ExtractionResult, error)
}

// Pacer spaces out requests per domain and adapts to server pushback.
type Pacer interface {
	Wait(ctx context.Context, key string) error
	ReportResult(key string, status int)
}

type sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Config controls Worker behavior.
type Config struct {
	FetchTimeout    time.Duration
	HeadlessTimeout time.Duration
	// BreakerDefer is how long an item waits when its domain circuit is open.
	BreakerDefer time.Duration
	// Cooldown holds a domain back after a CAPTCHA or block, and is the retry
	// delay once the breaker's retry budget is spent.
	Cooldown time.Duration
	// ExtractRetryDelay spaces retries of pages that fetched fine but yielded
	// no valid price.
	ExtractRetryDelay    time.Duration
	SnapshotPrefix       string
	SnapshotContentType  string
	ResultTopic          string
	PriceChangeThreshold float64
	IdleBackoff          time.Duration
	MaxIdleBackoff       time.Duration
}

func (c *Config) defaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.HeadlessTimeout <= 0 {
		c.HeadlessTimeout = 45 * time.Second
	}
	if c.BreakerDefer <= 0 {
		c.BreakerDefer = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Minute
	}
	if c.ExtractRetryDelay <= 0 {
		c.ExtractRetryDelay = 10 * time.Minute
	}
	if c.SnapshotPrefix == "" {
		c.SnapshotPrefix = "failed"
	}
	if c.SnapshotContentType == "" {
		c.SnapshotContentType = "text/html; charset=utf-8"
	}
	if c.PriceChangeThreshold <= 0 {
		c.PriceChangeThreshold = 0.2
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 250 * time.Millisecond
	}
	if c.MaxIdleBackoff < c.IdleBackoff {
		c.MaxIdleBackoff = 5 * time.Second
	}
}

// Deps wires a Worker to the components it coordinates. Scheduler, Breaker,
// Extractor, Probe and Clock are required; everything else is optional.
type Deps struct {
	Scheduler  Scheduler
	Breaker    Breaker
	Extractor  Extractor
	Probe      crawler.PageFetcher
	Headless   crawler.PageFetcher
	Detector   crawler.HeadlessDetector
	Challenges crawler.ChallengeDetector
	Proxy      crawler.ProxyProvider
	Pacer      Pacer
	Items      crawler.ItemStore
	Results    crawler.ResultStore
	Prices     crawler.PriceCache
	Blobs      crawler.BlobStore
	Publisher  crawler.Publisher
	Notifier   crawler.Notifier
	Hasher     crawler.Hasher
	Clock      crawler.Clock
}

// Worker executes one queue item at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Scheduler == nil:
		return nil, errors.New("worker: scheduler is required")
	case deps.Breaker == nil:
		return nil, errors.New("worker: breaker is required")
	case deps.Extractor == nil:
		return nil, errors.New("worker: extractor is required")
	case deps.Probe == nil:
		return nil, errors.New("worker: probe fetcher is required")
	case deps.Clock == nil:
		return nil, errors.New("worker: clock is required")
	}
	if deps.Challenges == nil {
		deps.Challenges = detector.NewChallenge()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.defaults()
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run blocks, processing items until the context finishes. Idle polls back
// off exponentially up to MaxIdleBackoff.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	backoff := w.cfg.IdleBackoff
	for ctx.Err() == nil {
		out := w.ProcessNext(ctx)
		if out.Kind != crawler.OutcomeIdle {
			backoff = w.cfg.IdleBackoff
			continue
		}
		if err := w.sleep(ctx, backoff); err != nil {
			return
		}
		backoff = min(backoff*2, w.cfg.MaxIdleBackoff)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	if s, ok := w.deps.Clock.(sleeper); ok {
		return s.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ProcessNext runs one unit of work. It never returns a raw error: every
// path ends in an Outcome with a human-readable Reason.
func (w *Worker) ProcessNext(ctx context.Context) crawler.Outcome {
	item, ok := w.deps.Scheduler.GetNextItem()
	if !ok {
		return crawler.Outcome{Kind: crawler.OutcomeIdle, Reason: "no eligible item"}
	}
	start := w.deps.Clock.Now()
	out := w.process(ctx, item)
	out.URL = item.URL
	out.Domain = item.Domain
	out.Duration = w.deps.Clock.Now().Sub(start)

	w.logger.Info("item processed",
		zap.String("url", item.URL),
		zap.String("domain", item.Domain),
		zap.String("outcome", string(out.Kind)),
		zap.String("item_status", string(out.ItemStatus)),
		zap.String("reason", out.Reason),
		zap.Duration("duration", out.Duration),
	)
	return out
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) crawler.Outcome {
	domain := item.Domain
	if !w.deps.Breaker.CanExecute(domain) {
		if err := w.deps.Scheduler.Requeue(item, w.cfg.BreakerDefer); err != nil {
			w.logger.Error("requeue after open circuit failed", zap.String("url", item.URL), zap.Error(err))
		}
		metrics.ObserveFetch(domain, string(crawler.OutcomeDeferred), 0)
		return crawler.Outcome{
			Kind:       crawler.OutcomeDeferred,
			Reason:     fmt.Sprintf("circuit for %s is open", domain),
			ItemStatus: crawler.ItemStatusPending,
		}
	}

	resp, err := w.fetch(ctx, item)
	if err != nil {
		if ctx.Err() != nil {
			return w.abandon(item, "shutdown before fetch completed")
		}
		kind := classifyFetchError(err)
		return w.fail(ctx, item, kind, err.Error(), crawler.FetchResponse{})
	}
	if kind, failed := w.deps.Challenges.Classify(resp); failed {
		return w.fail(ctx, item, kind, describe(kind, resp), resp)
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return w.fail(ctx, item, crawler.FailureFatal, "empty page content", resp)
	}

	w.deps.Breaker.RecordSuccess(domain)
	metrics.ObserveFetch(domain, "fetched", len(resp.Body))
	return w.extract(ctx, item, resp)
}

// abandon returns a leased item untouched so shutdown does not burn a retry.
func (w *Worker) abandon(item crawler.QueueItem, reason string) crawler.Outcome {
	if err := w.deps.Scheduler.Requeue(item, 0); err != nil {
		w.logger.Warn("requeue on shutdown failed", zap.String("url", item.URL), zap.Error(err))
	}
	return crawler.Outcome{Kind: crawler.OutcomeDeferred, Reason: reason, ItemStatus: crawler.ItemStatusPending}
}

// fetch paces, probes, and promotes to headless when the probe looks like a
// script shell.
func (w *Worker) fetch(ctx context.Context, item crawler.QueueItem) (crawler.FetchResponse, error) {
	req := crawler.FetchRequest{URL: item.URL, Domain: item.Domain}
	if p := w.deps.Proxy; p != nil {
		if p.ShouldRotate() {
			p.Rotate()
		}
		req.ProxyURL = p.GetConfig().URL
	}
	if w.deps.Pacer != nil {
		if err := w.deps.Pacer.Wait(ctx, item.Domain); err != nil {
			return crawler.FetchResponse{}, err
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	resp, err := w.deps.Probe.Fetch(probeCtx, req)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("probe fetch: %w", err)
	}
	if w.deps.Pacer != nil {
		w.deps.Pacer.ReportResult(item.Domain, resp.StatusCode)
	}
	if promoted, ok := w.maybePromote(ctx, req, resp); ok {
		return promoted, nil
	}
	return resp, nil
}

func (w *Worker) maybePromote(
	ctx context.Context,
	req crawler.FetchRequest,
	resp crawler.FetchResponse,
) (crawler.FetchResponse, bool) {
	if w.deps.Headless == nil || w.deps.Detector == nil || !w.deps.Detector.ShouldPromote(resp) {
		return resp, false
	}
	headlessCtx, cancel := context.WithTimeout(ctx, w.cfg.HeadlessTimeout)
	defer cancel()

	req.UseHeadless = true
	headlessResp, err := w.deps.Headless.Fetch(headlessCtx, req)
	if err != nil {
		w.logger.Warn("headless promotion failed", zap.String("url", req.URL), zap.Error(err))
		return resp, false
	}
	headlessResp.UsedHeadless = true
	w.logger.Debug("headless promotion applied", zap.String("url", req.URL))
	return headlessResp, true
}

func classifyFetchError(err error) crawler.FailureKind {
	if errors.Is(err, crawler.ErrInvalidURL) {
		return crawler.FailureFatal
	}
	return crawler.FailureTransient
}

func describe(kind crawler.FailureKind, resp crawler.FetchResponse) string {
	switch kind {
	case crawler.FailureCaptcha:
		return fmt.Sprintf("captcha challenge (status %d)", resp.StatusCode)
	case crawler.FailureBlocked:
		return fmt.Sprintf("blocked by site (status %d)", resp.StatusCode)
	default:
		return fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
}

// fail feeds a fetch-level failure into the breaker and scheduler.
func (w *Worker) fail(
	ctx context.Context,
	item crawler.QueueItem,
	kind crawler.FailureKind,
	reason string,
	resp crawler.FetchResponse,
) crawler.Outcome {
	domain := item.Domain
	before := w.deps.Breaker.State(domain).State
	after := w.deps.Breaker.RecordFailure(domain, kind)
	metrics.ObserveFetch(domain, string(kind), len(resp.Body))
	if before != crawler.CircuitOpen && after == crawler.CircuitOpen {
		w.alert(ctx, crawler.Alert{
			Level:   crawler.AlertWarning,
			Event:   crawler.EventCircuitOpen,
			Message: fmt.Sprintf("circuit opened for %s after %s failure", domain, kind),
			Domain:  domain,
			URL:     item.URL,
			Context: map[string]any{"failures": w.deps.Breaker.State(domain).Failures},
		})
	}

	done, err := w.deps.Scheduler.MarkComplete(item, false, reason)
	if err != nil {
		w.logger.Error("mark complete failed", zap.String("url", item.URL), zap.Error(err))
		done = item
	}

	out := crawler.Outcome{Kind: crawler.OutcomeFailure, Reason: reason}
	switch kind {
	case crawler.FailureTransient:
		delay, ok := w.deps.Breaker.RetryDelay(domain)
		if !ok {
			delay = w.cfg.Cooldown
		}
		done = w.retry(ctx, done, delay)
	case crawler.FailureCaptcha, crawler.FailureBlocked:
		out.Kind = crawler.OutcomeBlocked
		event := crawler.EventBlocked
		if kind == crawler.FailureCaptcha {
			out.Kind = crawler.OutcomeCaptcha
			event = crawler.EventCaptcha
		}
		if w.deps.Proxy != nil {
			w.deps.Proxy.ReportBlocked()
		}
		until := w.deps.Clock.Now().Add(w.cfg.Cooldown)
		w.deps.Scheduler.DeferDomain(domain, until)
		snapshot := w.snapshot(ctx, item, resp.Body)
		w.alert(ctx, crawler.Alert{
			Level:   crawler.AlertError,
			Event:   event,
			Message: fmt.Sprintf("%s on %s; domain paused for %s", reason, domain, w.cfg.Cooldown),
			Domain:  domain,
			URL:     item.URL,
			Context: map[string]any{"status_code": resp.StatusCode, "snapshot": snapshot, "until": until},
		})
		done = w.retry(ctx, done, w.cfg.Cooldown)
	default:
		// Fatal failures are not retried.
	}
	w.saveItem(ctx, done)
	out.ItemStatus = done.Status
	return out
}

// retry re-enqueues item after delay and raises an alert when it breaks.
func (w *Worker) retry(ctx context.Context, item crawler.QueueItem, delay time.Duration) crawler.QueueItem {
	next, err := w.deps.Scheduler.RetryItemAfter(item, delay)
	switch {
	case errors.Is(err, scheduler.ErrItemBroken):
		w.alert(ctx, crawler.Alert{
			Level:   crawler.AlertError,
			Event:   crawler.EventItemBroken,
			Message: fmt.Sprintf("%s exceeded its retry budget: %s", item.URL, item.LastError),
			Domain:  item.Domain,
			URL:     item.URL,
			Context: map[string]any{"retries": item.Retries, "error_count": item.ErrorCount},
		})
	case err != nil:
		w.logger.Error("retry item failed", zap.String("url", item.URL), zap.Error(err))
	}
	return next
}

func (w *Worker) extract(ctx context.Context, item crawler.QueueItem, resp crawler.FetchResponse) crawler.Outcome {
	// Blank bodies never get here; process fails them before RecordSuccess.
	result, err := w.deps.Extractor.Extract(ctx, item.Domain, resp.Body)
	if err != nil && result.Error == "" {
		result.Error = err.Error()
	}

	record := crawler.PriceRecord{
		URL:        item.URL,
		Domain:     item.Domain,
		CheckedAt:  w.deps.Clock.Now(),
		Result:     result,
		StatusCode: resp.StatusCode,
		Headless:   resp.UsedHeadless,
	}
	if !result.Success {
		return w.extractionFailed(ctx, item, resp, record)
	}

	done, err := w.deps.Scheduler.MarkComplete(item, true, "")
	if err != nil {
		w.logger.Error("mark complete failed", zap.String("url", item.URL), zap.Error(err))
		done = item
	}
	record.Variation = w.trackPrice(ctx, item, *result.PriceCurrent)
	w.recordResult(ctx, record)
	w.publish(ctx, record)
	w.saveItem(ctx, done)

	return crawler.Outcome{
		Kind:       crawler.OutcomeSuccess,
		Reason:     fmt.Sprintf("extracted %.2f via %s", *result.PriceCurrent, result.StrategyUsed),
		Result:     &result,
		ItemStatus: done.Status,
	}
}

func (w *Worker) extractionFailed(
	ctx context.Context,
	item crawler.QueueItem,
	resp crawler.FetchResponse,
	record crawler.PriceRecord,
) crawler.Outcome {
	reason := "no strategy produced a valid price"
	if record.Result.Error != "" {
		reason = record.Result.Error
	}
	snapshot := w.snapshot(ctx, item, resp.Body)
	w.logger.Warn("extraction failed",
		zap.String("url", item.URL),
		zap.String("domain", item.Domain),
		zap.String("reason", reason),
		zap.String("snapshot", snapshot),
	)

	done, err := w.deps.Scheduler.MarkComplete(item, false, reason)
	if err != nil {
		w.logger.Error("mark complete failed", zap.String("url", item.URL), zap.Error(err))
		done = item
	}
	w.recordResult(ctx, record)
	done = w.retry(ctx, done, w.cfg.ExtractRetryDelay)
	w.saveItem(ctx, done)

	result := record.Result
	return crawler.Outcome{Kind: crawler.OutcomeFailure, Reason: reason, Result: &result, ItemStatus: done.Status}
}

// trackPrice compares price with the cached one, alerting on large moves,
// and returns the relative variation when a previous price exists.
func (w *Worker) trackPrice(ctx context.Context, item crawler.QueueItem, price float64) *float64 {
	if w.deps.Prices == nil {
		return nil
	}
	last, ok, err := w.deps.Prices.LastPrice(ctx, item.URL)
	if err != nil {
		w.logger.Warn("load last price failed", zap.String("url", item.URL), zap.Error(err))
	}
	if err := w.deps.Prices.StorePrice(ctx, item.URL, price); err != nil {
		w.logger.Warn("store last price failed", zap.String("url", item.URL), zap.Error(err))
	}
	if !ok || last <= 0 {
		return nil
	}
	variation := (price - last) / last
	if variation >= w.cfg.PriceChangeThreshold || -variation >= w.cfg.PriceChangeThreshold {
		w.alert(ctx, crawler.Alert{
			Level:   crawler.AlertInfo,
			Event:   crawler.EventPriceChange,
			Message: fmt.Sprintf("price moved %.1f%% (%.2f -> %.2f)", variation*100, last, price),
			Domain:  item.Domain,
			URL:     item.URL,
			Context: map[string]any{"previous": last, "current": price, "variation": variation},
		})
	}
	return &variation
}

func (w *Worker) recordResult(ctx context.Context, record crawler.PriceRecord) {
	if w.deps.Results == nil {
		return
	}
	if err := w.deps.Results.RecordResult(ctx, record); err != nil {
		w.logger.Error("record result failed", zap.String("url", record.URL), zap.Error(err))
	}
}

func (w *Worker) saveItem(ctx context.Context, item crawler.QueueItem) {
	if w.deps.Items == nil {
		return
	}
	if err := w.deps.Items.SaveItem(ctx, item); err != nil {
		w.logger.Error("save item failed", zap.String("url", item.URL), zap.Error(err))
	}
}

// resultMessage is the Pub/Sub payload for a successful extraction.
type resultMessage struct {
	crawler.PriceRecord
}

// Attributes exposes routing attributes to the Pub/Sub publisher.
func (m resultMessage) Attributes() map[string]string {
	return map[string]string{
		"domain":   m.Domain,
		"strategy": m.Result.StrategyUsed,
	}
}

func (w *Worker) publish(ctx context.Context, record crawler.PriceRecord) {
	if w.deps.Publisher == nil || w.cfg.ResultTopic == "" {
		return
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.ResultTopic, resultMessage{record})
	if err != nil {
		w.logger.Error("publish result failed", zap.String("url", record.URL), zap.Error(err))
		return
	}
	w.logger.Debug("result published", zap.String("url", record.URL), zap.String("message_id", id))
}

// snapshot stores the page body for later debugging and returns its URI.
func (w *Worker) snapshot(ctx context.Context, item crawler.QueueItem, body []byte) string {
	if w.deps.Blobs == nil || len(body) == 0 {
		return ""
	}
	uri, err := w.deps.Blobs.PutObject(ctx, w.snapshotPath(item), w.cfg.SnapshotContentType, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("snapshot upload failed", zap.String("url", item.URL), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) snapshotPath(item crawler.QueueItem) string {
	stamp := w.deps.Clock.Now().UTC().Format("20060102T150405Z")
	name := stamp
	if w.deps.Hasher != nil {
		if digest, err := w.deps.Hasher.Hash([]byte(item.URL)); err == nil {
			name = stamp + "-" + digest
		}
	}
	prefix := strings.Trim(w.cfg.SnapshotPrefix, "/")
	return fmt.Sprintf("%s/%s/%s.html", prefix, item.Domain, name)
}

func (w *Worker) alert(ctx context.Context, alert crawler.Alert) {
	if w.deps.Notifier == nil {
		return
	}
	if err := w.deps.Notifier.SendAlert(ctx, alert); err != nil {
		w.logger.Warn("send alert failed", zap.String("event", alert.Event), zap.Error(err))
	}
}
