// Package server builds the application's dependency graph from config and
// runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/api"
	"github.com/JakeFAU/adaptive-price-monitor/internal/breaker"
	"github.com/JakeFAU/adaptive-price-monitor/internal/clock/system"
	"github.com/JakeFAU/adaptive-price-monitor/internal/config"
	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/dispatcher"
	"github.com/JakeFAU/adaptive-price-monitor/internal/extractor"
	"github.com/JakeFAU/adaptive-price-monitor/internal/feeder"
	collyfetcher "github.com/JakeFAU/adaptive-price-monitor/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/adaptive-price-monitor/internal/fetcher/headless"
	"github.com/JakeFAU/adaptive-price-monitor/internal/hash/sha256"
	"github.com/JakeFAU/adaptive-price-monitor/internal/headless/detector"
	"github.com/JakeFAU/adaptive-price-monitor/internal/id/uuid"
	"github.com/JakeFAU/adaptive-price-monitor/internal/intake"
	"github.com/JakeFAU/adaptive-price-monitor/internal/learning"
	"github.com/JakeFAU/adaptive-price-monitor/internal/metrics"
	"github.com/JakeFAU/adaptive-price-monitor/internal/notify"
	"github.com/JakeFAU/adaptive-price-monitor/internal/policy/ratelimit"
	"github.com/JakeFAU/adaptive-price-monitor/internal/proxy"
	memorypublisher "github.com/JakeFAU/adaptive-price-monitor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/adaptive-price-monitor/internal/publisher/pubsub"
	"github.com/JakeFAU/adaptive-price-monitor/internal/scheduler"
	gcsstorage "github.com/JakeFAU/adaptive-price-monitor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/adaptive-price-monitor/internal/storage/local"
	memorystorage "github.com/JakeFAU/adaptive-price-monitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/adaptive-price-monitor/internal/storage/postgres"
	redisstore "github.com/JakeFAU/adaptive-price-monitor/internal/storage/redis"
	"github.com/JakeFAU/adaptive-price-monitor/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	feeder    *feeder.Feeder
	intake    *intake.Subscriber

	clock        *system.Clock
	ids          *uuid.Generator
	hasher       *sha256.Hasher
	blobs        crawler.BlobStore
	strategies   crawler.StrategyStore
	items        crawler.ItemStore
	results      crawler.ResultStore
	prices       crawler.PriceCache
	publisher    crawler.Publisher
	notifier     crawler.Notifier
	readiness    []api.ReadinessCheck
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client
	pg           *pgstore.Store
	redis        *redisstore.PriceCache
	headless     *headlessfetcher.Fetcher
}

// Build creates the application's dependencies. Any failure releases what was
// already opened.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		hasher: sha256.New(),
	}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies", zap.Int("server_port", a.cfg.Server.Port))
	if err := a.setupStorage(ctx); err != nil {
		return err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	if err := a.setupPriceCache(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	a.setupNotifier()
	return a.setupPipeline()
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS snapshot storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BackendLocal:
		a.logger.Info("using local snapshot storage", zap.String("path", a.cfg.Storage.BaseDir))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		a.logger.Info("using in-memory snapshot storage")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, strategies and history stay in memory")
		mem := memorystorage.NewStore()
		a.strategies, a.items, a.results = mem, mem, mem
		return nil
	}
	var err error
	a.pg, err = pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	if a.cfg.DB.AutoMigrate {
		if err := a.pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
	}
	a.strategies, a.items, a.results = a.pg, a.pg, a.pg
	a.readiness = append(a.readiness, api.ReadinessCheck{Name: "postgres", Check: a.pg.Ping})
	a.logger.Info("postgres store initialized")
	return nil
}

func (a *App) setupPriceCache(_ context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("using in-memory price cache")
		a.prices = memorystorage.NewPriceCache()
		return nil
	}
	var err error
	a.redis, err = redisstore.New(redisstore.Config{
		Addr:      a.cfg.Redis.Addr,
		Password:  a.cfg.Redis.Password,
		DB:        a.cfg.Redis.DB,
		KeyPrefix: a.cfg.Redis.KeyPrefix,
		TTL:       a.cfg.Redis.TTL,
	})
	if err != nil {
		return fmt.Errorf("redis price cache init failed: %w", err)
	}
	a.prices = a.redis
	a.readiness = append(a.readiness, api.ReadinessCheck{Name: "redis", Check: a.redis.Ping})
	a.logger.Info("redis price cache initialized", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient, a.cfg.PubSub.ResultTopic)
	a.publisher = a.gcpPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("result_topic", a.cfg.PubSub.ResultTopic),
	)
	return nil
}

func (a *App) setupNotifier() {
	sinks := notify.Multi{notify.NewLog(a.logger.Named("alerts"))}
	if a.cfg.Alerts.Publish {
		sinks = append(sinks, notify.NewPublish(a.publisher, a.cfg.PubSub.AlertTopic))
	}
	var allower notify.Allower
	if w := a.cfg.Alerts.SuppressWindow; w > 0 {
		allower = ratelimit.New(ratelimit.Config{DefaultRPS: 1 / w.Seconds(), DefaultBurst: 1})
	}
	a.notifier = notify.NewDispatcher(sinks, allower, a.ids, a.clock, a.logger.Named("alerts"))
}

func (a *App) setupPipeline() error {
	cfg := a.cfg
	sched := scheduler.New(scheduler.Config{
		MaxQueueSize:      cfg.Scheduler.MaxQueueSize,
		MaxInFlight:       cfg.Scheduler.MaxInFlight,
		MaxRetries:        cfg.Scheduler.MaxRetries,
		PriorityThreshold: cfg.Scheduler.PriorityThreshold,
		DomainRateLimit:   cfg.Scheduler.DomainRateLimit,
	}, a.clock, a.logger.Named("scheduler"))
	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		HalfOpenTimeout:  cfg.Breaker.HalfOpenTimeout,
		BaseRetryDelay:   cfg.Breaker.BaseRetryDelay,
		MaxRetries:       cfg.Breaker.MaxRetries,
	}, a.clock, a.logger.Named("breaker"))

	var (
		learner    extractor.Learner
		similarity dispatcher.Similarity
	)
	if cfg.Learning.Enabled {
		l := learning.New(learning.Config{
			SimilarityThreshold:   cfg.Learning.SimilarityThreshold,
			TransferMinConfidence: cfg.Learning.TransferMinConfidence,
			TransferConfidence:    cfg.Learning.TransferConfidence,
		}, a.ids, a.logger.Named("learning"))
		learner, similarity = l, l
	}
	ext := extractor.New(extractor.Config{
		FallbackConfidence:     cfg.Extractor.FallbackConfidence,
		ConfidenceStep:         cfg.Extractor.ConfidenceStep,
		DefaultConfidence:      cfg.Extractor.DefaultConfidence,
		RetireFloor:            cfg.Extractor.RetireFloor,
		MinAttemptsToRetire:    cfg.Extractor.MinAttemptsToRetire,
		DomainFailureWarn:      cfg.Extractor.DomainFailureWarn,
		DomainFailureThreshold: cfg.Extractor.DomainFailureThreshold,
		StrictOldPrice:         cfg.Extractor.StrictOldPrice,
		Seeds:                  cfg.SeedStrategies(),
	}, a.strategies, a.notifier, learner, a.hasher, a.ids, a.clock, a.logger.Named("extractor"))

	deps := worker.Deps{
		Scheduler: sched,
		Breaker:   br,
		Extractor: ext,
		Probe: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       cfg.Worker.FetchTimeout,
			MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
		}),
		Detector: detector.NewHeuristic(cfg.Headless.PromotionThreshold),
		Pacer: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Fetch.DomainRPS,
			DefaultBurst: cfg.Fetch.DomainBurst,
			MinRPS:       cfg.Fetch.MinDomainRPS,
		}),
		Items:     a.items,
		Results:   a.results,
		Prices:    a.prices,
		Blobs:     a.blobs,
		Publisher: a.publisher,
		Notifier:  a.notifier,
		Hasher:    a.hasher,
		Clock:     a.clock,
	}
	a.logger.Info("using colly probe fetcher", zap.String("user_agent", cfg.Fetch.UserAgent))
	if cfg.Headless.Enabled {
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			a.headless = h
			deps.Headless = h
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}
	if len(cfg.Proxy.URLs) > 0 {
		deps.Proxy = proxy.NewRotating(proxy.Config{
			URLs:             cfg.Proxy.URLs,
			RotationInterval: cfg.Proxy.RotationInterval,
		}, a.ids, a.clock, a.logger.Named("proxy"))
		a.logger.Info("proxy rotation enabled", zap.Int("proxies", len(cfg.Proxy.URLs)))
	}

	workerCfg := worker.Config{
		FetchTimeout:         cfg.Worker.FetchTimeout,
		HeadlessTimeout:      cfg.Worker.HeadlessTimeout,
		BreakerDefer:         cfg.Worker.BreakerDefer,
		Cooldown:             cfg.Worker.Cooldown,
		ExtractRetryDelay:    cfg.Worker.ExtractRetryDelay,
		SnapshotPrefix:       cfg.Worker.SnapshotPrefix,
		SnapshotContentType:  cfg.Storage.ContentType,
		ResultTopic:          cfg.PubSub.ResultTopic,
		PriceChangeThreshold: cfg.Worker.PriceChangeThreshold,
	}
	runners := make([]dispatcher.Runner, 0, cfg.Worker.Count)
	for i := 0; i < cfg.Worker.Count; i++ {
		w, err := worker.New(deps, workerCfg, a.logger.Named("worker").With(zap.Int("index", i)))
		if err != nil {
			return fmt.Errorf("worker init failed: %w", err)
		}
		runners = append(runners, w)
	}

	var err error
	a.dispatch, err = dispatcher.New(dispatcher.Deps{
		Queue:      sched,
		Circuits:   br,
		Strategies: ext,
		Similarity: similarity,
		Items:      a.items,
		Workers:    runners,
		Blocked:    crawler.NewBlocklist(cfg.Fetch.BlockedDomains),
	}, a.logger.Named("dispatcher"))
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}

	a.feeder = feeder.New(feeder.Config{
		Tick:            cfg.Feeder.Tick,
		DefaultInterval: cfg.Feeder.DefaultInterval,
	}, a.dispatch, a.clock, a.logger.Named("feeder"))
	for _, t := range cfg.Targets {
		if err := a.feeder.Add(feeder.Target{
			URL:      t.URL,
			Domain:   t.Domain,
			Interval: t.Interval,
			Metadata: t.Metadata,
		}); err != nil {
			return fmt.Errorf("register target %s: %w", t.URL, err)
		}
	}

	if a.pubsubClient != nil && cfg.PubSub.IntakeSubscription != "" {
		a.intake, err = intake.New(a.pubsubClient, intake.Config{
			Subscription:   cfg.PubSub.IntakeSubscription,
			MaxOutstanding: cfg.PubSub.IntakeMaxOutstanding,
		}, a.dispatch, a.logger.Named("intake"))
		if err != nil {
			return fmt.Errorf("intake init failed: %w", err)
		}
	}

	a.apiServer = api.NewServer(api.Deps{
		Monitor:    a.dispatch,
		History:    a.results,
		Strategies: ext,
		Ready:      a.readiness,
	}, cfg, a.logger.Named("api"))
	a.logger.Info("pipeline ready",
		zap.Int("workers", cfg.Worker.Count),
		zap.Int("targets", len(cfg.Targets)),
		zap.Int("seed_strategies", len(cfg.Strategies)),
		zap.Bool("learning", cfg.Learning.Enabled),
	)
	return nil
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.dispatch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.feeder.Run(ctx)
	}()
	if a.intake != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.intake.Run(ctx); err != nil {
				a.logger.Error("intake subscriber failed", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	return a.Close()
}

// Close releases every client the application opened.
func (a *App) Close() error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
}
