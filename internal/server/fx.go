// Package server builds the application graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/api"
	"github.com/JakeFAU/product-discovery/internal/audit"
	auditsinks "github.com/JakeFAU/product-discovery/internal/audit/sinks"
	"github.com/JakeFAU/product-discovery/internal/clock/system"
	"github.com/JakeFAU/product-discovery/internal/config"
	"github.com/JakeFAU/product-discovery/internal/content"
	"github.com/JakeFAU/product-discovery/internal/detail"
	"github.com/JakeFAU/product-discovery/internal/dispatcher"
	"github.com/JakeFAU/product-discovery/internal/embedding"
	"github.com/JakeFAU/product-discovery/internal/fetcher"
	collyfetcher "github.com/JakeFAU/product-discovery/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/product-discovery/internal/fetcher/headless"
	"github.com/JakeFAU/product-discovery/internal/hash/sha256"
	"github.com/JakeFAU/product-discovery/internal/id/uuid"
	"github.com/JakeFAU/product-discovery/internal/keywords"
	"github.com/JakeFAU/product-discovery/internal/logging"
	"github.com/JakeFAU/product-discovery/internal/matcher"
	"github.com/JakeFAU/product-discovery/internal/media"
	"github.com/JakeFAU/product-discovery/internal/orchestrator"
	"github.com/JakeFAU/product-discovery/internal/pipeline"
	"github.com/JakeFAU/product-discovery/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/product-discovery/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/product-discovery/internal/publisher/pubsub"
	"github.com/JakeFAU/product-discovery/internal/ranker"
	"github.com/JakeFAU/product-discovery/internal/runs"
	"github.com/JakeFAU/product-discovery/internal/search"
	"github.com/JakeFAU/product-discovery/internal/storage"
	"github.com/JakeFAU/product-discovery/internal/storage/gcs"
	"github.com/JakeFAU/product-discovery/internal/storage/local"
	pgstore "github.com/JakeFAU/product-discovery/internal/storage/postgres"
	"github.com/JakeFAU/product-discovery/internal/storage/s3"
	"github.com/JakeFAU/product-discovery/internal/telemetry"
)

// ServiceName labels logs and traces.
const ServiceName = "product-discovery"

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	registry     prometheus.Registerer
	telemetry    *telemetry.Providers
	auditHub     *audit.Hub
	runStore     *runs.MemoryStore
	orchestrator *orchestrator.Orchestrator
	dispatch     *dispatcher.Dispatcher
	apiServer    *api.Server
	// closers run in reverse registration order.
	closers []closer
}

// Option customizes Build.
type Option func(*App)

// WithLogger supplies the root logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithRegisterer sets the Prometheus registerer for the audit and OTel
// bridge collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		if reg != nil {
			a.registry = reg
		}
	}
}

// Build creates the application's dependencies. On error everything built so
// far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (app *App, err error) {
	app = &App{cfg: cfg, registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Service:     ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(app.logger)
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = app.Close(closeCtx)
			app = nil
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("embedding_backend", cfg.Embedding.Backend),
	)

	cfg.Telemetry.ServiceName = firstNonEmpty(cfg.Telemetry.ServiceName, ServiceName)
	app.telemetry, err = telemetry.Setup(ctx, cfg.Telemetry, app.registry, app.logger.Named("telemetry"))
	if err != nil {
		return app, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.addCloser("telemetry", app.telemetry.Shutdown)

	clock := system.New()
	ids := uuid.New()

	fetch, err := app.setupFetchers()
	if err != nil {
		return app, err
	}

	deps := orchestrator.Deps{
		Clock:  clock,
		IDs:    ids,
		Logger: app.logger.Named("orchestrator"),
	}

	deps.Keywords = keywords.New(keywords.Config{
		Endpoint:        cfg.Keywords.Endpoint,
		DefaultCategory: cfg.Keywords.DefaultCategory,
		Count:           cfg.Keywords.Count,
		UserAgent:       cfg.HTTP.UserAgent,
		Timeout:         config.Seconds(cfg.Keywords.TimeoutSeconds),
	}, keywords.WithLogger(app.logger.Named("keywords")))

	searcher, err := search.New(search.Config{
		BaseURL:     cfg.Search.BaseURL,
		MaxResults:  cfg.Search.MaxResults,
		UseHeadless: cfg.Search.UseHeadless,
	}, fetch, app.logger.Named("search"))
	if err != nil {
		return app, fmt.Errorf("product search init failed: %w", err)
	}
	deps.Search = searcher

	crawler, err := detail.New(detail.Config{
		BaseURL:     cfg.Search.BaseURL,
		UseHeadless: cfg.Detail.UseHeadless,
	}, fetch, clock, app.logger.Named("detail"))
	if err != nil {
		return app, fmt.Errorf("detail crawler init failed: %w", err)
	}
	deps.Detail = crawler

	deps.Matcher, err = app.setupMatcher()
	if err != nil {
		return app, err
	}

	deps.Ranker, err = app.setupRanker()
	if err != nil {
		return app, err
	}

	deps.Uploader, err = app.setupUploader(ctx, fetch, clock)
	if err != nil {
		return app, err
	}

	deps.Content = content.New(content.Config{
		Endpoint:    cfg.Content.Endpoint,
		APIKey:      cfg.Content.APIKey,
		Model:       cfg.Content.Model,
		Temperature: cfg.Content.Temperature,
		MaxTokens:   cfg.Content.MaxTokens,
		Timeout:     config.Seconds(cfg.Content.TimeoutSeconds),
	}, nil, app.logger.Named("content"))

	deps.Publisher, err = app.setupPublisher(ctx)
	if err != nil {
		return app, err
	}

	auditHub, err := app.setupAudit(ctx)
	if err != nil {
		return app, err
	}
	if auditHub != nil {
		deps.Audit = auditHub
	}

	app.runStore = runs.NewMemoryStore(cfg.Runs.MaxStored)
	deps.Store = app.runStore

	app.orchestrator, err = orchestrator.New(orchestrator.Config{Topic: cfg.PubSub.TopicName}, deps)
	if err != nil {
		return app, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.dispatch = dispatcher.New(dispatcher.Config{
		Workers:       cfg.Runs.Workers,
		QueueCapacity: cfg.Runs.QueueCapacity,
	}, app.orchestrator, app.runStore, app.logger)

	app.apiServer = api.NewServer(api.Services{
		Keywords: deps.Keywords,
		Search:   deps.Search,
		Matcher:  deps.Matcher,
		Ranker:   deps.Ranker,
		Detail:   deps.Detail,
		Uploader: deps.Uploader,
		Content:  deps.Content,
		Runner:   app.orchestrator,
		Async:    app.dispatch,
		Runs:     app.runStore,
		Ready:    app.ready,
	}, cfg, app.logger)

	return app, nil
}

func (a *App) setupFetchers() (pipeline.Fetcher, error) {
	cfg := a.cfg
	var httpFetcher pipeline.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     config.Seconds(cfg.HTTP.TimeoutSeconds),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})
	a.logger.Info("using colly fetcher", zap.String("user_agent", cfg.HTTP.UserAgent))

	// headless stays a nil interface when disabled so the router falls back.
	var headless pipeline.Fetcher
	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: config.Seconds(cfg.Headless.NavTimeoutSec),
			WaitSelector:      cfg.Headless.WaitSelector,
			SettleDelay:       config.Millis(cfg.Headless.SettleDelayMs),
			ScrollSteps:       cfg.Headless.ScrollSteps,
			ExecPath:          cfg.Headless.ExecPath,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.addCloser("headless", func(context.Context) error {
			hf.Close()
			return nil
		})
		headless = hf
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
			DomainRPS:    cfg.RateLimit.DomainRPS(),
		})
		httpFetcher = ratelimit.Wrap(httpFetcher, limiter)
		if headless != nil {
			headless = ratelimit.Wrap(headless, limiter)
		}
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
			zap.Int("domain_overrides", len(cfg.RateLimit.Domains)),
		)
	}

	router, err := fetcher.NewRouter(httpFetcher, headless, a.logger.Named("fetcher"))
	if err != nil {
		return nil, fmt.Errorf("fetcher router init failed: %w", err)
	}
	return router, nil
}

func (a *App) setupMatcher() (*matcher.Matcher, error) {
	cfg := a.cfg.Matcher
	tokenizer := matcher.NewTokenizer(matcher.TokenizerConfig{
		MecabPath:    cfg.MecabPath,
		DicDir:       cfg.MecabDicDir,
		ParseTimeout: config.Millis(cfg.ParseTimeoutMs),
	}, a.logger.Named("tokenizer"))
	if c, ok := tokenizer.(io.Closer); ok {
		a.addCloser("tokenizer", func(context.Context) error { return c.Close() })
	}
	a.logger.Info("keyword matcher ready",
		zap.Bool("morphological", tokenizer.Morphological()),
		zap.Float64("morph_threshold", cfg.MorphThreshold),
		zap.Float64("simple_threshold", cfg.SimpleThreshold),
	)
	return matcher.New(tokenizer,
		matcher.WithThresholds(cfg.MorphThreshold, cfg.SimpleThreshold),
		matcher.WithLogger(a.logger.Named("matcher")),
	), nil
}

func (a *App) setupRanker() (*ranker.Ranker, error) {
	ec := a.cfg.Embedding
	embedder, err := embedding.New(embedding.Config{
		Backend:               ec.Backend,
		LibraryPath:           ec.LibraryPath,
		ModelPath:             ec.ModelPath,
		TokenizerPath:         ec.TokenizerPath,
		FallbackModelPath:     ec.FallbackModelPath,
		FallbackTokenizerPath: ec.FallbackTokenizerPath,
		MaxSeqLen:             ec.MaxSeqLen,
		Endpoint:              ec.Endpoint,
		Model:                 ec.Model,
		Timeout:               config.Seconds(ec.TimeoutSeconds),
	}, a.logger.Named("embedding"))
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}
	a.addCloser("embedder", func(context.Context) error { return embedder.Close() })

	rc := a.cfg.Ranker
	r, err := ranker.New(embedder,
		ranker.WithFallbackFloor(rc.FallbackFloor),
		ranker.WithWeights(rc.MatchWeight, rc.SimilarityWeight),
		ranker.WithTopN(rc.TopN),
		ranker.WithLogger(a.logger.Named("ranker")),
	)
	if err != nil {
		return nil, fmt.Errorf("ranker init failed: %w", err)
	}
	a.logger.Info("similarity ranker ready",
		zap.Float64("fallback_floor", rc.FallbackFloor),
		zap.Int("top_n", r.TopN()),
	)
	return r, nil
}

func (a *App) setupUploader(ctx context.Context, fetch pipeline.Fetcher, clock pipeline.Clock) (*media.Uploader, error) {
	sc := a.cfg.Storage
	store, closeStore, err := storage.NewBlobStore(ctx, storage.Config{
		Backend: sc.Backend,
		GCS: gcs.Config{
			Bucket:        sc.GCS.Bucket,
			PublicBaseURL: sc.GCS.PublicBaseURL,
			CacheControl:  sc.GCS.CacheControl,
		},
		S3: s3.Config{
			Endpoint:        sc.S3.Endpoint,
			Region:          sc.S3.Region,
			Bucket:          sc.S3.Bucket,
			AccessKeyID:     sc.S3.AccessKeyID,
			SecretAccessKey: sc.S3.SecretAccessKey,
			UseSSL:          sc.S3.UseSSL,
			PathStyle:       sc.S3.PathStyle,
			PublicBaseURL:   sc.S3.PublicBaseURL,
		},
		Local:       local.Config{BaseDir: sc.LocalDir},
		CheckBucket: sc.CheckBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("blob store init failed: %w", err)
	}
	a.addCloser("blob store", func(context.Context) error { return closeStore() })
	a.logger.Info("blob store ready", zap.String("backend", sc.Backend))

	mc := a.cfg.Media
	uploader, err := media.New(media.Config{
		BaseFolder:  mc.BaseFolder,
		Concurrency: mc.Concurrency,
		MaxImages:   mc.MaxImages,
	}, fetch, store, clock, sha256.New(), a.logger.Named("media"))
	if err != nil {
		return nil, fmt.Errorf("image uploader init failed: %w", err)
	}
	return uploader, nil
}

func (a *App) setupPublisher(ctx context.Context) (pipeline.Publisher, error) {
	pc := a.cfg.PubSub
	if pc.TopicName == "" || pc.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, pc.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub := gcppublisher.New(client, pc.TopicName)
	a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", pc.ProjectID),
		zap.String("topic", pc.TopicName),
	)
	return pub, nil
}

func (a *App) setupAudit(ctx context.Context) (*audit.Hub, error) {
	ac := a.cfg.Audit
	if !ac.Enabled {
		a.logger.Info("execution log disabled")
		return nil, nil
	}
	var sinkList []audit.Sink
	if ac.LogSink {
		sinkList = append(sinkList, auditsinks.NewLogSink(a.logger.Named("audit_log")))
	}
	if ac.PrometheusSink {
		promSink, err := auditsinks.NewPrometheusSink(a.registry)
		if err != nil {
			return nil, fmt.Errorf("audit prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if dc := a.cfg.Database; dc.DSN != "" {
		store, err := pgstore.NewAuditStore(ctx, pgstore.AuditStoreConfig{
			DSN:             dc.DSN,
			Table:           dc.AuditTable,
			MaxConns:        dc.MaxConns,
			MinConns:        dc.MinConns,
			MaxConnLifetime: time.Duration(dc.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("audit store init failed: %w", err)
		}
		a.addCloser("audit store", func(context.Context) error {
			store.Close()
			return nil
		})
		if dc.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("ensure audit schema: %w", err)
			}
		}
		sinkList = append(sinkList, auditsinks.NewStoreSink(store, a.logger.Named("audit_store")))
		a.logger.Info("execution log store initialized", zap.String("table", dc.AuditTable))
	}
	if len(sinkList) == 0 {
		a.logger.Warn("execution log enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := audit.Config{
		BufferSize:      ac.BufferSize,
		MaxBatchRecords: ac.MaxBatchRecords,
		MaxBatchWait:    config.Millis(ac.MaxBatchWaitMs),
		SinkTimeout:     config.Seconds(ac.SinkTimeoutSec),
		BaseContext:     context.WithoutCancel(ctx),
		Logger:          a.logger.Named("audit_hub"),
	}
	hub := audit.NewHub(hubCfg, sinkList...)
	a.auditHub = hub
	// Closes before the audit store so buffered records reach it.
	a.addCloser("audit hub", hub.Close)
	a.logger.Info("execution log hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return hub, nil
}

func (a *App) ready(context.Context) error {
	if a.dispatch != nil && a.cfg.Runs.QueueCapacity > 0 && a.dispatch.Pending() >= a.cfg.Runs.QueueCapacity {
		return errors.New("run queue is full")
	}
	return nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunOnce executes a single pipeline run in the foreground.
func (a *App) RunOnce(ctx context.Context, req runs.Request) (runs.Result, error) {
	res, err := a.orchestrator.Run(ctx, req)
	if err != nil {
		return res, fmt.Errorf("pipeline run: %w", err)
	}
	return res, nil
}

// Run serves HTTP and works queued runs until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Runs.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := config.Seconds(a.cfg.Server.ShutdownTimeoutSeconds)
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not drain before shutdown deadline")
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close releases everything Build created, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if a.logger != nil {
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
