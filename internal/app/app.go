package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/martinbuergi/summit-portal-claude/internal/activity"
	"github.com/martinbuergi/summit-portal-claude/internal/api"
	"github.com/martinbuergi/summit-portal-claude/internal/config"
	handler "github.com/martinbuergi/summit-portal-claude/internal/handler/http"
	"github.com/martinbuergi/summit-portal-claude/internal/session"
	"github.com/martinbuergi/summit-portal-claude/internal/storage"
	"github.com/martinbuergi/summit-portal-claude/pkg/database"
	"github.com/martinbuergi/summit-portal-claude/pkg/health"
	"github.com/martinbuergi/summit-portal-claude/pkg/httpclient"
	pkgkafka "github.com/martinbuergi/summit-portal-claude/pkg/kafka"
	"github.com/martinbuergi/summit-portal-claude/pkg/tracing"
)

// MemoryStorage as STORAGE_DIR keeps all state in process memory.
const MemoryStorage = ":memory:"

// App wires together all dependencies and runs the portal agent.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    storage.Store
	rdb      *redis.Client
	producer *pkgkafka.Producer
	probe    httpclient.Doer

	manager *session.Manager
	queue   *activity.Queue
	tracker *activity.Tracker
	monitor *activity.Monitor

	router         http.Handler
	httpServer     *http.Server
	shutdownTracer func(context.Context) error

	loops    sync.WaitGroup
	stop     context.CancelFunc
	shutdown sync.Once
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Tracing first so every component below picks up the propagator.
	tcfg := tracing.DefaultConfig(handler.ServiceName)
	tcfg.Environment = cfg.Environment
	tcfg.Enabled = cfg.OTELEnabled
	tcfg.OTLPEndpoint = cfg.OTELEndpoint
	tcfg.SampleRate = cfg.OTELSampleRate
	shutdownTracer, err := tracing.InitTracer(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	store, rdb, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = shutdownTracer(context.Background())
		return nil, err
	}

	// Outbound HTTP: one transport. Activity requests go through the
	// circuit breaker; auth calls and the connectivity probe do not, so
	// an open breaker never ends the session.
	hcfg := httpclient.DefaultConfig()
	hcfg.Timeout = cfg.HTTPTimeout
	hcfg.UserAgent = cfg.UserAgent
	transport := httpclient.New(hcfg)
	doer := httpclient.NewCircuitBreakerClient(transport, httpclient.DefaultCircuitBreakerConfig("portal-backend"), logger)

	// Session
	manager := session.NewManager(session.Config{
		TrustedOrgID: cfg.TrustedOrgID,
		AuthTimeout:  cfg.AuthTimeout,
	}, session.NewTokenStore(store, logger), session.NewHTTPRemote(cfg.APIBaseURL, transport), logger)
	authorizer := session.NewAuthorizer(session.AuthorizerConfig{
		ClientID:    cfg.IMSClientID,
		AuthURL:     cfg.IMSAuthURL,
		Scope:       cfg.IMSScope,
		RedirectURL: cfg.CallbackURL(),
	}, store, manager, logger)
	guard := session.NewGuard(manager, authorizer, store, logger)

	// Activity
	deliver := activity.NewAPIDeliverer(api.NewClient(cfg.APIBaseURL, doer, manager, logger))
	monitor := activity.NewMonitor(true, logger)
	hub := activity.NewInteractionHub()

	var dead activity.DeadLetterSink = activity.NewLogDeadLetter(logger)
	var producer *pkgkafka.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		dead = activity.NewKafkaDeadLetter(producer, cfg.DeadLetterTopic, handler.ServiceName, manager.Subject)
		logger.Info("kafka dead-letter sink enabled",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", cfg.DeadLetterTopic),
		)
	}

	queue := activity.NewQueue(activity.QueueConfig{
		Capacity:    cfg.QueueCapacity,
		BatchSize:   cfg.QueueBatchSize,
		Concurrency: cfg.QueueConcurrency,
		MaxAttempts: cfg.QueueMaxAttempts,
	}, store, deliver, monitor, dead, logger)
	tracker := activity.NewTracker(activity.TrackerConfig{
		UserAgent:      cfg.UserAgent,
		DirectRate:     rate.Limit(cfg.DirectRate),
		DirectBurst:    cfg.DirectBurst,
		DeliverTimeout: cfg.HTTPTimeout,
	}, manager, queue, deliver, monitor, hub, logger)

	a := &App{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		rdb:            rdb,
		producer:       producer,
		probe:          transport,
		manager:        manager,
		queue:          queue,
		tracker:        tracker,
		monitor:        monitor,
		shutdownTracer: shutdownTracer,
	}

	// Health checks. Without storage the agent cannot keep a session; the
	// backend and broker only degrade it.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("storage", store.Ping)
	healthHandler.RegisterNonCritical("backend", a.pingBackend)
	if producer != nil {
		healthHandler.RegisterNonCritical("kafka", producer.Ping)
	}

	a.router = handler.NewRouter(handler.Services{
		Manager:    manager,
		Authorizer: authorizer,
		Guard:      guard,
		Tracker:    tracker,
		Queue:      queue,
		Monitor:    monitor,
		Hub:        hub,
	}, healthHandler, cfg.AgentAPIKey, logger)

	a.httpServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return a, nil
}

// Handler returns the agent API.
func (a *App) Handler() http.Handler {
	return a.router
}

// Run restores any stored session, starts the HTTP server and the
// background flush and probe loops, and blocks until the context is
// canceled.
func (a *App) Run(ctx context.Context) error {
	if a.manager.Initialize(ctx) {
		a.logger.Info("restored stored session")
	}

	loopCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stop = stop
	a.loops.Add(2)
	go func() {
		defer a.loops.Done()
		a.tracker.RunFlushLoop(loopCtx, a.cfg.FlushInterval)
	}()
	go func() {
		defer a.loops.Done()
		a.monitor.Probe(loopCtx, a.cfg.ProbeInterval, a.pingBackend)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components. Pending activities stay in
// durable storage for the next run after one last delivery attempt.
func (a *App) Shutdown() error {
	a.shutdown.Do(a.doShutdown)
	return nil
}

func (a *App) doShutdown() {
	a.logger.Info("shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop taking requests.
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	// Stop background loops.
	if a.stop != nil {
		a.stop()
	}
	a.loops.Wait()

	// Last flush while the session is still held.
	flushCtx, cancelFlush := context.WithTimeout(shutdownCtx, 5*time.Second)
	res := a.tracker.Flush(flushCtx)
	cancelFlush()
	if res.Claimed > 0 {
		a.logger.Info("final activity flush",
			slog.Int("delivered", res.Delivered),
			slog.Int("requeued", res.Requeued),
		)
	}
	a.tracker.Close()
	a.manager.Teardown()

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		}
	}

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
		}
	}

	if err := a.shutdownTracer(shutdownCtx); err != nil {
		a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
	}

	a.logger.Info("application shutdown complete")
}

// pingBackend reports whether the portal backend answers at all. Any
// response below 500 counts as reachable.
func (a *App) pingBackend(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.cfg.APIBaseURL, "/")+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := a.probe.Do(ctx, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("backend health returned %d", resp.StatusCode)
	}
	return nil
}

// openStore picks Redis, a directory, or memory, in that order.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, *redis.Client, error) {
	if cfg.RedisURL != "" {
		rcfg := database.DefaultRedisConfig()
		rcfg.URL = cfg.RedisURL
		rdb, err := database.NewRedisClient(ctx, rcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("using redis storage", slog.String("namespace", cfg.RedisNamespace))
		return storage.NewRedisStore(rdb, cfg.RedisNamespace), rdb, nil
	}

	dir := cfg.StorageDir
	if dir == MemoryStorage {
		logger.Warn("using in-memory storage, state is lost on exit")
		return storage.NewMemoryStore(), nil, nil
	}
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve storage directory: %w", err)
		}
		dir = filepath.Join(base, "summit-agent")
	}

	fs, err := storage.NewFileStore(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	logger.Info("using file storage", slog.String("dir", fs.Dir()))
	return fs, nil, nil
}
