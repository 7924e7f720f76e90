// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lumera-app/beacon/internal/apns"
	"github.com/lumera-app/beacon/internal/config"
	"github.com/lumera-app/beacon/internal/dispatch"
	"github.com/lumera-app/beacon/internal/enqueue"
	"github.com/lumera-app/beacon/internal/pkg/ctxlog"
	"github.com/lumera-app/beacon/internal/pkg/httputil"
	"github.com/lumera-app/beacon/internal/pkg/metrics"
	"github.com/lumera-app/beacon/internal/pkg/postgres"
	"github.com/lumera-app/beacon/internal/push"
	"github.com/lumera-app/beacon/internal/queue"
	queuepostgres "github.com/lumera-app/beacon/internal/queue/postgres"
	"github.com/lumera-app/beacon/internal/sources"
	sourcespostgres "github.com/lumera-app/beacon/internal/sources/postgres"
	"github.com/lumera-app/beacon/internal/version"
	"github.com/lumera-app/beacon/migrations"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.Migrate {
		if err := postgres.Migrate(cfg.Database.URL, migrations.FS); err != nil {
			db.Close()
			return nil, err
		}
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setupRouter(metricsCtx)
	if err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"dispatch_mode", a.config.Dispatch.Mode,
		"rollout_percent", a.config.Dispatch.RolloutPercent,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, repo queue.Repository) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := repo.Stats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			queue.RecordStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	queueRepo := queuepostgres.NewRepository(a.db)
	sourcesRepo := sourcespostgres.NewRepository(a.db)

	go a.collectQueueMetrics(ctx, queueRepo)

	enqueueService := enqueue.NewService(queueRepo, a.buildProducers(sourcesRepo)...)
	enqueueHandler := enqueue.NewHandler(enqueueService)

	sender, err := a.buildSender()
	if err != nil {
		return nil, err
	}

	dispatchService := dispatch.NewService(dispatch.Config{
		Mode:           a.config.Dispatch.Mode,
		Rollback:       a.config.Dispatch.Rollback,
		RolloutPercent: a.config.Dispatch.RolloutPercent,
		MaxAttempts:    a.config.Dispatch.MaxAttempts,
		BatchSize:      a.config.Dispatch.BatchSize,
	}, queueRepo, sourcesRepo, sender)
	dispatchHandler := dispatch.NewHandler(dispatchService)

	pushHandler := push.NewHandler(sender)

	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(httputil.ServiceAuthMiddleware(a.config.Auth.ServiceSecret))

		enqueueHandler.RegisterRoutes(r)
		dispatchHandler.RegisterRoutes(r)
		pushHandler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) buildProducers(repo sources.Repository) []enqueue.Producer {
	limits := a.config.Enqueue
	return []enqueue.Producer{
		enqueue.NewPepProducer(repo, limits.PepScanLimit),
		enqueue.NewTaskProducer(repo, limits.TaskScanLimit),
		enqueue.NewHabitProducer(repo, limits.HabitScanLimit),
		enqueue.NewContactProducer(repo, limits.ContactScanLimit),
		enqueue.NewNudgeProducer(repo, limits.NudgeScanLimit),
		enqueue.NewCheckinProducer(repo, limits.ProfileScanLimit),
	}
}

// buildSender creates the APNs client, or a disabled stand-in when APNs is
// not configured (useful for shadow-mode environments).
func (a *App) buildSender() (dispatch.Sender, error) {
	if !a.config.APNS.Enabled {
		slog.Warn("apns disabled: dispatch will fail entries that reach the send stage")
		return disabledSender{}, nil
	}

	authKey, err := a.config.ReadAPNSAuthKey()
	if err != nil {
		return nil, err
	}

	client, err := apns.NewClient(apns.Config{
		KeyID:             a.config.APNS.KeyID,
		TeamID:            a.config.APNS.TeamID,
		BundleID:          a.config.APNS.BundleID,
		AuthKeyPEM:        authKey,
		Sandbox:           a.config.APNS.Sandbox,
		RequestsPerSecond: a.config.APNS.RequestsPerSecond,
		Timeout:           a.config.APNS.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create apns client: %w", err)
	}

	return client, nil
}

// disabledSender reports every push as a transient failure so entries retry
// until APNs is configured or they exhaust their attempts.
type disabledSender struct{}

func (disabledSender) Send(context.Context, apns.Notification) (*apns.Result, error) {
	return nil, errors.New("apns is not configured")
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
