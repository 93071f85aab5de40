package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/api"
	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/auth"
	"github.com/hackgods/outpatient-queue/internal/config"
	"github.com/hackgods/outpatient-queue/internal/db"
	"github.com/hackgods/outpatient-queue/internal/logging"
	"github.com/hackgods/outpatient-queue/internal/metrics"
	"github.com/hackgods/outpatient-queue/internal/queue"
	"github.com/hackgods/outpatient-queue/internal/realtime"
	redisclient "github.com/hackgods/outpatient-queue/internal/redis"
	"github.com/hackgods/outpatient-queue/internal/stats"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "prod")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.Component(logging.New(cfg.LogLevel, cfg.Env), "api-server")
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("api-server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("api-server stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolSettings{}, logger)
	cancelPg()
	if err != nil {
		return err
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)
	repo := appointment.NewPgRepository(pgPool)

	hub := realtime.NewHub(realtime.WithHubMetrics(m), realtime.WithHubLogger(logger))
	registry := queue.NewRegistry(repo,
		queue.WithTTL(cfg.QueueCacheTTL),
		queue.WithMetrics(m),
		queue.WithLogger(logger),
	)
	relay := realtime.NewRelay(rdb, cfg.RelayChannel, hub, registry,
		realtime.WithRelayMetrics(m),
		realtime.WithRelayLogger(logger),
	)
	registry.SetPublisher(relay)

	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
	svc := appointment.NewService(repo, locker, cfg,
		appointment.WithObserver(registry),
		appointment.WithMetrics(m),
		appointment.WithLogger(logger),
	)
	aggregator := stats.NewAggregator(repo,
		stats.WithCache(rdb, cfg.StatsCacheTTL),
		stats.WithMetrics(m),
		stats.WithLogger(logger),
	)

	router := api.NewRouter(api.RouterConfig{
		Service:  svc,
		Queues:   registry,
		Stats:    aggregator,
		Resolver: auth.NewResolver(cfg.JWTSecret),
		Realtime: realtime.NewHandler(hub, registry, cfg, logger),
		Health: api.NewHealthHandler(
			pgPool.Ping,
			func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			cfg.Env, version,
		),
		Gatherer:  prometheus.DefaultGatherer,
		Metrics:   m,
		RateRPS:   cfg.RateLimitRPS,
		RateBurst: cfg.RateLimitBurst,
		Logger:    logger,
	})
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set, accepting unsigned role:uuid dev tokens")
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var wg sync.WaitGroup
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	wg.Add(2)
	go func() {
		defer wg.Done()
		runRelay(workCtx, relay, logger)
	}()
	go func() {
		defer wg.Done()
		reconcileLoop(workCtx, registry, cfg.ReconcileEvery, logger)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			cancelWork()
			wg.Wait()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	cancelWork()
	wg.Wait()
	return nil
}

// runRelay keeps the cross instance relay subscribed, resubscribing after
// Redis drops the connection.
func runRelay(ctx context.Context, relay *realtime.Relay, logger zerolog.Logger) {
	for {
		if err := relay.Run(ctx); err != nil {
			logger.Warn().Err(err).Msg("relay stopped, resubscribing")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func reconcileLoop(ctx context.Context, registry *queue.Registry, every time.Duration, logger zerolog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, every)
			if err := registry.Reconcile(runCtx); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("queue reconcile incomplete")
			}
			cancel()
		}
	}
}
