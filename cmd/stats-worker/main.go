package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/config"
	"github.com/hackgods/outpatient-queue/internal/db"
	"github.com/hackgods/outpatient-queue/internal/logging"
	"github.com/hackgods/outpatient-queue/internal/metrics"
	redisclient "github.com/hackgods/outpatient-queue/internal/redis"
	"github.com/hackgods/outpatient-queue/internal/stats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "prod")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.Component(logging.New(cfg.LogLevel, cfg.Env), "stats-worker")
	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("stats worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolSettings{MaxConns: 4}, logger)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()

	repo := appointment.NewPgRepository(pgPool)
	// entries must outlive one refresh interval
	ttl := max(cfg.StatsCacheTTL, 2*cfg.WorkerInterval)
	aggregator := stats.NewAggregator(repo,
		stats.WithCache(rdb, ttl),
		stats.WithMetrics(metrics.New(nil)),
		stats.WithLogger(logger),
	)

	// Run once at startup
	runOnce(rootCtx, aggregator, cfg.WorkerInterval, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping stats worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, aggregator, cfg.WorkerInterval, logger)
		}
	}
}

func runOnce(ctx context.Context, aggregator *stats.Aggregator, budget time.Duration, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	today, _ := appointment.ParseDate(appointment.FormatDate(time.Now().UTC()))
	n, err := aggregator.RefreshDay(runCtx, today)
	if err != nil {
		logger.Error().Err(err).Int("refreshed", n).Msg("stats refresh error")
		return
	}
	logger.Info().Int("refreshed", n).Dur("took", time.Since(start)).Msg("stats refresh complete")
}
