package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/auth"
	"github.com/hackgods/outpatient-queue/internal/metrics"
)

type RouterConfig struct {
	Service   AppointmentService
	Queues    QueueReader
	Stats     StatsReader
	Resolver  auth.Resolver
	Realtime  http.Handler
	Health    *HealthHandler
	Gatherer  prometheus.Gatherer
	Metrics   *metrics.Engine
	RateRPS   int
	RateBurst int
	Logger    zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	h := &handlers{
		svc:    cfg.Service,
		queues: cfg.Queues,
		stats:  cfg.Stats,
		log:    cfg.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoverMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware(cfg.Metrics))

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	limiter := NewRateLimiter(cfg.RateRPS, cfg.RateBurst)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Resolver, cfg.Logger))

		if cfg.Realtime != nil {
			r.Handle("/ws", cfg.Realtime)
		}

		r.Get("/appointments/{id}", h.getAppointment)
		r.Get("/queues/{doctorID}/{date}", h.getQueue)
		r.Get("/stats/daily", h.dailyStats)

		// Writes are rate limited per caller.
		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Post("/appointments", h.createAppointment)
			r.Post("/appointments/{id}/{action}", h.applyAction)
			r.Post("/queues/{doctorID}/{date}/call-next", h.callNext)
		})
	})

	return r
}
