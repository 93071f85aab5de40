// Package stats computes per-day appointment counts by status.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/metrics"
)

// Counter is the part of the appointment repository statistics read.
type Counter interface {
	CountByStatus(ctx context.Context, f appointment.StatsFilter) (map[appointment.Status]int, error)
	DoctorsWithAppointments(ctx context.Context, date time.Time) ([]uuid.UUID, error)
}

// Daily holds the counts for one day, zero-filled for every status.
type Daily struct {
	Date         string                     `json:"date"`
	DoctorID     *uuid.UUID                 `json:"doctor_id,omitempty"`
	DepartmentID *uuid.UUID                 `json:"department_id,omitempty"`
	RoomID       *uuid.UUID                 `json:"room_id,omitempty"`
	Counts       map[appointment.Status]int `json:"counts"`
	Total        int                        `json:"total"`
	GeneratedAt  time.Time                  `json:"generated_at"`
}

type Aggregator struct {
	counter Counter
	cache   *redis.Client
	ttl     time.Duration
	metrics *metrics.Engine
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Aggregator)

// WithCache stores results in Redis for ttl.
func WithCache(client *redis.Client, ttl time.Duration) Option {
	return func(a *Aggregator) {
		a.cache = client
		a.ttl = ttl
	}
}

func WithMetrics(m *metrics.Engine) Option {
	return func(a *Aggregator) { a.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Aggregator) { a.log = l.With().Str("component", "stats").Logger() }
}

func NewAggregator(counter Counter, opts ...Option) *Aggregator {
	a := &Aggregator{
		counter: counter,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Daily returns the statistics matching f, from cache when possible.
func (a *Aggregator) Daily(ctx context.Context, f appointment.StatsFilter) (Daily, error) {
	if f.Date.IsZero() {
		return Daily{}, appointment.ErrInvalidRequest.WithMessage("date is required")
	}

	if d, ok := a.cached(ctx, f); ok {
		return d, nil
	}

	d, err := a.compute(ctx, f)
	if err != nil {
		return Daily{}, err
	}
	a.store(ctx, f, d)
	return d, nil
}

// RefreshDay recomputes and caches the facility-wide figures for date and
// the figures of every doctor with appointments that day. It returns how
// many entries were refreshed.
func (a *Aggregator) RefreshDay(ctx context.Context, date time.Time) (int, error) {
	doctors, err := a.counter.DoctorsWithAppointments(ctx, date)
	if err != nil {
		a.metrics.ObserveStatsRefresh("error")
		return 0, fmt.Errorf("list doctors: %w", err)
	}

	filters := []appointment.StatsFilter{{Date: date}}
	for _, id := range doctors {
		filters = append(filters, appointment.StatsFilter{Date: date, DoctorID: &id})
	}

	refreshed := 0
	for _, f := range filters {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		d, err := a.compute(ctx, f)
		if err != nil {
			a.metrics.ObserveStatsRefresh("error")
			return refreshed, err
		}
		a.store(ctx, f, d)
		refreshed++
	}

	a.metrics.ObserveStatsRefresh("ok")
	return refreshed, nil
}

func (a *Aggregator) compute(ctx context.Context, f appointment.StatsFilter) (Daily, error) {
	counts, err := a.counter.CountByStatus(ctx, f)
	if err != nil {
		return Daily{}, fmt.Errorf("count appointments: %w", err)
	}

	d := Daily{
		Date:         appointment.FormatDate(f.Date),
		DoctorID:     f.DoctorID,
		DepartmentID: f.DepartmentID,
		RoomID:       f.RoomID,
		Counts:       make(map[appointment.Status]int, len(appointment.Statuses)),
		GeneratedAt:  a.now().UTC(),
	}
	for _, s := range appointment.Statuses {
		d.Counts[s] = counts[s]
		d.Total += counts[s]
	}
	return d, nil
}

func (a *Aggregator) cached(ctx context.Context, f appointment.StatsFilter) (Daily, bool) {
	if a.cache == nil {
		return Daily{}, false
	}
	raw, err := a.cache.Get(ctx, CacheKey(f)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			a.log.Warn().Err(err).Msg("stats cache read failed")
		}
		return Daily{}, false
	}
	var d Daily
	if err := json.Unmarshal(raw, &d); err != nil {
		a.log.Warn().Err(err).Msg("stats cache entry corrupt")
		return Daily{}, false
	}
	return d, true
}

func (a *Aggregator) store(ctx context.Context, f appointment.StatsFilter, d Daily) {
	if a.cache == nil {
		return
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, CacheKey(f), raw, a.ttl).Err(); err != nil {
		a.log.Warn().Err(err).Msg("stats cache write failed")
	}
}

// CacheKey names the Redis entry for f.
func CacheKey(f appointment.StatsFilter) string {
	var b strings.Builder
	b.WriteString("stats:daily:")
	b.WriteString(appointment.FormatDate(f.Date))
	for _, part := range []struct {
		name string
		id   *uuid.UUID
	}{{"doctor", f.DoctorID}, {"department", f.DepartmentID}, {"room", f.RoomID}} {
		if part.id != nil {
			b.WriteString(":" + part.name + "=" + part.id.String())
		}
	}
	return b.String()
}
