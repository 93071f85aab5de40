package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "opq"

// Engine exposes counters/histograms for the queue engine. A nil *Engine is
// valid and records nothing.
type Engine struct {
	bookings    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	lockWait    prometheus.Histogram

	wsClients   prometheus.Gauge
	wsDropped   prometheus.Counter
	broadcasts  prometheus.Counter
	relayEvents *prometheus.CounterVec

	queueDrift   prometheus.Counter
	statsRefresh *prometheus.CounterVec

	httpDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Engine {
	m := &Engine{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "bookings_total",
			Help:      "Booking attempts by result code",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Status change attempts by action and result code",
		}, []string{"action", "result"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for slot and queue locks",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "clients",
			Help:      "Connected websocket clients",
		}),
		wsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped because a client send buffer was full",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Queue snapshots broadcast to rooms",
		}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "relay_messages_total",
			Help:      "Cross instance relay messages by direction",
		}, []string{"direction"}),
		queueDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "drift_corrections_total",
			Help:      "Cached queue projections found to disagree with the store",
		}),
		statsRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "refresh_total",
			Help:      "Daily statistics refreshes by result",
		}, []string{"result"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.bookings, m.transitions, m.lockWait,
		m.wsClients, m.wsDropped, m.broadcasts, m.relayEvents,
		m.queueDrift, m.statsRefresh,
		m.httpDuration,
	)
	return m
}

func (m *Engine) ObserveBooking(result string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(result).Inc()
}

func (m *Engine) ObserveTransition(action, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, result).Inc()
}

func (m *Engine) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Engine) ClientConnected() {
	if m == nil {
		return
	}
	m.wsClients.Inc()
}

func (m *Engine) ClientDisconnected() {
	if m == nil {
		return
	}
	m.wsClients.Dec()
}

func (m *Engine) MessageDropped() {
	if m == nil {
		return
	}
	m.wsDropped.Inc()
}

func (m *Engine) Broadcast() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

// ObserveRelay counts relay traffic; direction is "out" or "in".
func (m *Engine) ObserveRelay(direction string) {
	if m == nil {
		return
	}
	m.relayEvents.WithLabelValues(direction).Inc()
}

func (m *Engine) DriftCorrected() {
	if m == nil {
		return
	}
	m.queueDrift.Inc()
}

func (m *Engine) ObserveStatsRefresh(result string) {
	if m == nil {
		return
	}
	m.statsRefresh.WithLabelValues(result).Inc()
}

// ObserveHTTP records one request. route is the router pattern, not the raw
// path, to keep label cardinality bounded.
func (m *Engine) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
