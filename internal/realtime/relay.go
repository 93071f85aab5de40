package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/metrics"
	"github.com/hackgods/outpatient-queue/internal/queue"
)

// Invalidator drops a cached queue view.
type Invalidator interface {
	Invalidate(key appointment.QueueKey)
}

type envelope struct {
	Origin   string         `json:"origin"`
	Snapshot queue.Snapshot `json:"snapshot"`
}

// Relay fans queue snapshots out to the other API instances over Redis
// pub/sub. Local delivery never waits on Redis.
type Relay struct {
	client      *redis.Client
	channel     string
	origin      string
	local       queue.Publisher
	invalidator Invalidator
	out         chan []byte
	ready       chan struct{}
	readyOnce   sync.Once
	metrics     *metrics.Engine
	log         zerolog.Logger
}

type RelayOption func(*Relay)

func WithRelayMetrics(m *metrics.Engine) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func WithRelayLogger(l zerolog.Logger) RelayOption {
	return func(r *Relay) { r.log = l.With().Str("component", "relay").Logger() }
}

func NewRelay(client *redis.Client, channel string, local queue.Publisher, invalidator Invalidator, opts ...RelayOption) *Relay {
	r := &Relay{
		client:      client,
		channel:     channel,
		origin:      uuid.NewString(),
		local:       local,
		invalidator: invalidator,
		out:         make(chan []byte, 256),
		ready:       make(chan struct{}),
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish delivers snap to local clients and queues it for the other
// instances. If the outbound queue is full the remote copy is dropped;
// remote views still converge through their TTL and reconciliation.
func (r *Relay) Publish(snap queue.Snapshot) {
	r.local.Publish(snap)

	data, err := json.Marshal(envelope{Origin: r.origin, Snapshot: snap})
	if err != nil {
		r.log.Error().Err(err).Msg("marshal relay envelope")
		return
	}
	select {
	case r.out <- data:
	default:
		r.log.Warn().Str("queue", snap.Key().String()).Msg("relay buffer full, dropped remote update")
	}
}

// Ready is closed once the subscription is established.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the relay channel and forwards traffic in both
// directions until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info().Str("channel", r.channel).Msg("relay subscribed")

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.sendLoop(sendCtx)

	in := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			r.receive(msg.Payload)
		}
	}
}

func (r *Relay) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-r.out:
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				r.log.Warn().Err(err).Msg("relay publish failed")
				continue
			}
			r.metrics.ObserveRelay("out")
		}
	}
}

func (r *Relay) receive(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn().Err(err).Msg("bad relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.metrics.ObserveRelay("in")

	// Our cached view missed this change; reload it on next use.
	if r.invalidator != nil {
		r.invalidator.Invalidate(env.Snapshot.Key())
	}
	r.local.Publish(env.Snapshot)
}
