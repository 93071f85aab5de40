package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/metrics"
)

// Loader reads the authoritative content of one queue.
type Loader interface {
	ListQueue(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]appointment.Appointment, error)
}

// Publisher receives every snapshot that changed.
type Publisher interface {
	Publish(snap Snapshot)
}

type view struct {
	appts    map[uuid.UUID]appointment.Appointment
	snap     Snapshot
	loadedAt time.Time
	lastUsed time.Time
}

// Registry keeps a cached projection per (doctor, date) queue. The store
// stays the source of truth: views are updated incrementally from
// committed changes, expire after a TTL and are re-derived periodically.
type Registry struct {
	loader    Loader
	publisher Publisher
	ttl       time.Duration
	idle      time.Duration
	metrics   *metrics.Engine
	log       zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	views map[appointment.QueueKey]*view
}

type Option func(*Registry)

func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithTTL bounds how old a cached view may be before it is reloaded.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithIdleEviction drops views nobody touched for d.
func WithIdleEviction(d time.Duration) Option {
	return func(r *Registry) { r.idle = d }
}

func WithMetrics(m *metrics.Engine) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l.With().Str("component", "queue").Logger() }
}

func NewRegistry(loader Loader, opts ...Option) *Registry {
	r := &Registry{
		loader: loader,
		ttl:    30 * time.Second,
		idle:   30 * time.Minute,
		log:    zerolog.Nop(),
		now:    time.Now,
		views:  make(map[appointment.QueueKey]*view),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPublisher wires the publisher after construction, for publishers that
// themselves depend on the registry.
func (r *Registry) SetPublisher(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

// AppointmentChanged folds one committed change into the cached view of its
// queue and publishes the new snapshot.
func (r *Registry) AppointmentChanged(ctx context.Context, appt appointment.Appointment) {
	if err := r.Apply(ctx, appt); err != nil {
		r.log.Warn().Err(err).Str("queue", appt.QueueKey().String()).Msg("queue view refresh failed")
	}
}

// Apply updates the view with appt. Changes older than what the view
// already holds are ignored. Without a fresh view the queue is reloaded.
func (r *Registry) Apply(ctx context.Context, appt appointment.Appointment) error {
	key := appt.QueueKey()

	r.mu.Lock()
	v, ok := r.views[key]
	if ok && !r.stale(v) {
		v.lastUsed = r.now()
		if !v.put(appt) {
			r.mu.Unlock()
			return nil
		}
		snap := r.derive(key, v)
		pub := r.publisher
		r.mu.Unlock()

		publish(pub, snap)
		return nil
	}
	r.mu.Unlock()

	snap, _, err := r.refresh(ctx, key)
	if err != nil {
		return err
	}
	r.publishCurrent(snap)
	return nil
}

// Snapshot returns the current view of key, loading it when missing or
// expired.
func (r *Registry) Snapshot(ctx context.Context, key appointment.QueueKey) (Snapshot, error) {
	r.mu.Lock()
	if v, ok := r.views[key]; ok && !r.stale(v) {
		v.lastUsed = r.now()
		snap := v.snap
		r.mu.Unlock()
		return snap, nil
	}
	r.mu.Unlock()

	snap, changed, err := r.refresh(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	if changed {
		r.publishCurrent(snap)
	}
	return snap, nil
}

// Rebuild reloads key from the store unconditionally.
func (r *Registry) Rebuild(ctx context.Context, key appointment.QueueKey) (Snapshot, error) {
	snap, changed, err := r.refresh(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	if changed {
		r.publishCurrent(snap)
	}
	return snap, nil
}

// Invalidate marks the view of key stale so the next read reloads it.
func (r *Registry) Invalidate(key appointment.QueueKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[key]; ok {
		v.loadedAt = time.Time{}
	}
}

// Keys lists the queues currently cached.
func (r *Registry) Keys() []appointment.QueueKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]appointment.QueueKey, 0, len(r.views))
	for k := range r.views {
		keys = append(keys, k)
	}
	return keys
}

// Reconcile re-derives every cached view from the store, correcting and
// publishing any that drifted, and evicts idle views.
func (r *Registry) Reconcile(ctx context.Context) error {
	now := r.now()

	r.mu.Lock()
	var keys []appointment.QueueKey
	for k, v := range r.views {
		if r.idle > 0 && now.Sub(v.lastUsed) > r.idle {
			delete(r.views, k)
			r.log.Debug().Str("queue", k.String()).Msg("evicted idle queue view")
			continue
		}
		keys = append(keys, k)
	}
	r.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		snap, changed, err := r.refresh(ctx, k)
		if err != nil {
			r.log.Warn().Err(err).Str("queue", k.String()).Msg("reconcile failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if changed {
			r.metrics.DriftCorrected()
			r.log.Warn().Str("queue", k.String()).Int64("version", snap.Version).Msg("queue view drifted from store, corrected")
			r.publishCurrent(snap)
		}
	}
	return firstErr
}

// refresh loads key and merges it into the view. changed reports whether an
// existing view's content was different.
func (r *Registry) refresh(ctx context.Context, key appointment.QueueKey) (Snapshot, bool, error) {
	appts, err := r.loader.ListQueue(ctx, key.DoctorID, key.Day())
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load queue %s: %w", key, err)
	}

	fresh := make(map[uuid.UUID]appointment.Appointment, len(appts))
	for _, a := range appts {
		fresh[a.ID] = a
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	v, existed := r.views[key]
	if !existed {
		v = &view{}
		r.views[key] = v
	}

	// Changes applied while the load was in flight may be newer.
	for id, cur := range v.appts {
		if f, ok := fresh[id]; !ok || cur.Revision > f.Revision {
			fresh[id] = cur
		}
	}

	changed := existed && !sameContent(v.appts, fresh)
	v.loadedAt = now
	v.lastUsed = now
	if !existed || changed {
		v.appts = fresh
		return r.derive(key, v), changed, nil
	}
	return v.snap, false, nil
}

// derive recomputes v.snap under r.mu.
func (r *Registry) derive(key appointment.QueueKey, v *view) Snapshot {
	list := make([]appointment.Appointment, 0, len(v.appts))
	for _, a := range v.appts {
		list = append(list, a)
	}
	snap := Derive(key, list)
	snap.GeneratedAt = r.now().UTC()
	v.snap = snap
	return snap
}

func (r *Registry) stale(v *view) bool {
	return r.ttl > 0 && r.now().Sub(v.loadedAt) > r.ttl
}

func (r *Registry) publishCurrent(snap Snapshot) {
	r.mu.Lock()
	pub := r.publisher
	r.mu.Unlock()
	publish(pub, snap)
}

func publish(pub Publisher, snap Snapshot) {
	if pub != nil {
		pub.Publish(snap)
	}
}

// put stores a unless the view already has the same or a newer revision.
func (v *view) put(a appointment.Appointment) bool {
	if v.appts == nil {
		v.appts = make(map[uuid.UUID]appointment.Appointment)
	}
	if cur, ok := v.appts[a.ID]; ok && cur.Revision >= a.Revision {
		return false
	}
	v.appts[a.ID] = a
	return true
}

func sameContent(a, b map[uuid.UUID]appointment.Appointment) bool {
	if len(a) != len(b) {
		return false
	}
	for id, x := range a {
		y, ok := b[id]
		if !ok || x.Status != y.Status || x.Revision != y.Revision {
			return false
		}
	}
	return true
}
