// Package appttest provides an in-memory appointment.Repository for tests.
//
// Transactions are serialized and work on a private copy of the data that
// is swapped in on commit, so a failed transaction leaves nothing behind.
package appttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/outpatient-queue/internal/appointment"
)

type counterKey struct {
	doctorID uuid.UUID
	date     string
}

type state struct {
	slots    map[uuid.UUID]appointment.ScheduleSlot
	appts    map[uuid.UUID]appointment.Appointment
	counters map[counterKey]int
	events   []appointment.EventLog
}

func newState() *state {
	return &state{
		slots:    map[uuid.UUID]appointment.ScheduleSlot{},
		appts:    map[uuid.UUID]appointment.Appointment{},
		counters: map[counterKey]int{},
	}
}

func (s *state) clone() *state {
	cp := newState()
	for k, v := range s.slots {
		cp.slots[k] = v
	}
	for k, v := range s.appts {
		cp.appts[k] = v
	}
	for k, v := range s.counters {
		cp.counters[k] = v
	}
	cp.events = append(cp.events, s.events...)
	return cp
}

// Repo is an in-memory appointment.Repository.
type Repo struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data *state
	seq  atomic.Int64

	failMu   sync.Mutex
	failN    int
	failWith error
}

var _ appointment.Repository = (*Repo)(nil)

func New() *Repo {
	return &Repo{data: newState()}
}

// FailTx makes the next n transactions fail with err before running.
func (r *Repo) FailTx(n int, err error) {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	r.failN = n
	r.failWith = err
}

func (r *Repo) injected() error {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	if r.failN == 0 {
		return nil
	}
	r.failN--
	return r.failWith
}

func (r *Repo) WithTx(ctx context.Context, fn func(tx appointment.Store) error) error {
	if err := r.injected(); err != nil {
		return err
	}

	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	work := r.data.clone()
	r.mu.Unlock()

	if err := fn(&memStore{s: work, seq: &r.seq}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.data = work
	r.mu.Unlock()
	return nil
}

// view runs fn against the committed data.
func (r *Repo) view(fn func(m *memStore)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&memStore{s: r.data, seq: &r.seq})
}

// AddSlot stores a schedule slot and returns it. Zero IDs are filled in.
func (r *Repo) AddSlot(slot appointment.ScheduleSlot) appointment.ScheduleSlot {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	if slot.StartTime == "" {
		slot.StartTime = "08:00"
	}
	if slot.EndTime == "" {
		slot.EndTime = "12:00"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.slots[slot.ID] = slot
	return slot
}

func (r *Repo) Slot(id uuid.UUID) appointment.ScheduleSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.slots[id]
}

// Appointments returns every committed appointment ordered by queue number.
func (r *Repo) Appointments() []appointment.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]appointment.Appointment, 0, len(r.data.appts))
	for _, a := range r.data.appts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueNumber < out[j].QueueNumber })
	return out
}

func (r *Repo) Events() []appointment.EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]appointment.EventLog(nil), r.data.events...)
}

func (r *Repo) GetSlotByID(ctx context.Context, id uuid.UUID) (slot *appointment.ScheduleSlot, err error) {
	r.view(func(m *memStore) { slot, err = m.GetSlotByID(ctx, id) })
	return
}

func (r *Repo) IncrementBooked(ctx context.Context, slotID uuid.UUID) (slot *appointment.ScheduleSlot, ok bool, err error) {
	r.view(func(m *memStore) { slot, ok, err = m.IncrementBooked(ctx, slotID) })
	return
}

func (r *Repo) DecrementBooked(ctx context.Context, slotID uuid.UUID) (slot *appointment.ScheduleSlot, err error) {
	r.view(func(m *memStore) { slot, err = m.DecrementBooked(ctx, slotID) })
	return
}

func (r *Repo) NextQueueNumber(ctx context.Context, doctorID uuid.UUID, date time.Time) (n int, err error) {
	r.view(func(m *memStore) { n, err = m.NextQueueNumber(ctx, doctorID, date) })
	return
}

func (r *Repo) CreateAppointment(ctx context.Context, a *appointment.Appointment) (out *appointment.Appointment, err error) {
	r.view(func(m *memStore) { out, err = m.CreateAppointment(ctx, a) })
	return
}

func (r *Repo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (out *appointment.Appointment, err error) {
	r.view(func(m *memStore) { out, err = m.GetAppointmentByID(ctx, id) })
	return
}

func (r *Repo) UpdateAppointmentStatus(ctx context.Context, u appointment.StatusUpdate) (out *appointment.Appointment, err error) {
	r.view(func(m *memStore) { out, err = m.UpdateAppointmentStatus(ctx, u) })
	return
}

func (r *Repo) HeadOfQueue(ctx context.Context, doctorID uuid.UUID, date time.Time) (out *appointment.Appointment, err error) {
	r.view(func(m *memStore) { out, err = m.HeadOfQueue(ctx, doctorID, date) })
	return
}

func (r *Repo) InProgress(ctx context.Context, doctorID uuid.UUID, date time.Time) (out *appointment.Appointment, err error) {
	r.view(func(m *memStore) { out, err = m.InProgress(ctx, doctorID, date) })
	return
}

func (r *Repo) InsertEvent(ctx context.Context, ev appointment.EventLog) (err error) {
	r.view(func(m *memStore) { err = m.InsertEvent(ctx, ev) })
	return
}

func (r *Repo) ListQueue(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]appointment.Appointment, error) {
	var out []appointment.Appointment
	r.view(func(m *memStore) { out = m.queue(doctorID, appointment.FormatDate(date)) })
	return out, nil
}

func (r *Repo) CountByStatus(ctx context.Context, f appointment.StatsFilter) (map[appointment.Status]int, error) {
	counts := map[appointment.Status]int{}
	day := appointment.FormatDate(f.Date)
	r.view(func(m *memStore) {
		for _, a := range m.s.appts {
			if appointment.FormatDate(a.AppointmentDate) != day {
				continue
			}
			if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
				continue
			}
			if f.DepartmentID != nil && (a.DepartmentID == nil || *a.DepartmentID != *f.DepartmentID) {
				continue
			}
			if f.RoomID != nil && (a.RoomID == nil || *a.RoomID != *f.RoomID) {
				continue
			}
			counts[a.Status]++
		}
	})
	return counts, nil
}

func (r *Repo) DoctorsWithAppointments(ctx context.Context, date time.Time) ([]uuid.UUID, error) {
	day := appointment.FormatDate(date)
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	r.view(func(m *memStore) {
		for _, a := range m.s.appts {
			if appointment.FormatDate(a.AppointmentDate) == day && !seen[a.DoctorID] {
				seen[a.DoctorID] = true
				out = append(out, a.DoctorID)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// memStore implements appointment.Store over one state without locking.
type memStore struct {
	s   *state
	seq *atomic.Int64
}

func (m *memStore) GetSlotByID(_ context.Context, id uuid.UUID) (*appointment.ScheduleSlot, error) {
	slot, ok := m.s.slots[id]
	if !ok {
		return nil, appointment.ErrSlotNotFound
	}
	return &slot, nil
}

func (m *memStore) IncrementBooked(_ context.Context, slotID uuid.UUID) (*appointment.ScheduleSlot, bool, error) {
	slot, ok := m.s.slots[slotID]
	if !ok || !slot.IsActive || slot.BookedCount >= slot.MaxPatients {
		return nil, false, nil
	}
	slot.BookedCount++
	m.s.slots[slotID] = slot
	return &slot, true, nil
}

func (m *memStore) DecrementBooked(_ context.Context, slotID uuid.UUID) (*appointment.ScheduleSlot, error) {
	slot, ok := m.s.slots[slotID]
	if !ok {
		return nil, appointment.ErrSlotNotFound
	}
	if slot.BookedCount > 0 {
		slot.BookedCount--
	}
	m.s.slots[slotID] = slot
	return &slot, nil
}

func (m *memStore) NextQueueNumber(_ context.Context, doctorID uuid.UUID, date time.Time) (int, error) {
	k := counterKey{doctorID: doctorID, date: appointment.FormatDate(date)}
	m.s.counters[k]++
	return m.s.counters[k], nil
}

func (m *memStore) CreateAppointment(_ context.Context, a *appointment.Appointment) (*appointment.Appointment, error) {
	if _, exists := m.s.appts[a.ID]; exists {
		return nil, fmt.Errorf("appointment %s already exists", a.ID)
	}
	day := appointment.FormatDate(a.AppointmentDate)
	for _, other := range m.s.appts {
		if other.DoctorID == a.DoctorID && appointment.FormatDate(other.AppointmentDate) == day && other.QueueNumber == a.QueueNumber {
			return nil, fmt.Errorf("queue number %d already taken", a.QueueNumber)
		}
	}

	now := time.Now().UTC()
	created := *a
	created.Revision = 0
	created.CreatedAt = now
	created.UpdatedAt = now
	m.s.appts[a.ID] = created
	return &created, nil
}

func (m *memStore) GetAppointmentByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := m.s.appts[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memStore) UpdateAppointmentStatus(_ context.Context, u appointment.StatusUpdate) (*appointment.Appointment, error) {
	a, ok := m.s.appts[u.ID]
	if !ok || a.Status != u.From || a.Revision != u.Revision {
		return nil, appointment.ErrAppointmentNotFound
	}

	if u.To == appointment.StatusInProgress {
		day := appointment.FormatDate(a.AppointmentDate)
		for _, other := range m.s.appts {
			if other.ID != a.ID && other.DoctorID == a.DoctorID &&
				appointment.FormatDate(other.AppointmentDate) == day &&
				other.Status == appointment.StatusInProgress {
				return nil, appointment.ErrDoctorBusy
			}
		}
	}

	now := time.Now().UTC()
	a.Status = u.To
	a.Revision++
	a.UpdatedAt = now
	if u.To == appointment.StatusCalled {
		seq := m.seq.Add(1)
		a.CallSeq = &seq
		a.CalledAt = &now
	}
	m.s.appts[u.ID] = a
	return &a, nil
}

func (m *memStore) HeadOfQueue(_ context.Context, doctorID uuid.UUID, date time.Time) (*appointment.Appointment, error) {
	for _, a := range m.queue(doctorID, appointment.FormatDate(date)) {
		if a.Status == appointment.StatusWaiting {
			return &a, nil
		}
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (m *memStore) InProgress(_ context.Context, doctorID uuid.UUID, date time.Time) (*appointment.Appointment, error) {
	for _, a := range m.queue(doctorID, appointment.FormatDate(date)) {
		if a.Status == appointment.StatusInProgress {
			return &a, nil
		}
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (m *memStore) InsertEvent(_ context.Context, ev appointment.EventLog) error {
	ev.ID = int64(len(m.s.events) + 1)
	m.s.events = append(m.s.events, ev)
	return nil
}

func (m *memStore) queue(doctorID uuid.UUID, day string) []appointment.Appointment {
	var out []appointment.Appointment
	for _, a := range m.s.appts {
		if a.DoctorID == doctorID && appointment.FormatDate(a.AppointmentDate) == day {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueNumber < out[j].QueueNumber })
	return out
}
