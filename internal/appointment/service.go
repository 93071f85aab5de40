package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/config"
	"github.com/hackgods/outpatient-queue/internal/metrics"
	redisclient "github.com/hackgods/outpatient-queue/internal/redis"
)

// Observer is told about every committed appointment change, after commit.
type Observer interface {
	AppointmentChanged(ctx context.Context, appt Appointment)
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	cfg      config.Config
	ledger   Ledger
	observer Observer
	metrics  *metrics.Engine
	log      zerolog.Logger
}

type Option func(*Service)

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithMetrics(m *metrics.Engine) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l.With().Str("component", "appointment").Logger() }
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Book admits a booking against its schedule slot and creates a WAITING
// appointment with the next queue number of the (doctor, date) queue.
// The slot lock makes concurrent bookings for one slot take turns; the
// ledger's conditional increment is what actually bounds capacity.
func (s *Service) Book(ctx context.Context, actor Actor, req BookingRequest) (*Appointment, error) {
	if err := validateBooking(&req); err != nil {
		s.metrics.ObserveBooking(errorCode(err))
		return nil, err
	}
	if !actor.canBook(req) {
		s.metrics.ObserveBooking(ErrForbidden.Code)
		return nil, ErrForbidden.WithMessage("%s may not book for patient %s", actor.Role, req.PatientID)
	}

	var created *Appointment

	err := s.retry(ctx, "book", func(ctx context.Context) error {
		return s.withLock(ctx, redisclient.SlotLockKey(req.SlotID), func(lockCtx context.Context) error {
			return s.repo.WithTx(lockCtx, func(st Store) error {
				appt, err := s.admit(lockCtx, st, actor, req)
				if err != nil {
					return err
				}
				created = appt
				return nil
			})
		})
	})
	if err != nil {
		s.metrics.ObserveBooking(errorCode(err))
		return nil, err
	}

	s.metrics.ObserveBooking("ok")
	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("slot_id", req.SlotID.String()).
		Int("queue_number", created.QueueNumber).
		Msg("appointment booked")

	s.notify(ctx, created)
	return created, nil
}

func (s *Service) admit(ctx context.Context, st Store, actor Actor, req BookingRequest) (*Appointment, error) {
	slot, err := st.GetSlotByID(ctx, req.SlotID)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, ErrInvalidSlot.WithMessage("schedule slot %s does not exist", req.SlotID)
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.DoctorID != req.DoctorID {
		return nil, ErrInvalidSlot.WithMessage("schedule slot belongs to another doctor")
	}
	if FormatDate(slot.WorkDate) != FormatDate(req.Date) {
		return nil, ErrInvalidSlot.WithMessage("schedule slot is for %s, not %s", FormatDate(slot.WorkDate), FormatDate(req.Date))
	}

	start, end := canonicalClock(slot.StartTime), canonicalClock(slot.EndTime)
	at := req.Time
	if at == "" {
		at = start
	}
	if at < start || at >= end {
		return nil, ErrInvalidSlot.WithMessage("time %s is outside the slot window %s-%s", at, slot.StartTime, slot.EndTime)
	}

	if _, err := s.ledger.TryReserve(ctx, st, req.SlotID); err != nil {
		return nil, err
	}

	number, err := st.NextQueueNumber(ctx, req.DoctorID, req.Date)
	if err != nil {
		return nil, err
	}

	appt, err := st.CreateAppointment(ctx, &Appointment{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		SlotID:          req.SlotID,
		DepartmentID:    req.DepartmentID,
		AppointmentDate: req.Date,
		AppointmentTime: at,
		QueueNumber:     number,
		Status:          StatusWaiting,
		Symptoms:        req.Symptoms,
	})
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	err = appendEvent(ctx, st, appt.ID, EventAppointmentBooked, transitionPayload{
		To:        StatusWaiting,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		SlotID:    req.SlotID,
		Queue:     number,
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// validateBooking checks req and rewrites req.Time as zero padded HH:MM so
// it orders correctly against the slot window.
func validateBooking(req *BookingRequest) error {
	switch {
	case req.PatientID == uuid.Nil:
		return ErrInvalidRequest.WithMessage("patient_id is required")
	case req.DoctorID == uuid.Nil:
		return ErrInvalidRequest.WithMessage("doctor_id is required")
	case req.SlotID == uuid.Nil:
		return ErrInvalidRequest.WithMessage("schedule_slot_id is required")
	case req.Date.IsZero():
		return ErrInvalidRequest.WithMessage("date is required")
	}
	if req.Time != "" {
		t, err := time.Parse("15:04", req.Time)
		if err != nil {
			return ErrInvalidRequest.WithMessage("time must be HH:MM")
		}
		req.Time = t.Format("15:04")
	}
	return nil
}

// canonicalClock returns s as HH:MM, or s unchanged if it is not a clock time.
func canonicalClock(s string) string {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return s
	}
	return t.Format("15:04")
}

// Cancel moves a WAITING appointment to CANCELLED and, by policy, gives its
// slot capacity back. Staff must say why.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Appointment, error) {
	if actor.IsStaff() && strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired.WithMessage("staff cancellations require a reason")
	}
	return s.transition(ctx, actor, id, transitionSpec{
		action: ActionCancel,
		reason: reason,
		after: func(ctx context.Context, st Store, updated *Appointment) error {
			if !s.cfg.ReleaseOnCancel {
				return nil
			}
			_, err := s.ledger.Release(ctx, st, updated.SlotID)
			return err
		},
	})
}

// CallNext calls the WAITING appointment with the smallest queue number.
// When expect is set the call only proceeds if that appointment is the head
// of the queue.
func (s *Service) CallNext(ctx context.Context, actor Actor, key QueueKey, expect *uuid.UUID) (*Appointment, error) {
	if !actor.canManageQueue(key.DoctorID) {
		s.metrics.ObserveTransition(string(ActionCall), ErrForbidden.Code)
		return nil, ErrForbidden.WithMessage("%s may not drive this queue", actor.Role)
	}

	var called *Appointment

	err := s.retry(ctx, "call_next", func(ctx context.Context) error {
		return s.withLock(ctx, redisclient.QueueLockKey(key.String()), func(lockCtx context.Context) error {
			return s.repo.WithTx(lockCtx, func(st Store) error {
				head, err := st.HeadOfQueue(lockCtx, key.DoctorID, key.Day())
				if err != nil {
					if errors.Is(err, ErrAppointmentNotFound) {
						return ErrQueueEmpty
					}
					return err
				}
				if expect != nil && head.ID != *expect {
					return ErrInvalidTransition.WithMessage("appointment %s is not next in queue", *expect)
				}

				updated, err := s.apply(lockCtx, st, actor, head, ActionCall, "")
				if err != nil {
					return err
				}
				called = updated
				return nil
			})
		})
	})
	s.metrics.ObserveTransition(string(ActionCall), errorCode(err))
	if err != nil {
		return nil, err
	}

	s.logTransition(called, ActionCall)
	s.notify(ctx, called)
	return called, nil
}

// Start moves a CALLED appointment into examination. At most one
// appointment per (doctor, date) may be IN_PROGRESS.
func (s *Service) Start(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, transitionSpec{
		action:    ActionStart,
		lockQueue: true,
		guard: func(ctx context.Context, st Store, cur *Appointment) error {
			busy, err := st.InProgress(ctx, cur.DoctorID, cur.AppointmentDate)
			if err != nil {
				if errors.Is(err, ErrAppointmentNotFound) {
					return nil
				}
				return err
			}
			if busy.ID != cur.ID {
				return ErrDoctorBusy.WithMessage("queue number %d is already in examination", busy.QueueNumber)
			}
			return nil
		},
	})
}

func (s *Service) Finish(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, transitionSpec{action: ActionFinish})
}

// Skip parks a CALLED patient who did not show up. The reason is kept in
// the audit trail.
func (s *Service) Skip(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Appointment, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired.WithMessage("skip requires a reason")
	}
	return s.transition(ctx, actor, id, transitionSpec{
		action:    ActionSkip,
		reason:    reason,
		lockQueue: true,
	})
}

// Recall returns a SKIPPED appointment to the back of the CALLED list,
// keeping its queue number.
func (s *Service) Recall(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, transitionSpec{
		action:    ActionRecall,
		lockQueue: true,
	})
}

// Apply is the status-change intake: it dispatches action to the matching
// operation.
func (s *Service) Apply(ctx context.Context, actor Actor, id uuid.UUID, action Action, reason string) (*Appointment, error) {
	switch action {
	case ActionCall:
		appt, err := s.loadAppointment(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := actor.authorize(appt, ActionCall); err != nil {
			return nil, err
		}
		if _, err := Next(appt.Status, ActionCall); err != nil {
			return nil, err
		}
		return s.CallNext(ctx, actor, appt.QueueKey(), &id)
	case ActionStart:
		return s.Start(ctx, actor, id)
	case ActionSkip:
		return s.Skip(ctx, actor, id, reason)
	case ActionFinish:
		return s.Finish(ctx, actor, id)
	case ActionRecall:
		return s.Recall(ctx, actor, id)
	case ActionCancel:
		return s.Cancel(ctx, actor, id, reason)
	}
	return nil, ErrInvalidRequest.WithMessage("unknown action %q", action)
}

// GetAppointment returns one appointment the actor is allowed to see.
func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == RolePatient && actor.ID != appt.PatientID {
		return nil, ErrAppointmentNotFound
	}
	if actor.Role == RoleDoctor && actor.ID != appt.DoctorID {
		return nil, ErrForbidden
	}
	return appt, nil
}

func (s *Service) loadAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var appt *Appointment
	err := s.retry(ctx, "load", func(ctx context.Context) error {
		a, err := s.repo.GetAppointmentByID(ctx, id)
		if err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

type transitionSpec struct {
	action    Action
	reason    string
	lockQueue bool
	guard     func(ctx context.Context, st Store, cur *Appointment) error
	after     func(ctx context.Context, st Store, updated *Appointment) error
}

// transition validates and persists one status change as a single
// transaction, optionally under the (doctor, date) queue lock.
func (s *Service) transition(ctx context.Context, actor Actor, id uuid.UUID, spec transitionSpec) (*Appointment, error) {
	var updated *Appointment

	err := s.retry(ctx, string(spec.action), func(ctx context.Context) error {
		cur, err := s.repo.GetAppointmentByID(ctx, id)
		if err != nil {
			return err
		}
		if err := actor.authorize(cur, spec.action); err != nil {
			return err
		}

		run := func(ctx context.Context) error {
			return s.repo.WithTx(ctx, func(st Store) error {
				fresh, err := st.GetAppointmentByID(ctx, id)
				if err != nil {
					return err
				}
				if _, err := Next(fresh.Status, spec.action); err != nil {
					return err
				}
				if spec.guard != nil {
					if err := spec.guard(ctx, st, fresh); err != nil {
						return err
					}
				}

				u, err := s.apply(ctx, st, actor, fresh, spec.action, spec.reason)
				if err != nil {
					return err
				}
				if spec.after != nil {
					if err := spec.after(ctx, st, u); err != nil {
						return err
					}
				}
				updated = u
				return nil
			})
		}

		if spec.lockQueue {
			return s.withLock(ctx, redisclient.QueueLockKey(cur.QueueKey().String()), run)
		}
		return run(ctx)
	})
	s.metrics.ObserveTransition(string(spec.action), errorCode(err))
	if err != nil {
		return nil, err
	}

	s.logTransition(updated, spec.action)
	s.notify(ctx, updated)
	return updated, nil
}

// apply writes the status change and its audit event. It must run inside a
// transaction.
func (s *Service) apply(ctx context.Context, st Store, actor Actor, cur *Appointment, action Action, reason string) (*Appointment, error) {
	to, err := Next(cur.Status, action)
	if err != nil {
		return nil, err
	}

	updated, err := st.UpdateAppointmentStatus(ctx, StatusUpdate{
		ID:       cur.ID,
		From:     cur.Status,
		To:       to,
		Revision: cur.Revision,
	})
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidTransition.WithMessage("appointment %s changed concurrently", cur.ID)
		}
		return nil, err
	}

	err = appendEvent(ctx, st, cur.ID, eventType(action), transitionPayload{
		From:      cur.Status,
		To:        to,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Reason:    strings.TrimSpace(reason),
		Queue:     cur.QueueNumber,
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// withLock treats a lock that could not be obtained in time, or a lock
// backend that is unreachable, as transient.
func (s *Service) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := s.locker.WithLock(ctx, key, func(lockCtx context.Context) error {
		s.metrics.ObserveLockWait(time.Since(start))
		return fn(lockCtx)
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) || errors.Is(err, redisclient.ErrLockUnavailable) {
		return Transient(err)
	}
	return err
}

// retry runs op until it succeeds, fails permanently, or the transient
// retry budget is spent.
func (s *Service) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(s.cfg.RetryBaseDelay),
				backoff.WithMaxElapsedTime(0),
			),
			uint64(max(s.cfg.RetryAttempts, 0)),
		),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		s.log.Warn().Err(err).Str("op", op).Dur("backoff", wait).Msg("transient failure, retrying")
	})

	if err != nil && IsTransient(err) {
		s.log.Error().Err(err).Str("op", op).Msg("giving up after transient failures")
		return ErrUnavailable.Wrap(err)
	}
	return err
}

func (s *Service) notify(ctx context.Context, appt *Appointment) {
	if s.observer == nil || appt == nil {
		return
	}
	// Detach from the request so a client hanging up does not cancel the
	// projection refresh.
	s.observer.AppointmentChanged(context.WithoutCancel(ctx), *appt)
}

func (s *Service) logTransition(appt *Appointment, action Action) {
	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("queue", appt.QueueKey().String()).
		Str("action", string(action)).
		Str("status", string(appt.Status)).
		Int("queue_number", appt.QueueNumber).
		Msg("transition applied")
}

func errorCode(err error) string {
	if err == nil {
		return "ok"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
