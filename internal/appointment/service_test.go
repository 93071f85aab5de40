package appointment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/appointment/appttest"
	"github.com/hackgods/outpatient-queue/internal/config"
	redisclient "github.com/hackgods/outpatient-queue/internal/redis"
)

type recordingObserver struct {
	mu      sync.Mutex
	changes []appointment.Appointment
}

func (o *recordingObserver) AppointmentChanged(_ context.Context, appt appointment.Appointment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, appt)
}

func (o *recordingObserver) statuses() []appointment.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]appointment.Status, 0, len(o.changes))
	for _, c := range o.changes {
		out = append(out, c.Status)
	}
	return out
}

type fixture struct {
	repo     *appttest.Repo
	svc      *appointment.Service
	observer *recordingObserver
	doctor   uuid.UUID
	date     time.Time
	nurse    appointment.Actor
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		LockTTL:         2 * time.Second,
		LockWait:        2 * time.Second,
		RetryAttempts:   2,
		RetryBaseDelay:  time.Millisecond,
		ReleaseOnCancel: true,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	repo := appttest.New()
	observer := &recordingObserver{}
	svc := appointment.NewService(repo, redisclient.NewRedisLocker(client, cfg.LockTTL, cfg.LockWait), cfg,
		appointment.WithObserver(observer))

	date, err := appointment.ParseDate("2026-03-14")
	require.NoError(t, err)

	return &fixture{
		repo:     repo,
		svc:      svc,
		observer: observer,
		doctor:   uuid.New(),
		date:     date,
		nurse:    appointment.Actor{ID: uuid.New(), Role: appointment.RoleNurse},
	}
}

func (f *fixture) slot(capacity int) appointment.ScheduleSlot {
	return f.repo.AddSlot(appointment.ScheduleSlot{
		DoctorID:    f.doctor,
		WorkDate:    f.date,
		StartTime:   "08:00",
		EndTime:     "12:00",
		MaxPatients: capacity,
		IsActive:    true,
	})
}

func (f *fixture) request(slot appointment.ScheduleSlot) appointment.BookingRequest {
	return appointment.BookingRequest{
		PatientID: uuid.New(),
		DoctorID:  slot.DoctorID,
		SlotID:    slot.ID,
		Date:      f.date,
	}
}

func (f *fixture) book(t *testing.T, slot appointment.ScheduleSlot) *appointment.Appointment {
	t.Helper()
	appt, err := f.svc.Book(context.Background(), f.nurse, f.request(slot))
	require.NoError(t, err)
	return appt
}

func (f *fixture) key() appointment.QueueKey {
	return appointment.NewQueueKey(f.doctor, f.date)
}

func (f *fixture) status(t *testing.T, id uuid.UUID) appointment.Status {
	t.Helper()
	a, err := f.repo.GetAppointmentByID(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func TestBook_FillsSlotThenRefuses(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(2)

	first := f.book(t, slot)
	second := f.book(t, slot)
	assert.Equal(t, 1, first.QueueNumber)
	assert.Equal(t, 2, second.QueueNumber)
	assert.Equal(t, appointment.StatusWaiting, first.Status)

	_, err := f.svc.Book(context.Background(), f.nurse, f.request(slot))
	assert.ErrorIs(t, err, appointment.ErrSlotFull)
	assert.Equal(t, appointment.KindAdmission, appointment.KindOf(err))

	assert.Equal(t, 2, f.repo.Slot(slot.ID).BookedCount)
	assert.Len(t, f.repo.Appointments(), 2)
}

func TestBook_ConcurrentNeverOverbooks(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(5)

	const attempts = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   []int
		full int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			appt, err := f.svc.Book(context.Background(), f.nurse, f.request(slot))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok = append(ok, appt.QueueNumber)
			case errors.Is(err, appointment.ErrSlotFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ok, 5)
	assert.Equal(t, attempts-5, full)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, ok)
	assert.Equal(t, 5, f.repo.Slot(slot.ID).BookedCount)
}

func TestBook_QueueNumbersSpanSlots(t *testing.T) {
	f := newFixture(t)
	morning := f.slot(1)
	afternoon := f.repo.AddSlot(appointment.ScheduleSlot{
		DoctorID:    f.doctor,
		WorkDate:    f.date,
		StartTime:   "13:00",
		EndTime:     "17:00",
		MaxPatients: 3,
		IsActive:    true,
	})

	a := f.book(t, morning)
	b := f.book(t, afternoon)
	assert.Equal(t, 1, a.QueueNumber)
	assert.Equal(t, 2, b.QueueNumber)
	assert.Equal(t, "13:00", b.AppointmentTime)
}

func TestBook_Rejections(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(3)
	closed := f.repo.AddSlot(appointment.ScheduleSlot{
		DoctorID:    f.doctor,
		WorkDate:    f.date,
		MaxPatients: 3,
		IsActive:    false,
	})

	evening := f.repo.AddSlot(appointment.ScheduleSlot{
		DoctorID:    f.doctor,
		WorkDate:    f.date,
		StartTime:   "10:00",
		EndTime:     "20:00",
		MaxPatients: 3,
		IsActive:    true,
	})

	tests := []struct {
		name   string
		mutate func(r *appointment.BookingRequest)
		want   error
	}{
		{"single digit hour before window", func(r *appointment.BookingRequest) {
			r.SlotID = evening.ID
			r.Time = "1:30"
		}, appointment.ErrInvalidSlot},
		{"unknown slot", func(r *appointment.BookingRequest) { r.SlotID = uuid.New() }, appointment.ErrInvalidSlot},
		{"other doctor", func(r *appointment.BookingRequest) { r.DoctorID = uuid.New() }, appointment.ErrInvalidSlot},
		{"other date", func(r *appointment.BookingRequest) { r.Date = f.date.AddDate(0, 0, 1) }, appointment.ErrInvalidSlot},
		{"time outside window", func(r *appointment.BookingRequest) { r.Time = "12:30" }, appointment.ErrInvalidSlot},
		{"closed slot", func(r *appointment.BookingRequest) { r.SlotID = closed.ID }, appointment.ErrSlotClosed},
		{"malformed time", func(r *appointment.BookingRequest) { r.Time = "9am" }, appointment.ErrInvalidRequest},
		{"missing patient", func(r *appointment.BookingRequest) { r.PatientID = uuid.Nil }, appointment.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request(slot)
			tt.mutate(&req)
			_, err := f.svc.Book(context.Background(), f.nurse, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, 0, f.repo.Slot(slot.ID).BookedCount)
	assert.Equal(t, 0, f.repo.Slot(evening.ID).BookedCount)
	assert.Empty(t, f.repo.Appointments())
}

func TestBook_SingleDigitHourIsNormalized(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(3)
	req := f.request(slot)
	req.Time = "9:05"

	appt, err := f.svc.Book(context.Background(), f.nurse, req)
	require.NoError(t, err)
	assert.Equal(t, "09:05", appt.AppointmentTime)
	assert.Equal(t, 1, f.repo.Slot(slot.ID).BookedCount)
}

func TestBook_PatientOnlyForThemselves(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(3)
	req := f.request(slot)

	_, err := f.svc.Book(context.Background(), appointment.Actor{ID: uuid.New(), Role: appointment.RolePatient}, req)
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	appt, err := f.svc.Book(context.Background(), appointment.Actor{ID: req.PatientID, Role: appointment.RolePatient}, req)
	require.NoError(t, err)
	assert.Equal(t, req.PatientID, appt.PatientID)
}

func TestQueueFlow_CallStartFinish(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(5)
	a1, a2 := f.book(t, slot), f.book(t, slot)
	f.book(t, slot)
	ctx := context.Background()

	called, err := f.svc.CallNext(ctx, f.nurse, f.key(), nil)
	require.NoError(t, err)
	assert.Equal(t, a1.ID, called.ID)
	assert.Equal(t, appointment.StatusCalled, called.Status)
	require.NotNil(t, called.CallSeq)

	_, err = f.svc.Start(ctx, f.nurse, a1.ID)
	require.NoError(t, err)
	done, err := f.svc.Finish(ctx, f.nurse, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusDone, done.Status)
	assert.Equal(t, 3, done.Revision)

	next, err := f.svc.CallNext(ctx, f.nurse, f.key(), nil)
	require.NoError(t, err)
	assert.Equal(t, a2.ID, next.ID)

	var types []string
	for _, ev := range f.repo.Events() {
		if ev.AppointmentID != nil && *ev.AppointmentID == a1.ID {
			types = append(types, ev.EventType)
		}
	}
	assert.Equal(t, []string{
		appointment.EventAppointmentBooked,
		appointment.EventAppointmentCalled,
		appointment.EventAppointmentStarted,
		appointment.EventAppointmentFinished,
	}, types)
}

func TestCallNext_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CallNext(context.Background(), f.nurse, f.key(), nil)
	assert.ErrorIs(t, err, appointment.ErrQueueEmpty)
}

func TestCallNext_OnlyOwnDoctor(t *testing.T) {
	f := newFixture(t)
	f.book(t, f.slot(2))

	other := appointment.Actor{ID: uuid.New(), Role: appointment.RoleDoctor}
	_, err := f.svc.CallNext(context.Background(), other, f.key(), nil)
	assert.ErrorIs(t, err, appointment.ErrForbidden)

	own := appointment.Actor{ID: f.doctor, Role: appointment.RoleDoctor}
	_, err = f.svc.CallNext(context.Background(), own, f.key(), nil)
	assert.NoError(t, err)
}

func TestSkipAndRecall(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(5)
	a1, a2 := f.book(t, slot), f.book(t, slot)
	ctx := context.Background()

	_, err := f.svc.CallNext(ctx, f.nurse, f.key(), nil)
	require.NoError(t, err)

	_, err = f.svc.Skip(ctx, f.nurse, a1.ID, "  ")
	assert.ErrorIs(t, err, appointment.ErrReasonRequired)
	assert.Equal(t, appointment.StatusCalled, f.status(t, a1.ID))

	skipped, err := f.svc.Skip(ctx, f.nurse, a1.ID, "not present")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusSkipped, skipped.Status)

	second, err := f.svc.CallNext(ctx, f.nurse, f.key(), nil)
	require.NoError(t, err)
	assert.Equal(t, a2.ID, second.ID)

	recalled, err := f.svc.Recall(ctx, f.nurse, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCalled, recalled.Status)
	assert.Equal(t, 1, recalled.QueueNumber)
	assert.Greater(t, *recalled.CallSeq, *second.CallSeq)
}

func TestStart_OnePatientInExamination(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(5)
	a1, a2 := f.book(t, slot), f.book(t, slot)
	ctx := context.Background()

	for range 2 {
		_, err := f.svc.CallNext(ctx, f.nurse, f.key(), nil)
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, id := range []uuid.UUID{a1.ID, a2.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Start(ctx, f.nurse, id)
		}()
	}
	wg.Wait()

	succeeded, busy := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, appointment.ErrDoctorBusy):
			busy++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, busy)

	inProgress := 0
	for _, a := range f.repo.Appointments() {
		if a.Status == appointment.StatusInProgress {
			inProgress++
		}
	}
	assert.Equal(t, 1, inProgress)
}

func TestIllegalTransitionLeavesAppointmentUntouched(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slot(2))
	eventsBefore := len(f.repo.Events())

	tests := []func() (*appointment.Appointment, error){
		func() (*appointment.Appointment, error) { return f.svc.Finish(context.Background(), f.nurse, appt.ID) },
		func() (*appointment.Appointment, error) { return f.svc.Start(context.Background(), f.nurse, appt.ID) },
		func() (*appointment.Appointment, error) { return f.svc.Recall(context.Background(), f.nurse, appt.ID) },
		func() (*appointment.Appointment, error) {
			return f.svc.Skip(context.Background(), f.nurse, appt.ID, "absent")
		},
	}
	for _, run := range tests {
		_, err := run()
		assert.ErrorIs(t, err, appointment.ErrInvalidTransition)
	}

	stored, err := f.repo.GetAppointmentByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusWaiting, stored.Status)
	assert.Equal(t, 0, stored.Revision)
	assert.Len(t, f.repo.Events(), eventsBefore)
}

func TestCancel(t *testing.T) {
	t.Run("releases capacity", func(t *testing.T) {
		f := newFixture(t)
		slot := f.slot(1)
		appt := f.book(t, slot)

		_, err := f.svc.Cancel(context.Background(), f.nurse, appt.ID, "")
		assert.ErrorIs(t, err, appointment.ErrReasonRequired)

		cancelled, err := f.svc.Cancel(context.Background(), f.nurse, appt.ID, "patient phoned")
		require.NoError(t, err)
		assert.Equal(t, appointment.StatusCancelled, cancelled.Status)
		assert.Equal(t, 0, f.repo.Slot(slot.ID).BookedCount)

		again := f.book(t, slot)
		assert.Equal(t, 2, again.QueueNumber)
	})

	t.Run("keeps capacity when configured", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.ReleaseOnCancel = false })
		slot := f.slot(1)
		appt := f.book(t, slot)

		_, err := f.svc.Cancel(context.Background(), f.nurse, appt.ID, "duplicate")
		require.NoError(t, err)
		assert.Equal(t, 1, f.repo.Slot(slot.ID).BookedCount)
	})

	t.Run("patient cancels own only", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, f.slot(2))

		_, err := f.svc.Cancel(context.Background(), appointment.Actor{ID: uuid.New(), Role: appointment.RolePatient}, appt.ID, "")
		assert.ErrorIs(t, err, appointment.ErrForbidden)

		_, err = f.svc.Cancel(context.Background(), appointment.Actor{ID: appt.PatientID, Role: appointment.RolePatient}, appt.ID, "")
		assert.NoError(t, err)
	})

	t.Run("only while waiting", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, f.slot(2))
		_, err := f.svc.CallNext(context.Background(), f.nurse, f.key(), nil)
		require.NoError(t, err)

		_, err = f.svc.Cancel(context.Background(), f.nurse, appt.ID, "changed mind")
		assert.ErrorIs(t, err, appointment.ErrInvalidTransition)
	})
}

func TestApply_CallById(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(3)
	a1, a2 := f.book(t, slot), f.book(t, slot)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, f.nurse, a2.ID, appointment.ActionCall, "")
	assert.ErrorIs(t, err, appointment.ErrInvalidTransition)

	called, err := f.svc.Apply(ctx, f.nurse, a1.ID, appointment.ActionCall, "")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, called.ID)

	_, err = f.svc.Apply(ctx, f.nurse, a1.ID, appointment.ActionCall, "")
	assert.ErrorIs(t, err, appointment.ErrInvalidTransition)

	_, err = f.svc.Apply(ctx, f.nurse, a1.ID, appointment.Action("teleport"), "")
	assert.ErrorIs(t, err, appointment.ErrInvalidRequest)

	_, err = f.svc.Apply(ctx, f.nurse, uuid.New(), appointment.ActionStart, "")
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(2)

	f.repo.FailTx(2, appointment.Transient(errors.New("connection reset")))
	appt, err := f.svc.Book(context.Background(), f.nurse, f.request(slot))
	require.NoError(t, err)
	assert.Equal(t, 1, appt.QueueNumber)

	f.repo.FailTx(10, appointment.Transient(errors.New("connection reset")))
	_, err = f.svc.Book(context.Background(), f.nurse, f.request(slot))
	assert.ErrorIs(t, err, appointment.ErrUnavailable)
	assert.Equal(t, appointment.KindTransient, appointment.KindOf(err))
	assert.Equal(t, 1, f.repo.Slot(slot.ID).BookedCount)
}

func TestNonTransientFailuresAreNotRetried(t *testing.T) {
	f := newFixture(t)
	slot := f.slot(2)

	boom := errors.New("constraint violated")
	f.repo.FailTx(1, boom)
	_, err := f.svc.Book(context.Background(), f.nurse, f.request(slot))
	assert.ErrorIs(t, err, boom)

	// The next attempt is unaffected.
	f.book(t, slot)
}

func TestObserverSeesCommittedChanges(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slot(2))

	_, err := f.svc.CallNext(context.Background(), f.nurse, f.key(), nil)
	require.NoError(t, err)
	_, err = f.svc.Finish(context.Background(), f.nurse, appt.ID)
	require.Error(t, err)

	assert.Equal(t, []appointment.Status{appointment.StatusWaiting, appointment.StatusCalled}, f.observer.statuses())
}

func TestGetAppointment(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, f.slot(2))
	ctx := context.Background()

	got, err := f.svc.GetAppointment(ctx, appointment.Actor{ID: appt.PatientID, Role: appointment.RolePatient}, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, got.ID)

	_, err = f.svc.GetAppointment(ctx, appointment.Actor{ID: uuid.New(), Role: appointment.RolePatient}, appt.ID)
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)

	_, err = f.svc.GetAppointment(ctx, appointment.Actor{ID: uuid.New(), Role: appointment.RoleDoctor}, appt.ID)
	assert.ErrorIs(t, err, appointment.ErrForbidden)
}
