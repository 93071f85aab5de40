package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var slotCols = []string{"id", "doctor_id", "work_date", "start_time", "end_time",
	"max_patients", "booked_count", "is_active", "created_at", "updated_at"}

var apptCols = []string{"id", "patient_id", "doctor_id", "slot_id", "department_id", "room_id",
	"appointment_date", "appointment_time", "queue_number", "status", "symptoms", "call_seq",
	"called_at", "revision", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *PgRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPgRepository(mock)
}

func TestPgIncrementBooked(t *testing.T) {
	mock, repo := newMockRepo(t)
	slotID := uuid.New()
	now := time.Now()
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("UPDATE schedule_slots").
		WithArgs(slotID).
		WillReturnRows(pgxmock.NewRows(slotCols).
			AddRow(slotID, uuid.New(), day, "08:00", "12:00", 4, 3, true, now, now))

	slot, ok, err := repo.IncrementBooked(context.Background(), slotID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, slot.BookedCount)
	assert.Equal(t, 1, slot.Remaining())

	// A refused conditional update returns no row.
	mock.ExpectQuery("UPDATE schedule_slots").
		WithArgs(slotID).
		WillReturnRows(pgxmock.NewRows(slotCols))

	slot, ok, err = repo.IncrementBooked(context.Background(), slotID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, slot)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetAppointment(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()
	now := time.Now()
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM appointments").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(apptCols).
			AddRow(id, uuid.New(), uuid.New(), uuid.New(), nil, nil,
				day, "08:15", 7, "waiting", nil, nil,
				nil, 0, now, now))

	appt, err := repo.GetAppointmentByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, appt.Status)
	assert.Equal(t, 7, appt.QueueNumber)
	assert.Nil(t, appt.CallSeq)
	assert.Nil(t, appt.DepartmentID)

	mock.ExpectQuery("FROM appointments").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(apptCols))

	_, err = repo.GetAppointmentByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgUpdateStatus_InProgressConflict(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE appointments").
		WithArgs(id, StatusInProgress, StatusCalled, 1).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: oneInProgressIndex})

	_, err := repo.UpdateAppointmentStatus(context.Background(), StatusUpdate{
		ID: id, From: StatusCalled, To: StatusInProgress, Revision: 1,
	})
	assert.ErrorIs(t, err, ErrDoctorBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgWithTx_CommitAndRollback(t *testing.T) {
	mock, repo := newMockRepo(t)
	apptID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO appointment_events").
		WithArgs(EventAppointmentCalled, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.WithTx(context.Background(), func(tx Store) error {
		return tx.InsertEvent(context.Background(), EventLog{
			EventType:     EventAppointmentCalled,
			AppointmentID: &apptID,
			Payload:       []byte(`{}`),
		})
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = repo.WithTx(context.Background(), func(tx Store) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgWithTx_SerializationFailureIsTransient(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO queue_counters").
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	err := repo.WithTx(context.Background(), func(tx Store) error {
		_, err := tx.NextQueueNumber(context.Background(), uuid.New(), time.Now())
		return err
	})
	assert.True(t, IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCountByStatus(t *testing.T) {
	mock, repo := newMockRepo(t)
	doctor := uuid.New()
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`doctor_id = \$2`).
		WithArgs(day, doctor).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("waiting", 4).
			AddRow("done", 2))

	counts, err := repo.CountByStatus(context.Background(), StatsFilter{Date: day, DoctorID: &doctor})
	require.NoError(t, err)
	assert.Equal(t, 4, counts[StatusWaiting])
	assert.Equal(t, 2, counts[StatusDone])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyPgError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("nope"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(classifyPgError(tt.err)))
		})
	}
	assert.Nil(t, classifyPgError(nil))
}
