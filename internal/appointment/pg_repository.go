package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txBeginner interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

const oneInProgressIndex = "appointments_one_in_progress"

const slotColumns = `id, doctor_id, work_date, to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
	max_patients, booked_count, is_active, created_at, updated_at`

const appointmentColumns = `id, patient_id, doctor_id, slot_id, department_id, room_id, appointment_date,
	to_char(appointment_time, 'HH24:MI'), queue_number, status, symptoms, call_seq, called_at, revision,
	created_at, updated_at`

type PgRepository struct {
	pgStore
	pool txBeginner
}

// NewPgRepository accepts a *pgxpool.Pool (or anything with the same
// surface, such as a pgxmock pool in tests).
func NewPgRepository(pool txBeginner) *PgRepository {
	return &PgRepository{pgStore: pgStore{q: pool}, pool: pool}
}

func (r *PgRepository) WithTx(ctx context.Context, fn func(tx Store) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classifyPgError(fmt.Errorf("begin tx: %w", err))
	}

	if err := fn(&pgStore{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// pgStore implements Store over a pool or a transaction.
type pgStore struct {
	q querier
}

// Helpers

func scanSlot(row pgx.Row) (*ScheduleSlot, error) {
	var s ScheduleSlot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.WorkDate,
		&s.StartTime,
		&s.EndTime,
		&s.MaxPatients,
		&s.BookedCount,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, classifyPgError(err)
	}

	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.SlotID,
		&a.DepartmentID,
		&a.RoomID,
		&a.AppointmentDate,
		&a.AppointmentTime,
		&a.QueueNumber,
		&a.Status,
		&a.Symptoms,
		&a.CallSeq,
		&a.CalledAt,
		&a.Revision,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, classifyPgError(err)
	}

	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}

	return result, nil
}

// Store methods

func (s *pgStore) GetSlotByID(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM schedule_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (s *pgStore) IncrementBooked(ctx context.Context, slotID uuid.UUID) (*ScheduleSlot, bool, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE schedule_slots
		SET booked_count = booked_count + 1,
		    updated_at = now()
		WHERE id = $1
		  AND is_active
		  AND booked_count < max_patients
		RETURNING `+slotColumns, slotID)

	slot, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return slot, true, nil
}

func (s *pgStore) DecrementBooked(ctx context.Context, slotID uuid.UUID) (*ScheduleSlot, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE schedule_slots
		SET booked_count = GREATEST(booked_count - 1, 0),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+slotColumns, slotID)
	return scanSlot(row)
}

func (s *pgStore) NextQueueNumber(ctx context.Context, doctorID uuid.UUID, date time.Time) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `
		INSERT INTO queue_counters (doctor_id, work_date, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (doctor_id, work_date)
		DO UPDATE SET last_number = queue_counters.last_number + 1
		RETURNING last_number
	`, doctorID, date).Scan(&n)
	if err != nil {
		return 0, classifyPgError(fmt.Errorf("next queue number: %w", err))
	}
	return n, nil
}

func (s *pgStore) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := s.q.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, slot_id, department_id, room_id,
			appointment_date, appointment_time, queue_number, status, symptoms, revision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::time, $9, $10, $11, 0, now(), now())
		RETURNING `+appointmentColumns,
		id, a.PatientID, a.DoctorID, a.SlotID, a.DepartmentID, a.RoomID,
		a.AppointmentDate, a.AppointmentTime, a.QueueNumber, StatusWaiting, a.Symptoms)

	return scanAppointment(row)
}

func (s *pgStore) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *pgStore) UpdateAppointmentStatus(ctx context.Context, u StatusUpdate) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    call_seq = CASE WHEN $2 = 'called' THEN nextval('appointment_call_seq') ELSE call_seq END,
		    called_at = CASE WHEN $2 = 'called' THEN now() ELSE called_at END,
		    revision = revision + 1,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		  AND revision = $4
		RETURNING `+appointmentColumns,
		u.ID, u.To, u.From, u.Revision)

	a, err := scanAppointment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == oneInProgressIndex {
			return nil, ErrDoctorBusy
		}
		return nil, err
	}
	return a, nil
}

func (s *pgStore) HeadOfQueue(ctx context.Context, doctorID uuid.UUID, date time.Time) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND appointment_date = $2
		  AND status = 'waiting'
		ORDER BY queue_number
		LIMIT 1
	`, doctorID, date)
	return scanAppointment(row)
}

func (s *pgStore) InProgress(ctx context.Context, doctorID uuid.UUID, date time.Time) (*Appointment, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND appointment_date = $2
		  AND status = 'in_progress'
		LIMIT 1
	`, doctorID, date)
	return scanAppointment(row)
}

func (s *pgStore) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return classifyPgError(fmt.Errorf("insert event log: %w", err))
	}

	return nil
}

// Read models

func (r *PgRepository) ListQueue(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND appointment_date = $2
		ORDER BY queue_number
	`, doctorID, date)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("list queue: %w", err))
	}
	return collectAppointments(rows)
}

func (r *PgRepository) CountByStatus(ctx context.Context, f StatsFilter) (map[Status]int, error) {
	var (
		where = []string{"appointment_date = $1"}
		args  = []any{f.Date}
	)
	if f.DoctorID != nil {
		args = append(args, *f.DoctorID)
		where = append(where, fmt.Sprintf("doctor_id = $%d", len(args)))
	}
	if f.DepartmentID != nil {
		args = append(args, *f.DepartmentID)
		where = append(where, fmt.Sprintf("department_id = $%d", len(args)))
	}
	if f.RoomID != nil {
		args = append(args, *f.RoomID)
		where = append(where, fmt.Sprintf("room_id = $%d", len(args)))
	}

	rows, err := r.q.Query(ctx, `
		SELECT status, count(*)
		FROM appointments
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY status
	`, args...)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("count by status: %w", err))
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for rows.Next() {
		var (
			status Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classifyPgError(err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return counts, nil
}

func (r *PgRepository) DoctorsWithAppointments(ctx context.Context, date time.Time) ([]uuid.UUID, error) {
	rows, err := r.q.Query(ctx, `
		SELECT DISTINCT doctor_id
		FROM appointments
		WHERE appointment_date = $1
		ORDER BY doctor_id
	`, date)
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("list doctors: %w", err))
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, classifyPgError(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// classifyPgError marks errors that a retry could plausibly fix.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "55P03", // lock_not_available
			pgErr.Code == "57P03", // cannot_connect_now
			strings.HasPrefix(pgErr.Code, "08"):
			return Transient(err)
		}
		return err
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return Transient(err)
	}
	return err
}
