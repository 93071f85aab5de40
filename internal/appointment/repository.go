package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store contains the reads and writes the engine performs. Every method is
// available both on the repository and inside a transaction.
type Store interface {
	GetSlotByID(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error)

	// IncrementBooked raises booked_count by one only while the slot is
	// active and below capacity. ok is false when that condition failed.
	IncrementBooked(ctx context.Context, slotID uuid.UUID) (slot *ScheduleSlot, ok bool, err error)
	// DecrementBooked lowers booked_count by one, never below zero.
	DecrementBooked(ctx context.Context, slotID uuid.UUID) (*ScheduleSlot, error)

	// NextQueueNumber bumps and returns the per (doctor, date) sequence.
	NextQueueNumber(ctx context.Context, doctorID uuid.UUID, date time.Time) (int, error)

	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// UpdateAppointmentStatus applies u only if status and revision still
	// match, returning ErrAppointmentNotFound otherwise. Moving into CALLED
	// assigns a fresh call sequence.
	UpdateAppointmentStatus(ctx context.Context, u StatusUpdate) (*Appointment, error)

	// HeadOfQueue returns the WAITING appointment with the smallest queue
	// number, or ErrAppointmentNotFound.
	HeadOfQueue(ctx context.Context, doctorID uuid.UUID, date time.Time) (*Appointment, error)
	// InProgress returns the IN_PROGRESS appointment, or ErrAppointmentNotFound.
	InProgress(ctx context.Context, doctorID uuid.UUID, date time.Time) (*Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Repository contains all DB interactions needed by the engine.
type Repository interface {
	Store

	// WithTx runs fn inside one transaction; any error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// ListQueue returns every appointment of one (doctor, date) ordered by
	// queue number.
	ListQueue(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error)
	CountByStatus(ctx context.Context, f StatsFilter) (map[Status]int, error)
	DoctorsWithAppointments(ctx context.Context, date time.Time) ([]uuid.UUID, error)
}
