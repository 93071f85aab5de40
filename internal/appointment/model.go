package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusCalled     Status = "called"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusSkipped    Status = "skipped"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusWaiting,
	StatusCalled,
	StatusInProgress,
	StatusDone,
	StatusCancelled,
	StatusSkipped,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

const DateLayout = "2006-01-02"

// ParseDate parses a calendar date (YYYY-MM-DD) into UTC midnight.
func ParseDate(raw string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", raw, err)
	}
	return d, nil
}

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// QueueKey identifies one doctor's queue for one calendar day.
type QueueKey struct {
	DoctorID uuid.UUID
	Date     string
}

func NewQueueKey(doctorID uuid.UUID, date time.Time) QueueKey {
	return QueueKey{DoctorID: doctorID, Date: FormatDate(date)}
}

func (k QueueKey) String() string {
	return k.DoctorID.String() + ":" + k.Date
}

func (k QueueKey) Day() time.Time {
	d, _ := ParseDate(k.Date)
	return d
}

// ParseQueueKey is the inverse of QueueKey.String.
func ParseQueueKey(raw string) (QueueKey, error) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return QueueKey{}, fmt.Errorf("queue key %q: missing separator", raw)
	}
	doctorID, err := uuid.Parse(raw[:idx])
	if err != nil {
		return QueueKey{}, fmt.Errorf("queue key %q: %w", raw, err)
	}
	date, err := ParseDate(raw[idx+1:])
	if err != nil {
		return QueueKey{}, err
	}
	return NewQueueKey(doctorID, date), nil
}

type ScheduleSlot struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	WorkDate    time.Time
	StartTime   string // HH:MM
	EndTime     string // HH:MM
	MaxPatients int
	BookedCount int
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s ScheduleSlot) Remaining() int {
	if s.BookedCount >= s.MaxPatients {
		return 0
	}
	return s.MaxPatients - s.BookedCount
}

type Appointment struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	SlotID          uuid.UUID
	DepartmentID    *uuid.UUID
	RoomID          *uuid.UUID
	AppointmentDate time.Time
	AppointmentTime string // HH:MM
	QueueNumber     int
	Status          Status
	Symptoms        *string
	// CallSeq orders the called list by when each entry was called or recalled.
	CallSeq   *int64
	CalledAt  *time.Time
	Revision  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Appointment) QueueKey() QueueKey {
	return NewQueueKey(a.DoctorID, a.AppointmentDate)
}

// BookingRequest is the booking intake.
type BookingRequest struct {
	PatientID    uuid.UUID
	DoctorID     uuid.UUID
	SlotID       uuid.UUID
	DepartmentID *uuid.UUID
	Date         time.Time
	Time         string // HH:MM, defaults to the slot start
	Symptoms     *string
}

// StatusUpdate is a conditional status write: it applies only while the row
// still has status From at revision Revision.
type StatusUpdate struct {
	ID       uuid.UUID
	From     Status
	To       Status
	Revision int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// StatsFilter narrows a daily statistics query. Nil fields are not applied.
type StatsFilter struct {
	Date         time.Time
	DoctorID     *uuid.UUID
	DepartmentID *uuid.UUID
	RoomID       *uuid.UUID
}
