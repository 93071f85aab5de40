package queue

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/outpatient-queue/internal/appointment"
)

// Entry is one appointment as shown on a queue board.
type Entry struct {
	AppointmentID   uuid.UUID          `json:"appointment_id"`
	PatientID       *uuid.UUID         `json:"patient_id,omitempty"`
	QueueNumber     int                `json:"queue_number"`
	Status          appointment.Status `json:"status"`
	AppointmentTime string             `json:"appointment_time"`
	CalledAt        *time.Time         `json:"called_at,omitempty"`
}

type Counts struct {
	Waiting    int `json:"waiting"`
	Called     int `json:"called"`
	InProgress int `json:"in_progress"`
	Skipped    int `json:"skipped"`
	Done       int `json:"done"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// Snapshot is the derived view of one doctor's queue for one day.
type Snapshot struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Date     string    `json:"date"`
	// Version grows with every booking and every transition in the queue.
	// Equal content yields equal versions on every instance, so clients can
	// drop snapshots older than one they already have.
	Version int64 `json:"version"`

	// Current is the patient in examination, or else the one called last.
	Current    *Entry `json:"current"`
	Next       *Entry `json:"next"`
	InProgress *Entry `json:"in_progress"`

	Waiting []Entry `json:"waiting"`
	Called  []Entry `json:"called"`
	Skipped []Entry `json:"skipped"`

	Counts      Counts    `json:"counts"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (s Snapshot) Key() appointment.QueueKey {
	return appointment.QueueKey{DoctorID: s.DoctorID, Date: s.Date}
}

func toEntry(a appointment.Appointment) Entry {
	patient := a.PatientID
	return Entry{
		AppointmentID:   a.ID,
		PatientID:       &patient,
		QueueNumber:     a.QueueNumber,
		Status:          a.Status,
		AppointmentTime: a.AppointmentTime,
		CalledAt:        a.CalledAt,
	}
}

// VisibleTo returns the snapshot as actor may see it. Patients only see
// their own patient id; other entries are matched by appointment id.
func (s Snapshot) VisibleTo(actor appointment.Actor) Snapshot {
	if actor.Role != appointment.RolePatient {
		return s
	}
	hide := func(e Entry) Entry {
		if e.PatientID == nil || *e.PatientID != actor.ID {
			e.PatientID = nil
		}
		return e
	}
	hideList := func(list []Entry) []Entry {
		out := make([]Entry, len(list))
		for i, e := range list {
			out[i] = hide(e)
		}
		return out
	}
	hidePtr := func(e *Entry) *Entry {
		if e == nil {
			return nil
		}
		c := hide(*e)
		return &c
	}

	s.Current = hidePtr(s.Current)
	s.Next = hidePtr(s.Next)
	s.InProgress = hidePtr(s.InProgress)
	s.Waiting = hideList(s.Waiting)
	s.Called = hideList(s.Called)
	s.Skipped = hideList(s.Skipped)
	return s
}

// Derive builds the snapshot of key from every appointment of that queue.
// It is a pure function of its input; GeneratedAt is left for the caller.
func Derive(key appointment.QueueKey, appts []appointment.Appointment) Snapshot {
	snap := Snapshot{
		DoctorID: key.DoctorID,
		Date:     key.Date,
		Waiting:  []Entry{},
		Called:   []Entry{},
		Skipped:  []Entry{},
	}

	var waiting, called, skipped, inProgress []appointment.Appointment
	for _, a := range appts {
		snap.Version += int64(a.Revision) + 1
		switch a.Status {
		case appointment.StatusWaiting:
			waiting = append(waiting, a)
			snap.Counts.Waiting++
		case appointment.StatusCalled:
			called = append(called, a)
			snap.Counts.Called++
		case appointment.StatusInProgress:
			inProgress = append(inProgress, a)
			snap.Counts.InProgress++
		case appointment.StatusSkipped:
			skipped = append(skipped, a)
			snap.Counts.Skipped++
		case appointment.StatusDone:
			snap.Counts.Done++
		case appointment.StatusCancelled:
			snap.Counts.Cancelled++
		}
	}
	snap.Counts.Total = len(appts)

	byNumber := func(list []appointment.Appointment) {
		sort.Slice(list, func(i, j int) bool { return list[i].QueueNumber < list[j].QueueNumber })
	}
	byNumber(waiting)
	byNumber(skipped)
	byNumber(inProgress)
	sort.Slice(called, func(i, j int) bool { return callsBefore(called[i], called[j]) })

	for _, a := range waiting {
		snap.Waiting = append(snap.Waiting, toEntry(a))
	}
	for _, a := range called {
		snap.Called = append(snap.Called, toEntry(a))
	}
	for _, a := range skipped {
		snap.Skipped = append(snap.Skipped, toEntry(a))
	}

	if len(inProgress) > 0 {
		e := toEntry(inProgress[0])
		snap.InProgress = &e
		snap.Current = &e
	} else if n := len(snap.Called); n > 0 {
		e := snap.Called[n-1]
		snap.Current = &e
	}
	if len(snap.Waiting) > 0 {
		e := snap.Waiting[0]
		snap.Next = &e
	}
	return snap
}

// callsBefore orders the called list by call sequence; a recall gets a new
// sequence and so moves to the back.
func callsBefore(a, b appointment.Appointment) bool {
	switch {
	case a.CallSeq != nil && b.CallSeq != nil && *a.CallSeq != *b.CallSeq:
		return *a.CallSeq < *b.CallSeq
	case a.CallSeq != nil && b.CallSeq == nil:
		return true
	case a.CallSeq == nil && b.CallSeq != nil:
		return false
	}
	return a.QueueNumber < b.QueueNumber
}
