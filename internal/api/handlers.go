package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/appointment"
	"github.com/hackgods/outpatient-queue/internal/auth"
	"github.com/hackgods/outpatient-queue/internal/queue"
	"github.com/hackgods/outpatient-queue/internal/stats"
)

type AppointmentService interface {
	Book(ctx context.Context, actor appointment.Actor, req appointment.BookingRequest) (*appointment.Appointment, error)
	Apply(ctx context.Context, actor appointment.Actor, id uuid.UUID, action appointment.Action, reason string) (*appointment.Appointment, error)
	CallNext(ctx context.Context, actor appointment.Actor, key appointment.QueueKey, expect *uuid.UUID) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, actor appointment.Actor, id uuid.UUID) (*appointment.Appointment, error)
}

type QueueReader interface {
	Snapshot(ctx context.Context, key appointment.QueueKey) (queue.Snapshot, error)
}

type StatsReader interface {
	Daily(ctx context.Context, f appointment.StatsFilter) (stats.Daily, error)
}

type handlers struct {
	svc    AppointmentService
	queues QueueReader
	stats  StatsReader
	log    zerolog.Logger
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)

	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	booking, err := req.toBooking(actor)
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}

	appt, err := h.svc.Book(r.Context(), actor, booking)
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), mustActor(r), id)
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// applyAction handles POST /appointments/{id}/{action}. The body is optional
// and only carries a reason.
func (h *handlers) applyAction(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	action, ok := appointment.ParseAction(chi.URLParam(r, "action"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_action", "unknown action "+chi.URLParam(r, "action"))
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	appt, err := h.svc.Apply(r.Context(), mustActor(r), id, action, req.Reason)
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) callNext(w http.ResponseWriter, r *http.Request) {
	key, ok := queueKey(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.CallNext(r.Context(), mustActor(r), key, nil)
	if err != nil {
		writeEngineError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) getQueue(w http.ResponseWriter, r *http.Request) {
	key, ok := queueKey(w, r)
	if !ok {
		return
	}
	snap, err := h.queues.Snapshot(r.Context(), key)
	if err != nil {
		h.log.Warn().Err(err).Str("queue", key.String()).Msg("queue snapshot failed")
		writeEngineError(w, h.log, appointment.ErrUnavailable.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, snap.VisibleTo(mustActor(r)))
}

// dailyStats handles GET /stats/daily?date=&doctor_id=&department_id=&room_id=.
// Patients may not read facility figures.
func (h *handlers) dailyStats(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	if !actor.IsStaff() {
		writeEngineError(w, h.log, appointment.ErrForbidden.WithMessage("statistics are staff only"))
		return
	}

	q := r.URL.Query()
	date, err := appointment.ParseDate(q.Get("date"))
	if err != nil {
		writeEngineError(w, h.log, appointment.ErrInvalidRequest.WithMessage("date must be YYYY-MM-DD"))
		return
	}
	f := appointment.StatsFilter{Date: date}
	for _, p := range []struct {
		name string
		dst  **uuid.UUID
	}{
		{"doctor_id", &f.DoctorID},
		{"department_id", &f.DepartmentID},
		{"room_id", &f.RoomID},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeEngineError(w, h.log, appointment.ErrInvalidRequest.WithMessage("%s must be a valid UUID", p.name))
			return
		}
		*p.dst = &id
	}

	d, err := h.stats.Daily(r.Context(), f)
	if err != nil {
		if appointment.KindOf(err) == "" {
			err = appointment.ErrUnavailable.Wrap(err)
		}
		writeEngineError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (req CreateAppointmentRequest) toBooking(actor appointment.Actor) (appointment.BookingRequest, error) {
	invalid := appointment.ErrInvalidRequest

	var b appointment.BookingRequest
	var err error

	// patients book for themselves
	if req.PatientID == "" && actor.Role == appointment.RolePatient {
		b.PatientID = actor.ID
	} else if b.PatientID, err = uuid.Parse(req.PatientID); err != nil {
		return b, invalid.WithMessage("patient_id must be a valid UUID")
	}
	if b.DoctorID, err = uuid.Parse(req.DoctorID); err != nil {
		return b, invalid.WithMessage("doctor_id must be a valid UUID")
	}
	if b.SlotID, err = uuid.Parse(req.SlotID); err != nil {
		return b, invalid.WithMessage("slot_id must be a valid UUID")
	}
	if req.DepartmentID != "" {
		dep, err := uuid.Parse(req.DepartmentID)
		if err != nil {
			return b, invalid.WithMessage("department_id must be a valid UUID")
		}
		b.DepartmentID = &dep
	}
	if b.Date, err = appointment.ParseDate(req.Date); err != nil {
		return b, invalid.WithMessage("date must be YYYY-MM-DD")
	}
	b.Time = req.Time
	b.Symptoms = req.Symptoms
	return b, nil
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queueKey(w http.ResponseWriter, r *http.Request) (appointment.QueueKey, bool) {
	doctorID, err := uuid.Parse(chi.URLParam(r, "doctorID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor id must be a valid UUID")
		return appointment.QueueKey{}, false
	}
	date, err := appointment.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return appointment.QueueKey{}, false
	}
	return appointment.NewQueueKey(doctorID, date), true
}

// mustActor returns the caller resolved by the auth middleware. Routes using
// it are always mounted behind that middleware.
func mustActor(r *http.Request) appointment.Actor {
	actor, _ := auth.ActorFrom(r.Context())
	return actor
}
