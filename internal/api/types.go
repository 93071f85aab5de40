package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/outpatient-queue/internal/appointment"
)

type CreateAppointmentRequest struct {
	PatientID    string  `json:"patient_id"`
	DoctorID     string  `json:"doctor_id"`
	SlotID       string  `json:"slot_id"`
	DepartmentID string  `json:"department_id,omitempty"`
	Date         string  `json:"date"`
	Time         string  `json:"time,omitempty"`
	Symptoms     *string `json:"symptoms,omitempty"`
}

type ActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AppointmentResponse struct {
	ID           uuid.UUID  `json:"id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	DoctorID     uuid.UUID  `json:"doctor_id"`
	SlotID       uuid.UUID  `json:"slot_id"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
	RoomID       *uuid.UUID `json:"room_id,omitempty"`
	Date         string     `json:"date"`
	Time         string     `json:"time"`
	QueueNumber  int        `json:"queue_number"`
	Status       string     `json:"status"`
	Symptoms     *string    `json:"symptoms,omitempty"`
	CalledAt     *time.Time `json:"called_at,omitempty"`
	Revision     int        `json:"revision"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:           a.ID,
		PatientID:    a.PatientID,
		DoctorID:     a.DoctorID,
		SlotID:       a.SlotID,
		DepartmentID: a.DepartmentID,
		RoomID:       a.RoomID,
		Date:         appointment.FormatDate(a.AppointmentDate),
		Time:         a.AppointmentTime,
		QueueNumber:  a.QueueNumber,
		Status:       string(a.Status),
		Symptoms:     a.Symptoms,
		CalledAt:     a.CalledAt,
		Revision:     a.Revision,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

// ErrorResponse is the body of every failed request. Refresh tells the
// client its view of the appointment or queue is stale.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
	Refresh bool   `json:"refresh,omitempty"`
}
