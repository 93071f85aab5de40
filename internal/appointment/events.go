package appointment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentCalled    = "APPOINTMENT_CALLED"
	EventAppointmentStarted   = "APPOINTMENT_STARTED"
	EventAppointmentSkipped   = "APPOINTMENT_SKIPPED"
	EventAppointmentFinished  = "APPOINTMENT_FINISHED"
	EventAppointmentRecalled  = "APPOINTMENT_RECALLED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
)

// transitionPayload is the audit record of one status change.
type transitionPayload struct {
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	ActorID   uuid.UUID `json:"actor_id"`
	ActorRole Role      `json:"actor_role"`
	Reason    string    `json:"reason,omitempty"`
	SlotID    uuid.UUID `json:"slot_id,omitempty"`
	Queue     int       `json:"queue_number,omitempty"`
}

// appendEvent writes an audit row inside the caller's transaction so the
// event commits or rolls back together with the status write.
func appendEvent(ctx context.Context, st Store, appointmentID uuid.UUID, eventType string, payload transitionPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	apptID := appointmentID
	return st.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	})
}
