package appointment

import "github.com/google/uuid"

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleNurse   Role = "nurse"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleNurse, RoleAdmin:
		return true
	}
	return false
}

// Actor is the identity on whose behalf an operation runs, as resolved by
// the identity collaborator.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

func (a Actor) IsStaff() bool {
	return a.Role == RoleDoctor || a.Role == RoleNurse || a.Role == RoleAdmin
}

// canManageQueue reports whether a may drive the queue of doctorID.
func (a Actor) canManageQueue(doctorID uuid.UUID) bool {
	switch a.Role {
	case RoleNurse, RoleAdmin:
		return true
	case RoleDoctor:
		return a.ID == doctorID
	}
	return false
}

func (a Actor) canBook(req BookingRequest) bool {
	if a.Role == RolePatient {
		return a.ID == req.PatientID
	}
	return a.Role == RoleNurse || a.Role == RoleAdmin
}

// authorize checks that a may perform action on appt. Patients may only
// cancel their own appointments.
func (a Actor) authorize(appt *Appointment, action Action) error {
	if action == ActionCancel && a.Role == RolePatient {
		if a.ID == appt.PatientID {
			return nil
		}
		return ErrForbidden
	}
	if !a.canManageQueue(appt.DoctorID) {
		return ErrForbidden.WithMessage("%s may not %s this appointment", a.Role, action)
	}
	return nil
}
