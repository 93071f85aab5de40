package appointment

import (
	"errors"
	"fmt"
)

// Kind groups errors by how a client is expected to react to them.
type Kind string

const (
	// KindAdmission is user correctable: pick another slot.
	KindAdmission Kind = "admission"
	// KindTransition means the caller's view is stale: refresh and retry or abandon.
	KindTransition Kind = "transition"
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindForbidden  Kind = "forbidden"
	// KindTransient is infrastructure trouble that survived internal retries.
	KindTransient Kind = "transient"
)

// Error is the typed error returned by every engine operation.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code so that copies carrying extra detail still match
// their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of e that wraps cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrSlotFull    = newError(KindAdmission, "slot_full", "schedule slot has no remaining capacity")
	ErrSlotClosed  = newError(KindAdmission, "slot_closed", "schedule slot is not accepting bookings")
	ErrInvalidSlot = newError(KindAdmission, "invalid_slot", "schedule slot does not match the booking")

	ErrInvalidTransition = newError(KindTransition, "invalid_transition", "invalid status transition")
	ErrDoctorBusy        = newError(KindTransition, "doctor_busy", "doctor already has a patient in examination")
	ErrQueueEmpty        = newError(KindTransition, "queue_empty", "no waiting appointment in queue")

	ErrAppointmentNotFound = newError(KindNotFound, "appointment_not_found", "appointment not found")
	ErrSlotNotFound        = newError(KindNotFound, "slot_not_found", "schedule slot not found")

	ErrReasonRequired = newError(KindValidation, "reason_required", "a reason is required for this action")
	ErrInvalidRequest = newError(KindValidation, "invalid_request", "invalid request")
	ErrForbidden      = newError(KindForbidden, "forbidden", "actor may not act on this appointment")

	ErrUnavailable = newError(KindTransient, "temporarily_unavailable", "service temporarily unavailable, retry shortly")
)

// KindOf returns the kind of err, or "" if err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// transientError marks infrastructure failures that are worth retrying.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
