package appointment

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_LegalEdges(t *testing.T) {
	tests := []struct {
		from   Status
		action Action
		want   Status
	}{
		{StatusWaiting, ActionCall, StatusCalled},
		{StatusWaiting, ActionCancel, StatusCancelled},
		{StatusCalled, ActionStart, StatusInProgress},
		{StatusCalled, ActionSkip, StatusSkipped},
		{StatusInProgress, ActionFinish, StatusDone},
		{StatusSkipped, ActionRecall, StatusCalled},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			got, err := Next(tt.from, tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, CanTransition(tt.from, tt.action))
		})
	}
}

func TestNext_EverythingElseIsIllegal(t *testing.T) {
	legal := 0
	for _, from := range Statuses {
		for _, action := range Actions {
			_, err := Next(from, action)
			if err == nil {
				legal++
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, KindTransition, KindOf(err))
		}
	}
	assert.Equal(t, len(transitions), legal)
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, from := range []Status{StatusDone, StatusCancelled} {
		assert.True(t, from.Terminal())
		for _, action := range Actions {
			assert.False(t, CanTransition(from, action), "%s -> %s", from, action)
		}
	}
}

func TestNext_MessageNamesActionAndStatus(t *testing.T) {
	_, err := Next(StatusDone, ActionCall)
	require.Error(t, err)
	assert.Equal(t, "cannot call an appointment that is done", err.Error())
}

func TestParseAction(t *testing.T) {
	a, ok := ParseAction("recall")
	assert.True(t, ok)
	assert.Equal(t, ActionRecall, a)

	_, ok = ParseAction("teleport")
	assert.False(t, ok)
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, EventAppointmentCalled, eventType(ActionCall))
	assert.Equal(t, EventAppointmentRecalled, eventType(ActionRecall))
	assert.Equal(t, EventAppointmentCancelled, eventType(ActionCancel))
}

func TestErrorMatching(t *testing.T) {
	detailed := ErrSlotFull.WithMessage("slot %d is full", 3)
	assert.ErrorIs(t, detailed, ErrSlotFull)
	assert.NotErrorIs(t, detailed, ErrSlotClosed)
	assert.Equal(t, KindAdmission, KindOf(detailed))

	wrapped := ErrUnavailable.Wrap(Transient(assert.AnError))
	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, assert.AnError)
	assert.Equal(t, KindTransient, KindOf(wrapped))

	assert.Nil(t, Transient(nil))
	assert.Equal(t, Kind(""), KindOf(assert.AnError))
}

func TestQueueKeyRoundTrip(t *testing.T) {
	doctor := uuid.New()
	day, err := ParseDate("2026-03-14")
	require.NoError(t, err)

	key := NewQueueKey(doctor, day)
	parsed, err := ParseQueueKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
	assert.Equal(t, day, parsed.Day())

	_, err = ParseQueueKey("no-separator")
	assert.Error(t, err)
}

func TestActorAuthorization(t *testing.T) {
	doctor := uuid.New()
	patient := uuid.New()
	appt := &Appointment{ID: uuid.New(), DoctorID: doctor, PatientID: patient}

	assert.NoError(t, Actor{ID: doctor, Role: RoleDoctor}.authorize(appt, ActionCall))
	assert.ErrorIs(t, Actor{ID: uuid.New(), Role: RoleDoctor}.authorize(appt, ActionCall), ErrForbidden)
	assert.NoError(t, Actor{ID: uuid.New(), Role: RoleNurse}.authorize(appt, ActionSkip))
	assert.NoError(t, Actor{ID: patient, Role: RolePatient}.authorize(appt, ActionCancel))
	assert.ErrorIs(t, Actor{ID: uuid.New(), Role: RolePatient}.authorize(appt, ActionCancel), ErrForbidden)
	assert.ErrorIs(t, Actor{ID: patient, Role: RolePatient}.authorize(appt, ActionStart), ErrForbidden)
}
