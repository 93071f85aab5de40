package appointment

// Action is a staff or patient command against an appointment.
type Action string

const (
	ActionCall   Action = "call"
	ActionStart  Action = "start"
	ActionSkip   Action = "skip"
	ActionFinish Action = "finish"
	ActionRecall Action = "recall"
	ActionCancel Action = "cancel"
)

var Actions = []Action{ActionCall, ActionStart, ActionSkip, ActionFinish, ActionRecall, ActionCancel}

func ParseAction(raw string) (Action, bool) {
	for _, a := range Actions {
		if string(a) == raw {
			return a, true
		}
	}
	return "", false
}

type edge struct {
	from   Status
	action Action
}

// transitions is the complete lifecycle. Anything absent is illegal.
var transitions = map[edge]Status{
	{StatusWaiting, ActionCall}:      StatusCalled,
	{StatusWaiting, ActionCancel}:    StatusCancelled,
	{StatusCalled, ActionStart}:      StatusInProgress,
	{StatusCalled, ActionSkip}:       StatusSkipped,
	{StatusInProgress, ActionFinish}: StatusDone,
	{StatusSkipped, ActionRecall}:    StatusCalled,
}

// Next returns the status reached by applying action to from, or
// ErrInvalidTransition.
func Next(from Status, action Action) (Status, error) {
	to, ok := transitions[edge{from, action}]
	if !ok {
		return "", ErrInvalidTransition.WithMessage("cannot %s an appointment that is %s", action, from)
	}
	return to, nil
}

func CanTransition(from Status, action Action) bool {
	_, ok := transitions[edge{from, action}]
	return ok
}

// eventType names the audit event written for a transition.
func eventType(action Action) string {
	switch action {
	case ActionCall:
		return EventAppointmentCalled
	case ActionStart:
		return EventAppointmentStarted
	case ActionSkip:
		return EventAppointmentSkipped
	case ActionFinish:
		return EventAppointmentFinished
	case ActionRecall:
		return EventAppointmentRecalled
	case ActionCancel:
		return EventAppointmentCancelled
	}
	return "APPOINTMENT_" + string(action)
}
