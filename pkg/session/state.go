package session

import (
	"context"

	"github.com/looplab/fsm"
)

// State состояние сессии
type State int

const (
	StateReady State = iota
	StateRegistering
	StateRegistered
	StateOutgoingCall
	StateOutgoingRingBack
	StateOutgoingCanceling
	StateIncomingCall
	StateIncomingAnswering
	StateInCall
	StateInCallChanging
	StateInCallAnswering
	StateEnded
	StateError
)

var stateNames = [...]string{
	StateReady:             "READY",
	StateRegistering:       "REGISTERING",
	StateRegistered:        "REGISTERED",
	StateOutgoingCall:      "OUTGOING_CALL",
	StateOutgoingRingBack:  "OUTGOING_RING_BACK",
	StateOutgoingCanceling: "OUTGOING_CANCELING",
	StateIncomingCall:      "INCOMING_CALL",
	StateIncomingAnswering: "INCOMING_ANSWERING",
	StateInCall:            "IN_CALL",
	StateInCallChanging:    "IN_CALL_CHANGING",
	StateInCallAnswering:   "IN_CALL_ANSWERING",
	StateEnded:             "ENDED",
	StateError:             "ERROR",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal true для ENDED и ERROR
func (s State) Terminal() bool {
	return s == StateEnded || s == StateError
}

// Status возвращает строку состояния для отображения пользователю.
// hold различает "Established" и "On hold" в IN_CALL.
func (s State) Status(hold bool) string {
	switch s {
	case StateReady:
		return "Ready for call"
	case StateRegistering:
		return "Registering..."
	case StateRegistered:
		return "Registered"
	case StateIncomingCall:
		return "Ringing..."
	case StateIncomingAnswering:
		return "Answering..."
	case StateOutgoingCall:
		return "Calling..."
	case StateOutgoingRingBack:
		return "Ringing back..."
	case StateOutgoingCanceling:
		return "Cancelling..."
	case StateInCall:
		if hold {
			return "On hold"
		}
		return "Established"
	case StateInCallChanging:
		return "Changing session..."
	case StateInCallAnswering:
		return "Changing session answering..."
	case StateEnded:
		return "Ended"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

func parseState(name string) State {
	for i, n := range stateNames {
		if n == name {
			return State(i)
		}
	}
	return StateError
}

// События автомата
const (
	evRegister           = "register"
	evRegistered         = "registered"
	evRegistrationFailed = "registration_failed"
	evInvite             = "invite"
	evRingBack           = "ring_back"
	evCancel             = "cancel"
	evIncoming           = "incoming"
	evAnswer             = "answer"
	evEstablish          = "establish"
	evChange             = "change"
	evRemoteChange       = "remote_change"
	evChanged            = "changed"
	evEnd                = "end"
	evFail               = "fail"
)

func names(states ...State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}

var nonTerminal = []State{
	StateReady, StateRegistering, StateRegistered,
	StateOutgoingCall, StateOutgoingRingBack, StateOutgoingCanceling,
	StateIncomingCall, StateIncomingAnswering,
	StateInCall, StateInCallChanging, StateInCallAnswering,
}

// newStateMachine строит автомат допустимых переходов. Колбэк вызывается
// после каждой смены состояния внутри fsm.Event.
func newStateMachine(onChange func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		StateReady.String(),
		fsm.Events{
			{Name: evRegister, Src: names(StateReady, StateRegistered), Dst: StateRegistering.String()},
			{Name: evRegistered, Src: names(StateRegistering), Dst: StateRegistered.String()},
			{Name: evRegistrationFailed, Src: names(StateRegistering), Dst: StateReady.String()},

			{Name: evInvite, Src: names(StateReady, StateRegistered), Dst: StateOutgoingCall.String()},
			{Name: evRingBack, Src: names(StateOutgoingCall), Dst: StateOutgoingRingBack.String()},
			{Name: evCancel, Src: names(StateOutgoingCall, StateOutgoingRingBack), Dst: StateOutgoingCanceling.String()},

			{Name: evIncoming, Src: names(StateReady, StateRegistered), Dst: StateIncomingCall.String()},
			{Name: evAnswer, Src: names(StateIncomingCall), Dst: StateIncomingAnswering.String()},

			{Name: evEstablish, Src: names(StateOutgoingCall, StateOutgoingRingBack, StateOutgoingCanceling, StateIncomingAnswering), Dst: StateInCall.String()},
			{Name: evChange, Src: names(StateInCall), Dst: StateInCallChanging.String()},
			{Name: evRemoteChange, Src: names(StateInCall), Dst: StateInCallAnswering.String()},
			{Name: evChanged, Src: names(StateInCallChanging, StateInCallAnswering), Dst: StateInCall.String()},

			{Name: evEnd, Src: append(names(nonTerminal...), StateError.String()), Dst: StateEnded.String()},
			{Name: evFail, Src: names(nonTerminal...), Dst: StateError.String()},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(parseState(e.Src), parseState(e.Dst))
				}
			},
		},
	)
}
