package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineTransitions(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		want   State
	}{
		{"registration", []string{evRegister, evRegistered}, StateRegistered},
		{"registration failed", []string{evRegister, evRegistrationFailed}, StateReady},
		{"refresh", []string{evRegister, evRegistered, evRegister}, StateRegistering},
		{"outgoing call", []string{evInvite, evRingBack, evEstablish}, StateInCall},
		{"outgoing call without ringing", []string{evInvite, evEstablish}, StateInCall},
		{"cancel", []string{evInvite, evRingBack, evCancel, evEnd}, StateEnded},
		{"incoming call", []string{evIncoming, evAnswer, evEstablish}, StateInCall},
		{"local change", []string{evInvite, evEstablish, evChange, evChanged}, StateInCall},
		{"remote change", []string{evIncoming, evAnswer, evEstablish, evRemoteChange}, StateInCallAnswering},
		{"call from registered", []string{evRegister, evRegistered, evInvite}, StateOutgoingCall},
		{"failure", []string{evInvite, evFail}, StateError},
		{"end after failure", []string{evInvite, evFail, evEnd}, StateEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var last State
			m := newStateMachine(func(_, to State) { last = to })
			for _, ev := range tt.events {
				require.NoError(t, m.Event(context.Background(), ev), "event %s", ev)
			}
			assert.Equal(t, tt.want, last)
			assert.Equal(t, tt.want.String(), m.Current())
		})
	}
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		bad    string
	}{
		{"answer without call", nil, evAnswer},
		{"change before established", []string{evInvite}, evChange},
		{"second invite", []string{evInvite}, evInvite},
		{"cancel incoming", []string{evIncoming}, evCancel},
		{"register during call", []string{evInvite, evEstablish}, evRegister},
		{"change while changing", []string{evInvite, evEstablish, evChange}, evChange},
		{"fail after end", []string{evEnd}, evFail},
		{"end twice", []string{evEnd}, evEnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newStateMachine(nil)
			for _, ev := range tt.events {
				require.NoError(t, m.Event(context.Background(), ev))
			}
			before := m.Current()
			assert.False(t, m.Can(tt.bad))
			assert.Error(t, m.Event(context.Background(), tt.bad))
			assert.Equal(t, before, m.Current())
		})
	}
}

func TestStateStatus(t *testing.T) {
	assert.Equal(t, "Ready for call", StateReady.Status(false))
	assert.Equal(t, "Calling...", StateOutgoingCall.Status(false))
	assert.Equal(t, "Ringing back...", StateOutgoingRingBack.Status(false))
	assert.Equal(t, "Established", StateInCall.Status(false))
	assert.Equal(t, "On hold", StateInCall.Status(true))
	assert.Equal(t, "Ended", StateEnded.Status(true))
	assert.Equal(t, "Unknown", State(99).Status(false))
}

func TestStateString(t *testing.T) {
	for i, name := range stateNames {
		st := State(i)
		assert.Equal(t, name, st.String())
		assert.Equal(t, st, parseState(name))
	}
	assert.Equal(t, "UNKNOWN", State(-1).String())
	assert.True(t, StateEnded.Terminal())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateInCall.Terminal())
}
