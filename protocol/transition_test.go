package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	tests := []struct {
		description    string
		phase          Phase
		event          Event
		expectedPhase  Phase
		expectedAction Action
	}{
		{"begin from idle", Idle, Event{Kind: EventBegin}, Undetermined, NoAction},
		{"begin resets sender", SenderActive, Event{Kind: EventBegin}, Undetermined, NoAction},
		{"halt from any phase", ResponderWaiting, Event{Kind: EventHalt}, Idle, NoAction},
		{"claim while undetermined", Undetermined, Event{Kind: EventClaim}, SenderWaiting, NoAction},
		{"claim while responder", ResponderWaiting, Event{Kind: EventClaim}, ResponderWaiting, NoAction},
		{"claim while idle", Idle, Event{Kind: EventClaim}, Idle, NoAction},
		{"RTS while undetermined", Undetermined, Event{Kind: EventRTS, From: "P2"}, ResponderWaiting, ReplyCTS},
		{"RTS while idle", Idle, Event{Kind: EventRTS, From: "P2"}, ResponderWaiting, ReplyCTS},
		{"RTS while responder", ResponderWaiting, Event{Kind: EventRTS, From: "P2"}, ResponderWaiting, ReplyCTS},
		{"RTS while sender active yields", SenderActive, Event{Kind: EventRTS, From: "P0"}, ResponderWaiting, ReplyCTS},
		{"simultaneous RTS, lower name defers", SenderWaiting, Event{Kind: EventRTS, From: "P2"}, ResponderWaiting, ReplyCTS},
		{"simultaneous RTS, higher name waits", SenderWaiting, Event{Kind: EventRTS, From: "P0"}, SenderWaiting, NoAction},
		{"CTS while sender waiting", SenderWaiting, Event{Kind: EventCTS, From: "P2"}, SenderActive, NoAction},
		{"CTS while undetermined", Undetermined, Event{Kind: EventCTS, From: "P2"}, Undetermined, NoAction},
		{"CTS while responder", ResponderWaiting, Event{Kind: EventCTS, From: "P2"}, ResponderWaiting, NoAction},
		{"CTS while idle", Idle, Event{Kind: EventCTS, From: "P2"}, Idle, NoAction},
		{"PING while responder", ResponderWaiting, Event{Kind: EventPing, From: "P2"}, ResponderWaiting, ReplyPong},
		{"PING while sender", SenderActive, Event{Kind: EventPing, From: "P2"}, SenderActive, NoAction},
		{"PING while idle", Idle, Event{Kind: EventPing, From: "P2"}, Idle, NoAction},
		{"PONG is informational", SenderActive, Event{Kind: EventPong, From: "P2"}, SenderActive, NoAction},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			phase, action := Next(tt.phase, tt.event, "P1")
			require.Equal(t, tt.expectedPhase, phase)
			require.Equal(t, tt.expectedAction, action)
		})
	}
}

func TestPhase_Derived(t *testing.T) {
	require := require.New(t)

	require.Equal(RoleSender, SenderWaiting.Role())
	require.Equal(RoleSender, SenderActive.Role())
	require.Equal(RoleResponder, ResponderWaiting.Role())
	require.Equal(RoleUndetermined, Undetermined.Role())
	require.Equal(RoleUndetermined, Idle.Role())

	for _, p := range []Phase{Idle, Undetermined, SenderWaiting, ResponderWaiting} {
		require.False(p.ClearToSend(), p.String())
	}
	require.True(SenderActive.ClearToSend())
	require.Equal("unknown", Phase(42).String())
}
