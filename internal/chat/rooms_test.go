package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roomEvents(rt *fakeRealtime) []string {
	var out []string
	for _, e := range rt.emittedEvents("") {
		payload, ok := e.payload.(RoomPayload)
		if !ok {
			continue
		}
		out = append(out, e.event+":"+payload.ConversationID)
	}
	return out
}

func TestActivateJoinsRoom(t *testing.T) {
	rt := &fakeRealtime{connected: true}
	r := NewRoomCoordinator(rt)

	r.Activate("patient-1")
	require.Equal(t, "patient-1", r.Active())
	require.Equal(t, []string{EventJoinConversation + ":patient-1"}, roomEvents(rt))
}

func TestSwitchLeavesBeforeJoin(t *testing.T) {
	rt := &fakeRealtime{connected: true}
	r := NewRoomCoordinator(rt)

	r.Activate("patient-1")
	r.Activate("patient-2")
	r.Activate("patient-2") // repeat must not duplicate the join

	require.Equal(t, []string{
		EventJoinConversation + ":patient-1",
		EventLeaveConversation + ":patient-1",
		EventJoinConversation + ":patient-2",
	}, roomEvents(rt))
}

func TestDeactivate(t *testing.T) {
	rt := &fakeRealtime{connected: true}
	r := NewRoomCoordinator(rt)

	r.Activate("patient-1")
	r.Deactivate("patient-2") // not active, ignored
	require.Equal(t, "patient-1", r.Active())

	r.Deactivate("patient-1")
	require.Empty(t, r.Active())
	require.Equal(t, []string{
		EventJoinConversation + ":patient-1",
		EventLeaveConversation + ":patient-1",
	}, roomEvents(rt))
}

func TestRejoinReissuesActiveJoin(t *testing.T) {
	rt := &fakeRealtime{connected: true}
	r := NewRoomCoordinator(rt)

	r.Rejoin() // nothing active yet
	require.Empty(t, roomEvents(rt))

	r.Activate("patient-1")
	r.Rejoin()
	require.Equal(t, []string{
		EventJoinConversation + ":patient-1",
		EventJoinConversation + ":patient-1",
	}, roomEvents(rt))
}

func TestJoinDroppedWhileDisconnected(t *testing.T) {
	rt := &fakeRealtime{}
	r := NewRoomCoordinator(rt)

	r.Activate("patient-1")
	require.Empty(t, roomEvents(rt))
	require.Equal(t, "patient-1", r.Active())

	// connectivity returns, rejoin delivers the membership
	rt.setConnected(true)
	r.Rejoin()
	require.Equal(t, []string{EventJoinConversation + ":patient-1"}, roomEvents(rt))
}
