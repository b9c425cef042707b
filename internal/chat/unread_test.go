package chat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeMarker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeMarker) MarkRead(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeMarker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestUnreadAccounting(t *testing.T) {
	active := "patient-B"
	u := NewUnreadTracker(&fakeRealtime{}, &fakeMarker{}, func() string { return active }, discardLogger())

	for i := 0; i < 3; i++ {
		u.HandleInbound(Message{ConversationID: "patient-A", Sender: RolePatient, Content: "hi"})
	}
	require.Equal(t, 3, u.Count("patient-A"))
	require.Equal(t, 0, u.Count("patient-B"))

	// inbound for the active conversation does not count
	u.HandleInbound(Message{ConversationID: "patient-B", Sender: RolePatient, Content: "hi"})
	require.Equal(t, 0, u.Count("patient-B"))

	// staff-authored inbound never counts
	u.HandleInbound(Message{ConversationID: "patient-A", Sender: RoleStaff, Content: "echo"})
	require.Equal(t, 3, u.Count("patient-A"))
}

func TestActivationResetsCounter(t *testing.T) {
	rt := &fakeRealtime{connected: true}
	u := NewUnreadTracker(rt, &fakeMarker{}, func() string { return "" }, discardLogger())

	for i := 0; i < 5; i++ {
		u.HandleInbound(Message{ConversationID: "patient-A", Sender: RolePatient})
	}
	require.Equal(t, 5, u.Count("patient-A"))

	u.ConversationActivated("patient-A")
	require.Equal(t, 0, u.Count("patient-A"))
	require.Len(t, rt.emittedEvents(EventMarkRead), 1)
}

func TestMarkReadPrefersRealtime(t *testing.T) {
	rt := &fakeRealtime{connected: true}
	marker := &fakeMarker{}
	u := NewUnreadTracker(rt, marker, func() string { return "" }, discardLogger())

	u.MarkRead("patient-A")
	require.Len(t, rt.emittedEvents(EventMarkRead), 1)
	require.Equal(t, 0, marker.callCount())
}

func TestMarkReadFallsBackWhenDisconnected(t *testing.T) {
	marker := &fakeMarker{}
	u := NewUnreadTracker(&fakeRealtime{}, marker, func() string { return "" }, discardLogger())

	u.MarkRead("patient-A")
	require.Equal(t, 1, marker.callCount())

	// a failed fallback mark is reported, not retried
	marker.err = errors.New("boom")
	u.MarkRead("patient-A")
	require.Equal(t, 2, marker.callCount())
}

func TestPeerReadReceiptRecorded(t *testing.T) {
	u := NewUnreadTracker(&fakeRealtime{}, &fakeMarker{}, nil, discardLogger())

	require.True(t, u.PeerReadAt("patient-A").IsZero())
	at := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	u.HandleMessagesRead(MessagesReadPayload{ConversationID: "patient-A", ReaderID: "p-7", ReadAt: at})
	require.Equal(t, at, u.PeerReadAt("patient-A"))
}
