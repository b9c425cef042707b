package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptConn is an in-memory ConnLike: inbound frames are fed through a
// channel and writes are recorded.
type scriptConn struct {
	inbound chan []byte
	mu      sync.Mutex
	written [][]byte
	once    sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{inbound: make(chan []byte, 16)}
}

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, frame, nil
}

func (c *scriptConn) WriteMessage(_ int, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.written = append(c.written, cp)
	return nil
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.inbound) })
	return nil
}

func (c *scriptConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

type scriptDialer struct {
	mu    sync.Mutex
	conns []*scriptConn
	dials int
	creds []string
}

func (d *scriptDialer) dial(_, credential string) (ConnLike, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, credential)
	if d.dials >= len(d.conns) {
		return nil, errors.New("no more scripted connections")
	}
	conn := d.conns[d.dials]
	d.dials++
	return conn, nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *scriptDialer) credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.creds))
	copy(out, d.creds)
	return out
}

func newTestSession(conns ...*scriptConn) (*Session, *scriptDialer) {
	d := &scriptDialer{conns: conns}
	s := NewSession("ws://test/api/ws", discardLogger(),
		WithDialer(d.dial),
		WithReconnectBounds(time.Millisecond, 5*time.Millisecond))
	return s, d
}

func TestConnectRefusedWithoutCredential(t *testing.T) {
	s, d := newTestSession(newScriptConn())

	s.Connect("")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, d.dialCount())
	require.Equal(t, StateDisconnected, s.State())
	require.False(t, s.IsConnected())
}

func TestConnectAndDispatch(t *testing.T) {
	conn := newScriptConn()
	s, _ := newTestSession(conn)

	got := make(chan json.RawMessage, 1)
	s.On(EventNewMessage, func(data json.RawMessage) { got <- data })

	s.Connect("token-1")
	eventually(t, s.IsConnected)
	require.Equal(t, "token-1", s.Credential())

	conn.inbound <- []byte(`{"event":"new_message","data":{"content":"hi"}}`)
	select {
	case data := <-got:
		var m Message
		require.NoError(t, json.Unmarshal(data, &m))
		require.Equal(t, "hi", m.Content)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestEmitWhenDisconnected(t *testing.T) {
	s, _ := newTestSession()
	require.False(t, s.Emit(EventTypingStart, TypingPayload{ConversationID: "patient-1"}))
}

func TestEmitWritesEnvelope(t *testing.T) {
	conn := newScriptConn()
	s, _ := newTestSession(conn)

	s.Connect("token-1")
	eventually(t, s.IsConnected)
	require.True(t, s.Emit(EventJoinConversation, RoomPayload{ConversationID: "patient-1"}))

	frames := conn.writtenFrames()
	require.Len(t, frames, 1)
	var env Envelope
	require.NoError(t, json.Unmarshal(frames[0], &env))
	require.Equal(t, EventJoinConversation, env.Event)
}

func TestConnectSameCredentialIsNoop(t *testing.T) {
	conn := newScriptConn()
	s, d := newTestSession(conn)

	s.Connect("token-1")
	eventually(t, s.IsConnected)
	s.Connect("token-1")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, d.dialCount())
}

func TestCredentialChangeReplacesConnection(t *testing.T) {
	conn1 := newScriptConn()
	conn2 := newScriptConn()
	s, d := newTestSession(conn1, conn2)

	s.Connect("token-1")
	eventually(t, s.IsConnected)
	s.Connect("token-2")
	eventually(t, func() bool { return d.dialCount() == 2 && s.IsConnected() })
	require.Equal(t, "token-2", s.Credential())
	require.Equal(t, []string{"token-1", "token-2"}, d.credentials())
}

func TestReconnectAfterDrop(t *testing.T) {
	conn1 := newScriptConn()
	conn2 := newScriptConn()
	s, d := newTestSession(conn1, conn2)

	var mu sync.Mutex
	var states []ConnState
	s.OnStateChange(func(st ConnState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	require.True(t, s.LastConnectedAt().IsZero())

	s.Connect("token-1")
	eventually(t, s.IsConnected)
	first := s.LastConnectedAt()
	require.False(t, first.IsZero())

	_ = conn1.Close() // drop the first connection
	eventually(t, func() bool { return d.dialCount() == 2 && s.IsConnected() })
	require.False(t, s.LastConnectedAt().Before(first))

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, states, StateConnecting)
	require.Contains(t, states, StateConnected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	conn := newScriptConn()
	s, d := newTestSession(conn)

	s.Connect("token-1")
	eventually(t, s.IsConnected)

	s.Disconnect()
	s.Disconnect()
	require.Equal(t, StateDisconnected, s.State())

	// no redial after an explicit disconnect
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, d.dialCount())
}
