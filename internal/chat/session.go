package chat

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnLike is the slice of *websocket.Conn the session depends on, kept
// narrow so tests can substitute a fake connection.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// DialFunc opens a realtime connection authenticated with the bearer
// credential.
type DialFunc func(url, credential string) (ConnLike, error)

func defaultDial(url, credential string) (ConnLike, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler receives the data portion of an inbound event frame.
type Handler func(data json.RawMessage)

// emitter is the realtime send capability the other components call
// through. Only the Session mutates the underlying connection.
type emitter interface {
	IsConnected() bool
	Emit(event string, payload any) bool
}

// Session owns the single authenticated realtime connection. It reconnects
// automatically after a drop; dependents observe connectivity through
// IsConnected and OnStateChange rather than errors.
type Session struct {
	url string
	log *slog.Logger

	mu          sync.RWMutex
	dial        DialFunc
	state       ConnState
	credential  string
	conn        ConnLike
	gen         int
	lastConnect time.Time
	handlers    map[string][]Handler
	stateSubs   []func(ConnState)

	wmu sync.Mutex // serializes writes to conn

	reconnectMin time.Duration
	reconnectMax time.Duration
}

type SessionOption func(*Session)

// WithDialer replaces the websocket dialer, used by tests.
func WithDialer(d DialFunc) SessionOption {
	return func(s *Session) { s.dial = d }
}

// WithReconnectBounds sets the backoff window for automatic reconnects.
func WithReconnectBounds(min, max time.Duration) SessionOption {
	return func(s *Session) {
		if min > 0 {
			s.reconnectMin = min
		}
		if max >= s.reconnectMin {
			s.reconnectMax = max
		}
	}
}

func NewSession(url string, logger *slog.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		url:          url,
		log:          logger,
		dial:         defaultDial,
		handlers:     map[string][]Handler{},
		reconnectMin: 500 * time.Millisecond,
		reconnectMax: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the realtime connection for the given credential. Calling
// it again with the credential of a live or in-flight connection is a
// no-op; a different credential tears the old connection down first.
// Connecting without a credential is refused.
func (s *Session) Connect(credential string) {
	if credential == "" {
		s.log.Warn("realtime connect refused: no credential")
		return
	}
	s.mu.Lock()
	if s.credential == credential && s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.credential = credential
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.mu.Unlock()
	s.notifyState(StateConnecting)

	go s.run(gen, credential)
}

// Disconnect releases the connection. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++ // invalidates any running dial/pump loop
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	changed := s.state != StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()
	if changed {
		s.notifyState(StateDisconnected)
	}
}

// IsConnected reports the current state. Advisory only: it can change
// between check and use.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected
}

func (s *Session) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Credential returns the bearer token of the current session, empty when
// never connected.
func (s *Session) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

// LastConnectedAt returns when the current or most recent connection was
// established, zero when never connected.
func (s *Session) LastConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastConnect
}

// Emit sends a fire-and-forget event frame. The return value reports that
// the frame was dispatched, not that it was delivered.
func (s *Session) Emit(event string, payload any) bool {
	s.mu.RLock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.RUnlock()
	if !connected || conn == nil {
		return false
	}
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		s.log.Warn("realtime emit dropped", "event", event, "error", err)
		return false
	}
	s.wmu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	s.wmu.Unlock()
	return err == nil
}

// On registers a handler for a named inbound event. Handlers for one
// connection run serially in frame arrival order.
func (s *Session) On(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// OnStateChange registers a connectivity listener.
func (s *Session) OnStateChange(f func(ConnState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateSubs = append(s.stateSubs, f)
}

func (s *Session) notifyState(state ConnState) {
	s.mu.RLock()
	subs := make([]func(ConnState), len(s.stateSubs))
	copy(subs, s.stateSubs)
	s.mu.RUnlock()
	for _, f := range subs {
		f(state)
	}
}

// run dials, pumps inbound frames, and redials after drops until its
// generation is superseded by Connect or Disconnect.
func (s *Session) run(gen int, credential string) {
	attempt := 0
	for {
		s.mu.RLock()
		stale := s.gen != gen
		s.mu.RUnlock()
		if stale {
			return
		}

		conn, err := s.dial(s.url, credential)
		if err != nil {
			attempt++
			delay := s.backoff(attempt)
			s.log.Warn("realtime dial failed", "attempt", attempt, "retry_in", delay, "error", err)
			time.Sleep(delay)
			continue
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.state = StateConnected
		s.lastConnect = time.Now()
		s.mu.Unlock()
		s.notifyState(StateConnected)
		attempt = 0

		s.readPump(conn)

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.conn = nil
		s.state = StateConnecting
		s.mu.Unlock()
		_ = conn.Close()
		s.log.Info("realtime connection lost, reconnecting")
		s.notifyState(StateConnecting)
	}
}

func (s *Session) readPump(conn ConnLike) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			continue
		}
		s.mu.RLock()
		handlers := make([]Handler, len(s.handlers[env.Event]))
		copy(handlers, s.handlers[env.Event])
		s.mu.RUnlock()
		for _, h := range handlers {
			h(env.Data)
		}
	}
}

func (s *Session) backoff(attempt int) time.Duration {
	delay := s.reconnectMin << uint(attempt-1)
	if delay > s.reconnectMax || delay <= 0 {
		delay = s.reconnectMax
	}
	jitter := time.Duration(rand.Int63n(int64(s.reconnectMin)))
	return delay + jitter
}
