package chat

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fallbackSender is the REST delivery capability the store falls back to
// when the realtime transport cannot take a send.
type fallbackSender interface {
	SendMessage(conversationID, clientID, content string, channel Channel) SendOutcome
}

// Store is the single source of truth for every conversation's message
// sequence. It merges optimistic local sends, realtime inbound events and
// fallback responses into one duplicate-free, append-ordered list.
// Timestamps are metadata only; arrival order is authoritative for display.
type Store struct {
	rt       emitter
	fallback fallbackSender
	log      *slog.Logger

	mu            sync.Mutex
	conversations map[string]*conversationState
	timers        map[string]*time.Timer // client id -> pending send timeout

	sendTimeout time.Duration
	matchWindow time.Duration
	now         func() time.Time
	newClientID func() string
}

type conversationState struct {
	messages []*Message
	seeded   bool
}

type StoreConfig struct {
	// SendTimeout bounds how long a message may stay pending after a
	// realtime send with no echo. Zero picks the 15s default; a negative
	// value disables the timer.
	SendTimeout time.Duration
	// MatchWindow is the tolerance for the heuristic timestamp match when
	// the server did not echo a client id.
	MatchWindow time.Duration
}

func NewStore(rt emitter, fallback fallbackSender, logger *slog.Logger, cfg StoreConfig) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = 10 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return &Store{
		rt:            rt,
		fallback:      fallback,
		log:           logger,
		conversations: map[string]*conversationState{},
		timers:        map[string]*time.Timer{},
		sendTimeout:   cfg.SendTimeout,
		matchWindow:   cfg.MatchWindow,
		now:           time.Now,
		newClientID:   uuid.NewString,
	}
}

func (s *Store) conversation(id string) *conversationState {
	c, ok := s.conversations[id]
	if !ok {
		c = &conversationState{}
		s.conversations[id] = c
	}
	return c
}

// Send appends a pending optimistic entry and dispatches delivery. The
// entry is in place before any network attempt, so issuance order is the
// stored order no matter how the network resolves. Returns a copy of the
// optimistic entry, or nil when the input is rejected.
func (s *Store) Send(conversationID, content string, channel Channel) *Message {
	content = strings.TrimSpace(content)
	if conversationID == "" || content == "" {
		return nil
	}
	if channel == "" {
		channel = ChannelWebchat
	}

	msg := &Message{
		ClientID:       s.newClientID(),
		ConversationID: conversationID,
		Sender:         RoleStaff,
		Channel:        channel,
		Content:        content,
		CreatedAt:      s.now(),
		Status:         StatusPending,
	}

	s.mu.Lock()
	c := s.conversation(conversationID)
	c.messages = append(c.messages, msg)
	s.armTimeoutLocked(conversationID, msg.ClientID)
	s.mu.Unlock()

	go s.deliver(conversationID, msg.ClientID, content, channel)

	cp := *msg
	return &cp
}

// deliver prefers the realtime transport and falls back to REST when the
// transport is down or declines the frame. The fallback makes exactly one
// attempt; its resolution always leaves the entry confirmed or failed.
func (s *Store) deliver(conversationID, clientID, content string, channel Channel) {
	payload := SendMessagePayload{
		ConversationID: conversationID,
		ClientID:       clientID,
		Content:        content,
		Channel:        channel,
	}
	if s.rt.IsConnected() && s.rt.Emit(EventSendMessage, payload) {
		// Confirmation arrives as a message_sent echo; the send timeout
		// covers a lost echo.
		return
	}

	out := s.fallback.SendMessage(conversationID, clientID, content, channel)
	if out.OK && out.Message != nil {
		s.Confirm(*out.Message)
		return
	}
	s.Fail(conversationID, clientID, out.Reason)
}

// Confirm reconciles a server-confirmed message into the sequence. A
// matching pending entry is replaced in place; without a match the message
// is appended (remote origin, or another session of the same user).
// Duplicate confirmations of the same canonical id are no-ops.
func (s *Store) Confirm(m Message) {
	if m.ConversationID == "" {
		return
	}
	m.Status = StatusConfirmed

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(m.ConversationID)

	if m.ID != "" {
		for _, existing := range c.messages {
			if existing.ID == m.ID {
				// Already reconciled (e.g. via a history seed). A pending
				// twin from the originating send is still collapsed so one
				// logical message never shows twice.
				s.dropPendingTwinLocked(c, m.ClientID)
				return
			}
		}
	}

	idx := s.matchPendingLocked(c, &m)
	if idx < 0 {
		cp := m
		c.messages = append(c.messages, &cp)
		return
	}

	old := c.messages[idx]
	s.disarmTimeoutLocked(old.ClientID)
	if m.ClientID == "" {
		m.ClientID = old.ClientID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = old.CreatedAt
	}
	cp := m
	c.messages[idx] = &cp
}

// matchPendingLocked pairs a confirmation with its optimistic entry: by
// echoed client id when present, otherwise by sender + content within the
// match window. A present client id that matches nothing means the message
// belongs to another session, so the heuristic is skipped and the caller
// appends. Returns -1 when nothing matches.
func (s *Store) matchPendingLocked(c *conversationState, m *Message) int {
	if m.ClientID != "" {
		for i, cand := range c.messages {
			if cand.Status == StatusPending && cand.ClientID == m.ClientID {
				return i
			}
		}
		return -1
	}
	for i, cand := range c.messages {
		if cand.Status != StatusPending || cand.Sender != m.Sender || cand.Content != m.Content {
			continue
		}
		if !m.CreatedAt.IsZero() {
			delta := m.CreatedAt.Sub(cand.CreatedAt)
			if delta < -s.matchWindow || delta > s.matchWindow {
				continue
			}
		}
		return i
	}
	return -1
}

// dropPendingTwinLocked removes the pending entry carrying clientID and
// disarms its timer. Used when the canonical copy is already in the
// sequence and the optimistic twin would otherwise linger until timeout.
func (s *Store) dropPendingTwinLocked(c *conversationState, clientID string) {
	if clientID == "" {
		return
	}
	for i, cand := range c.messages {
		if cand.Status != StatusPending || cand.ClientID != clientID {
			continue
		}
		s.disarmTimeoutLocked(clientID)
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
		return
	}
}

// Fail transitions a pending entry to failed in place. An empty clientID
// fails the oldest pending entry of the conversation, covering
// message_error frames that carry no id. Failed entries stay visible so
// the user can retry.
func (s *Store) Fail(conversationID, clientID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	for _, msg := range c.messages {
		if msg.Status != StatusPending {
			continue
		}
		if clientID != "" && msg.ClientID != clientID {
			continue
		}
		msg.Status = StatusFailed
		s.disarmTimeoutLocked(msg.ClientID)
		s.log.Warn("message delivery failed",
			"conversation_id", conversationID, "client_id", msg.ClientID, "reason", reason)
		return
	}
}

// Seed installs fetched history ahead of any entries already present,
// skipping ids the sequence already holds. Only the first call per
// conversation has an effect.
func (s *Store) Seed(conversationID string, history []Message) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(conversationID)
	if c.seeded {
		return
	}
	c.seeded = true

	existing := map[string]bool{}
	pending := map[string]*Message{}
	for _, msg := range c.messages {
		if msg.ID != "" {
			existing[msg.ID] = true
		}
		if msg.Status == StatusPending && msg.ClientID != "" {
			pending[msg.ClientID] = msg
		}
	}
	merged := make([]*Message, 0, len(history)+len(c.messages))
	for i := range history {
		h := history[i]
		if h.ID != "" && existing[h.ID] {
			continue
		}
		if h.Status == "" {
			h.Status = StatusConfirmed
		}
		// An in-flight send that reached the server before the fetch shows
		// up in history with its echoed client id. It is the same logical
		// message, so the optimistic entry takes the confirmed copy in
		// place instead of gaining a prepended twin.
		if local, ok := pending[h.ClientID]; ok {
			s.disarmTimeoutLocked(h.ClientID)
			*local = h
			continue
		}
		merged = append(merged, &h)
	}
	merged = append(merged, c.messages...)
	c.messages = merged
}

// Seeded reports whether history was already installed for a conversation.
func (s *Store) Seeded(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	return ok && c.seeded
}

// Messages returns a snapshot of the conversation sequence in append
// order.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(c.messages))
	for _, msg := range c.messages {
		out = append(out, *msg)
	}
	return out
}

func (s *Store) armTimeoutLocked(conversationID, clientID string) {
	if s.sendTimeout <= 0 {
		return
	}
	s.timers[clientID] = time.AfterFunc(s.sendTimeout, func() {
		s.Fail(conversationID, clientID, "send timed out")
	})
}

func (s *Store) disarmTimeoutLocked(clientID string) {
	if t, ok := s.timers[clientID]; ok {
		t.Stop()
		delete(s.timers, clientID)
	}
}
