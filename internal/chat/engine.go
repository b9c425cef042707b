package chat

import (
	"encoding/json"
	"log/slog"
	"time"
)

// EngineConfig collects the knobs for one sync engine instance.
type EngineConfig struct {
	// RealtimeURL is the websocket endpoint of the gateway.
	RealtimeURL string
	// APIBaseURL is the REST base used by the fallback path.
	APIBaseURL string
	// SelfID identifies the local staff user; its own typing echoes are
	// filtered out of the typing sets shown locally.
	SelfID string

	TypingExpiry   time.Duration
	SendTimeout    time.Duration
	RequestTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// Engine wires the sync components together: one transport session, the
// room coordinator, the reconciliation store, the typing broadcaster and
// the unread tracker, plus the inbound event routing between them.
type Engine struct {
	Session  *Session
	Rooms    *RoomCoordinator
	Store    *Store
	Presence *PresenceBroadcaster
	Unread   *UnreadTracker

	fallback *FallbackClient
	log      *slog.Logger
}

func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	sess := NewSession(cfg.RealtimeURL, logger,
		WithReconnectBounds(cfg.ReconnectMin, cfg.ReconnectMax))
	fallback := NewFallbackClient(cfg.APIBaseURL, sess.Credential, cfg.RequestTimeout, logger)
	store := NewStore(sess, fallback, logger, StoreConfig{SendTimeout: cfg.SendTimeout})
	rooms := NewRoomCoordinator(sess)
	presence := NewPresenceBroadcaster(sess, cfg.SelfID, cfg.TypingExpiry)
	unread := NewUnreadTracker(sess, fallback, rooms.Active, logger)

	e := &Engine{
		Session:  sess,
		Rooms:    rooms,
		Store:    store,
		Presence: presence,
		Unread:   unread,
		fallback: fallback,
		log:      logger,
	}

	sess.On(EventNewMessage, func(data json.RawMessage) {
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warn("malformed new_message frame", "error", err)
			return
		}
		store.Confirm(m)
		unread.HandleInbound(m)
	})
	sess.On(EventMessageSent, func(data json.RawMessage) {
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warn("malformed message_sent frame", "error", err)
			return
		}
		store.Confirm(m)
	})
	sess.On(EventMessageError, func(data json.RawMessage) {
		var p MessageErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		store.Fail(p.ConversationID, p.ClientID, p.Reason)
	})
	sess.On(EventUserTyping, func(data json.RawMessage) {
		var p UserTypingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		presence.HandleUserTyping(p)
	})
	sess.On(EventMessagesRead, func(data json.RawMessage) {
		var p MessagesReadPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		unread.HandleMessagesRead(p)
	})

	// The server forgets room memberships across a drop; rejoin the active
	// conversation on every transition to connected.
	sess.OnStateChange(func(state ConnState) {
		if state == StateConnected {
			rooms.Rejoin()
		}
	})

	return e
}

// Connect opens the realtime session with the given credential. Called
// again by the auth collaborator whenever the credential rotates.
func (e *Engine) Connect(credential string) {
	e.Session.Connect(credential)
}

// Disconnect releases the realtime session.
func (e *Engine) Disconnect() {
	e.Session.Disconnect()
}

// ActivateConversation makes a conversation the active one: joins its
// room, resets its unread counter and propagates the read mark, and seeds
// its history on first activation.
func (e *Engine) ActivateConversation(conversationID string) {
	if conversationID == "" {
		return
	}
	e.Rooms.Activate(conversationID)
	e.Unread.ConversationActivated(conversationID)
	if !e.Store.Seeded(conversationID) {
		go e.seed(conversationID)
	}
}

// DeactivateConversation leaves the conversation's room.
func (e *Engine) DeactivateConversation(conversationID string) {
	e.Rooms.Deactivate(conversationID)
}

// Send appends an optimistic entry and dispatches delivery for it.
func (e *Engine) Send(conversationID, content string, channel Channel) *Message {
	return e.Store.Send(conversationID, content, channel)
}

func (e *Engine) seed(conversationID string) {
	history, err := e.fallback.History(conversationID)
	if err != nil {
		e.log.Warn("history seed failed", "conversation_id", conversationID, "error", err)
		return
	}
	e.Store.Seed(conversationID, history)
}
