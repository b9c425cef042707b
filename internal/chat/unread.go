package chat

import (
	"log/slog"
	"sync"
	"time"
)

// readMarker is the REST read-mark capability used when the realtime
// transport cannot take the frame.
type readMarker interface {
	MarkRead(conversationID string) error
}

// UnreadTracker keeps per-conversation unread counters and emits read
// marks. Counters grow only on inbound patient messages for conversations
// the user is not looking at, and reset when a conversation is activated
// or explicitly marked read.
type UnreadTracker struct {
	rt     emitter
	marker readMarker
	active func() string
	log    *slog.Logger

	mu     sync.Mutex
	counts map[string]int
	readAt map[string]time.Time // peer read watermark per conversation
}

func NewUnreadTracker(rt emitter, marker readMarker, active func() string, logger *slog.Logger) *UnreadTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if active == nil {
		active = func() string { return "" }
	}
	return &UnreadTracker{
		rt:     rt,
		marker: marker,
		active: active,
		log:    logger,
		counts: map[string]int{},
		readAt: map[string]time.Time{},
	}
}

// HandleInbound counts an inbound message when it is patient-authored and
// its conversation is not the active one.
func (u *UnreadTracker) HandleInbound(m Message) {
	if m.Sender != RolePatient || m.ConversationID == "" || m.ConversationID == u.active() {
		return
	}
	u.mu.Lock()
	u.counts[m.ConversationID]++
	u.mu.Unlock()
}

// ConversationActivated resets the counter and propagates a read mark for
// the newly active conversation.
func (u *UnreadTracker) ConversationActivated(conversationID string) {
	u.MarkRead(conversationID)
}

// MarkRead zeroes the counter and emits the read mark, preferring the
// realtime channel and falling back to REST. One attempt either way;
// a failed mark is reported, not retried.
func (u *UnreadTracker) MarkRead(conversationID string) {
	if conversationID == "" {
		return
	}
	u.mu.Lock()
	u.counts[conversationID] = 0
	u.mu.Unlock()

	if u.rt.Emit(EventMarkRead, MarkReadPayload{ConversationID: conversationID}) {
		return
	}
	if err := u.marker.MarkRead(conversationID); err != nil {
		u.log.Warn("read mark not delivered", "conversation_id", conversationID, "error", err)
	}
}

// Count returns the unread counter for a conversation.
func (u *UnreadTracker) Count(conversationID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[conversationID]
}

// HandleMessagesRead records the peer's read receipt for a conversation.
func (u *UnreadTracker) HandleMessagesRead(payload MessagesReadPayload) {
	if payload.ConversationID == "" {
		return
	}
	at := payload.ReadAt
	if at.IsZero() {
		at = time.Now()
	}
	u.mu.Lock()
	u.readAt[payload.ConversationID] = at
	u.mu.Unlock()
}

// PeerReadAt returns the last recorded read receipt for a conversation,
// zero when none arrived.
func (u *UnreadTracker) PeerReadAt(conversationID string) time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.readAt[conversationID]
}
