package chat

import "sync"

// RoomCoordinator keeps the server-side subscription set in sync with the
// conversation the user is looking at. Switching always leaves the old
// room before joining the new one so the server never holds a duplicate
// membership. Join/leave frames are dropped silently while disconnected;
// Rejoin re-issues the active join once connectivity returns.
type RoomCoordinator struct {
	mu     sync.Mutex
	rt     emitter
	active string
}

func NewRoomCoordinator(rt emitter) *RoomCoordinator {
	return &RoomCoordinator{rt: rt}
}

// Activate joins the conversation's room, leaving the previously active
// one first. Repeated calls with the same id do nothing.
func (r *RoomCoordinator) Activate(conversationID string) {
	if conversationID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == conversationID {
		return
	}
	if r.active != "" {
		r.rt.Emit(EventLeaveConversation, RoomPayload{ConversationID: r.active})
	}
	r.rt.Emit(EventJoinConversation, RoomPayload{ConversationID: conversationID})
	r.active = conversationID
}

// Deactivate leaves the conversation's room if it is the active one.
func (r *RoomCoordinator) Deactivate(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conversationID == "" || r.active != conversationID {
		return
	}
	r.rt.Emit(EventLeaveConversation, RoomPayload{ConversationID: conversationID})
	r.active = ""
}

// Active returns the currently active conversation id, empty when none.
func (r *RoomCoordinator) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Rejoin re-issues the join for the active conversation. Called after a
// reconnect, where the server has forgotten the previous membership.
func (r *RoomCoordinator) Rejoin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == "" {
		return
	}
	r.rt.Emit(EventJoinConversation, RoomPayload{ConversationID: r.active})
}
