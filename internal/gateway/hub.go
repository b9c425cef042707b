package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3D-Smile-Solutions/omnidentai-crm-sub000/internal/chat"
)

// ConversationPreview is one row of the practice inbox: the latest message
// and how many patient messages nobody has read yet.
type ConversationPreview struct {
	ConversationID string    `json:"conversation_id"`
	LastBody       string    `json:"last_body"`
	LastAt         time.Time `json:"last_at"`
	Unread         int       `json:"unread"`
}

// Hub holds the gateway's in-memory conversation state: connected staff
// peers, per-conversation room membership, message logs and inbox
// previews. One mutex guards it all; fan-out works on snapshots taken
// under the read lock.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	peers    map[string]*Peer                // staff id -> live peer
	members  map[string]map[string]bool      // conversation -> joined staff ids
	logs     map[string][]chat.Message       // conversation -> canonical sequence
	previews map[string]*ConversationPreview // conversation -> inbox row
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:      logger,
		peers:    map[string]*Peer{},
		members:  map[string]map[string]bool{},
		logs:     map[string][]chat.Message{},
		previews: map[string]*ConversationPreview{},
	}
}

// Register attaches a peer; a later connection with the same staff id
// supersedes the earlier one.
func (h *Hub) Register(p *Peer) {
	h.mu.Lock()
	old := h.peers[p.ID]
	h.peers[p.ID] = p
	h.mu.Unlock()
	if old != nil && old != p {
		_ = old.Conn.Close()
	}
	h.log.Info("staff connected", "staff_id", p.ID)
}

// Unregister detaches a peer and removes its room memberships. No-op when
// the peer was already superseded.
func (h *Hub) Unregister(p *Peer) {
	h.mu.Lock()
	if h.peers[p.ID] != p {
		h.mu.Unlock()
		p.shutdown()
		return
	}
	delete(h.peers, p.ID)
	for _, staff := range h.members {
		delete(staff, p.ID)
	}
	h.mu.Unlock()
	p.shutdown()
	h.log.Info("staff disconnected", "staff_id", p.ID)
}

// Dispatch routes one inbound frame from a peer.
func (h *Hub) Dispatch(p *Peer, env chat.Envelope) {
	switch env.Event {
	case chat.EventJoinConversation:
		var payload chat.RoomPayload
		if decode(env.Data, &payload) {
			h.Join(p.ID, payload.ConversationID)
		}
	case chat.EventLeaveConversation:
		var payload chat.RoomPayload
		if decode(env.Data, &payload) {
			h.Leave(p.ID, payload.ConversationID)
		}
	case chat.EventSendMessage:
		var payload chat.SendMessagePayload
		if !decode(env.Data, &payload) {
			return
		}
		msg, reason := h.StaffMessage(p.ID, payload)
		if reason != "" {
			h.sendTo(p.ID, chat.EventMessageError, chat.MessageErrorPayload{
				ConversationID: payload.ConversationID,
				ClientID:       payload.ClientID,
				Reason:         reason,
			})
			return
		}
		h.sendTo(p.ID, chat.EventMessageSent, msg)
		h.broadcastAll(chat.EventNewMessage, msg, p.ID)
	case chat.EventTypingStart, chat.EventTypingStop:
		var payload chat.TypingPayload
		if decode(env.Data, &payload) {
			h.broadcast(payload.ConversationID, chat.EventUserTyping, chat.UserTypingPayload{
				ConversationID:   payload.ConversationID,
				ParticipantID:    p.ID,
				ParticipantLabel: p.Label,
				IsTyping:         env.Event == chat.EventTypingStart,
			}, "")
		}
	case chat.EventMarkRead:
		var payload chat.MarkReadPayload
		if decode(env.Data, &payload) {
			h.MarkRead(payload.ConversationID, p.ID)
		}
	}
}

// Join adds a staff member to a conversation's room.
func (h *Hub) Join(staffID, conversationID string) {
	if conversationID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	staff, ok := h.members[conversationID]
	if !ok {
		staff = map[string]bool{}
		h.members[conversationID] = staff
	}
	staff[staffID] = true
}

// Leave removes a staff member from a conversation's room.
func (h *Hub) Leave(staffID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if staff, ok := h.members[conversationID]; ok {
		delete(staff, staffID)
	}
}

// Members returns the staff ids joined to a conversation, sorted.
func (h *Hub) Members(conversationID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.members[conversationID]))
	for id := range h.members[conversationID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StaffMessage appends a staff-authored message, assigning the canonical
// id and echoing the client id. Returns a non-empty reason when the
// payload is rejected.
func (h *Hub) StaffMessage(staffID string, payload chat.SendMessagePayload) (chat.Message, string) {
	content := strings.TrimSpace(payload.Content)
	if payload.ConversationID == "" {
		return chat.Message{}, "missing conversation id"
	}
	if content == "" {
		return chat.Message{}, "message content is empty"
	}
	channel := payload.Channel
	if channel == "" {
		channel = chat.ChannelWebchat
	}
	msg := chat.Message{
		ID:             uuid.NewString(),
		ClientID:       payload.ClientID,
		ConversationID: payload.ConversationID,
		Sender:         chat.RoleStaff,
		Channel:        channel,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Status:         chat.StatusConfirmed,
	}
	h.append(msg, 0)
	h.log.Info("message stored", "conversation_id", msg.ConversationID, "sender", "staff", "staff_id", staffID)
	return msg, ""
}

// PatientMessage appends a patient-authored message arriving from an
// ingress webhook (SMS, webchat widget, call log) and fans it out to every
// joined staff member.
func (h *Hub) PatientMessage(conversationID, content string, channel chat.Channel) (chat.Message, error) {
	content = strings.TrimSpace(content)
	if conversationID == "" || content == "" {
		return chat.Message{}, fmt.Errorf("missing conversation id or content")
	}
	if channel == "" {
		channel = chat.ChannelSMS
	}
	msg := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         chat.RolePatient,
		Channel:        channel,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Status:         chat.StatusConfirmed,
	}
	h.append(msg, 1)
	h.broadcastAll(chat.EventNewMessage, msg, "")
	return msg, nil
}

func (h *Hub) append(msg chat.Message, unread int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs[msg.ConversationID] = append(h.logs[msg.ConversationID], msg)
	preview, ok := h.previews[msg.ConversationID]
	if !ok {
		preview = &ConversationPreview{ConversationID: msg.ConversationID}
		h.previews[msg.ConversationID] = preview
	}
	preview.LastBody = msg.Content
	preview.LastAt = msg.CreatedAt
	preview.Unread += unread
}

// MarkRead zeroes a conversation's unread counter and notifies joined
// staff with a messages_read receipt.
func (h *Hub) MarkRead(conversationID, readerID string) {
	if conversationID == "" {
		return
	}
	h.mu.Lock()
	if preview, ok := h.previews[conversationID]; ok {
		preview.Unread = 0
	}
	h.mu.Unlock()
	h.broadcastAll(chat.EventMessagesRead, chat.MessagesReadPayload{
		ConversationID: conversationID,
		ReaderID:       readerID,
		ReadAt:         time.Now().UTC(),
	}, "")
}

// History returns a copy of the conversation's canonical sequence.
func (h *Hub) History(conversationID string) []chat.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := h.logs[conversationID]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Previews returns the inbox rows sorted by recency.
func (h *Hub) Previews() []ConversationPreview {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ConversationPreview, 0, len(h.previews))
	for _, preview := range h.previews {
		out = append(out, *preview)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAt.After(out[j].LastAt) })
	return out
}

// sendTo pushes one event frame to a single staff peer.
func (h *Hub) sendTo(staffID, event string, payload any) {
	frame, err := chat.EncodeEvent(event, payload)
	if err != nil {
		h.log.Warn("drop outbound frame", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	peer := h.peers[staffID]
	h.mu.RUnlock()
	if peer != nil {
		peer.push(frame)
	}
}

// broadcastAll pushes one event frame to every connected staff peer,
// optionally skipping the originator. Message and read-receipt traffic is
// practice-wide: the dashboard inbox needs events for conversations the
// user is not currently viewing, and other sessions of the same user need
// them to stay in sync.
func (h *Hub) broadcastAll(event string, payload any, except string) {
	frame, err := chat.EncodeEvent(event, payload)
	if err != nil {
		h.log.Warn("drop outbound frame", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.peers))
	for staffID, peer := range h.peers {
		if staffID == except {
			continue
		}
		targets = append(targets, peer)
	}
	h.mu.RUnlock()
	for _, peer := range targets {
		peer.push(frame)
	}
}

// broadcast pushes one event frame to every staff peer joined to the
// conversation, optionally skipping the originator. Used for the
// ephemeral, view-scoped traffic (typing).
func (h *Hub) broadcast(conversationID, event string, payload any, except string) {
	frame, err := chat.EncodeEvent(event, payload)
	if err != nil {
		h.log.Warn("drop outbound frame", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.members[conversationID]))
	for staffID := range h.members[conversationID] {
		if staffID == except {
			continue
		}
		if peer := h.peers[staffID]; peer != nil {
			targets = append(targets, peer)
		}
	}
	h.mu.RUnlock()
	for _, peer := range targets {
		peer.push(frame)
	}
}

func decode[T any](data json.RawMessage, out *T) bool {
	return len(data) > 0 && json.Unmarshal(data, out) == nil
}
