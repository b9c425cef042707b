package chat

import (
	"sort"
	"sync"
	"time"
)

// TypingParticipant is one remote participant currently typing in a
// conversation.
type TypingParticipant struct {
	ID    string
	Label string
}

// PresenceBroadcaster handles ephemeral typing signals. Signals travel
// over the realtime transport only: no queueing, no fallback, typing state
// is allowed to be lost. Remote flags expire after a configurable window
// so a dropped typing_stop cannot leave a participant typing forever.
type PresenceBroadcaster struct {
	rt     emitter
	selfID string
	expiry time.Duration

	mu     sync.Mutex
	typing map[string]map[string]*typingEntry // conversation -> participant id
}

type typingEntry struct {
	label string
	timer *time.Timer
}

func NewPresenceBroadcaster(rt emitter, selfID string, expiry time.Duration) *PresenceBroadcaster {
	if expiry <= 0 {
		expiry = 5 * time.Second
	}
	return &PresenceBroadcaster{
		rt:     rt,
		selfID: selfID,
		expiry: expiry,
		typing: map[string]map[string]*typingEntry{},
	}
}

// StartTyping emits a typing_start signal. No-op while disconnected.
func (p *PresenceBroadcaster) StartTyping(conversationID string) {
	if conversationID == "" {
		return
	}
	p.rt.Emit(EventTypingStart, TypingPayload{ConversationID: conversationID})
}

// StopTyping emits a typing_stop signal. No-op while disconnected.
func (p *PresenceBroadcaster) StopTyping(conversationID string) {
	if conversationID == "" {
		return
	}
	p.rt.Emit(EventTypingStop, TypingPayload{ConversationID: conversationID})
}

// HandleUserTyping applies an inbound user_typing event. The local user's
// own echo is filtered out.
func (p *PresenceBroadcaster) HandleUserTyping(payload UserTypingPayload) {
	if payload.ConversationID == "" || payload.ParticipantID == "" || payload.ParticipantID == p.selfID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	participants, ok := p.typing[payload.ConversationID]
	if !ok {
		participants = map[string]*typingEntry{}
		p.typing[payload.ConversationID] = participants
	}

	entry, exists := participants[payload.ParticipantID]
	if !payload.IsTyping {
		if exists {
			entry.timer.Stop()
			delete(participants, payload.ParticipantID)
		}
		return
	}

	if exists {
		entry.label = payload.ParticipantLabel
		entry.timer.Reset(p.expiry)
		return
	}
	conversationID, participantID := payload.ConversationID, payload.ParticipantID
	participants[payload.ParticipantID] = &typingEntry{
		label: payload.ParticipantLabel,
		timer: time.AfterFunc(p.expiry, func() {
			p.expire(conversationID, participantID)
		}),
	}
}

func (p *PresenceBroadcaster) expire(conversationID, participantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if participants, ok := p.typing[conversationID]; ok {
		delete(participants, participantID)
	}
}

// Typing returns the remote participants currently typing in a
// conversation, sorted by label for stable rendering.
func (p *PresenceBroadcaster) Typing(conversationID string) []TypingParticipant {
	p.mu.Lock()
	defer p.mu.Unlock()
	participants := p.typing[conversationID]
	out := make([]TypingParticipant, 0, len(participants))
	for id, entry := range participants {
		out = append(out, TypingParticipant{ID: id, Label: entry.label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}
