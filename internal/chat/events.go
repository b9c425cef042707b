package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names shared by the realtime client and the gateway.
const (
	EventJoinConversation  = "join_patient_conversation"
	EventLeaveConversation = "leave_patient_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkRead          = "mark_messages_read"

	EventNewMessage   = "new_message"
	EventMessageSent  = "message_sent"
	EventMessageError = "message_error"
	EventUserTyping   = "user_typing"
	EventMessagesRead = "messages_read"
)

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent wraps a payload in an Envelope and marshals the frame.
func EncodeEvent(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return frame, nil
}

type RoomPayload struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessagePayload struct {
	ConversationID string  `json:"conversation_id"`
	ClientID       string  `json:"client_id,omitempty"`
	Content        string  `json:"content"`
	Channel        Channel `json:"channel,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
}

type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

type UserTypingPayload struct {
	ConversationID   string `json:"conversation_id"`
	ParticipantID    string `json:"participant_id"`
	ParticipantLabel string `json:"participant_label,omitempty"`
	IsTyping         bool   `json:"is_typing"`
}

type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id,omitempty"`
	ReadAt         time.Time `json:"read_at,omitempty"`
}

type MessageErrorPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Reason         string `json:"reason"`
}
