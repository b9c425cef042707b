package chat

import "time"

type SenderRole string

const (
	RoleStaff   SenderRole = "staff"
	RolePatient SenderRole = "patient"
)

// Channel is the medium a message traveled over.
type Channel string

const (
	ChannelSMS     Channel = "sms"
	ChannelCall    Channel = "call"
	ChannelWebchat Channel = "webchat"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

// Message is one entry in a conversation sequence. ID is assigned by the
// server once the message is confirmed; ClientID is generated locally at
// send time and echoed back by the server so an optimistic entry and its
// confirmation collapse into a single entry.
type Message struct {
	ID             string         `json:"id,omitempty"`
	ClientID       string         `json:"client_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Sender         SenderRole     `json:"sender"`
	Channel        Channel        `json:"channel"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         DeliveryStatus `json:"status,omitempty"`
}
