package transport

import (
	"encoding/json"
	"fmt"
)

// Type discriminates wire events.
type Type string

const (
	TypeNewMessage  Type = "new_message"
	TypeTyping      Type = "typing_indicator"
	TypeUserOnline  Type = "user_online"
	TypeUserOffline Type = "user_offline"
	TypeMarkRead    Type = "mark_read"
	TypeAck         Type = "ack"
)

// Event is one JSON frame on the socket.
type Event struct {
	Type           Type            `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`

	// Synthetic marks events generated locally, such as typing expiry.
	Synthetic bool `json:"-"`
}

// NewEvent builds an Event with payload encoded as JSON.
func NewEvent(t Type, conversationID string, payload any) (Event, error) {
	evt := Event{Type: t, ConversationID: conversationID}
	if payload == nil {
		return evt, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	evt.Payload = raw
	return evt, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// MessagePayload carries a chat message for new_message events.
type MessagePayload struct {
	ID         string             `json:"id"`
	SenderID   *string            `json:"sender_id,omitempty"`
	Content    string             `json:"content"`
	CreatedAt  int64              `json:"created_at"`
	Attachment *AttachmentPayload `json:"attachment,omitempty"`
}

// AttachmentPayload describes media referenced by a message.
type AttachmentPayload struct {
	Kind            string `json:"kind"`
	MimeType        string `json:"mime_type"`
	ByteSize        int64  `json:"byte_size"`
	Ref             string `json:"ref"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// TypingPayload is sent when a participant starts or stops typing.
type TypingPayload struct {
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

// PresencePayload names the user of a user_online or user_offline event.
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// AckLevel is how far a message has progressed on the server side.
type AckLevel string

const (
	AckSent      AckLevel = "sent"
	AckDelivered AckLevel = "delivered"
	AckRead      AckLevel = "read"
)

// AckPayload acknowledges one message.
type AckPayload struct {
	MessageID string   `json:"message_id"`
	Level     AckLevel `json:"level"`
}

// MarkReadPayload reports that UserID has read a conversation up to UpTo
// (unix ms, inclusive).
type MarkReadPayload struct {
	UserID string `json:"user_id"`
	UpTo   int64  `json:"up_to"`
}
