package api

import (
	"encoding/json"

	"github.com/MUYAHGaious/izichat/internal/store"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

type ListConversationsRequest struct {
	Archived   bool   `json:"archived,omitempty"`
	Type       string `json:"type,omitempty"`
	Query      string `json:"query,omitempty"`
	UnreadOnly bool   `json:"unread_only,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []store.Conversation `json:"conversations"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ConversationResponse struct {
	Conversation *store.Conversation `json:"conversation"`
}

type ArchiveRequest struct {
	ConversationID string `json:"conversation_id"`
	Archived       bool   `json:"archived"`
}

type MuteRequest struct {
	ConversationID string `json:"conversation_id"`
	Muted          bool   `json:"muted"`
}

type StartSupportRequest struct {
	Title string `json:"title,omitempty"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversation_id"`
	// BeforeUnixMs pages backwards; zero means newest. BeforeID is the id
	// of the oldest message already shown and breaks timestamp ties.
	BeforeUnixMs int64  `json:"before_unix_ms,omitempty"`
	BeforeID     string `json:"before_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages []store.Message `json:"messages"`
}

// Upload is an attachment picked by the client. Data carries the raw bytes.
type Upload struct {
	Name            string `json:"name"`
	MimeType        string `json:"mime_type"`
	Data            []byte `json:"data"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

type SendMessageRequest struct {
	ConversationID string  `json:"conversation_id"`
	Content        string  `json:"content"`
	Attachment     *Upload `json:"attachment,omitempty"`
}

type MessageRequest struct {
	MessageID string `json:"message_id"`
}

type EditMessageRequest struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type MessageResponse struct {
	Message *store.Message `json:"message"`
}

type StatusResponse struct {
	Session   string       `json:"session"`
	State     string       `json:"state"`
	UserID    string       `json:"user_id,omitempty"`
	Endpoint  string       `json:"endpoint,omitempty"`
	UptimeMs  int64        `json:"uptime_ms"`
	Stats     *store.Stats `json:"stats,omitempty"`
	SignedIn  bool         `json:"signed_in"`
	Connected bool         `json:"connected"`
}

type SignInRequest struct {
	Token string `json:"token"`
}

type SyncResponse struct {
	Conversations int `json:"conversations"`
	Conflicts     int `json:"conflicts"`
}

type LoadOlderResponse struct {
	Fetched int `json:"fetched"`
}

type WatchRequest struct {
	// ConversationID narrows the stream; empty watches everything.
	ConversationID string `json:"conversation_id,omitempty"`
	// Prefix filters by event kind, e.g. "message.".
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event as seen by a watcher.
type Event struct {
	EventID          string          `json:"event_id"`
	Session          string          `json:"session"`
	Kind             string          `json:"kind"`
	ConversationID   string          `json:"conversation_id,omitempty"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
