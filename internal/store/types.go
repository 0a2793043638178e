package store

// ConversationType distinguishes direct, group and support threads.
type ConversationType string

const (
	Direct  ConversationType = "direct"
	Group   ConversationType = "group"
	Support ConversationType = "support"
)

// Origin records where a conversation was first created.
type Origin string

const (
	OriginServer Origin = "server"
	OriginLocal  Origin = "local"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// AttachmentKind is the media family of an attachment.
type AttachmentKind string

const (
	KindImage AttachmentKind = "image"
	KindVideo AttachmentKind = "video"
	KindAudio AttachmentKind = "audio"
)

// Conversation represents a stored conversation.
type Conversation struct {
	ID                 string           `json:"id"`
	OwnerUserID        string           `json:"owner_user_id"`
	Type               ConversationType `json:"type"`
	Title              string           `json:"title"`
	Participants       []string         `json:"participants"`
	LastMessageSummary string           `json:"last_message_summary"`
	LastActivityAt     int64            `json:"last_activity_at"`
	UnreadCount        int              `json:"unread_count"`
	Archived           bool             `json:"archived"`
	Muted              bool             `json:"muted"`
	Origin             Origin           `json:"origin"`
}

// Message represents a stored message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       *string     `json:"sender_id,omitempty"` // nil for system messages
	Content        string      `json:"content"`
	CreatedAt      int64       `json:"created_at"`
	Status         Status      `json:"status"`
	EditedAt       *int64      `json:"edited_at,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// Attachment is the metadata of a binary payload kept in the blob store.
type Attachment struct {
	ID              string         `json:"id"`
	MessageID       string         `json:"message_id"`
	Kind            AttachmentKind `json:"kind"`
	ByteSize        int64          `json:"byte_size"`
	MimeType        string         `json:"mime_type"`
	BinaryRef       string         `json:"binary_ref"`
	PreviewRef      string         `json:"-"` // process-local, never persisted
	DurationSeconds int            `json:"duration_seconds,omitempty"`
}

// Page selects a backward slice of a conversation's history.
type Page struct {
	// Before is an exclusive upper bound on CreatedAt (unix ms). Zero means newest.
	Before int64
	// BeforeID narrows Before to a (CreatedAt, ID) cursor: rows at exactly
	// Before with an ID below BeforeID are included.
	BeforeID string
	Limit    int
}

// Stats holds row counts for the local store.
type Stats struct {
	Conversations int64 `json:"conversations"`
	Messages      int64 `json:"messages"`
	Attachments   int64 `json:"attachments"`
}
