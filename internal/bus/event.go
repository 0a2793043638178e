package bus

import "time"

// Event kinds published on the bus. Subscribers filter by prefix, e.g.
// "message." or "transport.".
const (
	KindMessageUpserted      = "message.upserted"
	KindMessageStatus        = "message.status_changed"
	KindMessageStillSending  = "message.still_sending"
	KindMessageDeleted       = "message.deleted"
	KindConversationUpdated  = "conversation.updated"
	KindConversationsSynced  = "conversation.synced"
	KindConversationConflict = "conversation.conflict"
	KindTransportState       = "transport.state_changed"
	KindTyping               = "typing.changed"
	KindPresence             = "presence.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}
