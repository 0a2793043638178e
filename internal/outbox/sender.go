package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MUYAHGaious/izichat/internal/bus"
	"github.com/MUYAHGaious/izichat/internal/store"
	"github.com/MUYAHGaious/izichat/internal/transport"
)

var (
	// ErrEmptyMessage is returned when a draft has neither content nor attachment.
	ErrEmptyMessage = errors.New("message has no content or attachment")
	// ErrNotRetryable is returned by Retry for messages that are not Failed.
	ErrNotRetryable = errors.New("only failed messages can be retried")

	errStale = errors.New("stale transition")
)

// Transport is the outbound half of the real-time session.
type Transport interface {
	Send(evt transport.Event) error
}

// Config holds delivery deadlines.
type Config struct {
	// StillSendingAfter publishes message.still_sending for messages that
	// have not reached Sent.
	StillSendingAfter time.Duration
	// FailAfter marks a message Failed if it is still Sending.
	FailAfter time.Duration
}

// DefaultConfig returns the stock delivery deadlines.
func DefaultConfig() Config {
	return Config{StillSendingAfter: 10 * time.Second, FailAfter: time.Minute}
}

// Draft is a message being composed.
type Draft struct {
	// ID may be set to resubmit a known local message; empty mints a new one.
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Attachment     *store.Attachment
}

// StatusChange is the payload of message.status_changed events.
type StatusChange struct {
	MessageID string
	From      store.Status
	To        store.Status
}

// Sender drives optimistic delivery. Every message is persisted as Sending
// before the network is touched, then moves forward on acks.
type Sender struct {
	db     *store.DB
	tr     Transport
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config

	// post runs timer callbacks; the sync engine routes them through its
	// mailbox.
	post func(func())

	mu     sync.Mutex
	timers map[string]*deadline
}

type deadline struct {
	still *time.Timer
	fail  *time.Timer
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, tr Transport, b *bus.Bus, cfg Config, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.StillSendingAfter <= 0 {
		cfg.StillSendingAfter = def.StillSendingAfter
	}
	if cfg.FailAfter <= 0 {
		cfg.FailAfter = def.FailAfter
	}
	return &Sender{
		db:     db,
		tr:     tr,
		bus:    b,
		logger: logger,
		cfg:    cfg,
		post:   func(fn func()) { fn() },
		timers: make(map[string]*deadline),
	}
}

// SetExecutor routes timer callbacks through post.
func (s *Sender) SetExecutor(post func(func())) {
	s.post = post
}

// CanAdvance reports whether a message may move from one status to another.
// Statuses only move forward, except Failed which may be retried or lifted
// by a late ack.
func CanAdvance(from, to store.Status) bool {
	switch from {
	case store.StatusSending:
		return to == store.StatusSent || to == store.StatusDelivered || to == store.StatusRead || to == store.StatusFailed
	case store.StatusSent:
		return to == store.StatusDelivered || to == store.StatusRead
	case store.StatusDelivered:
		return to == store.StatusRead
	case store.StatusFailed:
		return to == store.StatusSending || to == store.StatusSent || to == store.StatusDelivered || to == store.StatusRead
	}
	return false
}

// Submit persists a draft as Sending, then tries to send it. The returned
// message is already durable when Submit returns, whether or not the
// transport is up.
func (s *Sender) Submit(ctx context.Context, d Draft) (*store.Message, error) {
	if strings.TrimSpace(d.Content) == "" && d.Attachment == nil {
		return nil, ErrEmptyMessage
	}
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	m := store.Message{
		ID:         id,
		Content:    d.Content,
		CreatedAt:  time.Now().UnixMilli(),
		Status:     store.StatusSending,
		Attachment: d.Attachment,
	}
	if d.SenderID != "" {
		sender := d.SenderID
		m.SenderID = &sender
	}

	existing, err := s.db.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status != store.StatusSending && existing.Status != store.StatusFailed {
			return existing, nil
		}
		m.CreatedAt = existing.CreatedAt
	}

	msgs := []store.Message{m}
	conv, err := s.db.AppendMessages(ctx, d.ConversationID, msgs, nil)
	if err != nil {
		return nil, fmt.Errorf("persist outgoing message: %w", err)
	}
	m = msgs[0]

	s.publish(bus.KindMessageUpserted, m.ConversationID, m)
	s.publish(bus.KindConversationUpdated, conv.ID, *conv)

	s.arm(m.ID)
	s.attempt(m)
	return &m, nil
}

// attempt hands m to the transport. A disconnected transport leaves the
// message Sending for Flush to pick up.
func (s *Sender) attempt(m store.Message) {
	evt, err := transport.NewEvent(transport.TypeNewMessage, m.ConversationID, toPayload(m))
	if err != nil {
		s.logger.Error("failed to encode message", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}
	if err := s.tr.Send(evt); err != nil {
		if transport.IsDisconnected(err) {
			s.logger.Debug("transport down, message queued", zap.String("msg_id", m.ID))
			return
		}
		s.logger.Warn("failed to send message", zap.String("msg_id", m.ID), zap.Error(err))
	}
}

func toPayload(m store.Message) transport.MessagePayload {
	p := transport.MessagePayload{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if a := m.Attachment; a != nil {
		p.Attachment = &transport.AttachmentPayload{
			Kind:            string(a.Kind),
			MimeType:        a.MimeType,
			ByteSize:        a.ByteSize,
			Ref:             a.BinaryRef,
			DurationSeconds: a.DurationSeconds,
		}
	}
	return p
}

// HandleAck applies a server acknowledgement.
func (s *Sender) HandleAck(ctx context.Context, ack transport.AckPayload) error {
	var to store.Status
	switch ack.Level {
	case transport.AckSent:
		to = store.StatusSent
	case transport.AckDelivered:
		to = store.StatusDelivered
	case transport.AckRead:
		to = store.StatusRead
	default:
		return fmt.Errorf("unknown ack level %q", ack.Level)
	}
	_, err := s.Advance(ctx, ack.MessageID, to)
	return err
}

// Advance moves a message to status to if CanAdvance allows it. Stale or
// unknown transitions are ignored and return nil, nil.
func (s *Sender) Advance(ctx context.Context, messageID string, to store.Status) (*store.Message, error) {
	var from store.Status
	m, err := s.db.UpdateMessage(ctx, messageID, func(m *store.Message) error {
		if !CanAdvance(m.Status, to) {
			return errStale
		}
		from = m.Status
		m.Status = to
		return nil
	})
	if errors.Is(err, errStale) || errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("ignoring status transition", zap.String("msg_id", messageID), zap.String("to", string(to)), zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if to != store.StatusSending {
		s.disarm(messageID)
	}
	s.publish(bus.KindMessageStatus, m.ConversationID, StatusChange{MessageID: m.ID, From: from, To: to})
	return m, nil
}

// Retry moves a Failed message back to Sending and resends it.
func (s *Sender) Retry(ctx context.Context, messageID string) (*store.Message, error) {
	current, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("message %q: %w", messageID, store.ErrNotFound)
	}
	if current.Status != store.StatusFailed {
		return nil, ErrNotRetryable
	}
	m, err := s.Advance(ctx, messageID, store.StatusSending)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotRetryable
	}
	s.arm(m.ID)
	s.attempt(*m)
	return m, nil
}

// Flush resends every message still Sending, oldest first. Called when the
// transport (re)connects and at startup.
func (s *Sender) Flush(ctx context.Context) error {
	pending, err := s.db.MessagesByStatus(ctx, store.StatusSending)
	if err != nil {
		return err
	}
	for _, m := range pending {
		s.arm(m.ID)
		s.attempt(m)
	}
	if len(pending) > 0 {
		s.logger.Info("flushed pending messages", zap.Int("count", len(pending)))
	}
	return nil
}

// arm starts the delivery deadlines for id unless they are already running.
func (s *Sender) arm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; ok {
		return
	}
	s.timers[id] = &deadline{
		still: time.AfterFunc(s.cfg.StillSendingAfter, func() {
			s.post(func() { s.stillSending(id) })
		}),
		fail: time.AfterFunc(s.cfg.FailAfter, func() {
			s.post(func() { s.expire(id) })
		}),
	}
}

func (s *Sender) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.timers[id]; ok {
		d.still.Stop()
		d.fail.Stop()
		delete(s.timers, id)
	}
}

func (s *Sender) armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

func (s *Sender) stillSending(id string) {
	if !s.armed(id) {
		return
	}
	m, err := s.db.GetMessage(context.Background(), id)
	if err != nil || m == nil || m.Status != store.StatusSending {
		return
	}
	s.logger.Info("message still sending", zap.String("msg_id", id))
	s.publish(bus.KindMessageStillSending, m.ConversationID, *m)
}

func (s *Sender) expire(id string) {
	if !s.armed(id) {
		return
	}
	s.disarm(id)
	m, err := s.Advance(context.Background(), id, store.StatusFailed)
	if err != nil {
		s.logger.Error("failed to mark message failed", zap.String("msg_id", id), zap.Error(err))
		return
	}
	if m != nil {
		s.logger.Warn("message send timed out", zap.String("msg_id", id))
	}
}

// Stop cancels all delivery deadlines.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.timers {
		d.still.Stop()
		d.fail.Stop()
		delete(s.timers, id)
	}
}

func (s *Sender) publish(kind, conversationID string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:           kind,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Payload:        payload,
	})
}
