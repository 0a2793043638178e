package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/MUYAHGaious/izichat/internal/bus"
	"github.com/MUYAHGaious/izichat/internal/identity"
	"github.com/MUYAHGaious/izichat/internal/outbox"
	"github.com/MUYAHGaious/izichat/internal/reconcile"
	"github.com/MUYAHGaious/izichat/internal/status"
	"github.com/MUYAHGaious/izichat/internal/store"
	"github.com/MUYAHGaious/izichat/internal/transport"
)

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("sync engine stopped")

const (
	mailboxSize    = 256
	stateEventsBuf = 64
)

// Transport is the outbound half of the real-time session.
type Transport interface {
	Send(evt transport.Event) error
}

// stateReporter is implemented by transports that can report their live
// connection state, such as *transport.Session.
type stateReporter interface {
	State() status.State
}

// Presence is the payload of presence.changed events.
type Presence struct {
	UserID string
	Online bool
}

// Engine applies inbound transport events to the store. One goroutine owns
// the engine: inbound events, the active conversation, mark-read, sends and
// delivery timers all run through its mailbox, in order.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	sender *outbox.Sender
	tr     Transport
	ident  identity.Provider
	logger *zap.Logger

	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	// Owned by the loop goroutine.
	active string
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, sender *outbox.Sender, tr Transport, ident identity.Provider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		db:      db,
		bus:     b,
		sender:  sender,
		tr:      tr,
		ident:   ident,
		logger:  logger,
		mailbox: make(chan func(), mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	sender.SetExecutor(e.Post)
	return e
}

// Start runs the mailbox loop and flushes pending sends whenever the
// transport reports Connected. The bus drops events for a full subscriber,
// so a burst of state changes is collapsed and the live state decides.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("transport.", stateEventsBuf)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case fn := <-e.mailbox:
				fn()
			case evt := <-ch:
				for drained := false; !drained; {
					select {
					case evt = <-ch:
					default:
						drained = true
					}
				}
				if e.transportUp(evt) {
					if err := e.sender.Flush(ctx); err != nil {
						e.logger.Error("failed to flush outbox", zap.Error(err))
					}
				}
			case <-ctx.Done():
				return
			case <-e.quit:
				return
			}
		}
	}()
}

// transportUp reports whether the transport is connected after the latest
// state event. The live state is preferred over the event payload.
func (e *Engine) transportUp(last bus.Event) bool {
	if sr, ok := e.tr.(stateReporter); ok {
		return sr.State() == status.Connected
	}
	change, ok := last.Payload.(status.StatusChange)
	return ok && change.To == status.Connected
}

// Stop stops the engine and cancels delivery timers.
func (e *Engine) Stop() {
	select {
	case <-e.quit:
		return
	default:
		close(e.quit)
	}
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.sender.Stop()
}

// Post queues fn on the engine goroutine. Work posted after Stop is dropped.
func (e *Engine) Post(fn func()) {
	select {
	case e.mailbox <- fn:
	case <-e.quit:
	case <-e.done:
	}
}

// do runs fn on the engine goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case e.mailbox <- func() { res <- fn() }:
	case <-e.quit:
		return ErrStopped
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleTransportEvent is the transport.Handler for the session.
func (e *Engine) HandleTransportEvent(evt transport.Event) {
	e.Post(func() {
		if err := e.apply(context.Background(), evt); err != nil {
			e.logger.Error("failed to apply transport event",
				zap.String("type", string(evt.Type)),
				zap.String("conversation_id", evt.ConversationID),
				zap.Error(err))
		}
	})
}

func (e *Engine) apply(ctx context.Context, evt transport.Event) error {
	switch evt.Type {
	case transport.TypeNewMessage:
		var p transport.MessagePayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		return e.ingest(ctx, evt.ConversationID, p)

	case transport.TypeAck:
		var p transport.AckPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		return e.sender.HandleAck(ctx, p)

	case transport.TypeMarkRead:
		var p transport.MarkReadPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		return e.peerRead(ctx, evt.ConversationID, p)

	case transport.TypeTyping:
		var p transport.TypingPayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		e.publish(bus.KindTyping, evt.ConversationID, p)

	case transport.TypeUserOnline, transport.TypeUserOffline:
		var p transport.PresencePayload
		if err := evt.Decode(&p); err != nil {
			return err
		}
		e.publish(bus.KindPresence, evt.ConversationID, Presence{UserID: p.UserID, Online: evt.Type == transport.TypeUserOnline})

	default:
		e.logger.Debug("ignoring transport event", zap.String("type", string(evt.Type)))
	}
	return nil
}

func (e *Engine) userID(ctx context.Context) string {
	if e.ident == nil {
		return ""
	}
	id, err := e.ident.Current(ctx)
	if err != nil {
		return ""
	}
	return id.UserID
}

// ingest stores an inbound message. An echo of our own message counts as
// the server's Sent ack.
func (e *Engine) ingest(ctx context.Context, conversationID string, p transport.MessagePayload) error {
	me := e.userID(ctx)
	own := p.SenderID != nil && me != "" && *p.SenderID == me

	if own {
		existing, err := e.db.GetMessage(ctx, p.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			_, err := e.sender.Advance(ctx, p.ID, store.StatusSent)
			return err
		}
	}

	msgs := []store.Message{fromPayload(p)}
	isActive := conversationID == e.active
	conv, created, err := e.db.AppendMessagesCreating(ctx, firstContact(conversationID, me, p), msgs, func(c *store.Conversation, fresh []store.Message) error {
		incoming := lo.CountBy(fresh, func(m store.Message) bool {
			return m.SenderID == nil || *m.SenderID != me
		})
		c.UnreadCount = reconcile.UnreadAfter(c.UnreadCount, isActive, incoming)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store message %s: %w", p.ID, err)
	}
	if created {
		e.logger.Info("created conversation on first message", zap.String("conversation_id", conversationID))
	}
	m := msgs[0]

	e.publish(bus.KindMessageUpserted, conversationID, m)
	e.publish(bus.KindConversationUpdated, conversationID, *conv)
	if isActive && !own {
		e.sendReadReceipt(conversationID, m.CreatedAt)
	}
	return nil
}

func fromPayload(p transport.MessagePayload) store.Message {
	m := store.Message{
		ID:        p.ID,
		SenderID:  p.SenderID,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		Status:    store.StatusSent,
	}
	if a := p.Attachment; a != nil {
		m.Attachment = &store.Attachment{
			Kind:            store.AttachmentKind(a.Kind),
			MimeType:        a.MimeType,
			ByteSize:        a.ByteSize,
			BinaryRef:       a.Ref,
			DurationSeconds: a.DurationSeconds,
		}
	}
	return m
}

// firstContact is the direct conversation created when a message arrives
// for a conversation not stored yet.
func firstContact(id, me string, p transport.MessagePayload) store.Conversation {
	participants := []string{}
	if me != "" {
		participants = append(participants, me)
	}
	if p.SenderID != nil && *p.SenderID != me {
		participants = append(participants, *p.SenderID)
	}
	return store.Conversation{
		ID:             id,
		OwnerUserID:    me,
		Type:           store.Direct,
		Participants:   participants,
		LastActivityAt: p.CreatedAt,
		Origin:         store.OriginServer,
	}
}

// peerRead marks our messages in a conversation Read up to p.UpTo.
func (e *Engine) peerRead(ctx context.Context, conversationID string, p transport.MarkReadPayload) error {
	me := e.userID(ctx)
	if p.UserID != "" && p.UserID == me {
		// Our own read marker from another device.
		return e.resetUnread(ctx, conversationID)
	}
	msgs, err := e.db.MessagesByStatus(ctx, store.StatusSending, store.StatusSent, store.StatusDelivered)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ConversationID != conversationID || m.CreatedAt > p.UpTo {
			continue
		}
		if m.SenderID == nil || *m.SenderID != me {
			continue
		}
		if _, err := e.sender.Advance(ctx, m.ID, store.StatusRead); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resetUnread(ctx context.Context, conversationID string) error {
	conv, err := e.db.UpdateConversation(ctx, conversationID, func(c *store.Conversation) error {
		c.UnreadCount = 0
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.publish(bus.KindConversationUpdated, conversationID, *conv)
	return nil
}

func (e *Engine) sendReadReceipt(conversationID string, upTo int64) {
	evt, err := transport.NewEvent(transport.TypeMarkRead, conversationID, transport.MarkReadPayload{
		UserID: e.userID(context.Background()),
		UpTo:   upTo,
	})
	if err != nil {
		return
	}
	if err := e.tr.Send(evt); err != nil && !transport.IsDisconnected(err) {
		e.logger.Warn("failed to send read receipt", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// SetActive selects the conversation the user is looking at. Its unread
// count drops to zero and stays there while it is active. An empty id
// clears the selection.
func (e *Engine) SetActive(ctx context.Context, conversationID string) error {
	return e.do(ctx, func() error {
		e.active = conversationID
		if conversationID == "" {
			return nil
		}
		return e.markRead(ctx, conversationID)
	})
}

// Active returns the selected conversation id.
func (e *Engine) Active(ctx context.Context) (string, error) {
	var id string
	err := e.do(ctx, func() error {
		id = e.active
		return nil
	})
	return id, err
}

// MarkRead zeroes a conversation's unread count and tells the server.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	return e.do(ctx, func() error {
		return e.markRead(ctx, conversationID)
	})
}

func (e *Engine) markRead(ctx context.Context, conversationID string) error {
	if err := e.resetUnread(ctx, conversationID); err != nil {
		return err
	}
	e.sendReadReceipt(conversationID, time.Now().UnixMilli())
	return nil
}

// Send submits a draft through the outbox on the engine goroutine.
func (e *Engine) Send(ctx context.Context, d outbox.Draft) (*store.Message, error) {
	if d.SenderID == "" {
		d.SenderID = e.userID(ctx)
	}
	var m *store.Message
	err := e.do(ctx, func() error {
		var err error
		m, err = e.sender.Submit(ctx, d)
		return err
	})
	return m, err
}

// Retry resends a Failed message.
func (e *Engine) Retry(ctx context.Context, messageID string) (*store.Message, error) {
	var m *store.Message
	err := e.do(ctx, func() error {
		var err error
		m, err = e.sender.Retry(ctx, messageID)
		return err
	})
	return m, err
}

// Apply runs fn on the engine goroutine. Used for store writes that must
// not interleave with inbound processing, such as reconciliation.
func (e *Engine) Apply(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.do(ctx, func() error { return fn(ctx) })
}

func (e *Engine) publish(kind, conversationID string, payload any) {
	e.bus.Publish(bus.Event{
		Kind:           kind,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Payload:        payload,
	})
}
