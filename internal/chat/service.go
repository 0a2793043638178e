// Package chat is the surface the UI talks to. It reads from the local
// store and routes every change through the sync engine.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MUYAHGaious/izichat/internal/attachment"
	"github.com/MUYAHGaious/izichat/internal/bus"
	"github.com/MUYAHGaious/izichat/internal/identity"
	"github.com/MUYAHGaious/izichat/internal/outbox"
	"github.com/MUYAHGaious/izichat/internal/reconcile"
	"github.com/MUYAHGaious/izichat/internal/store"
	intsync "github.com/MUYAHGaious/izichat/internal/sync"
)

var (
	// ErrNotOwner is returned when editing or deleting someone else's message.
	ErrNotOwner = errors.New("message belongs to another user")
	// ErrNoSync is returned by sync calls when no remote is configured.
	ErrNoSync = errors.New("server sync is not configured")
)

// Service exposes conversations and messages to the UI.
type Service struct {
	db          *store.DB
	bus         *bus.Bus
	engine      *intsync.Engine
	reconciler  *intsync.Reconciler
	attachments *attachment.Manager
	ident       identity.Provider
	logger      *zap.Logger
}

// NewService creates a chat service. reconciler may be nil when the
// server's REST API is not configured.
func NewService(
	db *store.DB,
	b *bus.Bus,
	engine *intsync.Engine,
	reconciler *intsync.Reconciler,
	attachments *attachment.Manager,
	ident identity.Provider,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          db,
		bus:         b,
		engine:      engine,
		reconciler:  reconciler,
		attachments: attachments,
		ident:       ident,
		logger:      logger,
	}
}

func (s *Service) me(ctx context.Context) (string, error) {
	id, err := s.ident.Current(ctx)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

// Subscribe calls fn for every event about conversationID until the
// returned function is called. An empty id subscribes to everything.
func (s *Service) Subscribe(conversationID string, fn func(bus.Event)) func() {
	ch, unsub := s.Events(conversationID, 64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case evt := <-ch:
				fn(evt)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

// Events is Subscribe as a channel.
func (s *Service) Events(conversationID string, bufSize int) (<-chan bus.Event, func()) {
	return s.bus.SubscribeConversation(conversationID, bufSize)
}

// ListConversations returns the user's conversations, most recent first,
// narrowed by f.
func (s *Service) ListConversations(ctx context.Context, f reconcile.Filter) ([]store.Conversation, error) {
	me, err := s.me(ctx)
	if err != nil {
		return nil, err
	}
	convs, err := s.db.QueryConversationsByUser(ctx, me)
	if err != nil {
		return nil, err
	}
	return f.Apply(convs), nil
}

// Conversation returns one conversation or store.ErrNotFound.
func (s *Service) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	c, err := s.db.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conversation %q: %w", id, store.ErrNotFound)
	}
	return c, nil
}

// Messages returns a page of history in ascending order.
func (s *Service) Messages(ctx context.Context, conversationID string, page store.Page) ([]store.Message, error) {
	return s.db.QueryMessages(ctx, conversationID, page)
}

// SendMessage stores the message as Sending and returns it before the
// network is involved.
func (s *Service) SendMessage(ctx context.Context, conversationID, content string, att *store.Attachment) (*store.Message, error) {
	m, err := s.engine.Send(ctx, outbox.Draft{
		ConversationID: conversationID,
		Content:        content,
		Attachment:     att,
	})
	if err != nil {
		return nil, err
	}
	if att != nil && s.attachments != nil {
		s.attachments.Claim(att.BinaryRef)
	}
	return m, nil
}

// SelectAttachment validates a picked file and stores its payload.
func (s *Service) SelectAttachment(ctx context.Context, f attachment.File) (*store.Attachment, error) {
	return s.attachments.Select(ctx, f)
}

// DiscardAttachment drops a selected attachment that was never sent.
func (s *Service) DiscardAttachment(ctx context.Context, a *store.Attachment) error {
	return s.attachments.Discard(ctx, a)
}

// ReleasePreview drops a preview the UI no longer shows.
func (s *Service) ReleasePreview(ref string) {
	s.attachments.ReleasePreview(ref)
}

// Select makes conversationID the open conversation and marks it read.
// An empty id closes it.
func (s *Service) Select(ctx context.Context, conversationID string) error {
	return s.engine.SetActive(ctx, conversationID)
}

// MarkRead zeroes the unread count of a conversation.
func (s *Service) MarkRead(ctx context.Context, conversationID string) error {
	return s.engine.MarkRead(ctx, conversationID)
}

// Archive moves a conversation in or out of the archive. Messages are not
// touched.
func (s *Service) Archive(ctx context.Context, conversationID string, archived bool) (*store.Conversation, error) {
	return s.updateConversation(ctx, conversationID, func(c *store.Conversation) {
		c.Archived = archived
	})
}

// Mute silences or unsilences a conversation.
func (s *Service) Mute(ctx context.Context, conversationID string, muted bool) (*store.Conversation, error) {
	return s.updateConversation(ctx, conversationID, func(c *store.Conversation) {
		c.Muted = muted
	})
}

func (s *Service) updateConversation(ctx context.Context, id string, fn func(c *store.Conversation)) (*store.Conversation, error) {
	var conv *store.Conversation
	err := s.engine.Apply(ctx, func(ctx context.Context) error {
		var err error
		conv, err = s.db.UpdateConversation(ctx, id, func(c *store.Conversation) error {
			fn(c)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.KindConversationUpdated, id, *conv)
	return conv, nil
}

// Retry resends a Failed message.
func (s *Service) Retry(ctx context.Context, messageID string) (*store.Message, error) {
	return s.engine.Retry(ctx, messageID)
}

// Edit replaces the content of one of the user's messages.
func (s *Service) Edit(ctx context.Context, messageID, content string) (*store.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, outbox.ErrEmptyMessage
	}
	current, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, messageID, current); err != nil {
		return nil, err
	}
	var m *store.Message
	err = s.engine.Apply(ctx, func(ctx context.Context) error {
		var err error
		m, err = s.db.EditMessage(ctx, messageID, content)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.KindMessageUpserted, m.ConversationID, *m)
	return m, nil
}

// Delete removes one of the user's messages and any payload only it used.
func (s *Service) Delete(ctx context.Context, messageID string) error {
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil || m == nil {
		return err
	}
	if err := s.checkOwner(ctx, messageID, m); err != nil {
		return err
	}
	err = s.engine.Apply(ctx, func(ctx context.Context) error {
		return s.db.DeleteMessage(ctx, messageID)
	})
	if err != nil {
		return err
	}
	s.publish(bus.KindMessageDeleted, m.ConversationID, *m)
	if m.Attachment != nil {
		s.sweep(ctx)
	}
	return nil
}

func (s *Service) checkOwner(ctx context.Context, messageID string, m *store.Message) error {
	if m == nil {
		return fmt.Errorf("message %q: %w", messageID, store.ErrNotFound)
	}
	me, err := s.me(ctx)
	if err != nil {
		return err
	}
	if m.SenderID == nil || *m.SenderID != me {
		return ErrNotOwner
	}
	return nil
}

// DeleteConversation removes a conversation with all its messages.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	err := s.engine.Apply(ctx, func(ctx context.Context) error {
		return s.db.DeleteConversation(ctx, id)
	})
	if err != nil {
		return err
	}
	s.publish(bus.KindConversationUpdated, id, nil)
	s.sweep(ctx)
	return nil
}

func (s *Service) sweep(ctx context.Context) {
	if s.attachments == nil {
		return
	}
	if _, err := s.attachments.Sweep(ctx); err != nil {
		s.logger.Warn("blob sweep failed", zap.Error(err))
	}
}

// StartSupport opens a support conversation locally. It sorts ahead of
// server conversations until the server learns about it.
func (s *Service) StartSupport(ctx context.Context, title string) (*store.Conversation, error) {
	me, err := s.me(ctx)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = "Support"
	}
	conv := &store.Conversation{
		ID:             "support-" + uuid.NewString(),
		OwnerUserID:    me,
		Type:           store.Support,
		Title:          title,
		Participants:   []string{me},
		LastActivityAt: time.Now().UnixMilli(),
		Origin:         store.OriginLocal,
	}
	err = s.engine.Apply(ctx, func(ctx context.Context) error {
		return s.db.SaveConversation(ctx, conv)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("support conversation started", zap.String("conversation_id", conv.ID))
	s.publish(bus.KindConversationUpdated, conv.ID, *conv)
	return conv, nil
}

// Sync pulls the conversation list from the server and reconciles it.
func (s *Service) Sync(ctx context.Context) (*intsync.SyncResult, error) {
	if s.reconciler == nil {
		return nil, ErrNoSync
	}
	return s.reconciler.SyncConversations(ctx)
}

// LoadOlder backfills one page of older history from the server.
func (s *Service) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	if s.reconciler == nil {
		return 0, ErrNoSync
	}
	return s.reconciler.SyncMessages(ctx, conversationID)
}

// ClearAll wipes local conversations, messages and payloads. Used on
// logout.
func (s *Service) ClearAll(ctx context.Context) error {
	err := s.engine.Apply(ctx, func(ctx context.Context) error {
		return s.db.ClearAll(ctx)
	})
	if err != nil {
		return err
	}
	if s.attachments != nil {
		if err := s.attachments.Reset(); err != nil {
			return err
		}
	}
	s.logger.Info("local chat data cleared")
	return nil
}

// Stats reports how much is stored locally.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.db.Stats(ctx)
}

func (s *Service) publish(kind, conversationID string, payload any) {
	s.bus.Publish(bus.Event{
		Kind:           kind,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Payload:        payload,
	})
}
