package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MUYAHGaious/izichat/internal/bus"
	"github.com/MUYAHGaious/izichat/internal/reconcile"
	"github.com/MUYAHGaious/izichat/internal/status"
	"github.com/MUYAHGaious/izichat/internal/store"
)

const (
	checkpointConversations = "conversations.synced_at"
	backfillPageSize        = 50
)

// Remote is the REST side of the chat server.
type Remote interface {
	FetchConversations(ctx context.Context, userID string) ([]store.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string, page store.Page) ([]store.Message, error)
}

// SyncResult summarizes one conversation sync.
type SyncResult struct {
	Conversations []store.Conversation
	Conflicts     []reconcile.Conflict
}

// Reconciler merges the server's view into the store and keeps sync
// checkpoints.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	engine *Engine
	remote Remote
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a new reconciler. Store writes run on the engine
// goroutine so they never interleave with inbound messages.
func NewReconciler(db *store.DB, b *bus.Bus, engine *Engine, remote Remote, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, bus: b, engine: engine, remote: remote, logger: logger}
}

// Start syncs conversations every time the transport connects.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ch, unsub := r.bus.Subscribe(bus.KindTransportState, 4)

	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				change, ok := evt.Payload.(status.StatusChange)
				if !ok || change.To != status.Connected {
					continue
				}
				if _, err := r.SyncConversations(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("conversation sync failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop stops the reconnect-triggered sync.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// SyncConversations fetches the user's conversations from the server and
// merges them with the local copy. Conflicts are logged, not fatal.
func (r *Reconciler) SyncConversations(ctx context.Context) (*SyncResult, error) {
	userID := r.engine.userID(ctx)
	if userID == "" {
		return nil, fmt.Errorf("sync conversations: no signed-in user")
	}

	server, err := r.remote.FetchConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}

	res := &SyncResult{}
	err = r.engine.Apply(ctx, func(ctx context.Context) error {
		local, err := r.db.QueryConversationsByUser(ctx, userID)
		if err != nil {
			return err
		}
		merged, conflicts := reconcile.Merge(server, local)
		if err := r.db.SaveConversations(ctx, merged); err != nil {
			return err
		}
		res.Conversations, res.Conflicts = merged, conflicts
		return r.UpdateCheckpoint(ctx, checkpointConversations, strconv.FormatInt(time.Now().UnixMilli(), 10))
	})
	if err != nil {
		return nil, err
	}

	for _, c := range res.Conflicts {
		r.logger.Warn("reconciliation conflict",
			zap.String("conversation_id", c.ConversationID),
			zap.Strings("fields", c.Fields))
	}
	r.logger.Info("conversations synced",
		zap.Int("server", len(server)),
		zap.Int("merged", len(res.Conversations)),
		zap.Int("conflicts", len(res.Conflicts)))

	r.bus.Publish(bus.Event{
		Kind:      bus.KindConversationsSynced,
		Timestamp: time.Now(),
		Payload:   res.Conversations,
	})
	for _, c := range res.Conflicts {
		r.bus.Publish(bus.Event{
			Kind:           bus.KindConversationConflict,
			ConversationID: c.ConversationID,
			Timestamp:      time.Now(),
			Payload:        c,
		})
	}
	return res, nil
}

// SyncMessages backfills one page of history older than the oldest stored
// message. It returns the number of messages fetched; zero means the
// history is complete.
func (r *Reconciler) SyncMessages(ctx context.Context, conversationID string) (int, error) {
	key := "messages." + conversationID + ".oldest"
	page := store.Page{Limit: backfillPageSize}
	if v, err := r.GetCheckpoint(ctx, key); err == nil {
		page.Before, page.BeforeID = parseCursor(v)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	msgs, err := r.remote.FetchMessages(ctx, conversationID, page)
	if err != nil {
		return 0, fmt.Errorf("fetch messages for %s: %w", conversationID, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	oldest := msgs[0]
	for _, m := range msgs[1:] {
		if m.CreatedAt < oldest.CreatedAt || (m.CreatedAt == oldest.CreatedAt && m.ID < oldest.ID) {
			oldest = m
		}
	}

	err = r.engine.Apply(ctx, func(ctx context.Context) error {
		conv, err := r.db.AppendMessages(ctx, conversationID, msgs, nil)
		if err != nil {
			return err
		}
		r.bus.Publish(bus.Event{
			Kind:           bus.KindConversationUpdated,
			ConversationID: conversationID,
			Timestamp:      time.Now(),
			Payload:        *conv,
		})
		return r.UpdateCheckpoint(ctx, key, formatCursor(oldest.CreatedAt, oldest.ID))
	})
	if err != nil {
		return 0, err
	}
	r.logger.Debug("backfilled messages", zap.String("conversation_id", conversationID), zap.Int("count", len(msgs)))
	return len(msgs), nil
}

// formatCursor encodes a backfill position as "<created_at>:<id>".
func formatCursor(createdAt int64, id string) string {
	return strconv.FormatInt(createdAt, 10) + ":" + id
}

// parseCursor reads a backfill position. A bare timestamp, as written by
// older builds, yields an empty id.
func parseCursor(v string) (int64, string) {
	ts, id, _ := strings.Cut(v, ":")
	createdAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, ""
	}
	return createdAt, id
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	return r.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_state (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now)
		return err
	})
}

// GetCheckpoint retrieves a sync checkpoint value. Missing keys return
// sql.ErrNoRows.
func (r *Reconciler) GetCheckpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}
