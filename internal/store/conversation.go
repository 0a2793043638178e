package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an update targets a missing row.
var ErrNotFound = errors.New("not found")

const conversationColumns = `id, owner_user_id, type, title, participants, last_message_summary,
	last_activity_at, unread_count, archived, muted, origin`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var participants string
	if err := row.Scan(&c.ID, &c.OwnerUserID, &c.Type, &c.Title, &participants, &c.LastMessageSummary,
		&c.LastActivityAt, &c.UnreadCount, &c.Archived, &c.Muted, &c.Origin); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, &StorageError{Kind: Corrupt, Err: fmt.Errorf("conversation %q participants: %w", c.ID, err)}
	}
	return &c, nil
}

func upsertConversation(tx *sql.Tx, c *Conversation) error {
	now := time.Now().UnixMilli()
	if c.LastActivityAt == 0 {
		c.LastActivityAt = now
	}
	if c.Type == "" {
		c.Type = Direct
	}
	if c.Origin == "" {
		c.Origin = OriginServer
	}
	if c.Participants == nil {
		c.Participants = []string{}
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO conversations (`+conversationColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_user_id = excluded.owner_user_id,
			type = excluded.type,
			title = excluded.title,
			participants = excluded.participants,
			last_message_summary = excluded.last_message_summary,
			last_activity_at = excluded.last_activity_at,
			unread_count = excluded.unread_count,
			archived = excluded.archived,
			muted = excluded.muted,
			origin = excluded.origin,
			updated_at = excluded.updated_at`,
		c.ID, c.OwnerUserID, c.Type, c.Title, string(participants), c.LastMessageSummary,
		c.LastActivityAt, c.UnreadCount, c.Archived, c.Muted, c.Origin, now)
	if err != nil {
		return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getConversation(ctx context.Context, q queryRower, id string) (*Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return c, nil
}

// SaveConversation inserts or replaces a conversation by id. LastActivityAt
// defaults to now when unset.
func (db *DB) SaveConversation(ctx context.Context, c *Conversation) error {
	return db.Write(ctx, func(tx *sql.Tx) error {
		return upsertConversation(tx, c)
	})
}

// SaveConversations upserts a reconciled conversation list in one transaction.
func (db *DB) SaveConversations(ctx context.Context, convs []Conversation) error {
	return db.Write(ctx, func(tx *sql.Tx) error {
		for i := range convs {
			if err := upsertConversation(tx, &convs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetConversation returns a single conversation, or nil if it does not exist.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, db.DB, id)
}

// QueryConversationsByUser returns a user's conversations, most recently
// active first.
func (db *DB) QueryConversationsByUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_user_id = ?
		ORDER BY last_activity_at DESC, id ASC`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, classify(err)
		}
		convs = append(convs, *c)
	}
	return convs, classify(rows.Err())
}

// UpdateConversation applies fn to the stored conversation inside one
// transaction. Returns ErrNotFound if the conversation does not exist.
func (db *DB) UpdateConversation(ctx context.Context, id string, fn func(c *Conversation) error) (*Conversation, error) {
	var updated *Conversation
	err := db.Write(ctx, func(tx *sql.Tx) error {
		c, err := getConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
		}
		if err := fn(c); err != nil {
			return err
		}
		if err := upsertConversation(tx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteConversation removes a conversation together with its messages and
// attachment rows.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	return db.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM attachments WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`, id); err != nil {
			return fmt.Errorf("delete attachments: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}
