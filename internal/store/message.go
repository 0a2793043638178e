package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const defaultPageLimit = 50

const summaryMaxRunes = 80

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.created_at, m.status, m.edited_at,
	a.id, a.kind, a.byte_size, a.mime_type, a.binary_ref, a.duration_seconds`

const messageFrom = ` FROM messages m LEFT JOIN attachments a ON a.message_id = m.id`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var sender sql.NullString
	var edited sql.NullInt64
	var attID, kind, mimeType, ref sql.NullString
	var size, duration sql.NullInt64
	if err := row.Scan(&m.ID, &m.ConversationID, &sender, &m.Content, &m.CreatedAt, &m.Status, &edited,
		&attID, &kind, &size, &mimeType, &ref, &duration); err != nil {
		return nil, err
	}
	if sender.Valid {
		m.SenderID = &sender.String
	}
	if edited.Valid {
		m.EditedAt = &edited.Int64
	}
	if attID.Valid {
		m.Attachment = &Attachment{
			ID:              attID.String,
			MessageID:       m.ID,
			Kind:            AttachmentKind(kind.String),
			ByteSize:        size.Int64,
			MimeType:        mimeType.String,
			BinaryRef:       ref.String,
			DurationSeconds: int(duration.Int64),
		}
	}
	return &m, nil
}

// Summarize renders the one-line preview shown in conversation lists.
func Summarize(m *Message) string {
	if a := m.Attachment; a != nil {
		switch a.Kind {
		case KindImage:
			return "📷 Photo"
		case KindVideo:
			return "🎥 Video"
		case KindAudio:
			return fmt.Sprintf("🎤 Voice message (%d:%02d)", a.DurationSeconds/60, a.DurationSeconds%60)
		}
	}
	s := strings.Join(strings.Fields(m.Content), " ")
	if utf8.RuneCountInString(s) > summaryMaxRunes {
		r := []rune(s)
		s = string(r[:summaryMaxRunes-1]) + "…"
	}
	return s
}

func messageExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// statusRank orders delivery statuses. Failed ranks with Sending.
const statusRank = `CASE %s WHEN 'sending' THEN 0 WHEN 'failed' THEN 0 WHEN 'sent' THEN 1
	WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE -1 END`

// mergeStatus keeps the stored status unless the incoming one is a legal
// forward move. A re-fetched row never lowers Read back to Sent.
var mergeStatus = `CASE
			WHEN messages.status = 'sending' AND excluded.status = 'failed' THEN excluded.status
			WHEN messages.status = 'failed' AND excluded.status = 'sending' THEN excluded.status
			WHEN ` + fmt.Sprintf(statusRank, "excluded.status") + ` > ` + fmt.Sprintf(statusRank, "messages.status") + ` THEN excluded.status
			ELSE messages.status
		END`

// upsertMessage writes a message and its attachment row. created_at and
// conversation_id are fixed at first insert. On conflict the status follows
// mergeStatus and m.Status is refreshed with what was stored.
func upsertMessage(tx *sql.Tx, m *Message) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	err := tx.QueryRow(`
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at, status, edited_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_id = excluded.sender_id,
			content = excluded.content,
			status = `+mergeStatus+`,
			edited_at = excluded.edited_at,
			updated_at = excluded.updated_at
		RETURNING status`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt, m.Status, m.EditedAt, now).Scan(&m.Status)
	if err != nil {
		return fmt.Errorf("upsert message %q: %w", m.ID, err)
	}

	a := m.Attachment
	if a == nil {
		return nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.MessageID = m.ID
	_, err = tx.Exec(`
		INSERT INTO attachments (id, message_id, kind, byte_size, mime_type, binary_ref, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			kind = excluded.kind,
			byte_size = excluded.byte_size,
			mime_type = excluded.mime_type,
			binary_ref = excluded.binary_ref,
			duration_seconds = excluded.duration_seconds`,
		a.ID, a.MessageID, a.Kind, a.ByteSize, a.MimeType, a.BinaryRef, a.DurationSeconds)
	if err != nil {
		return fmt.Errorf("upsert attachment for %q: %w", m.ID, err)
	}
	return nil
}

// SaveMessagesBatch upserts messages into a conversation in one transaction
// and bumps the conversation's activity and summary. Either every message is
// stored or none is.
func (db *DB) SaveMessagesBatch(ctx context.Context, conversationID string, msgs []Message) error {
	_, err := db.AppendMessages(ctx, conversationID, msgs, nil)
	return err
}

// AppendMessages is SaveMessagesBatch with a conversation hook. mutate runs
// inside the transaction after the activity bump and receives the messages
// whose ids were not stored before. Returns the updated conversation.
func (db *DB) AppendMessages(ctx context.Context, conversationID string, msgs []Message,
	mutate func(c *Conversation, fresh []Message) error) (*Conversation, error) {
	c, _, err := db.appendMessages(ctx, conversationID, nil, msgs, mutate)
	return c, err
}

// AppendMessagesCreating is AppendMessages for a conversation that may not
// exist yet. A missing conversation is created from seed in the same
// transaction; created reports whether that happened.
func (db *DB) AppendMessagesCreating(ctx context.Context, seed Conversation, msgs []Message,
	mutate func(c *Conversation, fresh []Message) error) (c *Conversation, created bool, err error) {
	return db.appendMessages(ctx, seed.ID, &seed, msgs, mutate)
}

func (db *DB) appendMessages(ctx context.Context, conversationID string, seed *Conversation, msgs []Message,
	mutate func(c *Conversation, fresh []Message) error) (*Conversation, bool, error) {
	var updated *Conversation
	var created bool
	err := db.Write(ctx, func(tx *sql.Tx) error {
		c, err := getConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if c == nil && seed == nil {
			return fmt.Errorf("conversation %q: %w", conversationID, ErrNotFound)
		}
		if c == nil {
			c = seed
			if err := upsertConversation(tx, c); err != nil {
				return err
			}
			created = true
		}

		var fresh []Message
		for i := range msgs {
			m := &msgs[i]
			m.ConversationID = conversationID
			exists, err := messageExists(ctx, tx, m.ID)
			if err != nil {
				return err
			}
			if err := upsertMessage(tx, m); err != nil {
				return err
			}
			if !exists {
				fresh = append(fresh, *m)
			}
			// lastActivityAt never moves backwards.
			if m.CreatedAt >= c.LastActivityAt {
				c.LastActivityAt = m.CreatedAt
				c.LastMessageSummary = Summarize(m)
			}
		}

		if mutate != nil {
			if err := mutate(c, fresh); err != nil {
				return err
			}
		}
		if err := upsertConversation(tx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return updated, created, nil
}

// QueryMessages returns one page of a conversation's history in ascending
// chronological order. Paging walks backwards from the newest message.
func (db *DB) QueryMessages(ctx context.Context, conversationID string, page Page) ([]Message, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	before := page.Before
	if before <= 0 {
		before = math.MaxInt64
	}
	// (created_at, id) is the cursor so rows sharing a timestamp are not
	// skipped at a page boundary.
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+messageFrom+`
		WHERE m.conversation_id = ?
			AND (m.created_at < ? OR (m.created_at = ? AND ? <> '' AND m.id < ?))
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`, conversationID, before, before, page.BeforeID, page.BeforeID, limit)
	if err != nil {
		return nil, classify(err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify(err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, classify(rows.Err())
}

func getMessage(ctx context.Context, q queryRower, id string) (*Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+messageFrom+` WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// GetMessage returns a single message, or nil if it does not exist.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	return getMessage(ctx, db.DB, id)
}

// UpdateMessage applies fn to a stored message inside one transaction. When
// the message is the conversation's latest, the summary follows the edit.
func (db *DB) UpdateMessage(ctx context.Context, id string, fn func(m *Message) error) (*Message, error) {
	var updated *Message
	err := db.Write(ctx, func(tx *sql.Tx) error {
		m, err := getMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("message %q: %w", id, ErrNotFound)
		}
		if err := fn(m); err != nil {
			return err
		}
		if err := upsertMessage(tx, m); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE conversations SET last_message_summary = ?
			WHERE id = ? AND last_activity_at = ?`,
			Summarize(m), m.ConversationID, m.CreatedAt); err != nil {
			return fmt.Errorf("refresh summary: %w", err)
		}
		updated = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateMessageStatus overwrites a message's status.
func (db *DB) UpdateMessageStatus(ctx context.Context, id string, s Status) (*Message, error) {
	return db.UpdateMessage(ctx, id, func(m *Message) error {
		m.Status = s
		return nil
	})
}

// EditMessage replaces a message's content and stamps EditedAt.
func (db *DB) EditMessage(ctx context.Context, id, content string) (*Message, error) {
	return db.UpdateMessage(ctx, id, func(m *Message) error {
		now := time.Now().UnixMilli()
		m.Content = content
		m.EditedAt = &now
		return nil
	})
}

// DeleteMessage removes a message and its attachment row. Deleting a missing
// message is not an error.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	return db.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM attachments WHERE message_id = ?`, id); err != nil {
			return fmt.Errorf("delete attachment: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return nil
	})
}

// MessagesByStatus returns every message in one of the given statuses,
// oldest first.
func (db *DB) MessagesByStatus(ctx context.Context, statuses ...Status) ([]Message, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+messageFrom+`
		WHERE m.status IN (`+placeholders+`)
		ORDER BY m.created_at ASC, m.id ASC`, args...)
	if err != nil {
		return nil, classify(err)
	}
	return collectMessages(rows)
}

// BinaryRefInUse reports whether any attachment row still points at ref.
func (db *DB) BinaryRefInUse(ctx context.Context, ref string) (bool, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attachments WHERE binary_ref = ?`, ref).Scan(&n); err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// ClearAll wipes every conversation, message, attachment row and sync
// checkpoint. Used on logout.
func (db *DB) ClearAll(ctx context.Context) error {
	return db.Write(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"attachments", "messages", "conversations", "sync_state"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// Stats returns row counts for the local store.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM attachments)`).Scan(&s.Conversations, &s.Messages, &s.Attachments)
	if err != nil {
		return nil, classify(err)
	}
	return &s, nil
}
