package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func testDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedConversation(t *testing.T, db *DB, id, owner string, lastActivity int64) {
	t.Helper()
	if lastActivity == 0 {
		lastActivity = 1
	}
	c := &Conversation{ID: id, OwnerUserID: owner, Title: id, LastActivityAt: lastActivity}
	if err := db.SaveConversation(context.Background(), c); err != nil {
		t.Fatal(err)
	}
}

func strPtr(s string) *string { return &s }

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != SchemaVersion {
		t.Errorf("version = %d, want %d", result.Version, SchemaVersion)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert conversation", "INSERT INTO conversations (id, owner_user_id, type, title, participants, last_activity_at, unread_count, archived, muted, origin) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{"c1", "u1", "direct", "T", "[]", 1000, 0, false, false, "server"}},
		{"insert message", "INSERT INTO messages (id, conversation_id, sender_id, content, created_at, status) VALUES (?, ?, ?, ?, ?, ?)", []any{"m1", "c1", "u2", "hi", 1000, "sent"}},
		{"insert attachment", "INSERT INTO attachments (id, message_id, kind, byte_size, mime_type, binary_ref) VALUES (?, ?, ?, ?, ?, ?)", []any{"a1", "m1", "image", 10, "image/png", "sha256:00"}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}

	// Negative unread counts are rejected by the schema.
	if _, err := db.Exec("UPDATE conversations SET unread_count = -1 WHERE id = 'c1'"); err == nil {
		t.Error("expected CHECK constraint to reject negative unread_count")
	}
}

func TestConversationUpsertAndQuery(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c := &Conversation{ID: "c1", OwnerUserID: "u1", Title: "Alice", Participants: []string{"u1", "u2"}, LastActivityAt: 1000}
	if err := db.SaveConversation(ctx, c); err != nil {
		t.Fatal(err)
	}
	// Upsert law: saving again replaces, never duplicates.
	c.Title = "Alice Updated"
	if err := db.SaveConversation(ctx, c); err != nil {
		t.Fatal(err)
	}

	convs, err := db.QueryConversationsByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	got := convs[0]
	if got.Title != "Alice Updated" {
		t.Errorf("title = %q, want Alice Updated", got.Title)
	}
	if len(got.Participants) != 2 || got.Participants[1] != "u2" {
		t.Errorf("participants = %v, want [u1 u2]", got.Participants)
	}
	if got.Type != Direct || got.Origin != OriginServer {
		t.Errorf("defaults = %s/%s, want direct/server", got.Type, got.Origin)
	}
}

func TestSaveConversationDefaultsLastActivity(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveConversation(ctx, &Conversation{ID: "c1", OwnerUserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.LastActivityAt == 0 {
		t.Fatalf("got %+v, want lastActivityAt set", c)
	}

	missing, err := db.GetConversation(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestQueryConversationsByUserOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	seedConversation(t, db, "old", "u1", 1000)
	seedConversation(t, db, "new", "u1", 3000)
	seedConversation(t, db, "mid", "u1", 2000)
	seedConversation(t, db, "other", "u2", 5000)

	convs, err := db.QueryConversationsByUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new", "mid", "old"}
	if len(convs) != len(want) {
		t.Fatalf("got %d conversations, want %d", len(convs), len(want))
	}
	for i, id := range want {
		if convs[i].ID != id {
			t.Errorf("convs[%d] = %q, want %q", i, convs[i].ID, id)
		}
	}
}

func TestSaveMessagesBatchBumpsConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 1000)

	msgs := []Message{
		{ID: "m1", SenderID: strPtr("u2"), Content: "first", CreatedAt: 2000},
		{ID: "m2", SenderID: strPtr("u2"), Content: "second", CreatedAt: 3000},
	}
	if err := db.SaveMessagesBatch(ctx, "c1", msgs); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastActivityAt != 3000 {
		t.Errorf("lastActivityAt = %d, want 3000", c.LastActivityAt)
	}
	if c.LastMessageSummary != "second" {
		t.Errorf("summary = %q, want second", c.LastMessageSummary)
	}

	// An older message arriving late does not move activity backwards.
	if err := db.SaveMessagesBatch(ctx, "c1", []Message{{ID: "m0", Content: "late", CreatedAt: 1500}}); err != nil {
		t.Fatal(err)
	}
	c, err = db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastActivityAt != 3000 || c.LastMessageSummary != "second" {
		t.Errorf("got %d/%q, want 3000/second", c.LastActivityAt, c.LastMessageSummary)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 1000)

	msg := Message{ID: "m1", Content: "hello", CreatedAt: 2000, Status: StatusSending}
	if err := db.SaveMessagesBatch(ctx, "c1", []Message{msg}); err != nil {
		t.Fatal(err)
	}
	msg.Content = "hello updated"
	msg.Status = StatusSent
	msg.CreatedAt = 9999 // createdAt is immutable
	if err := db.SaveMessagesBatch(ctx, "c1", []Message{msg}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.QueryMessages(ctx, "c1", Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Content != "hello updated" || msgs[0].Status != StatusSent {
		t.Errorf("got %q/%s, want hello updated/sent", msgs[0].Content, msgs[0].Status)
	}
	if msgs[0].CreatedAt != 2000 {
		t.Errorf("createdAt = %d, want 2000", msgs[0].CreatedAt)
	}
}

func TestSaveThenQueryReturnsSameMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)

	in := []Message{
		{ID: "m1", SenderID: strPtr("u1"), Content: "a", CreatedAt: 1000, Status: StatusSent},
		{ID: "m2", Content: "system notice", CreatedAt: 2000, Status: StatusSent},
		{ID: "m3", SenderID: strPtr("u2"), CreatedAt: 3000, Status: StatusDelivered, Attachment: &Attachment{
			Kind: KindAudio, ByteSize: 2048, MimeType: "audio/webm", BinaryRef: "sha256:ab", DurationSeconds: 75,
		}},
	}
	if err := db.SaveMessagesBatch(ctx, "c1", in); err != nil {
		t.Fatal(err)
	}

	out, err := db.QueryMessages(ctx, "c1", Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
	for i := range in {
		if out[i].ID != in[i].ID || out[i].Content != in[i].Content || out[i].Status != in[i].Status {
			t.Errorf("out[%d] = %+v, want %+v", i, out[i], in[i])
		}
	}
	if out[1].SenderID != nil {
		t.Errorf("system message sender = %v, want nil", *out[1].SenderID)
	}
	a := out[2].Attachment
	if a == nil || a.BinaryRef != "sha256:ab" || a.DurationSeconds != 75 || a.MessageID != "m3" {
		t.Fatalf("attachment = %+v", a)
	}

	c, err := db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageSummary != "🎤 Voice message (1:15)" {
		t.Errorf("summary = %q", c.LastMessageSummary)
	}
}

func TestQueryMessagesPagination(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)

	var msgs []Message
	for i := 1; i <= 5; i++ {
		msgs = append(msgs, Message{ID: fmt.Sprintf("m%d", i), Content: "x", CreatedAt: int64(i * 1000)})
	}
	if err := db.SaveMessagesBatch(ctx, "c1", msgs); err != nil {
		t.Fatal(err)
	}

	page, err := db.QueryMessages(ctx, "c1", Page{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "m4" || page[1].ID != "m5" {
		t.Fatalf("newest page = %v, want [m4 m5]", ids(page))
	}

	page, err = db.QueryMessages(ctx, "c1", Page{Before: page[0].CreatedAt, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "m2" || page[1].ID != "m3" {
		t.Fatalf("second page = %v, want [m2 m3]", ids(page))
	}
}

func TestQueryMessagesPaginationWithTiedTimestamps(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)

	if err := db.SaveMessagesBatch(ctx, "c1", []Message{
		{ID: "a", Content: "x", CreatedAt: 500},
		{ID: "b", Content: "x", CreatedAt: 500},
		{ID: "c", Content: "x", CreatedAt: 600},
	}); err != nil {
		t.Fatal(err)
	}

	var seen []string
	page := Page{Limit: 2}
	for range 3 {
		msgs, err := db.QueryMessages(ctx, "c1", page)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 0 {
			break
		}
		seen = append(ids(msgs), seen...)
		page.Before, page.BeforeID = msgs[0].CreatedAt, msgs[0].ID
	}
	if strings.Join(seen, ",") != "a,b,c" {
		t.Errorf("walked %v, want [a b c]", seen)
	}
}

func TestUpsertNeverLowersStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)

	tests := []struct {
		stored, incoming, want Status
	}{
		{StatusRead, StatusSent, StatusRead},
		{StatusDelivered, StatusSending, StatusDelivered},
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusSending, StatusFailed, StatusFailed},
		{StatusFailed, StatusSending, StatusSending},
		{StatusFailed, StatusRead, StatusRead},
		{StatusRead, StatusFailed, StatusRead},
	}
	for i, tt := range tests {
		id := fmt.Sprintf("m%d", i)
		if err := db.SaveMessagesBatch(ctx, "c1", []Message{{ID: id, Content: "x", CreatedAt: 1, Status: tt.stored}}); err != nil {
			t.Fatal(err)
		}
		in := []Message{{ID: id, Content: "x", CreatedAt: 1, Status: tt.incoming}}
		if err := db.SaveMessagesBatch(ctx, "c1", in); err != nil {
			t.Fatal(err)
		}
		m, err := db.GetMessage(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != tt.want {
			t.Errorf("%s then %s: stored %s, want %s", tt.stored, tt.incoming, m.Status, tt.want)
		}
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestBatchIsAllOrNothing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Unknown conversation fails the whole batch.
	err := db.SaveMessagesBatch(ctx, "missing", []Message{{ID: "m1", Content: "x"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	seedConversation(t, db, "c1", "u1", 0)
	_, err = db.AppendMessages(ctx, "c1", []Message{{ID: "m1", Content: "x"}, {ID: "m2", Content: "y"}},
		func(c *Conversation, fresh []Message) error {
			return errors.New("boom")
		})
	if err == nil {
		t.Fatal("expected mutate error to fail the batch")
	}
	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Messages != 0 {
		t.Errorf("messages = %d after rollback, want 0", stats.Messages)
	}
}

func TestAppendMessagesReportsFreshOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)

	bump := func(c *Conversation, fresh []Message) error {
		c.UnreadCount += len(fresh)
		return nil
	}
	if _, err := db.AppendMessages(ctx, "c1", []Message{{ID: "m1", Content: "x"}}, bump); err != nil {
		t.Fatal(err)
	}
	// Redelivery of m1 plus one new message.
	c, err := db.AppendMessages(ctx, "c1", []Message{{ID: "m1", Content: "x"}, {ID: "m2", Content: "y"}}, bump)
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}
}

func TestAppendMessagesCreatingIsAtomic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seed := Conversation{ID: "new", OwnerUserID: "u1", Participants: []string{"u1", "u2"}, LastActivityAt: 100}

	// A failing hook rolls back the conversation along with the message.
	_, _, err := db.AppendMessagesCreating(ctx, seed, []Message{{ID: "m1", Content: "hi", CreatedAt: 100}},
		func(*Conversation, []Message) error { return errors.New("boom") })
	if err == nil {
		t.Fatal("expected hook error")
	}
	if c, err := db.GetConversation(ctx, "new"); err != nil || c != nil {
		t.Fatalf("conversation after rollback = %+v, %v; want none", c, err)
	}

	c, created, err := db.AppendMessagesCreating(ctx, seed, []Message{{ID: "m1", Content: "hi", CreatedAt: 100}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !created || c.LastMessageSummary != "hi" {
		t.Errorf("created = %v, conversation = %+v", created, c)
	}

	// A second message for the same conversation leaves the row in place.
	seed.Title = "ignored"
	c, created, err = db.AppendMessagesCreating(ctx, seed, []Message{{ID: "m2", Content: "again", CreatedAt: 200}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if created || c.Title == "ignored" || c.LastActivityAt != 200 {
		t.Errorf("created = %v, conversation = %+v", created, c)
	}
}

func TestConcurrentAppendsAllPersist(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				m := Message{ID: fmt.Sprintf("w%d-%d", w, i), Content: "x", CreatedAt: int64(w*perWriter + i + 1)}
				if err := db.SaveMessagesBatch(ctx, "c1", []Message{m}); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	msgs, err := db.QueryMessages(ctx, "c1", Page{Limit: writers * perWriter})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != writers*perWriter {
		t.Fatalf("got %d messages, want %d", len(msgs), writers*perWriter)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt < msgs[i-1].CreatedAt {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func TestEditAndDeleteMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)
	if err := db.SaveMessagesBatch(ctx, "c1", []Message{{ID: "m1", Content: "typo", CreatedAt: 1000}}); err != nil {
		t.Fatal(err)
	}

	m, err := db.EditMessage(ctx, "m1", "fixed")
	if err != nil {
		t.Fatal(err)
	}
	if m.EditedAt == nil || m.Content != "fixed" {
		t.Fatalf("edited = %+v", m)
	}
	c, _ := db.GetConversation(ctx, "c1")
	if c.LastMessageSummary != "fixed" {
		t.Errorf("summary = %q, want fixed", c.LastMessageSummary)
	}

	if _, err := db.EditMessage(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	if err := db.DeleteMessage(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("message still present after delete")
	}
}

func TestMessagesByStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)
	msgs := []Message{
		{ID: "a", Content: "x", CreatedAt: 1, Status: StatusSending},
		{ID: "b", Content: "x", CreatedAt: 2, Status: StatusSent},
		{ID: "c", Content: "x", CreatedAt: 3, Status: StatusFailed},
		{ID: "d", Content: "x", CreatedAt: 4, Status: StatusSending},
	}
	if err := db.SaveMessagesBatch(ctx, "c1", msgs); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateMessageStatus(ctx, "b", StatusRead); err != nil {
		t.Fatal(err)
	}

	pending, err := db.MessagesByStatus(ctx, StatusSending)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(pending); len(got) != 2 || got[0] != "a" || got[1] != "d" {
		t.Errorf("sending = %v, want [a d]", got)
	}
	read, err := db.MessagesByStatus(ctx, StatusRead, StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(read) != 2 {
		t.Errorf("read+failed = %v, want 2", ids(read))
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)
	seedConversation(t, db, "c2", "u1", 0)
	att := &Attachment{Kind: KindImage, ByteSize: 1, MimeType: "image/png", BinaryRef: "sha256:01"}
	if err := db.SaveMessagesBatch(ctx, "c1", []Message{{ID: "m1", Attachment: att}, {ID: "m2", Content: "x"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMessagesBatch(ctx, "c2", []Message{{ID: "m3", Content: "keep"}}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Conversations != 1 || stats.Messages != 1 || stats.Attachments != 0 {
		t.Errorf("stats = %+v, want 1/1/0", stats)
	}
	inUse, err := db.BinaryRefInUse(ctx, "sha256:01")
	if err != nil {
		t.Fatal(err)
	}
	if inUse {
		t.Error("binary ref still referenced after cascade")
	}
}

func TestUpdateConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)

	c, err := db.UpdateConversation(ctx, "c1", func(c *Conversation) error {
		c.Archived = true
		c.Muted = true
		c.UnreadCount = -3
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Archived || !c.Muted || c.UnreadCount != 0 {
		t.Errorf("got %+v", c)
	}
	if _, err := db.UpdateConversation(ctx, "missing", func(*Conversation) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClearAll(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)
	if err := db.SaveMessagesBatch(ctx, "c1", []Message{{ID: "m1", Content: "x"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if *stats != (Stats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
}

func TestQuotaExceededSurfaces(t *testing.T) {
	db := testDB(t, WithQuota(256*1024))
	ctx := context.Background()
	seedConversation(t, db, "c1", "u1", 0)

	big := strings.Repeat("x", 1024*1024)
	err := db.SaveMessagesBatch(ctx, "c1", []Message{{ID: "huge", Content: big}})
	if !IsQuotaExceeded(err) {
		t.Fatalf("err = %v, want QuotaExceeded", err)
	}
	if !strings.Contains(err.Error(), "free up space") {
		t.Errorf("message %q is not actionable", err.Error())
	}

	// The failed batch left nothing behind and the store still accepts writes.
	if m, _ := db.GetMessage(ctx, "huge"); m != nil {
		t.Error("partial write after quota failure")
	}
	if err := db.SaveMessagesBatch(ctx, "c1", []Message{{ID: "small", Content: "ok"}}); err != nil {
		t.Fatalf("small write after quota failure: %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()
	err = db.Write(context.Background(), func(*sql.Tx) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		m    Message
		want string
	}{
		{Message{Content: "hi  there\nfriend"}, "hi there friend"},
		{Message{Attachment: &Attachment{Kind: KindImage}}, "📷 Photo"},
		{Message{Content: "caption", Attachment: &Attachment{Kind: KindVideo}}, "🎥 Video"},
		{Message{Attachment: &Attachment{Kind: KindAudio, DurationSeconds: 9}}, "🎤 Voice message (0:09)"},
	}
	for _, tt := range tests {
		if got := Summarize(&tt.m); got != tt.want {
			t.Errorf("Summarize(%+v) = %q, want %q", tt.m, got, tt.want)
		}
	}
}
