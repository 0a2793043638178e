package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/MUYAHGaious/izichat/internal/bus"
	"github.com/MUYAHGaious/izichat/internal/store"
)

type fakeRemote struct {
	convs []store.Conversation
	pages map[int64][]store.Message
	err   error
	asked []store.Page
}

func (r *fakeRemote) FetchConversations(_ context.Context, _ string) ([]store.Conversation, error) {
	return r.convs, r.err
}

func (r *fakeRemote) FetchMessages(_ context.Context, _ string, page store.Page) ([]store.Message, error) {
	r.asked = append(r.asked, page)
	return r.pages[page.Before], r.err
}

func TestSyncConversationsMergesAndOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A local support thread and a stale server copy with unread messages.
	err := f.db.SaveConversations(ctx, []store.Conversation{
		{ID: "support-1", OwnerUserID: me, Type: store.Support, Title: "Help", LastActivityAt: 10, Origin: store.OriginLocal},
		{ID: "c1", OwnerUserID: me, Title: "Old title", LastActivityAt: 100, UnreadCount: 4},
	})
	if err != nil {
		t.Fatal(err)
	}

	remote := &fakeRemote{convs: []store.Conversation{
		{ID: "c1", OwnerUserID: me, Type: store.Direct, Title: "New title", LastActivityAt: 200, LastMessageSummary: "latest"},
		{ID: "c2", OwnerUserID: me, Title: "Other", LastActivityAt: 300},
	}}
	r := NewReconciler(f.db, f.bus, f.engine, remote, nil)

	ch, unsub := f.bus.Subscribe("conversation.", 10)
	defer unsub()

	res, err := r.SyncConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got := make([]string, len(res.Conversations))
	for i, c := range res.Conversations {
		got[i] = c.ID
	}
	want := []string{"support-1", "c2", "c1"}
	if len(got) != len(want) {
		t.Fatalf("merged = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("merged = %v, want %v", got, want)
		}
	}

	if len(res.Conflicts) != 1 || res.Conflicts[0].ConversationID != "c1" {
		t.Errorf("conflicts = %+v, want one for c1", res.Conflicts)
	}

	c1, err := f.db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c1.Title != "New title" {
		t.Errorf("title = %q, want server copy", c1.Title)
	}
	if c1.UnreadCount != 4 {
		t.Errorf("unread = %d, want local value 4", c1.UnreadCount)
	}

	stored, err := f.db.QueryConversationsByUser(ctx, me)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Errorf("stored %d conversations, want 3", len(stored))
	}

	if _, err := r.GetCheckpoint(ctx, checkpointConversations); err != nil {
		t.Errorf("checkpoint not written: %v", err)
	}

	waitEvent(t, ch, bus.KindConversationsSynced)
	evt := waitEvent(t, ch, bus.KindConversationConflict)
	if evt.ConversationID != "c1" {
		t.Errorf("conflict event for %q, want c1", evt.ConversationID)
	}
}

func TestSyncConversationsFetchError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	r := NewReconciler(f.db, f.bus, f.engine, &fakeRemote{err: boom}, nil)

	_, err := r.SyncConversations(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}

func TestSyncMessagesBackfillsPages(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1")
	ctx := context.Background()

	sender := "peer"
	remote := &fakeRemote{pages: map[int64][]store.Message{
		0: {
			{ID: "m3", SenderID: &sender, Content: "three", CreatedAt: 3000},
			{ID: "m4", SenderID: &sender, Content: "four", CreatedAt: 4000},
		},
		3000: {
			{ID: "m1", SenderID: &sender, Content: "one", CreatedAt: 1000},
		},
	}}
	r := NewReconciler(f.db, f.bus, f.engine, remote, nil)

	for _, want := range []int{2, 1, 0} {
		n, err := r.SyncMessages(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Fatalf("fetched %d, want %d", n, want)
		}
	}

	if remote.asked[1].Before != 3000 || remote.asked[1].BeforeID != "m3" || remote.asked[2].Before != 1000 {
		t.Errorf("pages asked = %+v", remote.asked)
	}

	msgs, err := f.db.QueryMessages(ctx, "c1", store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].ID != "m1" || msgs[2].ID != "m4" {
		t.Errorf("messages = %v", msgs)
	}

	c, _ := f.db.GetConversation(ctx, "c1")
	if c.LastMessageSummary != "four" || c.LastActivityAt != 4000 {
		t.Errorf("conversation = %+v, want summary of newest message", c)
	}

	v, err := r.GetCheckpoint(ctx, "messages.c1.oldest")
	if err != nil {
		t.Fatal(err)
	}
	if v != "1000:m1" {
		t.Errorf("checkpoint = %q, want 1000:m1", v)
	}
}

func strPtr(s string) *string { return &s }

func TestBackfillDoesNotLowerStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.db.SaveConversation(ctx, &store.Conversation{ID: "c1", OwnerUserID: me, Title: "c1", LastActivityAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.SaveMessagesBatch(ctx, "c1", []store.Message{
		{ID: "m1", SenderID: strPtr(me), Content: "hi", CreatedAt: 1000, Status: store.StatusRead},
	}); err != nil {
		t.Fatal(err)
	}

	// The history endpoint carries no status, which stores as Sent.
	remote := &fakeRemote{pages: map[int64][]store.Message{
		0: {{ID: "m1", SenderID: strPtr(me), Content: "hi", CreatedAt: 1000}},
	}}
	r := NewReconciler(f.db, f.bus, f.engine, remote, nil)
	if _, err := r.SyncMessages(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	m, err := f.db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusRead {
		t.Errorf("status = %s, want read", m.Status)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	tests := []struct {
		in     string
		wantTS int64
		wantID string
	}{
		{"1000:m1", 1000, "m1"},
		{"1000", 1000, ""},
		{"1000:a:b", 1000, "a:b"},
		{"junk", 0, ""},
	}
	for _, tt := range tests {
		ts, id := parseCursor(tt.in)
		if ts != tt.wantTS || id != tt.wantID {
			t.Errorf("parseCursor(%q) = %d,%q, want %d,%q", tt.in, ts, id, tt.wantTS, tt.wantID)
		}
	}
	if got := formatCursor(42, "x"); got != "42:x" {
		t.Errorf("formatCursor = %q", got)
	}
}
