// Package reconcile merges conversation lists from the server with the
// locally stored ones. Everything here is pure: no I/O, no clocks.
package reconcile

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/MUYAHGaious/izichat/internal/store"
)

// Conflict records a conversation whose server and local copies disagreed.
// The server copy won for every listed field.
type Conflict struct {
	ConversationID string
	Fields         []string
	Server         store.Conversation
	Local          store.Conversation
}

func (c Conflict) Error() string {
	return fmt.Sprintf("conversation %s: server and local disagree on %s", c.ConversationID, strings.Join(c.Fields, ", "))
}

// Merge deduplicates server and local conversations by id.
//
// When both sides know a conversation the server copy wins, except for
// UnreadCount, Archived and Muted which are local view state, and
// LastActivityAt which never moves backwards. Conversations only known
// locally and created locally come first; everything else follows by
// LastActivityAt descending.
func Merge(server, local []store.Conversation) ([]store.Conversation, []Conflict) {
	server = lo.UniqBy(server, func(c store.Conversation) string { return c.ID })
	localByID := lo.KeyBy(local, func(c store.Conversation) string { return c.ID })
	serverIDs := lo.SliceToMap(server, func(c store.Conversation) (string, struct{}) { return c.ID, struct{}{} })

	var conflicts []Conflict
	merged := make([]store.Conversation, 0, len(server)+len(local))
	for _, s := range server {
		l, ok := localByID[s.ID]
		if !ok {
			merged = append(merged, s)
			continue
		}
		m, fields := mergeOne(s, l)
		if len(fields) > 0 {
			conflicts = append(conflicts, Conflict{ConversationID: s.ID, Fields: fields, Server: s, Local: l})
		}
		merged = append(merged, m)
	}

	localOnly := lo.Filter(local, func(c store.Conversation, _ int) bool {
		_, known := serverIDs[c.ID]
		return !known
	})
	firsts, rest := lo.FilterReject(localOnly, func(c store.Conversation, _ int) bool {
		return c.Origin == store.OriginLocal
	})

	sortByActivity(firsts)
	rest = append(rest, merged...)
	sortByActivity(rest)
	return append(firsts, rest...), conflicts
}

func mergeOne(s, l store.Conversation) (store.Conversation, []string) {
	var fields []string
	if s.Title != l.Title {
		fields = append(fields, "title")
	}
	if s.Type != l.Type {
		fields = append(fields, "type")
	}
	if !slices.Equal(s.Participants, l.Participants) {
		fields = append(fields, "participants")
	}
	if s.OwnerUserID != l.OwnerUserID {
		fields = append(fields, "owner_user_id")
	}

	m := s
	m.UnreadCount = l.UnreadCount
	m.Archived = l.Archived
	m.Muted = l.Muted
	m.Origin = store.OriginServer
	if l.LastActivityAt > s.LastActivityAt {
		m.LastActivityAt = l.LastActivityAt
		m.LastMessageSummary = l.LastMessageSummary
	}
	return m, fields
}

func sortByActivity(convs []store.Conversation) {
	slices.SortStableFunc(convs, func(a, b store.Conversation) int {
		if c := cmp.Compare(b.LastActivityAt, a.LastActivityAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// UnreadAfter returns a conversation's unread count after fresh new messages
// arrive. The active conversation is always fully read.
func UnreadAfter(current int, active bool, fresh int) int {
	if active {
		return 0
	}
	if fresh < 0 {
		fresh = 0
	}
	return current + fresh
}

// Partition splits conversations into the main list and the archive,
// preserving order.
func Partition(convs []store.Conversation) (inbox, archived []store.Conversation) {
	archived, inbox = lo.FilterReject(convs, func(c store.Conversation, _ int) bool { return c.Archived })
	return inbox, archived
}

// Filter narrows a conversation list.
type Filter struct {
	// Archived selects the archive instead of the main list.
	Archived bool
	Type     store.ConversationType
	// Query matches title or summary, case-insensitively.
	Query      string
	UnreadOnly bool
}

// Apply returns the conversations matching f, preserving order.
func (f Filter) Apply(convs []store.Conversation) []store.Conversation {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	return lo.Filter(convs, func(c store.Conversation, _ int) bool {
		if c.Archived != f.Archived {
			return false
		}
		if f.Type != "" && c.Type != f.Type {
			return false
		}
		if f.UnreadOnly && c.UnreadCount == 0 {
			return false
		}
		if q != "" && !strings.Contains(strings.ToLower(c.Title), q) &&
			!strings.Contains(strings.ToLower(c.LastMessageSummary), q) {
			return false
		}
		return true
	})
}
