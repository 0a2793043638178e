package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/MUYAHGaious/izichat/internal/identity"
	"github.com/MUYAHGaious/izichat/internal/store"
)

type fakeServer struct {
	convs    []store.Conversation
	msgs     []store.Message
	created  []NewConversation
	lastAuth string
	lastPage [2]string
}

func (f *fakeServer) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.lastAuth = req.Header.Get("Authorization")
			if f.lastAuth != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad token"})
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.HandleFunc("/api/chat/conversations", func(w http.ResponseWriter, req *http.Request) {
		writeData(w, f.convs)
	}).Methods(http.MethodGet).Queries("user_id", "{user}")
	r.HandleFunc("/api/chat/conversations", func(w http.ResponseWriter, req *http.Request) {
		var body NewConversation
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.created = append(f.created, body)
		writeData(w, store.Conversation{ID: "srv-1", Type: body.Type, Title: body.Title, OwnerUserID: "u1"})
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/conversations/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["id"] != "c1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no such conversation"})
			return
		}
		f.lastPage = [2]string{req.URL.Query().Get("before"), req.URL.Query().Get("limit")}
		writeData(w, f.msgs)
	}).Methods(http.MethodGet)
	return r
}

func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func setupClient(t *testing.T, token string) (*Client, *fakeServer) {
	t.Helper()
	f := &fakeServer{}
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/api/", identity.Static{UserID: "u1", Token: token}, nil, nil)
	require.NoError(t, err)
	return c, f
}

func TestClient_FetchConversations(t *testing.T) {
	req := require.New(t)
	c, f := setupClient(t, "secret")
	f.convs = []store.Conversation{
		{ID: "c1", Title: "Shop", LastActivityAt: 10},
		{ID: "c2", OwnerUserID: "u9", Title: "Group", Type: store.Group},
	}

	convs, err := c.FetchConversations(context.Background(), "u1")

	req.NoError(err)
	req.Len(convs, 2)
	req.Equal("Bearer secret", f.lastAuth)
	req.Equal(store.OriginServer, convs[0].Origin)
	req.Equal("u1", convs[0].OwnerUserID)
	req.Equal("u9", convs[1].OwnerUserID)
}

func TestClient_FetchMessages(t *testing.T) {
	req := require.New(t)
	c, f := setupClient(t, "secret")
	sender := "u2"
	f.msgs = []store.Message{{ID: "m1", SenderID: &sender, Content: "hey", CreatedAt: 5}}

	msgs, err := c.FetchMessages(context.Background(), "c1", store.Page{Before: 100, Limit: 20})

	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal("c1", msgs[0].ConversationID)
	req.Equal([2]string{"100", "20"}, f.lastPage)

	_, err = c.FetchMessages(context.Background(), "nope", store.Page{})
	var ae *APIError
	req.ErrorAs(err, &ae)
	req.Equal(http.StatusNotFound, ae.StatusCode)
	req.Equal("no such conversation", ae.Message)
}

func TestClient_CreateConversation(t *testing.T) {
	req := require.New(t)
	c, f := setupClient(t, "secret")

	conv, err := c.CreateConversation(context.Background(), NewConversation{
		Type: store.Support, Title: "Order 42", InitialMessage: "Hello, I need assistance.",
	})

	req.NoError(err)
	req.Equal("srv-1", conv.ID)
	req.Equal(store.Support, conv.Type)
	req.Len(f.created, 1)
	req.Equal("Order 42", f.created[0].Title)
}

func TestClient_Unauthorized(t *testing.T) {
	c, _ := setupClient(t, "wrong")

	_, err := c.FetchConversations(context.Background(), "u1")

	require.True(t, IsUnauthorized(err), "got %v", err)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", nil, nil, nil)
	require.Error(t, err)
}
