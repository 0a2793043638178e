// Package remote is the REST client for the chat server's history API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MUYAHGaious/izichat/internal/identity"
	"github.com/MUYAHGaious/izichat/internal/store"
)

const defaultTimeout = 15 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// NewConversation is the body of a create-conversation request.
type NewConversation struct {
	Type           store.ConversationType `json:"type"`
	Title          string                 `json:"title,omitempty"`
	RecipientID    string                 `json:"recipient_id,omitempty"`
	InitialMessage string                 `json:"initial_message,omitempty"`
}

type envelope[T any] struct {
	Data  T      `json:"data"`
	Error string `json:"error,omitempty"`
}

// Client talks to the chat REST API with the current user's bearer token.
type Client struct {
	base   *url.URL
	http   *http.Client
	ident  identity.Provider
	logger *zap.Logger
}

// New creates a client for baseURL. A nil httpClient uses a client with a
// 15s timeout.
func New(baseURL string, ident identity.Provider, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, http: httpClient, ident: ident, logger: logger}, nil
}

// FetchConversations lists the conversations userID takes part in.
func (c *Client) FetchConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	q := url.Values{"user_id": {userID}}
	var convs []store.Conversation
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", q, nil, &convs); err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].Origin = store.OriginServer
		if convs[i].OwnerUserID == "" {
			convs[i].OwnerUserID = userID
		}
	}
	return convs, nil
}

// FetchMessages returns one page of a conversation's history, newest last.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page store.Page) ([]store.Message, error) {
	q := url.Values{}
	if page.Before > 0 {
		q.Set("before", strconv.FormatInt(page.Before, 10))
		if page.BeforeID != "" {
			q.Set("before_id", page.BeforeID)
		}
	}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	var msgs []store.Message
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].ConversationID = conversationID
	}
	return msgs, nil
}

// CreateConversation asks the server to open a conversation.
func (c *Client) CreateConversation(ctx context.Context, req NewConversation) (*store.Conversation, error) {
	var conv store.Conversation
	if err := c.do(ctx, http.MethodPost, "/chat/conversations", nil, req, &conv); err != nil {
		return nil, err
	}
	conv.Origin = store.OriginServer
	return &conv, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = q.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ident != nil {
		id, err := c.ident.Current(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+id.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	env := envelope[json.RawMessage]{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}
