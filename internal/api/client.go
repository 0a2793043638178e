package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/MUYAHGaious/izichat/internal/store"
)

// Client is a typed client for the daemon's local API.
type Client struct {
	conn grpc.ClientConnInterface
	// closer is nil when the connection is owned by the caller.
	closer interface{ Close() error }
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(CallOptions()...),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, closer: conn}, nil
}

// NewClient wraps an existing connection. Calls force the JSON codec.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection if Dial opened it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func call[Resp any](ctx context.Context, c *Client, service, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(service, method), req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return call[StatusResponse](ctx, c, SessionServiceName, "GetStatus", &Empty{})
}

func (c *Client) SignIn(ctx context.Context, token string) (*StatusResponse, error) {
	return call[StatusResponse](ctx, c, SessionServiceName, "SignIn", &SignInRequest{Token: token})
}

func (c *Client) SignOut(ctx context.Context) error {
	_, err := call[Empty](ctx, c, SessionServiceName, "SignOut", &Empty{})
	return err
}

func (c *Client) ListConversations(ctx context.Context, req *ListConversationsRequest) ([]store.Conversation, error) {
	resp, err := call[ListConversationsResponse](ctx, c, ConversationServiceName, "List", req)
	if err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	resp, err := call[ConversationResponse](ctx, c, ConversationServiceName, "Get", &ConversationRequest{ConversationID: id})
	if err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

func (c *Client) Select(ctx context.Context, id string) error {
	_, err := call[Empty](ctx, c, ConversationServiceName, "Select", &ConversationRequest{ConversationID: id})
	return err
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	_, err := call[Empty](ctx, c, ConversationServiceName, "MarkRead", &ConversationRequest{ConversationID: id})
	return err
}

func (c *Client) Archive(ctx context.Context, id string, archived bool) (*store.Conversation, error) {
	resp, err := call[ConversationResponse](ctx, c, ConversationServiceName, "Archive", &ArchiveRequest{ConversationID: id, Archived: archived})
	if err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

func (c *Client) Mute(ctx context.Context, id string, muted bool) (*store.Conversation, error) {
	resp, err := call[ConversationResponse](ctx, c, ConversationServiceName, "Mute", &MuteRequest{ConversationID: id, Muted: muted})
	if err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	_, err := call[Empty](ctx, c, ConversationServiceName, "Delete", &ConversationRequest{ConversationID: id})
	return err
}

func (c *Client) StartSupport(ctx context.Context, title string) (*store.Conversation, error) {
	resp, err := call[ConversationResponse](ctx, c, ConversationServiceName, "StartSupport", &StartSupportRequest{Title: title})
	if err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

func (c *Client) Messages(ctx context.Context, req *ListMessagesRequest) ([]store.Message, error) {
	resp, err := call[ListMessagesResponse](ctx, c, MessageServiceName, "List", req)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) Send(ctx context.Context, req *SendMessageRequest) (*store.Message, error) {
	resp, err := call[MessageResponse](ctx, c, MessageServiceName, "Send", req)
	if err != nil {
		return nil, err
	}
	return resp.Message, nil
}

func (c *Client) Retry(ctx context.Context, messageID string) (*store.Message, error) {
	resp, err := call[MessageResponse](ctx, c, MessageServiceName, "Retry", &MessageRequest{MessageID: messageID})
	if err != nil {
		return nil, err
	}
	return resp.Message, nil
}

func (c *Client) Edit(ctx context.Context, messageID, content string) (*store.Message, error) {
	resp, err := call[MessageResponse](ctx, c, MessageServiceName, "Edit", &EditMessageRequest{MessageID: messageID, Content: content})
	if err != nil {
		return nil, err
	}
	return resp.Message, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := call[Empty](ctx, c, MessageServiceName, "Delete", &MessageRequest{MessageID: messageID})
	return err
}

func (c *Client) Sync(ctx context.Context) (*SyncResponse, error) {
	return call[SyncResponse](ctx, c, SyncServiceName, "SyncConversations", &Empty{})
}

func (c *Client) LoadOlder(ctx context.Context, id string) (int, error) {
	resp, err := call[LoadOlderResponse](ctx, c, SyncServiceName, "LoadOlder", &ConversationRequest{ConversationID: id})
	if err != nil {
		return 0, err
	}
	return resp.Fetched, nil
}

// Watch streams events matching req until ctx ends. fn runs on the calling
// goroutine; returning an error from it stops the stream.
func (c *Client) Watch(ctx context.Context, req *WatchRequest, fn func(*Event) error) error {
	desc := &conversationServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, fullMethod(ConversationServiceName, desc.StreamName), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(Event)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
