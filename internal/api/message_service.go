package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/MUYAHGaious/izichat/internal/attachment"
	"github.com/MUYAHGaious/izichat/internal/chat"
	"github.com/MUYAHGaious/izichat/internal/store"
)

// MessageServiceName is the gRPC name of MessageService.
const MessageServiceName = pkg + "MessageService"

const defaultPageSize = 50

// MessageService implements the MessageService gRPC service.
type MessageService struct {
	chat *chat.Service
}

// NewMessageService creates a new message service.
func NewMessageService(c *chat.Service) *MessageService {
	return &MessageService{chat: c}
}

// Register adds the service to srv.
func (s *MessageService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&messageServiceDesc, s)
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "List", (*MessageService).List),
		unary(MessageServiceName, "Send", (*MessageService).Send),
		unary(MessageServiceName, "Retry", (*MessageService).Retry),
		unary(MessageServiceName, "Edit", (*MessageService).Edit),
		unary(MessageServiceName, "Delete", (*MessageService).Delete),
	},
	Metadata: "izichat/v1/message",
}

func (s *MessageService) List(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	msgs, err := s.chat.Messages(ctx, req.ConversationID, store.Page{Before: req.BeforeUnixMs, BeforeID: req.BeforeID, Limit: limit})
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return &ListMessagesResponse{Messages: msgs}, nil
}

// Send stores the message as Sending and returns it; delivery continues in
// the background.
func (s *MessageService) Send(ctx context.Context, req *SendMessageRequest) (*MessageResponse, error) {
	var att *store.Attachment
	if up := req.Attachment; up != nil {
		var err error
		att, err = s.chat.SelectAttachment(ctx, attachment.File{
			Name:            up.Name,
			MimeType:        up.MimeType,
			Size:            int64(len(up.Data)),
			Data:            up.Data,
			DurationSeconds: up.DurationSeconds,
		})
		if err != nil {
			return nil, toStatus("attach file", err)
		}
		// The UI over this socket never renders the in-process preview.
		if att.PreviewRef != "" {
			s.chat.ReleasePreview(att.PreviewRef)
		}
	}
	m, err := s.chat.SendMessage(ctx, req.ConversationID, req.Content, att)
	if err != nil {
		if att != nil {
			_ = s.chat.DiscardAttachment(ctx, att)
		}
		return nil, toStatus("send message", err)
	}
	return &MessageResponse{Message: m}, nil
}

func (s *MessageService) Retry(ctx context.Context, req *MessageRequest) (*MessageResponse, error) {
	m, err := s.chat.Retry(ctx, req.MessageID)
	if err != nil {
		return nil, toStatus("retry message", err)
	}
	return &MessageResponse{Message: m}, nil
}

func (s *MessageService) Edit(ctx context.Context, req *EditMessageRequest) (*MessageResponse, error) {
	m, err := s.chat.Edit(ctx, req.MessageID, req.Content)
	if err != nil {
		return nil, toStatus("edit message", err)
	}
	return &MessageResponse{Message: m}, nil
}

func (s *MessageService) Delete(ctx context.Context, req *MessageRequest) (*Empty, error) {
	if err := s.chat.Delete(ctx, req.MessageID); err != nil {
		return nil, toStatus("delete message", err)
	}
	return &Empty{}, nil
}
