package api

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/MUYAHGaious/izichat/internal/bus"
	"github.com/MUYAHGaious/izichat/internal/chat"
	"github.com/MUYAHGaious/izichat/internal/reconcile"
	"github.com/MUYAHGaious/izichat/internal/store"
)

// ConversationServiceName is the gRPC name of ConversationService.
const ConversationServiceName = pkg + "ConversationService"

// ConversationService serves the conversation list and its live updates.
type ConversationService struct {
	chat        *chat.Service
	sessionName string
	logger      *zap.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(c *chat.Service, sessionName string, logger *zap.Logger) *ConversationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationService{chat: c, sessionName: sessionName, logger: logger}
}

// Register adds the service to srv.
func (s *ConversationService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&conversationServiceDesc, s)
}

var conversationServiceDesc = grpc.ServiceDesc{
	ServiceName: ConversationServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(ConversationServiceName, "List", (*ConversationService).List),
		unary(ConversationServiceName, "Get", (*ConversationService).Get),
		unary(ConversationServiceName, "Select", (*ConversationService).Select),
		unary(ConversationServiceName, "MarkRead", (*ConversationService).MarkRead),
		unary(ConversationServiceName, "Archive", (*ConversationService).Archive),
		unary(ConversationServiceName, "Mute", (*ConversationService).Mute),
		unary(ConversationServiceName, "Delete", (*ConversationService).Delete),
		unary(ConversationServiceName, "StartSupport", (*ConversationService).StartSupport),
	},
	Streams: []grpc.StreamDesc{
		serverStream("Watch", (*ConversationService).Watch),
	},
	Metadata: "izichat/v1/conversation",
}

func (s *ConversationService) List(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	convs, err := s.chat.ListConversations(ctx, reconcile.Filter{
		Archived:   req.Archived,
		Type:       store.ConversationType(req.Type),
		Query:      req.Query,
		UnreadOnly: req.UnreadOnly,
	})
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	return &ListConversationsResponse{Conversations: convs}, nil
}

func (s *ConversationService) Get(ctx context.Context, req *ConversationRequest) (*ConversationResponse, error) {
	c, err := s.chat.Conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus("get conversation", err)
	}
	return &ConversationResponse{Conversation: c}, nil
}

func (s *ConversationService) Select(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	if err := s.chat.Select(ctx, req.ConversationID); err != nil {
		return nil, toStatus("select conversation", err)
	}
	return &Empty{}, nil
}

func (s *ConversationService) MarkRead(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	if err := s.chat.MarkRead(ctx, req.ConversationID); err != nil {
		return nil, toStatus("mark read", err)
	}
	return &Empty{}, nil
}

func (s *ConversationService) Archive(ctx context.Context, req *ArchiveRequest) (*ConversationResponse, error) {
	c, err := s.chat.Archive(ctx, req.ConversationID, req.Archived)
	if err != nil {
		return nil, toStatus("archive conversation", err)
	}
	return &ConversationResponse{Conversation: c}, nil
}

func (s *ConversationService) Mute(ctx context.Context, req *MuteRequest) (*ConversationResponse, error) {
	c, err := s.chat.Mute(ctx, req.ConversationID, req.Muted)
	if err != nil {
		return nil, toStatus("mute conversation", err)
	}
	return &ConversationResponse{Conversation: c}, nil
}

func (s *ConversationService) Delete(ctx context.Context, req *ConversationRequest) (*Empty, error) {
	if err := s.chat.DeleteConversation(ctx, req.ConversationID); err != nil {
		return nil, toStatus("delete conversation", err)
	}
	return &Empty{}, nil
}

func (s *ConversationService) StartSupport(ctx context.Context, req *StartSupportRequest) (*ConversationResponse, error) {
	c, err := s.chat.StartSupport(ctx, req.Title)
	if err != nil {
		return nil, toStatus("start support", err)
	}
	return &ConversationResponse{Conversation: c}, nil
}

// Watch streams bus events until the client goes away.
func (s *ConversationService) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ch, unsub := s.chat.Events(req.ConversationID, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if req.Prefix != "" && !strings.HasPrefix(evt.Kind, req.Prefix) {
				continue
			}
			if err := stream.SendMsg(s.envelope(evt)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *ConversationService) envelope(evt bus.Event) *Event {
	out := &Event{
		EventID:          uuid.NewString(),
		Session:          s.sessionName,
		Kind:             evt.Kind,
		ConversationID:   evt.ConversationID,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
	}
	if evt.Payload != nil {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			s.logger.Warn("dropping unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
		} else {
			out.Payload = payload
		}
	}
	return out
}
