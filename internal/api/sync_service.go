package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/MUYAHGaious/izichat/internal/chat"
)

// SyncServiceName is the gRPC name of SyncService.
const SyncServiceName = pkg + "SyncService"

// SyncService triggers pulls from the server's REST API.
type SyncService struct {
	chat *chat.Service
}

// NewSyncService creates a new sync service.
func NewSyncService(c *chat.Service) *SyncService {
	return &SyncService{chat: c}
}

// Register adds the service to srv.
func (s *SyncService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&syncServiceDesc, s)
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(SyncServiceName, "SyncConversations", (*SyncService).SyncConversations),
		unary(SyncServiceName, "LoadOlder", (*SyncService).LoadOlder),
	},
	Metadata: "izichat/v1/sync",
}

func (s *SyncService) SyncConversations(ctx context.Context, _ *Empty) (*SyncResponse, error) {
	res, err := s.chat.Sync(ctx)
	if err != nil {
		return nil, toStatus("sync conversations", err)
	}
	return &SyncResponse{Conversations: len(res.Conversations), Conflicts: len(res.Conflicts)}, nil
}

func (s *SyncService) LoadOlder(ctx context.Context, req *ConversationRequest) (*LoadOlderResponse, error) {
	n, err := s.chat.LoadOlder(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus("load older messages", err)
	}
	return &LoadOlderResponse{Fetched: n}, nil
}
