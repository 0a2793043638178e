package api

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/MUYAHGaious/izichat/internal/chat"
	"github.com/MUYAHGaious/izichat/internal/identity"
	"github.com/MUYAHGaious/izichat/internal/status"
)

// SessionServiceName is the gRPC name of SessionService.
const SessionServiceName = pkg + "SessionService"

// Connector is the part of the transport session driven by sign in and out.
type Connector interface {
	Connect(ctx context.Context, endpoint, token string) error
	Disconnect()
	State() status.State
}

// TokenStore is an identity provider whose token can be replaced.
type TokenStore interface {
	identity.Provider
	SetToken(token string) error
}

// SessionService reports daemon status and handles sign in and out.
type SessionService struct {
	sessionName string
	endpoint    string
	startedAt   time.Time
	conn        Connector
	tokens      TokenStore
	chat        *chat.Service
	logger      *zap.Logger
}

// NewSessionService creates a new session service. conn may be nil when no
// WebSocket endpoint is configured.
func NewSessionService(sessionName, endpoint string, conn Connector, tokens TokenStore, c *chat.Service, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessionName: sessionName,
		endpoint:    endpoint,
		startedAt:   time.Now(),
		conn:        conn,
		tokens:      tokens,
		chat:        c,
		logger:      logger,
	}
}

// Register adds the service to srv.
func (s *SessionService) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&sessionServiceDesc, s)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetStatus", (*SessionService).GetStatus),
		unary(SessionServiceName, "SignIn", (*SessionService).SignIn),
		unary(SessionServiceName, "SignOut", (*SessionService).SignOut),
	},
	Metadata: "izichat/v1/session",
}

func (s *SessionService) GetStatus(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:  s.sessionName,
		State:    string(status.Disconnected),
		Endpoint: s.endpoint,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.conn != nil {
		resp.State = string(s.conn.State())
		resp.Connected = s.conn.State() == status.Connected
	}
	if id, err := s.tokens.Current(ctx); err == nil {
		resp.UserID = id.UserID
		resp.SignedIn = true
	}
	if stats, err := s.chat.Stats(ctx); err == nil {
		resp.Stats = stats
	}
	return resp, nil
}

// SignIn installs a token and connects. A failed dial is not an error: the
// transport keeps retrying and the returned status says where it stands.
func (s *SessionService) SignIn(ctx context.Context, req *SignInRequest) (*StatusResponse, error) {
	if req.Token == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "sign in: token is required")
	}
	if err := s.tokens.SetToken(req.Token); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "sign in: %v", err)
	}
	if s.conn != nil && s.endpoint != "" {
		if err := s.conn.Connect(ctx, s.endpoint, req.Token); err != nil {
			s.logger.Warn("connect after sign in failed", zap.Error(err))
		}
	}
	return s.GetStatus(ctx, &Empty{})
}

// SignOut disconnects, forgets the token and wipes local chat data.
func (s *SessionService) SignOut(ctx context.Context, _ *Empty) (*Empty, error) {
	if s.conn != nil {
		s.conn.Disconnect()
	}
	if err := s.chat.ClearAll(ctx); err != nil {
		return nil, toStatus("sign out", err)
	}
	if err := s.tokens.SetToken(""); err != nil {
		return nil, toStatus("sign out", err)
	}
	s.logger.Info("signed out")
	return &Empty{}, nil
}
