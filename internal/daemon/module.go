package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/MUYAHGaious/izichat/internal/api"
	"github.com/MUYAHGaious/izichat/internal/attachment"
	"github.com/MUYAHGaious/izichat/internal/blob"
	"github.com/MUYAHGaious/izichat/internal/bus"
	"github.com/MUYAHGaious/izichat/internal/chat"
	"github.com/MUYAHGaious/izichat/internal/config"
	"github.com/MUYAHGaious/izichat/internal/identity"
	"github.com/MUYAHGaious/izichat/internal/lock"
	"github.com/MUYAHGaious/izichat/internal/logging"
	"github.com/MUYAHGaious/izichat/internal/outbox"
	"github.com/MUYAHGaious/izichat/internal/remote"
	"github.com/MUYAHGaious/izichat/internal/session"
	"github.com/MUYAHGaious/izichat/internal/status"
	"github.com/MUYAHGaious/izichat/internal/store"
	intsync "github.com/MUYAHGaious/izichat/internal/sync"
	"github.com/MUYAHGaious/izichat/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.izichat/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBlobs,
			provideAttachments,
			provideIdentity,
			provideTransport,
			provideSender,
			provideEngine,
			provideRemote,
			provideReconciler,
			provideChat,
			provideSessionService,
			provideConversationService,
			api.NewMessageService,
			api.NewSyncService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Resolve(path)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), cfg.Server.WebSocketURL)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// The lock is taken before the store so two daemons never share a database.
func provideStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
	var opts []store.Option
	if cfg.Store.QuotaMB > 0 {
		opts = append(opts, store.WithQuota(int64(cfg.Store.QuotaMB)*attachment.MB))
	}
	db, err := store.Open(dbPath, opts...)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBlobs(p Params, _ *lock.Lock, logger *zap.Logger) (*blob.Store, error) {
	return blob.Open(session.BlobDir(p.SessionName), logging.Component(logger, "blob"))
}

func provideAttachments(p Params, cfg *config.Config, blobs *blob.Store, db *store.DB, logger *zap.Logger) (*attachment.Manager, error) {
	ac := attachment.DefaultConfig()
	ac.MaxBytes = int64(cfg.Attachments.MaxSizeMB) * attachment.MB
	ac.HeadroomMultiplier = cfg.Attachments.HeadroomMultiplier
	if len(cfg.Attachments.AllowedTypes) > 0 {
		ac.Allowed = cfg.Attachments.AllowedTypes
	}
	return attachment.NewManager(blobs, db, session.Dir(p.SessionName), ac, logging.Component(logger, "attachment"))
}

// A bad configured token is logged, not fatal: the daemon still serves
// local history and accepts a new token over the API.
func provideIdentity(cfg *config.Config, logger *zap.Logger) *identity.TokenProvider {
	var key []byte
	if cfg.Auth.SigningKey != "" {
		key = []byte(cfg.Auth.SigningKey)
	}
	tp := identity.NewTokenProvider(key)
	if cfg.Auth.Token != "" {
		if err := tp.SetToken(cfg.Auth.Token); err != nil {
			logger.Warn("configured token rejected", zap.Error(err))
		}
	}
	return tp
}

func provideTransport(cfg *config.Config, m *status.Machine, logger *zap.Logger) *transport.Session {
	tc := cfg.Transport
	return transport.NewSession(transport.WSDialer{}, m, transport.Config{
		Backoff:     transport.Backoff{Base: tc.BackoffBase, Max: tc.BackoffMax},
		MaxAttempts: tc.MaxReconnectAttempts,
		TypingTTL:   tc.TypingTTL,
		PingPeriod:  tc.PingInterval,
	}, logging.Component(logger, "transport"))
}

func provideSender(cfg *config.Config, db *store.DB, tr *transport.Session, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, tr, b, outbox.Config{
		StillSendingAfter: cfg.Outbox.StillSendingAfter,
		FailAfter:         cfg.Outbox.FailAfter,
	}, logging.Component(logger, "outbox"))
}

func provideEngine(db *store.DB, b *bus.Bus, sender *outbox.Sender, tr *transport.Session, ident *identity.TokenProvider, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, sender, tr, ident, logging.Component(logger, "sync"))
}

// provideRemote returns nil when no REST endpoint is configured.
func provideRemote(cfg *config.Config, ident *identity.TokenProvider, logger *zap.Logger) (*remote.Client, error) {
	if cfg.Server.APIURL == "" {
		return nil, nil
	}
	return remote.New(cfg.Server.APIURL, ident, nil, logging.Component(logger, "remote"))
}

func provideReconciler(db *store.DB, b *bus.Bus, engine *intsync.Engine, rc *remote.Client, logger *zap.Logger) *intsync.Reconciler {
	if rc == nil {
		return nil
	}
	return intsync.NewReconciler(db, b, engine, rc, logging.Component(logger, "reconcile"))
}

func provideChat(db *store.DB, b *bus.Bus, engine *intsync.Engine, rec *intsync.Reconciler, mgr *attachment.Manager, ident *identity.TokenProvider, logger *zap.Logger) *chat.Service {
	return chat.NewService(db, b, engine, rec, mgr, ident, logging.Component(logger, "chat"))
}

func provideSessionService(p Params, cfg *config.Config, tr *transport.Session, ident *identity.TokenProvider, c *chat.Service, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.SessionName, cfg.Server.WebSocketURL, tr, ident, c, logging.Component(logger, "api"))
}

func provideConversationService(p Params, c *chat.Service, logger *zap.Logger) *api.ConversationService {
	return api.NewConversationService(c, p.SessionName, logging.Component(logger, "api"))
}

type lifecycleParams struct {
	fx.In

	Config     *config.Config
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Blobs      *blob.Store
	Transport  *transport.Session
	Engine     *intsync.Engine
	Reconciler *intsync.Reconciler
	Identity   *identity.TokenProvider
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Every inbound event goes through the engine's mailbox.
			p.Engine.Start(context.Background())
			p.Transport.OnEvent(p.Engine.HandleTransportEvent)
			if p.Reconciler != nil {
				p.Reconciler.Start(context.Background())
			}

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			endpoint := p.Config.Server.WebSocketURL
			id, err := p.Identity.Current(context.Background())
			switch {
			case endpoint == "":
				logger.Info("no server configured, running offline")
			case err != nil:
				logger.Info("no valid token, waiting for sign in")
			default:
				go func() {
					if err := p.Transport.Connect(context.Background(), endpoint, id.Token); err != nil {
						logger.Warn("initial connect failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = p.Transport.Close()
			if p.Reconciler != nil {
				p.Reconciler.Stop()
			}
			p.Engine.Stop()
			p.Server.Stop(ctx)
			if err := p.Blobs.Close(); err != nil {
				logger.Warn("error closing blob store", zap.Error(err))
			}
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
