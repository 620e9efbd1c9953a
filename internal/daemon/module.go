// Package daemon wires the sync engine of one session into an fx
// application: the encrypted store, the delivery service client, the
// pending operation queue, the handshake sweeper and the push token
// reconciler, behind the control API and a gRPC health endpoint on the
// session socket.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/phnx-im/air-sub001/internal/api"
	"github.com/phnx-im/air-sub001/internal/bus"
	"github.com/phnx-im/air-sub001/internal/config"
	"github.com/phnx-im/air-sub001/internal/dsclient"
	"github.com/phnx-im/air-sub001/internal/ear"
	"github.com/phnx-im/air-sub001/internal/handshake"
	"github.com/phnx-im/air-sub001/internal/lock"
	"github.com/phnx-im/air-sub001/internal/logging"
	"github.com/phnx-im/air-sub001/internal/pending"
	"github.com/phnx-im/air-sub001/internal/pushtoken"
	"github.com/phnx-im/air-sub001/internal/session"
	"github.com/phnx-im/air-sub001/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	// Config is loaded from session.ConfigPath when nil.
	Config *config.Config
	// ServerConn replaces the dialed delivery service connection. Used by
	// tests.
	ServerConn grpc.ClientConnInterface
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideDSClient,
			provideQueue,
			provideHandshake,
			provideReconciler,
			NewWatcher,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, logging.Rotation{
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the store is never opened by a second
// daemon on the same session.
func provideStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, result, err := OpenStore(p.SessionName, cfg)
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	db.SetLockLease(cfg.Retry.LockLease.Duration)
	logger.Info("store initialized", zap.String("path", session.StorePath(p.SessionName)))
	return db, nil
}

// OpenStore opens and migrates the session's store. The key is derived from
// the configured passphrase, or read from the key file, which is created on
// first use.
func OpenStore(sessionName string, cfg *config.Config) (*store.DB, *store.MigrateResult, error) {
	var (
		key ear.Key
		err error
	)
	if cfg.Store.Passphrase != "" {
		key, err = ear.DeriveKey(cfg.Store.Passphrase, session.SaltPath(sessionName))
	} else {
		key, err = ear.LoadOrCreateKey(session.KeyPath(sessionName))
	}
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(session.StorePath(sessionName), key)
	if err != nil {
		return nil, nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, result, nil
}

func provideDSClient(p Params, cfg *config.Config, logger *zap.Logger) (*dsclient.Client, error) {
	timeout := cfg.Server.RequestTimeout.Duration
	if p.ServerConn != nil {
		return dsclient.New(p.ServerConn, timeout, logger), nil
	}
	logger.Info("delivery service", zap.String("address", cfg.Server.Address), zap.Bool("insecure", cfg.Server.Insecure))
	return dsclient.Dial(cfg.Server.Address, cfg.Server.Insecure, timeout, logger)
}

func provideQueue(cfg *config.Config, db *store.DB, client *dsclient.Client, b *bus.Bus, logger *zap.Logger) *pending.Queue {
	q := pending.NewQueue(db, client, b, logger, pending.Config{
		Policy: pending.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval.Duration,
			MaxInterval:     cfg.Retry.MaxInterval.Duration,
			Multiplier:      cfg.Retry.Multiplier,
		},
		PollInterval: cfg.Retry.PollInterval.Duration,
		AckTimeout:   cfg.Retry.AckTimeout.Duration,
	})
	q.OnApplied(applyLocally(db, logger))
	return q
}

// applyLocally mirrors an operation the server accepted into the store. A
// leave only drops our own membership, since the row may still be retried.
func applyLocally(db *store.DB, logger *zap.Logger) func(context.Context, *store.PendingChatOperation) {
	logger = logging.OrNop(logger)
	return func(ctx context.Context, op *store.PendingChatOperation) {
		log := logger.With(zap.String("group_id", op.GroupID), zap.String("operation_type", string(op.OperationType)))
		chat, err := db.ChatByGroup(ctx, op.GroupID)
		if err != nil {
			log.Error("failed to look up chat for applied operation", zap.Error(err))
			return
		}
		if chat == nil {
			return
		}

		switch op.OperationType {
		case store.OperationDelete:
			_, err = db.DeleteChat(ctx, chat.ChatID)
		case store.OperationLeave:
			var own *store.OwnClient
			if own, err = db.OwnClient(ctx); err == nil && own != nil {
				err = db.RemoveMembership(ctx, own.UserID, chat.ChatID)
			}
			if err == nil {
				err = db.Notify(ctx, store.NotifyChatUpdated, chat.ChatID)
			}
		default:
			err = db.Notify(ctx, store.NotifyChatUpdated, chat.ChatID)
		}
		if err != nil {
			log.Error("failed to apply operation locally", zap.Error(err))
		}
	}
}

func provideHandshake(cfg *config.Config, db *store.DB, client *dsclient.Client, b *bus.Bus, logger *zap.Logger) *handshake.Service {
	return handshake.NewService(db, client, b, logger, cfg.Handshake.InvitationTTL.Duration)
}

func provideReconciler(db *store.DB, client *dsclient.Client, b *bus.Bus, logger *zap.Logger) *pushtoken.Reconciler {
	return pushtoken.NewReconciler(db, client, b, logger)
}

// provideServer binds the socket only after the lock is held, so a second
// daemon cannot take over a running daemon's socket.
func provideServer(p Params, _ *lock.Lock, q *pending.Queue, hs *handshake.Service, logger *zap.Logger) (*Server, error) {
	srv, err := NewServer(p, logger)
	if err != nil {
		return nil, err
	}
	api.NewService(q, hs, logger).Register(srv.grpcServer)
	return srv, nil
}

type lifecycleParams struct {
	fx.In

	Config     *config.Config
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Client     *dsclient.Client
	Queue      *pending.Queue
	Handshake  *handshake.Service
	Reconciler *pushtoken.Reconciler
	Watcher    *Watcher
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()
			p.Watcher.Start(ctx)

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			p.Queue.Start(ctx)
			p.Handshake.Start(ctx, p.Config.Handshake.SweepInterval.Duration)
			p.Reconciler.Start(ctx, p.Config.Retry.InitialInterval.Duration)

			p.Server.SetServing(true)
			logger.Info("daemon started", zap.String("worker_id", p.Queue.WorkerID()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Server.SetServing(false)
			p.Reconciler.Stop()
			p.Handshake.Stop()
			p.Queue.Stop()
			p.Watcher.Stop()
			p.Server.Stop(ctx)
			if err := p.Client.Close(); err != nil {
				logger.Warn("error closing delivery service connection", zap.Error(err))
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
