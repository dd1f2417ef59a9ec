package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Phuociter/medichat/internal/account"
	"github.com/Phuociter/medichat/internal/bus"
	"github.com/Phuociter/medichat/internal/config"
	"github.com/Phuociter/medichat/internal/directory"
	"github.com/Phuociter/medichat/internal/dispatch"
	"github.com/Phuociter/medichat/internal/gateway"
	"github.com/Phuociter/medichat/internal/httpapi"
	"github.com/Phuociter/medichat/internal/lock"
	"github.com/Phuociter/medichat/internal/logging"
	"github.com/Phuociter/medichat/internal/send"
	"github.com/Phuociter/medichat/internal/status"
	"github.com/Phuociter/medichat/internal/store"
	"github.com/Phuociter/medichat/internal/stream"
	"github.com/Phuociter/medichat/internal/transport"
	"github.com/Phuociter/medichat/internal/typing"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
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
			provideGateway,
			provideSocket,
			provideDirectory,
			provideStream,
			providePipeline,
			provideTracker,
			provideNotifier,
			provideDispatcher,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(account.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			// First run: the daemon comes up in AUTH_REQUIRED until a token
			// is configured.
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.Account), p.Account)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(account.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.CacheDBPath(p.Account)
	db, err := store.Open(dbPath)
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
	logger.Info("cache store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideGateway(cfg *config.Config) gateway.Client {
	return gateway.NewHTTPClient(cfg.Server.BaseURL, cfg.Server.Token)
}

func provideSocket(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Socket {
	return transport.New(cfg.Server.SocketURL, cfg.Server.Token, b, logger)
}

func provideDirectory(db *store.DB, gw gateway.Client, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(db, gw, b, logger)
}

func provideStream(cfg *config.Config, db *store.DB, gw gateway.Client, b *bus.Bus, logger *zap.Logger) *stream.Synchronizer {
	return stream.New(db, gw, b, logger, cfg.Account.UserID, cfg.DedupWindow(), cfg.Sync.PageSize)
}

func providePipeline(cfg *config.Config, db *store.DB, gw gateway.Client, s *stream.Synchronizer, d *directory.Directory, b *bus.Bus, logger *zap.Logger) *send.Pipeline {
	return send.New(send.Params{
		DB:            db,
		Gateway:       gw,
		Stream:        s,
		Directory:     d,
		Bus:           b,
		Logger:        logger,
		SelfID:        cfg.Account.UserID,
		SelfName:      cfg.Account.DisplayName,
		MaxAttachment: cfg.Sync.MaxAttachmentBytes,
		SendTimeout:   cfg.SendTimeout(),
	})
}

func provideTracker(cfg *config.Config) *typing.Tracker {
	// Remote entries outlive the local idle timeout a little so a slow
	// stop signal does not flicker the indicator.
	return typing.NewTracker(2 * cfg.TypingIdle())
}

func provideNotifier(cfg *config.Config, socket *transport.Socket, logger *zap.Logger) *typing.Notifier {
	return typing.NewNotifier(socket, cfg.TypingIdle(), cfg.Typing.NotifyPerSecond, cfg.Typing.NotifyBurst, logger)
}

func provideDispatcher(b *bus.Bus, s *stream.Synchronizer, d *directory.Directory, tracker *typing.Tracker, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(b, s, d, tracker, logger)
}

func provideAPI(p Params, d *directory.Directory, s *stream.Synchronizer, pl *send.Pipeline, n *typing.Notifier, tr *typing.Tracker, m *status.Machine, db *store.DB, logger *zap.Logger) *httpapi.API {
	return httpapi.New(httpapi.Params{
		Account:  p.Account,
		Dir:      d,
		Stream:   s,
		Pipeline: pl,
		Notifier: n,
		Tracker:  tr,
		Machine:  m,
		DB:       db,
		Logger:   logger,
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	srv *Server,
	lk *lock.Lock,
	socket *transport.Socket,
	dispatcher *dispatch.Dispatcher,
	pipeline *send.Pipeline,
	notifier *typing.Notifier,
	dir *directory.Directory,
	machine *status.Machine,
	logger *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			dispatcher.Start(runCtx)
			pipeline.Start()

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			pipeline.Resume()

			if cfg.Server.Token == "" {
				logger.Info("no server token configured, auth required")
				_ = machine.Transition(status.AuthRequired)
				return nil
			}

			_ = machine.Transition(status.Connecting)
			socket.Start(runCtx)

			go func() {
				_ = machine.Transition(status.Syncing)
				if _, err := dir.Load(runCtx, 0, cfg.Sync.PageSize); err != nil {
					logger.Error("initial conversation load failed", zap.Error(err))
					_ = machine.Transition(status.Degraded)
					return
				}
				_ = machine.Transition(status.Ready)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			notifier.Close()
			socket.Stop()
			dispatcher.Stop()
			pipeline.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
