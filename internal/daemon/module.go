package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/cache"
	"github.com/matheus3301/pulse/internal/clock"
	"github.com/matheus3301/pulse/internal/config"
	"github.com/matheus3301/pulse/internal/conn"
	"github.com/matheus3301/pulse/internal/dispatch"
	"github.com/matheus3301/pulse/internal/inbox"
	"github.com/matheus3301/pulse/internal/lock"
	"github.com/matheus3301/pulse/internal/logging"
	"github.com/matheus3301/pulse/internal/presence"
	"github.com/matheus3301/pulse/internal/rest"
	"github.com/matheus3301/pulse/internal/session"
	"github.com/matheus3301/pulse/internal/store"
	"github.com/matheus3301/pulse/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideTokens,
			provideDialer,
			provideRESTClient,
			provideManager,
			provideDispatcher,
			provideCache,
			provideTracker,
			provideInbox,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.System()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTokens(p Params) *session.TokenFile {
	return session.NewTokenFile(p.SessionName)
}

func provideDialer(cfg *config.Config) *transport.WSDialer {
	return &transport.WSDialer{
		BaseURL:          cfg.ServerURL,
		Path:             cfg.WebSocketPath,
		HandshakeTimeout: cfg.HandshakeTimeout.Duration,
	}
}

func provideRESTClient(cfg *config.Config, tokens *session.TokenFile, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.ServerURL, tokens, logger)
}

func provideManager(dialer *transport.WSDialer, tokens *session.TokenFile, b *bus.Bus, clk clock.Clock, cfg *config.Config, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(dialer, tokens, b, clk, logger, conn.Config{
		BaseDelay:         cfg.ReconnectBase.Duration,
		MaxDelay:          cfg.ReconnectCap.Duration,
		PingInterval:      cfg.PingInterval.Duration,
		ReconcileInterval: cfg.ReconcileEvery.Duration,
		HandshakeTimeout:  cfg.HandshakeTimeout.Duration,
	})
}

func provideDispatcher(mgr *conn.Manager, client *rest.Client, db *store.DB, b *bus.Bus, clk clock.Clock, cfg *config.Config, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(mgr, client, db, b, clk, logger, cfg.SendTimeout.Duration)
}

func provideCache(client *rest.Client, mgr *conn.Manager, db *store.DB, b *bus.Bus, clk clock.Clock, cfg *config.Config, logger *zap.Logger) *cache.Cache {
	return cache.NewCache(client, mgr, db, b, clk, logger, cfg.PageSize, cfg.SnapshotTTL.Duration)
}

func provideTracker(b *bus.Bus, clk clock.Clock, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, clk, logger)
}

func provideInbox(client *rest.Client, tracker *presence.Tracker, b *bus.Bus, logger *zap.Logger) *inbox.Service {
	return inbox.NewService(client, tracker, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, mgr *conn.Manager, dispatcher *dispatch.Dispatcher, msgCache *cache.Cache, tracker *presence.Tracker, inboxSvc *inbox.Service, lk *lock.Lock, db *store.DB, b *bus.Bus, logger *zap.Logger) {
	wake := make(chan os.Signal, 1)
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Subscriptions first so no event between connect and attach is lost.
			tracker.Start()
			dispatcher.Start()
			msgCache.Start()
			inboxSvc.Start()

			// Sends interrupted by a previous crash stay visible for retry.
			if stuck, err := db.UnresolvedSends(); err == nil && len(stuck) > 0 {
				logger.Warn("unresolved sends from previous run", zap.Int("count", len(stuck)))
			}

			// An exhausted token means login is required; the daemon stays up
			// and connects once a token is saved and SIGUSR1 arrives.
			if err := mgr.Connect(); err != nil {
				if errors.Is(err, conn.ErrNoToken) {
					logger.Info("no token stored, waiting for login")
				} else {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}

			// SIGUSR1 is the network-regained / wake hint: reconnect
			// immediately instead of waiting out the backoff.
			signal.Notify(wake, syscall.SIGUSR1)
			go func() {
				for {
					select {
					case <-wake:
						logger.Info("wake signal received")
						mgr.NotifyOnline()
					case <-done:
						return
					}
				}
			}()

			b.Subscribe("conn.auth_failed", func(evt bus.Event) {
				reason, _ := evt.Payload.(string)
				logger.Error("authentication rejected, shutting down", zap.String("reason", reason))
				_ = shutdowner.Shutdown()
			})
			return nil
		},
		OnStop: func(context.Context) error {
			signal.Stop(wake)
			close(done)

			mgr.Disconnect(true)
			inboxSvc.Stop()
			msgCache.Stop()
			dispatcher.Stop()
			tracker.Stop()

			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
