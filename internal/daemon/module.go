// Package daemon composes the sync core into a running process: store,
// bus, downloader, reconciler, receipt tracker, outbox sender and the
// session manager, wired through fx with lifecycle hooks.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/attach"
	"github.com/pigeonchat/pigeon/internal/blob"
	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/clock"
	"github.com/pigeonchat/pigeon/internal/config"
	"github.com/pigeonchat/pigeon/internal/lock"
	"github.com/pigeonchat/pigeon/internal/logging"
	"github.com/pigeonchat/pigeon/internal/msgsync"
	"github.com/pigeonchat/pigeon/internal/outbox"
	"github.com/pigeonchat/pigeon/internal/profile"
	"github.com/pigeonchat/pigeon/internal/receipt"
	"github.com/pigeonchat/pigeon/internal/session"
	"github.com/pigeonchat/pigeon/internal/store"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the sync daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideBlob,
			provideDownloader,
			provideReconciler,
			provideTracker,
			provideSender,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return config.Default()
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath, b)
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

func provideBlob(cfg *config.Config, logger *zap.Logger) (blob.Store, error) {
	if cfg.Blob.Endpoint == "" {
		logger.Warn("no blob endpoint configured, attachment sends disabled")
		return blob.Disabled{}, nil
	}
	s, err := blob.NewMinioStore(cfg.Blob)
	if err != nil {
		return nil, err
	}
	logger.Info("blob store connected",
		zap.String("endpoint", cfg.Blob.Endpoint),
		zap.String("bucket", cfg.Blob.Bucket))
	return s, nil
}

func provideDownloader(p Params, cfg *config.Config, db *store.DB, logger *zap.Logger) *attach.Downloader {
	cacheDir := cfg.Sync.CacheDir
	if cacheDir == "" {
		cacheDir = profile.CacheDir(p.ProfileName)
	}
	fetcher := attach.NewHTTPFetcher(2 * time.Minute)
	return attach.NewDownloader(cacheDir, fetcher, db, logger)
}

func provideReconciler(cfg *config.Config, db *store.DB, b *bus.Bus, dl *attach.Downloader, logger *zap.Logger) *msgsync.Reconciler {
	return msgsync.NewReconciler(cfg.UserID, db, b, dl, logger)
}

func provideTracker(cfg *config.Config, db *store.DB, rec *msgsync.Reconciler, logger *zap.Logger) *receipt.Tracker {
	return receipt.NewTracker(db, rec, cfg.UserID, logger)
}

func provideSender(cfg *config.Config, db *store.DB, bs blob.Store, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, bs, cfg.UserID, logger)
}

func provideManager(cfg *config.Config, db *store.DB, b *bus.Bus, rec *msgsync.Reconciler, logger *zap.Logger) *session.Manager {
	return session.NewManager(db, b, rec, cfg.UserID, cfg.Sync.Window, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, cfg *config.Config, db *store.DB, rec *msgsync.Reconciler, tracker *receipt.Tracker, dl *attach.Downloader, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The tracker hooks into every merged-list publish; this must
			// happen before any conversation subscription starts.
			rec.SetPublishHook(tracker.OnPublished)

			dl.Start(context.Background())
			sender.Start(context.Background())

			if cfg.UserID == "" {
				logger.Info("no user configured, running unauthenticated")
				return nil
			}
			if err := db.UpsertPresence(&store.Presence{
				UserID: cfg.UserID, Online: true, LastActiveAt: clock.NowMillis(),
			}); err != nil {
				logger.Warn("could not publish presence", zap.Error(err))
			}
			logger.Info("daemon ready", zap.String("user_id", cfg.UserID))
			return nil
		},
		OnStop: func(_ context.Context) error {
			sender.Stop()
			dl.Stop()
			if cfg.UserID != "" {
				if err := db.UpsertPresence(&store.Presence{
					UserID: cfg.UserID, Online: false, LastActiveAt: clock.NowMillis(),
				}); err != nil {
					logger.Warn("could not clear presence", zap.Error(err))
				}
			}
			if dropped := b.Dropped(); dropped > 0 {
				logger.Warn("bus dropped events during run", zap.Int64("dropped", dropped))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
