package daemon

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/config"
	"github.com/pigeonchat/pigeon/internal/logging"
	"github.com/pigeonchat/pigeon/internal/notify"
	"github.com/pigeonchat/pigeon/internal/profile"
	"github.com/pigeonchat/pigeon/internal/store"
)

// PushModule returns the fx module for the push fan-out daemon. It
// shares the store and bus providers with the sync daemon but skips the
// profile lock, the downloader and the outbox; its only job is turning
// message document events into push batches.
func PushModule(p Params) fx.Option {
	return fx.Module("pushd",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			providePushLogger,
			provideBus,
			provideStore,
			provideNotifier,
			provideTrigger,
		),
		fx.Invoke(registerPushLifecycle),
	)
}

func providePushLogger(p Params) (*zap.Logger, error) {
	return logging.New(filepath.Join(profile.LogDir(p.ProfileName), "pushd.log"), p.ProfileName)
}

func provideNotifier(cfg *config.Config, db *store.DB, logger *zap.Logger) (*notify.Notifier, error) {
	if cfg.Push.PrimaryURL == "" {
		return nil, errors.New("push.primary_url not configured")
	}
	primary := notify.NewHTTPTransport(cfg.Push.PrimaryURL, "")

	var legacy notify.Transport
	if cfg.Push.LegacyURL != "" && cfg.Push.LegacyKey != "" {
		legacy = notify.NewHTTPTransport(cfg.Push.LegacyURL, cfg.Push.LegacyKey)
	}
	return notify.NewNotifier(db, primary, legacy, cfg.Push.BatchSize, logger), nil
}

func provideTrigger(b *bus.Bus, n *notify.Notifier, logger *zap.Logger) *notify.Trigger {
	return notify.NewTrigger(b, n, logger)
}

func registerPushLifecycle(lc fx.Lifecycle, trigger *notify.Trigger, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			trigger.Start(context.Background())
			logger.Info("push fan-out started",
				zap.String("primary_url", cfg.Push.PrimaryURL),
				zap.Bool("legacy_fallback", cfg.Push.LegacyURL != "" && cfg.Push.LegacyKey != ""),
				zap.Int("batch_size", cfg.Push.BatchSize))
			return nil
		},
		OnStop: func(_ context.Context) error {
			trigger.Stop()
			logger.Info("push fan-out stopped")
			return nil
		},
	})
}
