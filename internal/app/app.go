package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/alerting"
	"price-alert-engine/internal/config"
	"price-alert-engine/internal/cooldown"
	"price-alert-engine/internal/dispatch"
	"price-alert-engine/internal/engine"
	"price-alert-engine/internal/feed"
	"price-alert-engine/internal/ingest"
	"price-alert-engine/internal/rules"
	"price-alert-engine/internal/storage"
)

const drainTimeout = 30 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newTransport() alerting.Transport {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramTransport(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	a.Logger.Warn().Msg("no outbound channel configured; notifications go to stdout")
	return &alerting.ConsoleTransport{Out: os.Stdout}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) engineOptions() engine.Options {
	return engine.Options{
		Symbols:         a.Config.Feed.Symbols,
		RefreshInterval: a.Config.Engine.RefreshInterval,
		Ingest: ingest.Config{
			Shards:    a.Config.Engine.Shards,
			QueueSize: a.Config.Engine.QueueSize,
		},
		Dispatch: dispatch.Config{
			Workers:        a.Config.Dispatch.Workers,
			QueueSize:      a.Config.Dispatch.QueueSize,
			MaxAttempts:    a.Config.Dispatch.MaxAttempts,
			BaseDelay:      a.Config.Dispatch.BaseDelay,
			MaxDelay:       a.Config.Dispatch.MaxDelay,
			AttemptTimeout: a.Config.Dispatch.AttemptTimeout,
		},
	}
}

// Run executes the long-running alert engine together with the quote poller.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; rule store and persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}
	if store != nil {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	var ruleStore rules.Store
	var eventStore storage.EventStore
	var cooldownStore storage.CooldownStateStore
	if store != nil {
		ruleStore = store
		eventStore = store
		cooldownStore = store
	}

	tracker := cooldown.New(a.Config.Cooldown.Window)
	transport := a.newTransport()

	eng := engine.New(a.engineOptions(), ruleStore, tracker, transport, eventStore, cooldownStore, a.Logger)
	if err := eng.Start(ctx); err != nil {
		return err
	}

	if a.Config.Feed.Enabled {
		poller := feed.NewPoller(feed.Options{
			BaseURL:   a.Config.Feed.BaseURL,
			APIKey:    a.Config.Feed.APIKey,
			Symbols:   a.Config.Feed.Symbols,
			Interval:  a.Config.Feed.Interval,
			Timeout:   a.Config.Feed.RequestTimeout,
			UserAgent: a.Config.Feed.UserAgent,
		}, eng, a.Logger)

		go func() {
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("quote poller terminated")
			}
		}()
	}

	a.Logger.Info().Msg("alert engine running")
	<-ctx.Done()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := eng.Drain(drainCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("drain did not complete before deadline")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	eng.Stop(stopCtx)

	health := eng.Health()
	a.Logger.Info().
		Uint64("generated", health.EventsGenerated).
		Uint64("delivered", health.Delivered).
		Uint64("failed", health.Failed).
		Msg("alert engine stopped")
	return nil
}

// EventsOptions configure the events command.
type EventsOptions struct {
	Limit int
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	Symbol    string
	Condition string
	Threshold float64
	Prices    []float64
}
