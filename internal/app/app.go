package app

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tradecore/internal/alerting"
	"tradecore/internal/broker"
	"tradecore/internal/broker/brokers"
	"tradecore/internal/config"
	"tradecore/internal/service"
	"tradecore/internal/storage"
	"tradecore/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Brokers *broker.Registry
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config:  cfg,
		Logger:  logger.With().Str("component", "app").Logger(),
		Brokers: brokers.Default(),
	}
}

// RunOptions are the host flags mapped onto configuration.
type RunOptions struct {
	Scope         string
	Broker        string
	LocalOnly     bool
	DryRun        bool
	MaxIterations int
}

// Apply folds opts into the loaded configuration. LocalOnly forces the mock
// broker and disables every external collaborator.
func (a *App) Apply(opts RunOptions) {
	cfg := a.Config
	if opts.Scope != "" {
		cfg.Runtime.Scope = strings.ToLower(opts.Scope)
	}
	if opts.Broker != "" {
		cfg.Execution.Broker = opts.Broker
	}
	if opts.DryRun {
		cfg.Execution.DryRun = true
	}
	if opts.MaxIterations > 0 {
		cfg.Runtime.MaxIterations = opts.MaxIterations
	}
	if opts.LocalOnly {
		cfg.Runtime.LocalOnly = true
	}
	if cfg.Runtime.LocalOnly {
		cfg.Execution.Broker = broker.MockBrokerID
		cfg.Database.DSN = ""
		cfg.Redis.Addr = ""
		cfg.Alerting.Telegram.Enabled = false
		cfg.Dashboard.Endpoint = ""
	}
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
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openRedis() (*redis.Client, func()) {
	if a.Config.Redis.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	return client, func() {
		if err := client.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
}

func (a *App) newAlertChannel() alerting.Channel {
	channels := alerting.MultiChannel{alerting.NewLogChannel(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		channels = append(channels, alerting.NewTelegramChannel(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.App.Name, cfg.Timeout, a.Logger))
	}
	if a.Config.Alerting.Cooldown > 0 {
		return alerting.NewCooldownChannel(channels, a.Config.Alerting.Cooldown)
	}
	return channels
}

// Run executes the long-running trading runtime.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := service.New(service.Components{
		Driver:    a.Config.Runtime.Driver,
		Loop:      rt.Loop,
		Scheduler: rt.Scheduler,
		Watcher:   rt.Watcher,
		Ops:       rt.Ops,
	}, a.Logger)

	a.Logger.Info().
		Str("broker", rt.Live.BrokerID()).
		Str("mode", string(rt.Mode.Mode)).
		Bool("live_allowed", rt.Mode.LiveAllowed).
		Str("driver", a.Config.Runtime.Driver).
		Str("scope", a.Config.Runtime.Scope).
		Str("version", version.String()).
		Msg("starting trading runtime")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("runtime terminated with error")
		return err
	}

	a.Logger.Info().Msg("trading runtime stopped")
	return nil
}
