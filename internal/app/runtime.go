package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/alerting"
	"tradecore/internal/appctx"
	"tradecore/internal/bridge"
	"tradecore/internal/broker"
	"tradecore/internal/dashboard"
	"tradecore/internal/eteda"
	"tradecore/internal/execmode"
	"tradecore/internal/flags"
	"tradecore/internal/health"
	"tradecore/internal/metrics"
	"tradecore/internal/opsapi"
	"tradecore/internal/order"
	"tradecore/internal/risk"
	"tradecore/internal/safety"
	"tradecore/internal/scheduler"
	"tradecore/internal/schema"
	"tradecore/internal/service"
	"tradecore/internal/storage"
)

// Runtime is the assembled process: every long-lived component plus the
// closers for the connections it opened.
type Runtime struct {
	Context   *appctx.Context
	Metrics   *metrics.Collector
	Alerts    alerting.Channel
	Flags     *flags.Flags
	FlagStore *flags.Source
	Layer     *safety.Layer
	Schema    *schema.Registry
	Watcher   *schema.Watcher
	Live      *bridge.LiveBroker
	Mode      execmode.Decision
	Runner    *eteda.Runner
	Loop      *eteda.Loop
	Executor  *bridge.Executor
	Monitor   *health.Monitor
	Publisher *dashboard.Publisher
	Scheduler *scheduler.Scheduler
	Ops       *opsapi.Server
	Store     *storage.Store

	closers []func()
}

// Close releases connections in reverse order of opening.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Build wires the runtime from configuration. Nothing is started.
func (a *App) Build(ctx context.Context) (*Runtime, error) {
	cfg := a.Config
	rt := &Runtime{
		Metrics: metrics.NewCollector("tradecore"),
		Alerts:  a.newAlertChannel(),
		Mode:    cfg.ExecutionDecision(),
	}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; journal disabled")
	} else {
		rt.Store = store
		rt.closers = append(rt.closers, closeStore)
	}

	client, closeRedis := a.openRedis()
	var fetcher flags.Fetcher
	if client != nil {
		rt.closers = append(rt.closers, closeRedis)
		rt.FlagStore = flags.NewSource(client, cfg.Redis.FlagsKey, a.Logger)
		fetcher = rt.FlagStore
	}
	rt.Flags = flags.New(fetcher, flags.Defaults{
		KillSwitch:     cfg.KillSwitchOn(),
		Paused:         cfg.Runtime.PipelinePaused,
		SafeMode:       cfg.Execution.SafeMode,
		TradingEnabled: cfg.Execution.TradingEnabled,
	}, a.Logger)
	if err := rt.Flags.Refresh(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("initial flag refresh failed; using configured defaults")
	}

	rt.Context = appctx.New(rt.Flags.Overrides(), cfg.Store().Snapshot())
	if err := rt.Context.BindObserver(rt.Metrics); err != nil {
		return nil, err
	}

	rt.Layer = a.newSafetyLayer(rt)
	rt.Schema = schema.NewRegistry(schema.Options{Path: cfg.Schema.Path, BackupDir: cfg.Schema.BackupDir}, a.Logger)
	if cfg.Schema.Watch {
		w, err := schema.NewWatcher(rt.Schema, a.Logger)
		if err != nil {
			return nil, err
		}
		rt.Watcher = w
	}

	if err := a.buildExecution(rt); err != nil {
		return nil, err
	}
	a.buildMonitor(rt)
	rt.Publisher = dashboard.NewPublisher(cfg.Dashboard.Endpoint, cfg.Dashboard.Token, cfg.Dashboard.Timeout, a.Logger)
	if err := a.buildScheduler(rt); err != nil {
		return nil, err
	}
	if cfg.Ops.Enabled {
		rt.Ops = opsapi.New(cfg.Ops.Listen, a.opsDeps(rt), a.Logger)
	}

	ok = true
	return rt, nil
}

func (a *App) newSafetyLayer(rt *Runtime) *safety.Layer {
	notifiers := safety.MultiNotifier{
		safety.NewLogNotifier(a.Logger),
		rt.Metrics,
		alerting.NewSafetyNotifier(rt.Alerts),
	}
	if rt.Store != nil {
		notifiers = append(notifiers, storage.NewEventJournal(rt.Store, a.Logger))
	}
	machine := safety.NewMachine(safety.WithWarningHaltsTrading(a.Config.Execution.WarningHaltsTrading))
	return safety.NewLayer(machine, notifiers, safety.LayerOptions{
		KillSwitch: rt.Flags.KillSwitch,
		SafeMode:   rt.Flags.SafeMode,
	}, a.Logger)
}

// ErrSchemaGuardRequired stops live trading from starting without an expected schema version.
var ErrSchemaGuardRequired = errors.New("live trading requires runtime.expected_schema_version")

func (a *App) buildExecution(rt *Runtime) error {
	cfg := a.Config
	brokerID := cfg.Execution.Broker
	bc := cfg.Broker(brokerID)
	dryRun := rt.Mode.DryRun(cfg.Execution.DryRun)
	if !dryRun && cfg.Runtime.ExpectedSchemaVersion == "" {
		return ErrSchemaGuardRequired
	}

	adapter, err := a.Brokers.Create(brokerID, broker.Options{
		BaseURL:     bc.BaseURL,
		AppKey:      bc.AppKey,
		AppSecret:   bc.AppSecret,
		Token:       bc.Token,
		Account:     bc.Account,
		ProductCode: bc.ProductCode,
		Market:      bc.Market,
		Paper:       bc.Paper,
		DryRun:      dryRun,
		Timeout:     bc.Timeout,
		RatePerSec:  bc.RatePerSec,
		Extra:       bc.Extra,
		Logger:      a.Logger,
	})
	if err != nil {
		return err
	}
	breaker := broker.NewBreaker(adapter.BrokerID(), cfg.Execution.MaxConsecutiveFailures, rt.Metrics, a.Logger)
	rt.Live = bridge.NewLiveBroker(adapter, breaker, a.Logger)

	gate, err := risk.NewGate(cfg.Risk.Default, cfg.PolicyFor(), a.Logger)
	if err != nil {
		return err
	}
	var calculated *risk.CalculatedGate
	if cfg.Risk.MaxRiskScore > 0 {
		calculated = risk.NewCalculatedGate(decimal.NewFromFloat(cfg.Risk.MaxRiskScore))
	}

	var guard eteda.SchemaGuard
	if cfg.Runtime.ExpectedSchemaVersion != "" {
		guard = rt.Schema
	} else {
		a.Logger.Warn().Msg("runtime.expected_schema_version not set; schema guard disabled outside live trading")
	}

	var journal *storage.ExecutionJournal
	if rt.Store != nil {
		journal = storage.NewExecutionJournal(rt.Store, a.Logger)
	}

	rt.Runner, err = eteda.NewRunner(eteda.Deps{
		Schema:     guard,
		Layer:      rt.Layer,
		Strategy:   eteda.PayloadStrategy{},
		Risk:       gate,
		Calculated: calculated,
		Broker:     rt.Live,
	}, eteda.Options{
		ExpectedSchemaVersion: cfg.Runtime.ExpectedSchemaVersion,
		MaxSnapshotAge:        cfg.Runtime.MaxSnapshotAge,
		MaxPriceJumpPct:       cfg.Risk.MaxPriceJumpPct,
		PriceTolerancePct:     cfg.Risk.PriceTolerancePct,
		LatencyBudget:         cfg.Execution.LatencyBudget,
		BlockOnAnomaly:        cfg.Execution.BlockOnAnomaly,
		ForceDryRun:           cfg.Execution.DryRun,
		TradingEnabled:        rt.Flags.TradingEnabled,
		Mode:                  cfg.ExecutionDecision,
		OnFill:                a.fillRecorder(journal),
	}, a.Logger)
	if err != nil {
		return err
	}

	var lock eteda.CycleLock
	if rt.Store != nil && cfg.Runtime.AdvisoryLockKey != 0 {
		lock = storage.NewCycleLock(rt.Store, cfg.Runtime.AdvisoryLockKey)
	}
	provider := scopedProvider(eteda.NewFileProvider(cfg.Runtime.SnapshotPath), cfg.Runtime.Scope)
	rt.Loop = eteda.NewLoop(rt.Runner, provider, eteda.LoopOptions{
		Policy:        func() eteda.Policy { return eteda.PolicyFrom(cfg.Store()) },
		ShouldStop:    rt.Flags.Paused,
		MaxIterations: cfg.Runtime.MaxIterations,
		Lock:          lock,
		Observer:      rt.Context.ObserverOrNop(),
		Safety:        rt.Layer,
	}, a.Logger)

	rt.Executor = bridge.NewExecutor(rt.Live, gate, rt.Layer, bridge.ExecOptions{
		DryRun:         dryRun,
		TradingEnabled: rt.Flags.TradingEnabled,
		BlockOnAnomaly: cfg.Execution.BlockOnAnomaly,
	}, a.Logger)
	return nil
}

// fillRecorder journals accepted live fills. Journal failures are logged and
// never fail the cycle.
func (a *App) fillRecorder(journal *storage.ExecutionJournal) eteda.FillFunc {
	if journal == nil {
		return nil
	}
	return func(in order.Intent, sub bridge.Submission) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := journal.Record(ctx, in, sub, false); err != nil {
			a.Logger.Error().Err(err).Str("intent_id", in.ID).Msg("journal execution")
		}
	}
}

// scopedProvider stamps the run scope as strategy id on snapshots that carry none,
// so per-scope risk policies apply.
func scopedProvider(next eteda.SnapshotProvider, scope string) eteda.SnapshotProvider {
	return eteda.ProviderFunc(func(ctx context.Context) (eteda.Snapshot, error) {
		snap, err := next.Snapshot(ctx)
		if err != nil {
			return snap, err
		}
		if snap.Context.StrategyID == "" {
			snap.Context.StrategyID = scope
		}
		return snap, nil
	})
}

func (a *App) buildMonitor(rt *Runtime) {
	rt.Monitor = health.NewMonitor(rt.Alerts, health.Options{
		CheckTimeout: a.Config.Health.CheckTimeout,
		OnResult:     rt.Metrics.ObserveHealth,
	}, a.Logger)

	var backend health.Pinger
	if rt.FlagStore != nil {
		backend = rt.FlagStore
	}
	var repo health.Pinger
	if rt.Store != nil {
		repo = rt.Store
	}
	rt.Monitor.Register(health.CheckConfigBackend, health.PingCheck(backend))
	rt.Monitor.Register(health.CheckRepository, health.PingCheck(repo))
	rt.Monitor.Register(health.CheckBrokerHeartbeat, health.BrokerHeartbeat(rt.Live.BrokerID(), rt.Live.Breaker()))
	rt.Monitor.Register(health.CheckLoopLatency, health.LoopLatency(a.Config.Health.LoopLatencyBudget, rt.Metrics.LastCycle))
	rt.Monitor.Register(health.CheckSafetyState, health.SafetyState(rt.Layer.Machine()))
}

func (a *App) buildScheduler(rt *Runtime) error {
	cfg := a.Config
	rt.Scheduler = scheduler.New(scheduler.Options{
		StartupDelay: cfg.Scheduler.StartupDelay,
		Alert:        rt.Alerts,
		OnRun:        rt.Metrics.ObserveTarget,
	}, a.Logger)

	fns := map[string]scheduler.TargetFunc{
		scheduler.TargetBrokerHeartbeat:   a.heartbeatTarget(rt),
		scheduler.TargetBackupMaintenance: a.maintenanceTarget(rt),
	}
	if cfg.Runtime.Driver == service.DriverScheduler {
		fns[scheduler.TargetPipeline] = func(ctx context.Context) error {
			_, err := rt.Loop.RunOnce(ctx)
			return err
		}
	}
	if rt.Publisher.Enabled() {
		fns[scheduler.TargetDashboardUpdate] = a.dashboardTarget(rt)
	}

	for _, name := range []string{
		scheduler.TargetPipeline,
		scheduler.TargetBrokerHeartbeat,
		scheduler.TargetDashboardUpdate,
		scheduler.TargetBackupMaintenance,
	} {
		fn, wired := fns[name]
		tc, configured := cfg.Scheduler.Targets[name]
		if !wired || !configured || !tc.Enabled {
			continue
		}
		if err := rt.Scheduler.Register(scheduler.Target{
			Name:                 name,
			Interval:             tc.Interval,
			ErrorBackoff:         tc.ErrorBackoff,
			MaxConsecutiveErrors: tc.MaxConsecutiveErrors,
			Fn:                   fn,
		}); err != nil {
			return fmt.Errorf("register target %s: %w", name, err)
		}
	}
	return nil
}

// heartbeatTarget refreshes runtime flags and runs the health checks. Failing
// checks alert through the monitor; only a cancelled context fails the target.
func (a *App) heartbeatTarget(rt *Runtime) scheduler.TargetFunc {
	return func(ctx context.Context) error {
		if err := rt.Flags.Refresh(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("flag refresh failed")
		}
		rt.Monitor.RunChecks(ctx)
		return ctx.Err()
	}
}

func (a *App) dashboardTarget(rt *Runtime) scheduler.TargetFunc {
	return func(ctx context.Context) error {
		results, _ := rt.Monitor.Last()
		u := dashboard.Update{
			Timestamp: time.Now().UTC(),
			App:       a.Config.App.Name,
			Broker:    rt.Live.BrokerID(),
			Mode:      string(rt.Mode.Mode),
			Safety:    rt.Layer.Snapshot(),
			Health:    results,
			Flags:     rt.Flags.Values(),
		}
		if d, ok := rt.Metrics.LastCycle(); ok {
			u.LastCycleMS = d.Milliseconds()
		}
		return rt.Publisher.Publish(ctx, u)
	}
}

// maintenanceTarget verifies the schema guard, inventories backups and prunes
// the event journal.
func (a *App) maintenanceTarget(rt *Runtime) scheduler.TargetFunc {
	return func(ctx context.Context) error {
		var errs []error
		if expected := a.Config.Runtime.ExpectedSchemaVersion; expected != "" {
			if g := rt.Schema.CheckBeforeExtract(expected); !g.Allowed {
				msg := fmt.Sprintf("schema guard: %s (expected=%s current=%s)", g.Reason, g.Expected, g.Current)
				if err := rt.Alerts.SendWarning(ctx, msg); err != nil {
					errs = append(errs, err)
				}
			}
		}
		backups, err := rt.Schema.Backups()
		if err != nil {
			errs = append(errs, fmt.Errorf("list schema backups: %w", err))
		} else {
			a.Logger.Info().Int("backups", len(backups)).Msg("schema backup inventory")
		}
		if rt.Store != nil && a.Config.Database.JournalRetention > 0 {
			j := storage.NewEventJournal(rt.Store, a.Logger)
			if _, err := j.Prune(ctx, time.Now().UTC(), a.Config.Database.JournalRetention); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

func (a *App) opsDeps(rt *Runtime) opsapi.Deps {
	deps := opsapi.Deps{
		Safety:                rt.Layer,
		Health:                rt.Monitor,
		Schema:                rt.Schema,
		ExpectedSchemaVersion: a.Config.Runtime.ExpectedSchemaVersion,
		Executor:              rt.Executor,
		Flags:                 rt.Flags,
		Scheduler:             rt.Scheduler,
		Metrics:               rt.Metrics.Handler(),
	}
	if rt.FlagStore != nil {
		deps.FlagStore = rt.FlagStore
	}
	return deps
}
