package app

import (
	"context"
	"encoding/json"
	"io"

	"tradecore/internal/bridge"
	"tradecore/internal/broker"
	"tradecore/internal/risk"
	"tradecore/internal/safety"
)

// SimulateOrder runs payload through the risk hooks, the execution guard and
// the configured broker in forced dry-run, then prints the result. Nothing
// reaches a broker API and nothing is journaled.
func (a *App) SimulateOrder(ctx context.Context, w io.Writer, payload []byte) error {
	cfg := a.Config
	brokerID := cfg.Execution.Broker
	bc := cfg.Broker(brokerID)

	adapter, err := a.Brokers.Create(brokerID, broker.Options{
		BaseURL:     bc.BaseURL,
		AppKey:      bc.AppKey,
		AppSecret:   bc.AppSecret,
		Token:       bc.Token,
		Account:     bc.Account,
		ProductCode: bc.ProductCode,
		Market:      bc.Market,
		Paper:       bc.Paper,
		DryRun:      true,
		Timeout:     bc.Timeout,
		Extra:       bc.Extra,
		Logger:      a.Logger,
	})
	if err != nil {
		return err
	}
	gate, err := risk.NewGate(cfg.Risk.Default, cfg.PolicyFor(), a.Logger)
	if err != nil {
		return err
	}

	layer := safety.NewLayer(safety.NewMachine(), safety.NewLogNotifier(a.Logger), safety.LayerOptions{}, a.Logger)
	layer.SetKillSwitch(cfg.KillSwitchOn())
	live := bridge.NewLiveBroker(adapter, broker.NewBreaker(adapter.BrokerID(), cfg.Execution.MaxConsecutiveFailures, nil, a.Logger), a.Logger)
	exec := bridge.NewExecutor(live, gate, layer, bridge.ExecOptions{
		DryRun:         true,
		TradingEnabled: func() bool { return cfg.Execution.TradingEnabled },
	}, a.Logger)

	res, err := exec.Execute(ctx, payload)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
