package eteda

import (
	"context"
	"fmt"

	"tradecore/internal/bridge"
	"tradecore/internal/order"
)

// SourceStrategy tags intents produced by a strategy.
const SourceStrategy = "strategy"

// Strategy turns market data into intents. It is owned by the host.
type Strategy interface {
	Evaluate(ctx context.Context, md MarketData, snap Snapshot) ([]order.Intent, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, md MarketData, snap Snapshot) ([]order.Intent, error)

func (f StrategyFunc) Evaluate(ctx context.Context, md MarketData, snap Snapshot) ([]order.Intent, error) {
	return f(ctx, md, snap)
}

// PayloadStrategy replays the intents carried in the snapshot observation.
// Each entry is parsed like an ops payload; the snapshot symbol fills in a
// missing symbol.
type PayloadStrategy struct{}

func (PayloadStrategy) Evaluate(_ context.Context, md MarketData, snap Snapshot) ([]order.Intent, error) {
	intents := make([]order.Intent, 0, len(snap.Observation.Intents))
	for i, raw := range snap.Observation.Intents {
		payload := make(map[string]any, len(raw)+1)
		for k, v := range raw {
			payload[k] = v
		}
		if _, ok := payload["symbol"]; !ok {
			if _, ok := payload["ticker"]; !ok {
				payload["symbol"] = md.Symbol
			}
		}
		intent, _, err := bridge.FromPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("intent %d: %w", i, err)
		}
		intent.Metadata["source"] = SourceStrategy
		if md.StrategyID != "" {
			intent.Metadata["strategy_id"] = md.StrategyID
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

var _ Strategy = PayloadStrategy{}
