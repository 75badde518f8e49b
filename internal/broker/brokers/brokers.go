// Package brokers wires the built-in adapters into a broker.Registry.
package brokers

import (
	"sync"

	"tradecore/internal/broker"
	"tradecore/internal/broker/kis"
	"tradecore/internal/broker/kiwoom"
)

var (
	defaultOnce     sync.Once
	defaultRegistry *broker.Registry
)

// RegisterDefaults adds mock-broker, kis and kiwoom unless already present.
// Calling it repeatedly is harmless.
func RegisterDefaults(r *broker.Registry) {
	r.RegisterIfAbsent(broker.MockBrokerID, broker.NewMockFactory())
	r.RegisterIfAbsent(kis.BrokerID, kis.NewFactory())
	r.RegisterIfAbsent(kiwoom.BrokerID, kiwoom.NewFactory())
}

// Default returns the process registry, populated on first use.
func Default() *broker.Registry {
	defaultOnce.Do(func() {
		defaultRegistry = broker.NewRegistry()
		RegisterDefaults(defaultRegistry)
	})
	return defaultRegistry
}
