package brokers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/broker"
)

func TestRegisterDefaultsIsIdempotent(t *testing.T) {
	r := broker.NewRegistry()
	custom := broker.NewMockFactory()
	r.Register("KIS", custom)

	RegisterDefaults(r)
	RegisterDefaults(r)
	assert.Equal(t, []string{"kis", "kiwoom", "mock-broker"}, r.IDs())

	// an explicit registration is not overwritten
	a, err := r.Create("kis", broker.Options{})
	require.NoError(t, err)
	assert.Equal(t, broker.MockBrokerID, a.BrokerID())
}

func TestDefaultRegistryIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
	a, err := Default().Create("Kiwoom", broker.Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "kiwoom", a.BrokerID())
}
