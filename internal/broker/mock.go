package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tradecore/internal/order"
)

// MockBrokerID is the id of the in-process broker.
const MockBrokerID = "mock-broker"

// MockAdapter fills every valid order immediately without any I/O. Tests can
// swap Respond to script failures.
type MockAdapter struct {
	id      string
	dryRun  bool
	mu      sync.Mutex
	orders  map[string]order.OrderResponse
	calls   int
	Respond func(req order.OrderRequest) (order.OrderResponse, error)
}

// NewMockAdapter returns a mock adapter named mock-broker.
func NewMockAdapter(opts Options) *MockAdapter {
	return &MockAdapter{id: MockBrokerID, dryRun: opts.DryRun, orders: make(map[string]order.OrderResponse)}
}

// NewMockFactory adapts NewMockAdapter to Factory.
func NewMockFactory() Factory {
	return func(opts Options) (Adapter, error) { return NewMockAdapter(opts), nil }
}

func (m *MockAdapter) BrokerID() string { return m.id }

// Calls returns the number of PlaceOrder calls that reached the adapter.
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockAdapter) PlaceOrder(_ context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if req.DryRun || m.dryRun {
		return VirtualResponse(m.id, req), nil
	}
	if err := req.Validate(); err != nil {
		return order.OrderResponse{Status: order.StatusRejected, Message: err.Error()}, nil
	}
	if m.Respond != nil {
		return m.Respond(req)
	}
	id := "MOCK-" + uuid.NewString()[:8]
	resp := order.OrderResponse{
		Status:        order.StatusFilled,
		BrokerOrderID: id,
		Message:       "filled by mock",
		FilledQty:     req.Qty,
		AvgFillPrice:  req.LimitPrice,
		Raw:           map[string]any{"symbol": req.Symbol, "side": string(req.Side)},
	}
	m.orders[id] = resp
	return resp, nil
}

func (m *MockAdapter) GetOrder(_ context.Context, id string) (order.OrderResponse, error) {
	if IsVirtualID(id) {
		return order.OrderResponse{Status: order.StatusAccepted, BrokerOrderID: id, Message: "dry-run"}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.orders[id]
	if !ok {
		return order.OrderResponse{}, &Error{BrokerID: m.id, Code: "NOT_FOUND", Message: fmt.Sprintf("order %s not found", id)}
	}
	return resp, nil
}

func (m *MockAdapter) CancelOrder(_ context.Context, id string) (order.OrderResponse, error) {
	if IsVirtualID(id) {
		return order.OrderResponse{Status: order.StatusCanceled, BrokerOrderID: id, Message: "dry-run"}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.orders[id]
	if !ok {
		return order.OrderResponse{}, &Error{BrokerID: m.id, Code: "NOT_FOUND", Message: fmt.Sprintf("order %s not found", id)}
	}
	if resp.Status == order.StatusFilled {
		return order.OrderResponse{Status: order.StatusRejected, BrokerOrderID: id, Message: "already filled"}, nil
	}
	resp.Status = order.StatusCanceled
	m.orders[id] = resp
	return resp, nil
}

var _ Adapter = (*MockAdapter)(nil)
