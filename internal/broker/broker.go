package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/order"
)

// ErrUnknownBroker is returned when no factory is registered for a broker id.
var ErrUnknownBroker = errors.New("UNKNOWN_BROKER")

// VirtualSuffix terminates every broker order id produced by a dry run.
const VirtualSuffix = "-VIRTUAL"

// Adapter translates neutral orders to one broker's wire protocol.
type Adapter interface {
	BrokerID() string
	PlaceOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error)
	GetOrder(ctx context.Context, brokerOrderID string) (order.OrderResponse, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (order.OrderResponse, error)
}

// Options are the construction arguments handed to a factory.
type Options struct {
	BaseURL     string
	AppKey      string
	AppSecret   string
	Token       string
	Account     string
	ProductCode string
	Market      string
	Paper       bool
	DryRun      bool
	Timeout     time.Duration
	RatePerSec  float64
	Extra       map[string]string
	Logger      zerolog.Logger
}

// Factory builds an adapter.
type Factory func(opts Options) (Adapter, error)

// Registry maps case-insensitive broker ids to factories. Registration happens
// at init; lookups are read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds or replaces a factory.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeID(id)] = f
}

// RegisterIfAbsent adds f unless id is already registered. It reports whether f was added.
func (r *Registry) RegisterIfAbsent(id string, f Factory) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalizeID(id)
	if _, ok := r.factories[key]; ok {
		return false
	}
	r.factories[key] = f
	return true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalizeID(id)]
	return ok
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Create invokes the factory registered for id.
func (r *Registry) Create(id string, opts Options) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[normalizeID(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, id)
	}
	adapter, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("create broker %q: %w", id, err)
	}
	return adapter, nil
}

// VirtualResponse is the synthetic acceptance returned by dry runs.
func VirtualResponse(brokerID string, req order.OrderRequest) order.OrderResponse {
	return order.OrderResponse{
		Status:        order.StatusAccepted,
		BrokerOrderID: strings.ToUpper(brokerID) + VirtualSuffix,
		Message:       "dry-run: not submitted",
		FilledQty:     0,
		Raw:           map[string]any{"dry_run": true, "symbol": req.Symbol, "qty": req.Qty},
	}
}

// IsVirtualID reports whether id came from a dry run.
func IsVirtualID(id string) bool {
	return strings.HasSuffix(id, VirtualSuffix)
}
