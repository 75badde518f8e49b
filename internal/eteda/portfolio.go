package eteda

import (
	"context"
	"sync"
)

// Balances are the account figures Transform validates.
type Balances struct {
	Equity float64 `json:"equity"`
	Cash   float64 `json:"cash"`
}

// Portfolio is the external position and balance repository consulted in Extract.
type Portfolio interface {
	// Positions returns broker-reported positions by symbol.
	Positions(ctx context.Context) (map[string]float64, error)
	// Ledger returns the locally booked positions by symbol.
	Ledger(ctx context.Context) (map[string]float64, error)
	Balances(ctx context.Context) (Balances, error)
}

// MemoryPortfolio is an in-process Portfolio. Accepted live fills are booked
// into both the ledger and the broker view.
type MemoryPortfolio struct {
	mu        sync.RWMutex
	positions map[string]float64
	ledger    map[string]float64
	balances  Balances
}

// NewMemoryPortfolio starts with the given balances and no positions.
func NewMemoryPortfolio(b Balances) *MemoryPortfolio {
	return &MemoryPortfolio{positions: map[string]float64{}, ledger: map[string]float64{}, balances: b}
}

func (p *MemoryPortfolio) Positions(context.Context) (map[string]float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyPositions(p.positions), nil
}

func (p *MemoryPortfolio) Ledger(context.Context) (map[string]float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyPositions(p.ledger), nil
}

func (p *MemoryPortfolio) Balances(context.Context) (Balances, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balances, nil
}

// SetBalances replaces the balances.
func (p *MemoryPortfolio) SetBalances(b Balances) {
	p.mu.Lock()
	p.balances = b
	p.mu.Unlock()
}

// SetBrokerPosition overrides the broker view for symbol only.
func (p *MemoryPortfolio) SetBrokerPosition(symbol string, qty float64) {
	p.mu.Lock()
	p.positions[symbol] = qty
	p.mu.Unlock()
}

// Book records a fill of signed qty at price in both views.
func (p *MemoryPortfolio) Book(symbol string, qty, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] += qty
	p.ledger[symbol] += qty
	p.balances.Cash -= qty * price
}

func copyPositions(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Portfolio = (*MemoryPortfolio)(nil)
