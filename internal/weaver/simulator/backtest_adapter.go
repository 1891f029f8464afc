package simulator

import (
	"context"
	"sync"
)

// BacktestExchangeAdapter wraps a BacktestSimulator behind the Exchange
// interface so RunManager can inject either a LiveAdapter or a backtest
// simulator through the same Components.Exchange slot (§5 "exactly one
// simulator-or-adapter per run"). Order acceptance is synchronous and
// immediate (the simulator only evaluates fills on the next clock tick via
// AdvanceTo, driven separately by the run's clock.OnTick subscription).
type BacktestExchangeAdapter struct {
	sim *BacktestSimulator

	mu   sync.Mutex
	byID map[string]*OrderState
}

// NewBacktestExchangeAdapter constructs an adapter over sim.
func NewBacktestExchangeAdapter(sim *BacktestSimulator) *BacktestExchangeAdapter {
	return &BacktestExchangeAdapter{sim: sim, byID: make(map[string]*OrderState)}
}

// Connect is a no-op: the simulator has no external connection to establish.
func (a *BacktestExchangeAdapter) Connect(context.Context) error { return nil }

// Disconnect is a no-op.
func (a *BacktestExchangeAdapter) Disconnect(context.Context) error { return nil }

// IsConnected always reports true; there is nothing to disconnect from.
func (a *BacktestExchangeAdapter) IsConnected() bool { return true }

// SubmitOrder enqueues the order for evaluation on the next tick and
// returns immediate acceptance, mirroring a venue's order-ack semantics.
func (a *BacktestExchangeAdapter) SubmitOrder(_ context.Context, intent OrderIntent) (ExchangeResult, error) {
	order := a.sim.PlaceOrder(intent)
	a.mu.Lock()
	a.byID[order.ID] = order
	a.mu.Unlock()
	return ExchangeResult{Success: true, ExchangeOrderID: order.ID, Status: order.Status}, nil
}

// CancelOrder cancels a still-pending order.
func (a *BacktestExchangeAdapter) CancelOrder(_ context.Context, exchangeOrderID string) (bool, error) {
	return a.sim.CancelOrder(exchangeOrderID), nil
}

// GetOrder returns the current state of a previously submitted order.
func (a *BacktestExchangeAdapter) GetOrder(_ context.Context, exchangeOrderID string) (*ExchangeOrder, error) {
	a.mu.Lock()
	order, ok := a.byID[exchangeOrderID]
	a.mu.Unlock()
	if !ok {
		return nil, nil
	}
	filledAvg := ""
	if order.FilledAvgPrice != nil {
		filledAvg = order.FilledAvgPrice.String()
	}
	return &ExchangeOrder{
		ExchangeOrderID: order.ID,
		Status:          order.Status,
		FilledQty:       order.FilledQty.String(),
		FilledAvgPrice:  filledAvg,
	}, nil
}

var _ Exchange = (*BacktestExchangeAdapter)(nil)
