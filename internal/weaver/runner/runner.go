package runner

import (
	"context"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/internal/weaver/envelope"
	"github.com/weaverhq/weaver/internal/weaver/eventlog"
)

// Producer identifies this component's envelopes on the bus.
const Producer = "marvin.runner"

// Runner owns one strategy instance for one run, translating its Actions
// into strategy.* envelopes and its inbound data/tick events into strategy
// callbacks. Grounded on BaseLambda's subscription bookkeeping
// (providerSymbols/allSymbols sets, a single log-backed input channel) but
// reduced to the three-callback capability contract in strategy.go.
type Runner struct {
	runID    string
	strategy Strategy
	log      eventlog.Log
	symbols  []string

	subID  eventlog.SubscriptionID
	cancel context.CancelFunc
}

// New constructs a Runner bound to one run and one strategy instance.
func New(runID string, strategy Strategy, log eventlog.Log) *Runner {
	return &Runner{runID: runID, strategy: strategy, log: log}
}

// Initialize calls the strategy's Initialize and subscribes to
// data.WindowReady filtered by run_id.
func (r *Runner) Initialize(ctx context.Context, symbols []string) error {
	r.symbols = symbols
	r.strategy.Initialize(symbols)

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	id, ch, err := r.log.Subscribe(ctx, []string{"data.WindowReady"}, eventlog.ByRunID(r.runID))
	if err != nil {
		cancel()
		return err
	}
	r.subID = id

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-ch:
				if !ok {
					return
				}
				r.onDataReady(ctx, entry.Envelope)
			}
		}
	}()
	return nil
}

// OnTick invokes the strategy's OnTick and emits translated actions, using
// tickEnvelopeID as their causation ID. Runner does not subscribe to a clock
// itself and nothing in this module registers OnTick with one; the caller
// passes each tick in.
func (r *Runner) OnTick(ctx context.Context, tickEnvelopeID string, tick Tick) {
	actions := r.strategy.OnTick(tick)
	r.emitActions(ctx, tickEnvelopeID, actions)
}

func (r *Runner) onDataReady(ctx context.Context, e *envelope.Envelope) {
	window, ok := e.Payload.(DataWindow)
	if !ok {
		return
	}
	actions := r.strategy.OnData(window)
	r.emitActions(ctx, e.ID, actions)
}

func (r *Runner) emitActions(ctx context.Context, causationID string, actions []Action) {
	for _, action := range actions {
		e := r.translate(causationID, action)
		if e == nil {
			continue
		}
		if _, err := r.log.Append(ctx, e); err != nil {
			log.Printf("weaver/runner: append action envelope run_id=%s: %v", r.runID, err)
		}
	}
}

func (r *Runner) translate(causationID string, action Action) *envelope.Envelope {
	base := &envelope.Envelope{
		ID:          uuid.NewString(),
		Kind:        envelope.KindEvent,
		RunID:       r.runID,
		CausationID: causationID,
		Producer:    Producer,
	}
	switch action.Kind {
	case ActionFetchWindow:
		base.Type = "strategy.FetchWindow"
		base.Payload = map[string]any{
			"run_id":    r.runID,
			"symbol":    action.Symbol,
			"timeframe": action.Timeframe,
			"from":      action.From,
			"to":        action.To,
		}
		return base
	case ActionPlaceOrder:
		clientOrderID := action.ClientOrderID
		if clientOrderID == "" {
			clientOrderID = uuid.NewString()
		}
		base.Type = "strategy.PlaceRequest"
		base.Payload = map[string]any{
			"run_id":          r.runID,
			"client_order_id": clientOrderID,
			"symbol":          action.Symbol,
			"side":            action.Side,
			"order_type":      action.OrderType,
			"qty":             action.Qty.String(),
			"limit_price":     decimalPtrString(action.LimitPrice),
			"stop_price":      decimalPtrString(action.StopPrice),
			"time_in_force":   action.TimeInForce,
			"extended_hours":  action.ExtendedHours,
		}
		return base
	default:
		return nil
	}
}

func decimalPtrString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

// Cleanup unsubscribes; safe to call multiple times.
func (r *Runner) Cleanup() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.subID != "" {
		r.log.Unsubscribe(r.subID)
		r.subID = ""
	}
}
