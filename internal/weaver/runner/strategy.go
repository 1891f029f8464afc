// Package runner implements the StrategyRunner (C5): one instance per run,
// bound to one strategy, translating strategy Actions into strategy.*
// envelopes. Grounded on the teacher's internal/app/lambda/core.BaseLambda
// and its TradingStrategy capability interface — generalized from the
// teacher's wide market-data/order-lifecycle callback surface down to the
// three-method capability contract §4.5/§9 specify ("strategies as
// capabilities, not classes"): strategies are pure from the runner's
// perspective and never touch the log or adapters directly.
package runner

import "github.com/shopspring/decimal"

// Strategy is the polymorphic capability the runner consumes. Both native Go
// strategies and JSStrategy, the goja-embedded JS strategy runtime in this
// same package, satisfy it.
type Strategy interface {
	Initialize(symbols []string)
	OnTick(tick Tick) []Action
	OnData(window DataWindow) []Action
}

// Tick mirrors clock.Tick without importing package clock, keeping the
// strategy contract free of infrastructure types per §9 ("strategies hold no
// process-global state").
type Tick struct {
	TS       string
	BarIndex int
}

// DataWindow is the payload of a data.WindowReady envelope handed to
// OnData.
type DataWindow struct {
	Symbol    string
	Timeframe string
	Bars      []Bar
}

// Bar is one OHLCV record.
type Bar struct {
	Symbol    string
	Timeframe string
	TS        string
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// ActionKind identifies an Action's translation target (§4.5 table).
type ActionKind string

const (
	ActionFetchWindow ActionKind = "FETCH_WINDOW"
	ActionPlaceOrder  ActionKind = "PLACE_ORDER"
)

// Action is one strategy-emitted intent.
type Action struct {
	Kind ActionKind

	// FETCH_WINDOW fields.
	Symbol    string
	Timeframe string
	From, To  string

	// PLACE_ORDER fields.
	ClientOrderID   string
	Side            string // "buy" | "sell"
	OrderType       string // "market" | "limit" | "stop" | "stop_limit"
	Qty             decimal.Decimal
	LimitPrice      *decimal.Decimal
	StopPrice       *decimal.Decimal
	TimeInForce     string
	ExtendedHours   bool
}
