// Package simulator implements the Simulator / Exchange Adapter (C6): two
// implementations of one order-lifecycle contract — a deterministic
// backtest fill engine and a live venue adapter. Grounded on the teacher's
// internal/backtest (simulated_exchange.go, order_book.go, models.go) fee
// and slippage model interfaces, generalized from order-book matching to
// the bar-driven fill rules §4.7 specifies.
package simulator

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side mirrors spec.md's OrderState.side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType mirrors spec.md's OrderState.order_type.
type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStop       OrderType = "stop"
	OrderStopLimit  OrderType = "stop_limit"
)

// OrderStatus mirrors spec.md's OrderState.status.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusAccepted  OrderStatus = "accepted"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
	StatusExpired   OrderStatus = "expired"
)

// OrderIntent is what a strategy/client submits for execution.
type OrderIntent struct {
	ClientOrderID string
	RunID         string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   string
	PlacedAt      time.Time
}

// OrderState is the persisted/mutated record spec.md §3 describes.
type OrderState struct {
	ID              string
	RunID           string
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Type            OrderType
	Qty             decimal.Decimal
	LimitPrice      *decimal.Decimal
	StopPrice       *decimal.Decimal
	TimeInForce     string
	FilledQty       decimal.Decimal
	FilledAvgPrice  *decimal.Decimal
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time

	placedAt time.Time // for FIFO tie-break; not part of the wire record
}

// Fill is an immutable execution record (spec.md §6 fills table).
type Fill struct {
	ID         string
	OrderID    string
	TS         time.Time
	Price      decimal.Decimal
	Qty        decimal.Decimal
	Commission decimal.Decimal
	Slippage   decimal.Decimal
	BarIndex   int
}

// Position mirrors spec.md's SimulatedPosition.
type Position struct {
	Symbol         string
	Qty            decimal.Decimal // >0 long, <0 short, =0 flat
	AvgEntryPrice  decimal.Decimal
	RealizedPnL    decimal.Decimal
	UnrealizedPnL  decimal.Decimal
}

// EquityPoint mirrors spec.md's EquityPoint.
type EquityPoint struct {
	TS     time.Time
	Equity decimal.Decimal
}

// Bar is one OHLCV record, keyed (symbol, timeframe, ts).
type Bar struct {
	Symbol    string
	Timeframe string
	TS        time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// ReferencePrice selects which bar field a market order fills at.
type ReferencePrice string

const (
	RefOpen  ReferencePrice = "open"
	RefClose ReferencePrice = "close"
	RefVWAP  ReferencePrice = "vwap"
	RefWorst ReferencePrice = "worst"
)

// FillSimulationConfig tunes the backtest fill engine (§9 open question:
// reserved for a future volume-cap variant; this implementation assumes
// full-qty fill per bar, as the spec's resolved assumption states).
type FillSimulationConfig struct {
	SlippageBPS    decimal.Decimal
	CommissionBPS  decimal.Decimal
	MinCommission  decimal.Decimal
	FillReference  ReferencePrice
}

func (c FillSimulationConfig) normalize() FillSimulationConfig {
	if c.FillReference == "" {
		c.FillReference = RefOpen
	}
	return c
}
