package simulator

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const basisPoints = 10_000

// BacktestSimulator is GretaService: a per-run instance that preloads bars
// into an in-memory cache and, per clock tick, evaluates pending orders
// against the current bar using the rules in §4.7. Grounded on the
// teacher's simulatedExchange (functional fee/slippage models, decimal
// math throughout) but driven by bar advancement instead of order-book
// matching, since backtests have no live order book — only historical OHLCV.
type BacktestSimulator struct {
	cfg FillSimulationConfig

	bars map[barKey][]Bar

	cursor    map[string]Bar // symbol -> current bar
	pending   []*OrderState
	positions map[string]*Position
	fills     []Fill
	equity    []EquityPoint

	cash decimal.Decimal
}

type barKey struct {
	symbol    string
	timeframe string
}

// NewBacktestSimulator constructs a simulator seeded with startingCash and
// the historical bars it will replay.
func NewBacktestSimulator(cfg FillSimulationConfig, startingCash decimal.Decimal, bars []Bar) *BacktestSimulator {
	s := &BacktestSimulator{
		cfg:       cfg.normalize(),
		bars:      make(map[barKey][]Bar),
		cursor:    make(map[string]Bar),
		positions: make(map[string]*Position),
		cash:      startingCash,
	}
	for _, b := range bars {
		k := barKey{symbol: b.Symbol, timeframe: b.Timeframe}
		s.bars[k] = append(s.bars[k], b)
	}
	for k := range s.bars {
		sort.Slice(s.bars[k], func(i, j int) bool { return s.bars[k][i].TS.Before(s.bars[k][j].TS) })
	}
	return s
}

// PlaceOrder enqueues a pending order for evaluation on the next AdvanceTo.
// client_order_id is not deduplicated: every call enqueues a new order with a
// fresh ID, even when an earlier order in the run used the same
// client_order_id.
func (s *BacktestSimulator) PlaceOrder(intent OrderIntent) *OrderState {
	os := &OrderState{
		ID:            uuid.NewString(),
		RunID:         intent.RunID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Qty:           intent.Qty,
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		TimeInForce:   intent.TimeInForce,
		FilledQty:     decimal.Zero,
		Status:        StatusAccepted,
		CreatedAt:     intent.PlacedAt,
		UpdatedAt:     intent.PlacedAt,
		placedAt:      intent.PlacedAt,
	}
	s.pending = append(s.pending, os)
	return os
}

// FetchWindow returns cached bars for (symbol, timeframe) within [from, to].
func (s *BacktestSimulator) FetchWindow(symbol, timeframe string, from, to time.Time) []Bar {
	all := s.bars[barKey{symbol: symbol, timeframe: timeframe}]
	out := make([]Bar, 0, len(all))
	for _, b := range all {
		if (b.TS.Equal(from) || b.TS.After(from)) && (b.TS.Equal(to) || b.TS.Before(to)) {
			out = append(out, b)
		}
	}
	return out
}

// AdvanceResult reports what happened on one clock tick.
type AdvanceResult struct {
	Fills        []Fill
	FilledOrders []*OrderState
}

// AdvanceTo advances the simulator to ts: updates bar cursors, evaluates
// pending orders (steps 1-5 of §4.7), marks open positions to market (step
// 6), appends an EquityPoint (step 7), and returns the fills produced (step
// 8 is the caller's job: emit orders.Filled/PartiallyFilled from them).
func (s *BacktestSimulator) AdvanceTo(symbols []string, timeframe string, ts time.Time, barIndex int) AdvanceResult {
	for _, symbol := range symbols {
		for _, b := range s.bars[barKey{symbol: symbol, timeframe: timeframe}] {
			if b.TS.Equal(ts) {
				s.cursor[symbol] = b
				break
			}
		}
	}

	s.sortPendingFIFO()

	var result AdvanceResult
	remaining := s.pending[:0]
	for _, order := range s.pending {
		bar, ok := s.cursor[order.Symbol]
		if !ok {
			remaining = append(remaining, order)
			continue
		}
		fillPrice, triggered := s.evaluate(order, bar)
		if !triggered {
			remaining = append(remaining, order)
			continue
		}
		fill := s.settle(order, bar, fillPrice, ts)
		fill.BarIndex = barIndex
		s.fills = append(s.fills, fill)
		result.Fills = append(result.Fills, fill)
		result.FilledOrders = append(result.FilledOrders, order)
	}
	s.pending = remaining

	s.markToMarket(ts)
	s.equity = append(s.equity, EquityPoint{TS: ts, Equity: s.totalEquity()})

	return result
}

func (s *BacktestSimulator) sortPendingFIFO() {
	sort.SliceStable(s.pending, func(i, j int) bool {
		a, b := s.pending[i], s.pending[j]
		if !a.placedAt.Equal(b.placedAt) {
			return a.placedAt.Before(b.placedAt)
		}
		return a.ClientOrderID < b.ClientOrderID
	})
}

// evaluate implements the per-order-type fill rules of §4.7 step 2. It
// returns the reference fill price (before slippage) and whether the order
// triggers on this bar.
func (s *BacktestSimulator) evaluate(order *OrderState, bar Bar) (decimal.Decimal, bool) {
	switch order.Type {
	case OrderMarket:
		return s.referencePrice(order.Side, bar), true

	case OrderLimit:
		if order.LimitPrice == nil {
			return decimal.Zero, false
		}
		limit := *order.LimitPrice
		if order.Side == SideBuy {
			if bar.Low.LessThanOrEqual(limit) {
				return decimal.Min(limit, bar.Open), true
			}
			return decimal.Zero, false
		}
		if bar.High.GreaterThanOrEqual(limit) {
			return decimal.Max(limit, bar.Open), true
		}
		return decimal.Zero, false

	case OrderStop:
		if order.StopPrice == nil {
			return decimal.Zero, false
		}
		stop := *order.StopPrice
		if order.Side == SideBuy {
			if bar.High.GreaterThanOrEqual(stop) {
				return s.referencePrice(order.Side, bar), true
			}
			return decimal.Zero, false
		}
		if bar.Low.LessThanOrEqual(stop) {
			return s.referencePrice(order.Side, bar), true
		}
		return decimal.Zero, false

	case OrderStopLimit:
		if order.StopPrice == nil || order.LimitPrice == nil {
			return decimal.Zero, false
		}
		stop, limit := *order.StopPrice, *order.LimitPrice
		if order.Side == SideBuy {
			if bar.High.GreaterThanOrEqual(stop) && bar.Low.LessThanOrEqual(limit) {
				return decimal.Min(limit, bar.Open), true
			}
			return decimal.Zero, false
		}
		if bar.Low.LessThanOrEqual(stop) && bar.High.GreaterThanOrEqual(limit) {
			return decimal.Max(limit, bar.Open), true
		}
		return decimal.Zero, false

	default:
		return decimal.Zero, false
	}
}

func (s *BacktestSimulator) referencePrice(side Side, bar Bar) decimal.Decimal {
	switch s.cfg.FillReference {
	case RefClose:
		return bar.Close
	case RefVWAP:
		return bar.Open.Add(bar.High).Add(bar.Low).Add(bar.Close).Div(decimal.NewFromInt(4))
	case RefWorst:
		if side == SideBuy {
			return bar.High
		}
		return bar.Low
	default:
		return bar.Open
	}
}

// settle applies slippage and commission, updates the position (weighted-avg
// entry / realized PnL / sign-flip handling per §4.7 step 5), records a
// Fill, and marks the order Filled.
func (s *BacktestSimulator) settle(order *OrderState, bar Bar, refPrice decimal.Decimal, ts time.Time) Fill {
	slippage := refPrice.Mul(s.cfg.SlippageBPS).Div(decimal.NewFromInt(basisPoints))
	fillPrice := refPrice
	if order.Side == SideBuy {
		fillPrice = fillPrice.Add(slippage)
	} else {
		fillPrice = fillPrice.Sub(slippage)
	}

	notional := fillPrice.Mul(order.Qty)
	commission := decimal.Max(s.cfg.MinCommission, notional.Mul(s.cfg.CommissionBPS).Div(decimal.NewFromInt(basisPoints)))

	s.applyFill(order.Symbol, order.Side, order.Qty, fillPrice)
	s.cash = s.cash.Sub(commission)

	order.FilledQty = order.Qty
	order.FilledAvgPrice = &fillPrice
	order.Status = StatusFilled
	order.UpdatedAt = ts

	return Fill{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		TS:         ts,
		Price:      fillPrice,
		Qty:        order.Qty,
		Commission: commission,
		Slippage:   slippage.Abs(),
	}
}

// applyFill updates position per §4.7 step 5: same-side adds use a
// weighted-average entry; reductions realize PnL on the closed portion with
// avg_entry unchanged; a sign flip closes the existing position first (at
// fill price) then opens the reverse position at fill price.
func (s *BacktestSimulator) applyFill(symbol string, side Side, qty, price decimal.Decimal) {
	pos, ok := s.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		s.positions[symbol] = pos
	}

	signedQty := qty
	if side == SideSell {
		signedQty = qty.Neg()
	}

	switch {
	case pos.Qty.IsZero():
		pos.Qty = signedQty
		pos.AvgEntryPrice = price

	case sameSign(pos.Qty, signedQty):
		totalQty := pos.Qty.Add(signedQty)
		pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(pos.Qty.Abs()).
			Add(price.Mul(signedQty.Abs())).
			Div(totalQty.Abs())
		pos.Qty = totalQty

	default:
		closing := decimal.Min(pos.Qty.Abs(), signedQty.Abs())
		var realized decimal.Decimal
		if pos.Qty.IsPositive() {
			realized = price.Sub(pos.AvgEntryPrice).Mul(closing)
		} else {
			realized = pos.AvgEntryPrice.Sub(price).Mul(closing)
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)

		remaining := pos.Qty.Add(signedQty)
		switch {
		case remaining.IsZero():
			pos.Qty = decimal.Zero
		case sameSign(remaining, pos.Qty):
			pos.Qty = remaining
			// avg_entry unchanged on a reduction that does not flip sign.
		default:
			pos.Qty = remaining
			pos.AvgEntryPrice = price
		}
	}
}

func sameSign(a, b decimal.Decimal) bool {
	return (a.IsPositive() && b.IsPositive()) || (a.IsNegative() && b.IsNegative())
}

func (s *BacktestSimulator) markToMarket(_ time.Time) {
	for symbol, pos := range s.positions {
		if pos.Qty.IsZero() {
			pos.UnrealizedPnL = decimal.Zero
			continue
		}
		bar, ok := s.cursor[symbol]
		if !ok {
			continue
		}
		if pos.Qty.IsPositive() {
			pos.UnrealizedPnL = bar.Close.Sub(pos.AvgEntryPrice).Mul(pos.Qty)
		} else {
			pos.UnrealizedPnL = pos.AvgEntryPrice.Sub(bar.Close).Mul(pos.Qty.Abs())
		}
	}
}

func (s *BacktestSimulator) totalEquity() decimal.Decimal {
	total := s.cash
	for _, pos := range s.positions {
		total = total.Add(pos.UnrealizedPnL).Add(pos.RealizedPnL)
	}
	return total
}

// EquityCurve returns the accumulated equity points.
func (s *BacktestSimulator) EquityCurve() []EquityPoint { return s.equity }

// Positions returns a snapshot of all tracked positions.
func (s *BacktestSimulator) Positions() map[string]Position {
	out := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = *v
	}
	return out
}

// Fills returns all fills produced so far.
func (s *BacktestSimulator) Fills() []Fill { return s.fills }

// CancelOrder removes a still-pending order by ID, marking it Cancelled.
// Reports false if the order is unknown or already filled.
func (s *BacktestSimulator) CancelOrder(id string) bool {
	for i, o := range s.pending {
		if o.ID == id {
			o.Status = StatusCancelled
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}
