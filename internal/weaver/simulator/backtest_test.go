package simulator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func bar(symbol string, ts time.Time, o, h, l, c string) Bar {
	return Bar{
		Symbol: symbol, Timeframe: "1m", TS: ts,
		Open: d(o), High: d(h), Low: d(l), Close: d(c), Volume: d("1000"),
	}
}

func TestMarketOrderFillsAtReferenceOpen(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{bar("BTC", ts, "100", "105", "95", "102")}
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), bars)

	sim.PlaceOrder(OrderIntent{ClientOrderID: "c1", Symbol: "BTC", Side: SideBuy, Type: OrderMarket, Qty: d("1"), PlacedAt: ts})
	result := sim.AdvanceTo([]string{"BTC"}, "1m", ts, 0)

	if len(result.Fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(result.Fills))
	}
	if !result.Fills[0].Price.Equal(d("100")) {
		t.Fatalf("fill price = %s, want 100 (bar open, no slippage configured)", result.Fills[0].Price)
	}
}

func TestLimitOrderTriggersOnlyWhenPriceReached(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{bar("BTC", ts, "100", "105", "98", "102")}
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), bars)

	limit := d("97")
	sim.PlaceOrder(OrderIntent{ClientOrderID: "c1", Symbol: "BTC", Side: SideBuy, Type: OrderLimit, Qty: d("1"), LimitPrice: &limit, PlacedAt: ts})
	result := sim.AdvanceTo([]string{"BTC"}, "1m", ts, 0)

	if len(result.Fills) != 0 {
		t.Fatalf("limit below bar low should not trigger, got %d fills", len(result.Fills))
	}
}

func TestLimitOrderFillsWhenPriceCrossed(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{bar("BTC", ts, "100", "105", "95", "102")}
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), bars)

	limit := d("99")
	sim.PlaceOrder(OrderIntent{ClientOrderID: "c1", Symbol: "BTC", Side: SideBuy, Type: OrderLimit, Qty: d("1"), LimitPrice: &limit, PlacedAt: ts})
	result := sim.AdvanceTo([]string{"BTC"}, "1m", ts, 0)

	if len(result.Fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(result.Fills))
	}
	if !result.Fills[0].Price.Equal(d("99")) {
		t.Fatalf("fill price = %s, want min(limit, open) = 99", result.Fills[0].Price)
	}
}

func TestStopOrderTriggersOnBreach(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{bar("BTC", ts, "100", "110", "95", "102")}
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), bars)

	stop := d("108")
	sim.PlaceOrder(OrderIntent{ClientOrderID: "c1", Symbol: "BTC", Side: SideBuy, Type: OrderStop, Qty: d("1"), StopPrice: &stop, PlacedAt: ts})
	result := sim.AdvanceTo([]string{"BTC"}, "1m", ts, 0)

	if len(result.Fills) != 1 {
		t.Fatalf("buy stop should trigger when high >= stop, got %d fills", len(result.Fills))
	}
}

func TestStopLimitRequiresBothConditions(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{bar("BTC", ts, "100", "110", "95", "102")}
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), bars)

	stop := d("108")
	limit := d("90") // high >= stop triggers, but low (95) > limit (90), so no fill
	sim.PlaceOrder(OrderIntent{ClientOrderID: "c1", Symbol: "BTC", Side: SideBuy, Type: OrderStopLimit, Qty: d("1"), StopPrice: &stop, LimitPrice: &limit, PlacedAt: ts})
	result := sim.AdvanceTo([]string{"BTC"}, "1m", ts, 0)

	if len(result.Fills) != 0 {
		t.Fatalf("stop-limit should not fill when the limit leg fails, got %d fills", len(result.Fills))
	}
}

func TestSlippageAndCommissionApplied(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{bar("BTC", ts, "100", "105", "95", "102")}
	cfg := FillSimulationConfig{SlippageBPS: d("100"), CommissionBPS: d("50"), MinCommission: d("0.01")}
	sim := NewBacktestSimulator(cfg, d("10000"), bars)

	sim.PlaceOrder(OrderIntent{ClientOrderID: "c1", Symbol: "BTC", Side: SideBuy, Type: OrderMarket, Qty: d("1"), PlacedAt: ts})
	result := sim.AdvanceTo([]string{"BTC"}, "1m", ts, 0)

	fill := result.Fills[0]
	// 100bps slippage on buy = +1% of 100 = 1.00
	if !fill.Price.Equal(d("101")) {
		t.Fatalf("fill price = %s, want 101 (100 + 1%% slippage)", fill.Price)
	}
	// commission = 50bps of notional (101*1=101) = 0.505
	if !fill.Commission.Equal(d("0.505")) {
		t.Fatalf("commission = %s, want 0.505", fill.Commission)
	}
}

func TestCommissionFloorsAtMinimum(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{bar("BTC", ts, "1", "1", "1", "1")}
	cfg := FillSimulationConfig{CommissionBPS: d("1"), MinCommission: d("5")}
	sim := NewBacktestSimulator(cfg, d("10000"), bars)

	sim.PlaceOrder(OrderIntent{ClientOrderID: "c1", Symbol: "BTC", Side: SideBuy, Type: OrderMarket, Qty: d("1"), PlacedAt: ts})
	result := sim.AdvanceTo([]string{"BTC"}, "1m", ts, 0)

	if !result.Fills[0].Commission.Equal(d("5")) {
		t.Fatalf("commission = %s, want floor of 5", result.Fills[0].Commission)
	}
}

func TestFIFOTieBreakOrdersByPlacedAtThenClientOrderID(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []Bar{bar("BTC", ts, "100", "105", "95", "102")}
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), bars)

	// Same placedAt; ClientOrderID "a" must evaluate before "b".
	sim.PlaceOrder(OrderIntent{ClientOrderID: "b", Symbol: "BTC", Side: SideBuy, Type: OrderMarket, Qty: d("1"), PlacedAt: ts})
	sim.PlaceOrder(OrderIntent{ClientOrderID: "a", Symbol: "BTC", Side: SideBuy, Type: OrderMarket, Qty: d("1"), PlacedAt: ts})

	sim.sortPendingFIFO()
	if sim.pending[0].ClientOrderID != "a" || sim.pending[1].ClientOrderID != "b" {
		t.Fatalf("FIFO order = [%s, %s], want [a, b]", sim.pending[0].ClientOrderID, sim.pending[1].ClientOrderID)
	}
}

func TestWeightedAverageEntryOnSameSideAdd(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), nil)

	sim.applyFill("BTC", SideBuy, d("1"), d("100"))
	sim.applyFill("BTC", SideBuy, d("1"), d("200"))

	pos := sim.Positions()["BTC"]
	if !pos.Qty.Equal(d("2")) {
		t.Fatalf("qty = %s, want 2", pos.Qty)
	}
	if !pos.AvgEntryPrice.Equal(d("150")) {
		t.Fatalf("avg entry = %s, want 150", pos.AvgEntryPrice)
	}
	_ = ts
}

func TestRealizedPnLOnReduction(t *testing.T) {
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), nil)

	sim.applyFill("BTC", SideBuy, d("2"), d("100"))
	sim.applyFill("BTC", SideSell, d("1"), d("150"))

	pos := sim.Positions()["BTC"]
	if !pos.Qty.Equal(d("1")) {
		t.Fatalf("qty after partial close = %s, want 1", pos.Qty)
	}
	if !pos.RealizedPnL.Equal(d("50")) {
		t.Fatalf("realized pnl = %s, want 50 ((150-100)*1)", pos.RealizedPnL)
	}
	if !pos.AvgEntryPrice.Equal(d("100")) {
		t.Fatalf("avg entry should be unchanged on a non-flipping reduction, got %s", pos.AvgEntryPrice)
	}
}

func TestPositionSignFlipClosesThenReopens(t *testing.T) {
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), nil)

	sim.applyFill("BTC", SideBuy, d("1"), d("100"))
	sim.applyFill("BTC", SideSell, d("3"), d("120"))

	pos := sim.Positions()["BTC"]
	if !pos.Qty.Equal(d("-2")) {
		t.Fatalf("qty after sign flip = %s, want -2", pos.Qty)
	}
	if !pos.RealizedPnL.Equal(d("20")) {
		t.Fatalf("realized pnl on the closed long leg = %s, want 20 ((120-100)*1)", pos.RealizedPnL)
	}
	if !pos.AvgEntryPrice.Equal(d("120")) {
		t.Fatalf("avg entry of the newly opened short leg = %s, want 120", pos.AvgEntryPrice)
	}
}

func TestCancelOrderRemovesPendingOrder(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), nil)
	order := sim.PlaceOrder(OrderIntent{ClientOrderID: "c1", Symbol: "BTC", Side: SideBuy, Type: OrderLimit, Qty: d("1"), PlacedAt: ts})

	if !sim.CancelOrder(order.ID) {
		t.Fatal("CancelOrder returned false for a pending order")
	}
	if order.Status != StatusCancelled {
		t.Fatalf("order.Status = %s, want cancelled", order.Status)
	}
	if len(sim.pending) != 0 {
		t.Fatalf("pending list should be empty after cancel, got %d", len(sim.pending))
	}
}

func TestCancelOrderUnknownIDReturnsFalse(t *testing.T) {
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), nil)
	if sim.CancelOrder("does-not-exist") {
		t.Fatal("CancelOrder should return false for an unknown ID")
	}
}
