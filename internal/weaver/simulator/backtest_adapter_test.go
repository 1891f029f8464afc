package simulator

import (
	"context"
	"testing"
	"time"
)

func TestBacktestExchangeAdapterSubmitAndGetOrder(t *testing.T) {
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), nil)
	adapter := NewBacktestExchangeAdapter(sim)

	result, err := adapter.SubmitOrder(context.Background(), OrderIntent{
		ClientOrderID: "c1", Symbol: "BTC-USD", Side: SideBuy, Type: OrderLimit, Qty: d("1"), PlacedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if !result.Success || result.ExchangeOrderID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	order, err := adapter.GetOrder(context.Background(), result.ExchangeOrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order == nil || order.ExchangeOrderID != result.ExchangeOrderID {
		t.Fatalf("GetOrder returned %+v", order)
	}
}

func TestBacktestExchangeAdapterCancelOrder(t *testing.T) {
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), nil)
	adapter := NewBacktestExchangeAdapter(sim)

	result, _ := adapter.SubmitOrder(context.Background(), OrderIntent{
		ClientOrderID: "c1", Symbol: "BTC-USD", Side: SideBuy, Type: OrderLimit, Qty: d("1"), PlacedAt: time.Now(),
	})
	ok, err := adapter.CancelOrder(context.Background(), result.ExchangeOrderID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !ok {
		t.Fatal("CancelOrder should succeed for a pending order")
	}
}

func TestBacktestExchangeAdapterGetOrderUnknownReturnsNil(t *testing.T) {
	sim := NewBacktestSimulator(FillSimulationConfig{}, d("10000"), nil)
	adapter := NewBacktestExchangeAdapter(sim)

	order, err := adapter.GetOrder(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order != nil {
		t.Fatalf("expected nil for unknown order, got %+v", order)
	}
}

func TestBacktestExchangeAdapterAlwaysConnected(t *testing.T) {
	adapter := NewBacktestExchangeAdapter(NewBacktestSimulator(FillSimulationConfig{}, d("10000"), nil))
	if !adapter.IsConnected() {
		t.Fatal("BacktestExchangeAdapter should always report connected")
	}
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := adapter.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}
