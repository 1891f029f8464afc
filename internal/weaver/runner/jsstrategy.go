package runner

import (
	"fmt"
	"log"
	"sync"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"
)

// JSStrategy is the embedded-script Strategy implementation: it evaluates a
// JavaScript source exposing initialize(symbols), onTick(tick), and
// onData(window) functions, and translates their return values into Action
// slices. Grounded on the teacher's internal/app/lambda/js.Strategy (a goja
// VM wrapping a TradingStrategy), reduced from that package's wide
// market-data callback surface to the three-method Strategy contract and its
// single-Runtime-per-VM execution model, serialized behind a mutex since
// goja.Runtime is not safe for concurrent use and OnTick/OnData can race
// (OnTick from the clock path, OnData from the Runner's data.WindowReady
// goroutine).
type JSStrategy struct {
	mu  sync.Mutex
	vm  *goja.Runtime
	has struct {
		initialize, onTick, onData bool
	}
}

// NewJSStrategy compiles and runs source, binding its top-level functions.
// A missing initialize/onTick/onData function is tolerated: the
// corresponding Strategy method becomes a no-op.
func NewJSStrategy(source string) (*JSStrategy, error) {
	vm := goja.New()
	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("js strategy: compile: %w", err)
	}
	s := &JSStrategy{vm: vm}
	_, s.has.initialize = goja.AssertFunction(vm.Get("initialize"))
	_, s.has.onTick = goja.AssertFunction(vm.Get("onTick"))
	_, s.has.onData = goja.AssertFunction(vm.Get("onData"))
	return s, nil
}

// Initialize implements Strategy.
func (s *JSStrategy) Initialize(symbols []string) {
	if !s.has.initialize {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, _ := goja.AssertFunction(s.vm.Get("initialize"))
	if _, err := fn(goja.Undefined(), s.vm.ToValue(symbols)); err != nil {
		log.Printf("weaver/runner: js strategy initialize: %v", err)
	}
}

// OnTick implements Strategy.
func (s *JSStrategy) OnTick(tick Tick) []Action {
	if !s.has.onTick {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, _ := goja.AssertFunction(s.vm.Get("onTick"))
	result, err := fn(goja.Undefined(), s.vm.ToValue(map[string]any{
		"ts":       tick.TS,
		"barIndex": tick.BarIndex,
	}))
	if err != nil {
		log.Printf("weaver/runner: js strategy onTick: %v", err)
		return nil
	}
	return decodeActions(result)
}

// OnData implements Strategy.
func (s *JSStrategy) OnData(window DataWindow) []Action {
	if !s.has.onData {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, _ := goja.AssertFunction(s.vm.Get("onData"))
	result, err := fn(goja.Undefined(), s.vm.ToValue(jsDataWindow(window)))
	if err != nil {
		log.Printf("weaver/runner: js strategy onData: %v", err)
		return nil
	}
	return decodeActions(result)
}

func jsDataWindow(window DataWindow) map[string]any {
	bars := make([]map[string]any, len(window.Bars))
	for i, bar := range window.Bars {
		bars[i] = map[string]any{
			"symbol":    bar.Symbol,
			"timeframe": bar.Timeframe,
			"ts":        bar.TS,
			"open":      bar.Open.String(),
			"high":      bar.High.String(),
			"low":       bar.Low.String(),
			"close":     bar.Close.String(),
			"volume":    bar.Volume.String(),
		}
	}
	return map[string]any{
		"symbol":    window.Symbol,
		"timeframe": window.Timeframe,
		"bars":      bars,
	}
}

// decodeActions converts a JS return value (an array of plain objects) into
// []Action. Unrecognized kinds and malformed entries are skipped rather than
// failing the whole batch, since one bad action must not block the rest.
func decodeActions(value goja.Value) []Action {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil
	}
	raw, ok := value.Export().([]any)
	if !ok {
		return nil
	}
	actions := make([]Action, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		action, ok := decodeAction(obj)
		if ok {
			actions = append(actions, action)
		}
	}
	return actions
}

func decodeAction(obj map[string]any) (Action, bool) {
	kind, _ := obj["kind"].(string)
	switch ActionKind(kind) {
	case ActionFetchWindow:
		return Action{
			Kind:      ActionFetchWindow,
			Symbol:    str(obj["symbol"]),
			Timeframe: str(obj["timeframe"]),
			From:      str(obj["from"]),
			To:        str(obj["to"]),
		}, true
	case ActionPlaceOrder:
		return Action{
			Kind:          ActionPlaceOrder,
			ClientOrderID: str(obj["clientOrderId"]),
			Symbol:        str(obj["symbol"]),
			Side:          str(obj["side"]),
			OrderType:     str(obj["orderType"]),
			Qty:           dec(obj["qty"]),
			LimitPrice:    decPtr(obj["limitPrice"]),
			StopPrice:     decPtr(obj["stopPrice"]),
			TimeInForce:   str(obj["timeInForce"]),
			ExtendedHours: boolVal(obj["extendedHours"]),
		}, true
	default:
		return Action{}, false
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolVal(v any) bool {
	b, _ := v.(bool)
	return b
}

func dec(v any) decimal.Decimal {
	s := str(v)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func decPtr(v any) *decimal.Decimal {
	s := str(v)
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

var _ Strategy = (*JSStrategy)(nil)
