package runmanager

import (
	"context"
	"testing"
	"time"

	"github.com/weaverhq/weaver/internal/weaver/clock"
	"github.com/weaverhq/weaver/internal/weaver/eventlog"
	"github.com/weaverhq/weaver/internal/weaver/simulator"
)

type fakeClock struct {
	stopped  chan struct{}
	stopOnce bool
	blocking chan struct{}
	order    *teardownOrder
}

func newFakeClock() *fakeClock {
	return &fakeClock{stopped: make(chan struct{}), blocking: make(chan struct{})}
}

func (c *fakeClock) Start(ctx context.Context, runID string) error {
	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeClock) Stop() {
	if c.order != nil {
		c.order.calls = append(c.order.calls, "clock.Stop")
	}
	if !c.stopOnce {
		c.stopOnce = true
		close(c.stopped)
	}
}

func (c *fakeClock) CurrentTime() time.Time      { return time.Now().UTC() }
func (c *fakeClock) OnTick(cb clock.Callback) func() { return func() {} }

var _ clock.Clock = (*fakeClock)(nil)

// teardownOrder records the sequence of teardown calls across components.
type teardownOrder struct {
	calls []string
}

type orderedExchange struct {
	order *teardownOrder
}

func (e *orderedExchange) Connect(ctx context.Context) error    { return nil }
func (e *orderedExchange) Disconnect(ctx context.Context) error { e.order.calls = append(e.order.calls, "exchange.Disconnect"); return nil }
func (e *orderedExchange) IsConnected() bool                    { return true }
func (e *orderedExchange) SubmitOrder(ctx context.Context, intent simulator.OrderIntent) (simulator.ExchangeResult, error) {
	return simulator.ExchangeResult{}, nil
}
func (e *orderedExchange) CancelOrder(ctx context.Context, id string) (bool, error) { return true, nil }
func (e *orderedExchange) GetOrder(ctx context.Context, id string) (*simulator.ExchangeOrder, error) {
	return nil, nil
}

func newTestManager(t *testing.T, builder Builder) *Manager {
	t.Helper()
	log := eventlog.NewMemoryLog(eventlog.MemoryConfig{})
	t.Cleanup(func() { log.Close() })
	store := NewMemoryStore()
	return New(log, store, builder)
}

func TestCreateRequiresStrategyID(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Create(context.Background(), RunRequest{Mode: ModeBacktest})
	if err == nil {
		t.Fatal("expected an error for a missing strategy_id")
	}
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	m := newTestManager(t, nil)
	run, err := m.Create(context.Background(), RunRequest{StrategyID: "s1", Mode: ModeBacktest})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if run.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", run.Status)
	}
	got, ok := m.Get(run.ID)
	if !ok {
		t.Fatal("Get did not find the created run")
	}
	if got.ID != run.ID {
		t.Fatalf("Get returned a different run")
	}
}

func TestStartRejectsNonPendingRun(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, run Run) (*Components, error) {
		return &Components{Clock: newFakeClock()}, nil
	})
	run, _ := m.Create(context.Background(), RunRequest{StrategyID: "s1", Mode: ModeBacktest})
	if err := m.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := m.Start(context.Background(), run.ID); err == nil {
		t.Fatal("expected an error starting an already-running run")
	}
}

func TestStopTearsDownInReverseOrder(t *testing.T) {
	order := &teardownOrder{}
	fc := newFakeClock()
	fc.order = order
	ex := &orderedExchange{order: order}

	m := newTestManager(t, func(ctx context.Context, run Run) (*Components, error) {
		return &Components{Clock: fc, Exchange: ex}, nil
	})
	run, _ := m.Create(context.Background(), RunRequest{StrategyID: "s1", Mode: ModeBacktest})
	if err := m.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Stop(context.Background(), run.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, _ := m.Get(run.ID)
	if got.Status != StatusStopped {
		t.Fatalf("Status after Stop = %s, want stopped", got.Status)
	}
	if len(order.calls) != 2 || order.calls[0] != "clock.Stop" || order.calls[1] != "exchange.Disconnect" {
		t.Fatalf("teardown calls = %v, want exactly [clock.Stop exchange.Disconnect]", order.calls)
	}
}

func TestStopIsIdempotentOnTerminalRun(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, run Run) (*Components, error) {
		return &Components{Clock: newFakeClock()}, nil
	})
	run, _ := m.Create(context.Background(), RunRequest{StrategyID: "s1", Mode: ModeBacktest})
	m.Start(context.Background(), run.ID)
	if err := m.Stop(context.Background(), run.ID); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := m.Stop(context.Background(), run.ID); err != nil {
		t.Fatalf("second Stop should be a no-op, got error: %v", err)
	}
}

type fakeForgetter struct {
	forgotten []string
}

func (f *fakeForgetter) Forget(runID string) {
	f.forgotten = append(f.forgotten, runID)
}

func TestStopForgetsRouterCacheOnTeardown(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, run Run) (*Components, error) {
		return &Components{Clock: newFakeClock()}, nil
	})
	router := &fakeForgetter{}
	m.SetRouter(router)

	run, _ := m.Create(context.Background(), RunRequest{StrategyID: "s1", Mode: ModeBacktest})
	if err := m.Start(context.Background(), run.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(context.Background(), run.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(router.forgotten) != 1 || router.forgotten[0] != run.ID {
		t.Fatalf("router.forgotten = %v, want exactly [%s]", router.forgotten, run.ID)
	}

	// Idempotent: a second Stop on an already-terminal run must not forget again.
	if err := m.Stop(context.Background(), run.ID); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if len(router.forgotten) != 1 {
		t.Fatalf("router.forgotten after idempotent Stop = %v, want unchanged", router.forgotten)
	}
}

func TestRunModeUnknownForMissingOrTerminalRun(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, run Run) (*Components, error) {
		return &Components{Clock: newFakeClock()}, nil
	})
	if _, ok := m.RunMode("no-such-run"); ok {
		t.Fatal("RunMode should report false for an unknown run")
	}

	run, _ := m.Create(context.Background(), RunRequest{StrategyID: "s1", Mode: ModeLive})
	m.Start(context.Background(), run.ID)
	if mode, ok := m.RunMode(run.ID); !ok || mode != "live" {
		t.Fatalf("RunMode = (%q, %v), want (live, true)", mode, ok)
	}
	m.Stop(context.Background(), run.ID)
	if _, ok := m.RunMode(run.ID); ok {
		t.Fatal("RunMode should report false once the run is terminal")
	}
}

func TestRecoverAbortsRunningRuns(t *testing.T) {
	store := NewMemoryStore()
	started := time.Now().UTC()
	store.Insert(context.Background(), Run{ID: "run-1", StrategyID: "s1", Mode: ModeLive, Status: StatusRunning, StartedAt: &started})
	store.Insert(context.Background(), Run{ID: "run-2", StrategyID: "s1", Mode: ModeLive, Status: StatusCompleted})

	log := eventlog.NewMemoryLog(eventlog.MemoryConfig{})
	defer log.Close()
	m := New(log, store, nil)

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	run1, ok := m.Get("run-1")
	if !ok || run1.Status != StatusError {
		t.Fatalf("run-1 after recovery: ok=%v status=%s, want error", ok, run1.Status)
	}
	if run1.ErrorReason != "recovery_abort" {
		t.Fatalf("run-1 ErrorReason = %q, want recovery_abort", run1.ErrorReason)
	}

	run2, ok := m.Get("run-2")
	if !ok || run2.Status != StatusCompleted {
		t.Fatalf("run-2 after recovery: ok=%v status=%s, want unchanged completed", ok, run2.Status)
	}
}

func TestExchangeReturnsFalseBeforeStart(t *testing.T) {
	m := newTestManager(t, func(ctx context.Context, run Run) (*Components, error) {
		return &Components{Clock: newFakeClock(), Exchange: &orderedExchange{order: &teardownOrder{}}}, nil
	})
	run, _ := m.Create(context.Background(), RunRequest{StrategyID: "s1", Mode: ModeBacktest})
	if _, ok := m.Exchange(run.ID); ok {
		t.Fatal("Exchange should be unavailable before Start")
	}
	m.Start(context.Background(), run.ID)
	if _, ok := m.Exchange(run.ID); !ok {
		t.Fatal("Exchange should be available after Start")
	}
}
