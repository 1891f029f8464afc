package runmanager

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weaverhq/weaver/errs"
	"github.com/weaverhq/weaver/internal/weaver/clock"
	"github.com/weaverhq/weaver/internal/weaver/envelope"
	"github.com/weaverhq/weaver/internal/weaver/eventlog"
	"github.com/weaverhq/weaver/internal/weaver/runner"
	"github.com/weaverhq/weaver/internal/weaver/simulator"
)

// Producer identifies RunManager's own envelopes.
const Producer = "weaver.runmanager"

// Components bundles the per-run instances RunManager injects into C3-C6:
// exactly one clock, one strategy runner, and one simulator-or-adapter per
// run (§5 "There is one clock, one strategy runner, and one
// simulator-or-adapter per run").
type Components struct {
	Clock    clock.Clock
	Runner   *runner.Runner
	Exchange simulator.Exchange
}

// Builder constructs the Components for one run; the implementation decides
// from run.Mode which clock and exchange to supply, and returns an error for
// a mode it cannot serve (Start then moves the run to error).
type Builder func(ctx context.Context, run Run) (*Components, error)

type runContext struct {
	run        Run
	components *Components
	cancel     context.CancelFunc
}

// Forgetter evicts a run's cached routing state on teardown. DomainRouter
// implements this; Manager calls it defensively so a terminated run falls
// through to run.UnknownRouted instead of routing under a stale cached mode.
type Forgetter interface {
	Forget(runID string)
}

// Manager owns the registry run_id -> RunContext. Grounded on the teacher's
// lambda runtime.Manager: a single RWMutex guarding the registry, explicit
// Create/Start/Stop/Remove operations, a persisted store for recovery.
type Manager struct {
	log     eventlog.Log
	store   Store
	builder Builder

	mu       sync.RWMutex
	contexts map[string]*runContext

	router Forgetter
}

// New constructs a Manager. log is the shared EventLog every component
// publishes run.* envelopes to; store persists Run rows for recovery;
// builder produces per-run Components.
func New(log eventlog.Log, store Store, builder Builder) *Manager {
	return &Manager{log: log, store: store, builder: builder, contexts: make(map[string]*runContext)}
}

// SetRouter attaches the DomainRouter whose cached mode must be forgotten on
// teardown. The router is constructed from this Manager (as router.ModeLookup)
// after the Manager itself, so wiring happens via this setter rather than the
// constructor.
func (m *Manager) SetRouter(router Forgetter) {
	m.router = router
}

func (m *Manager) emit(ctx context.Context, runID, typ string, payload any) {
	e := &envelope.Envelope{
		ID:       uuid.NewString(),
		Kind:     envelope.KindEvent,
		Type:     typ,
		RunID:    runID,
		Producer: Producer,
		TS:       time.Now().UTC(),
		Payload:  payload,
	}
	if _, err := m.log.Append(ctx, e); err != nil {
		log.Printf("weaver/runmanager: append %s for run %s: %v", typ, runID, err)
	}
}

// Create validates the request, persists the Run in pending, and emits
// run.Created.
func (m *Manager) Create(ctx context.Context, req RunRequest) (Run, error) {
	if req.StrategyID == "" {
		return Run{}, errs.New("runmanager/create", errs.CodeInvalid, errs.WithMessage("strategy_id required"), errs.WithHTTP(422))
	}
	switch req.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		return Run{}, errs.New("runmanager/create", errs.CodeInvalid, errs.WithMessage("invalid mode"), errs.WithHTTP(422))
	}

	run := Run{
		ID:            uuid.NewString(),
		StrategyID:    req.StrategyID,
		Mode:          req.Mode,
		Status:        StatusPending,
		Symbols:       req.Symbols,
		Timeframe:     req.Timeframe,
		Config:        req.Config,
		CreatedAt:     time.Now().UTC(),
		BacktestStart: req.BacktestStart,
		BacktestEnd:   req.BacktestEnd,
	}
	if err := m.store.Insert(ctx, run); err != nil {
		return Run{}, errs.New("runmanager/create", errs.CodeUnavailable, errs.WithCause(err))
	}

	m.mu.Lock()
	m.contexts[run.ID] = &runContext{run: run}
	m.mu.Unlock()

	m.emit(ctx, run.ID, "run.Created", run)
	return run, nil
}

// Start requires pending, builds per-run Components, transitions running,
// emits run.Started, and begins the clock (non-blocking: the clock loop runs
// in its own goroutine so Start returns promptly).
func (m *Manager) Start(ctx context.Context, runID string) error {
	m.mu.Lock()
	rc, ok := m.contexts[runID]
	if !ok {
		m.mu.Unlock()
		return errs.New("runmanager/start", errs.CodeNotFound, errs.WithHTTP(404))
	}
	if rc.run.Status != StatusPending {
		m.mu.Unlock()
		return errs.New("runmanager/start", errs.CodeConflict, errs.WithMessage("run not pending"), errs.WithHTTP(409))
	}
	m.mu.Unlock()

	components, err := m.builder(ctx, rc.run)
	if err != nil {
		m.transitionError(ctx, runID, "build_failed: "+err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	rc.components = components
	rc.cancel = cancel
	startedAt := time.Now().UTC()
	rc.run.Status = StatusRunning
	rc.run.StartedAt = &startedAt
	run := rc.run
	m.mu.Unlock()

	if err := m.store.Update(ctx, run); err != nil {
		log.Printf("weaver/runmanager: persist run %s start: %v", runID, err)
	}
	m.emit(ctx, runID, "run.Started", run)

	go func() {
		err := components.Clock.Start(runCtx, runID)
		if err != nil && runCtx.Err() == nil {
			m.transitionError(context.Background(), runID, err.Error())
			return
		}
		if runCtx.Err() == nil {
			// BacktestClock exhausted its range normally.
			m.Complete(context.Background(), runID)
		}
	}()
	return nil
}

// Stop transitions running -> stopped, tearing down in strict reverse order
// (clock.stop -> runner.cleanup -> adapter/simulator teardown -> unsubscribe
// all), then emits run.Stopped. Idempotent if already terminal.
func (m *Manager) Stop(ctx context.Context, runID string) error {
	return m.teardown(ctx, runID, StatusStopped, "run.Stopped", "")
}

// Complete transitions to completed; invoked when a backtest clock exhausts
// or a live run ends normally.
func (m *Manager) Complete(ctx context.Context, runID string) error {
	return m.teardown(ctx, runID, StatusCompleted, "run.Completed", "")
}

// Error transitions to error with reason, tearing down as in Stop.
func (m *Manager) Error(ctx context.Context, runID string, reason string) error {
	return m.teardown(ctx, runID, StatusError, "run.Error", reason)
}

func (m *Manager) transitionError(ctx context.Context, runID, reason string) {
	if err := m.teardown(ctx, runID, StatusError, "run.Error", reason); err != nil {
		log.Printf("weaver/runmanager: transition run %s to error: %v", runID, err)
	}
}

func (m *Manager) teardown(ctx context.Context, runID string, target Status, eventType, reason string) error {
	m.mu.Lock()
	rc, ok := m.contexts[runID]
	if !ok {
		m.mu.Unlock()
		return errs.New("runmanager/teardown", errs.CodeNotFound, errs.WithHTTP(404))
	}
	if rc.run.Status.terminal() {
		m.mu.Unlock()
		return nil // idempotent
	}

	components := rc.components
	cancel := rc.cancel
	now := time.Now().UTC()
	rc.run.Status = target
	rc.run.StoppedAt = &now
	rc.run.ErrorReason = reason
	run := rc.run
	m.mu.Unlock()

	// Strict reverse teardown order: clock.stop -> runner.cleanup ->
	// adapter/simulator disconnect -> cancel the run's own context (which
	// unsubscribes everything still listening on it).
	if components != nil {
		if components.Clock != nil {
			components.Clock.Stop()
		}
		if components.Runner != nil {
			components.Runner.Cleanup()
		}
		if components.Exchange != nil {
			_ = components.Exchange.Disconnect(ctx)
		}
	}
	if cancel != nil {
		cancel()
	}
	if m.router != nil {
		m.router.Forget(runID)
	}

	if err := m.store.Update(ctx, run); err != nil {
		log.Printf("weaver/runmanager: persist run %s teardown: %v", runID, err)
	}

	payload := map[string]any{"run_id": runID}
	if reason != "" {
		payload["reason"] = reason
	}
	m.emit(ctx, runID, eventType, payload)
	return nil
}

// Get returns the current Run record.
func (m *Manager) Get(runID string) (Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.contexts[runID]
	if !ok {
		return Run{}, false
	}
	return rc.run, true
}

// List returns a snapshot of every run currently registered (any status).
func (m *Manager) List() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Run, 0, len(m.contexts))
	for _, rc := range m.contexts {
		out = append(out, rc.run)
	}
	return out
}

// Exchange returns the simulator-or-adapter attached to a started run, for
// the HTTP API's order submission/cancellation routes.
func (m *Manager) Exchange(runID string) (simulator.Exchange, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.contexts[runID]
	if !ok || rc.components == nil || rc.components.Exchange == nil {
		return nil, false
	}
	return rc.components.Exchange, true
}

// RunMode implements router.ModeLookup: returns ("", false) for unknown or
// terminal runs so DomainRouter emits run.UnknownRouted instead of routing
// against a dead run.
func (m *Manager) RunMode(runID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.contexts[runID]
	if !ok || rc.run.Status.terminal() {
		return "", false
	}
	return string(rc.run.Mode), true
}

// Recover loads persisted Run entries at process start; any row left in
// running is transitioned to error (reason: recovery_abort) since simulator
// and strategy state is not journalled and cannot be safely resumed.
func (m *Manager) Recover(ctx context.Context) error {
	runs, err := m.store.List(ctx)
	if err != nil {
		return errs.New("runmanager/recover", errs.CodeUnavailable, errs.WithCause(err))
	}
	m.mu.Lock()
	for _, run := range runs {
		m.contexts[run.ID] = &runContext{run: run}
	}
	m.mu.Unlock()

	for _, run := range runs {
		if run.Status == StatusRunning {
			if err := m.Error(ctx, run.ID, string(errs.CodeRecoveryAbort)); err != nil {
				log.Printf("weaver/runmanager: recovery abort run %s: %v", run.ID, err)
			}
		}
	}
	return nil
}
