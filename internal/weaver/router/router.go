// Package router implements the DomainRouter (C4): a rewrite layer that
// subscribes to strategy.* envelopes and re-emits them as live.*/backtest.*
// based on each run's cached mode. Grounded on the teacher's
// internal/conductor.Orchestrator channel-pipeline shape (Run(ctx, in) ->
// (out, errCh), a process() dispatch per event, a mutex-guarded per-key
// cache) adapted from snapshot/delta fusion to mode-based type rewriting.
package router

import (
	"strings"
	"sync"

	"github.com/weaverhq/weaver/internal/weaver/envelope"
)

// ModeLookup resolves a run's mode; the router caches the first answer per
// run_id and never re-queries after that, per §4.4 ("mode transitions after
// run start are disallowed; the router caches mode at first observation").
type ModeLookup interface {
	// RunMode returns the run's mode ("live", "paper", "backtest") and true,
	// or ("", false) if the run is unknown or terminal.
	RunMode(runID string) (string, bool)
}

// Router rewrites strategy.* envelopes into live.*/backtest.* based on run
// mode, emitting run.UnknownRouted for unknown or terminal runs instead of
// dropping silently.
type Router struct {
	modes ModeLookup

	mu    sync.Mutex
	cache map[string]string // run_id -> mode, first-observation only
}

// New constructs a Router backed by modes.
func New(modes ModeLookup) *Router {
	return &Router{modes: modes, cache: make(map[string]string)}
}

// Route rewrites a single strategy.* envelope. Non-strategy envelopes pass
// through unchanged. The second return value is a diagnostic envelope
// (run.UnknownRouted) to emit alongside, non-nil only on an unknown/terminal
// run.
func (r *Router) Route(e *envelope.Envelope) (rewritten *envelope.Envelope, diagnostic *envelope.Envelope) {
	if e.Namespace() != "strategy" {
		return e, nil
	}

	mode, ok := r.modeFor(e.RunID)
	if !ok {
		return nil, unknownRouted(e)
	}

	suffix := strings.TrimPrefix(e.Type, "strategy.")
	var newType string
	switch mode {
	case "live", "paper":
		newType = "live." + suffix
	case "backtest":
		newType = "backtest." + suffix
	default:
		return nil, unknownRouted(e)
	}
	return e.WithType(newType), nil
}

// modeFor returns the cached mode for runID, querying ModeLookup only on
// first observation.
func (r *Router) modeFor(runID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mode, ok := r.cache[runID]; ok {
		return mode, true
	}
	mode, ok := r.modes.RunMode(runID)
	if !ok {
		return "", false
	}
	r.cache[runID] = mode
	return mode, true
}

// Forget drops a run's cached mode; called by RunManager on teardown so a
// terminated run falls through to run.UnknownRouted instead of continuing to
// route strategy.* envelopes under its last-observed mode (§4.4).
func (r *Router) Forget(runID string) {
	r.mu.Lock()
	delete(r.cache, runID)
	r.mu.Unlock()
}

func unknownRouted(e *envelope.Envelope) *envelope.Envelope {
	diag := e.WithType("run.UnknownRouted")
	diag.Payload = map[string]any{
		"original_type": e.Type,
		"run_id":        e.RunID,
	}
	return diag
}
