package router

import (
	"testing"

	"github.com/weaverhq/weaver/internal/weaver/envelope"
)

type fakeModeLookup struct {
	modes map[string]string
}

func (f *fakeModeLookup) RunMode(runID string) (string, bool) {
	mode, ok := f.modes[runID]
	return mode, ok
}

func TestRoutePassesThroughNonStrategyEnvelopes(t *testing.T) {
	r := New(&fakeModeLookup{})
	e := &envelope.Envelope{ID: "e1", Type: "orders.Created", RunID: "run-1"}

	rewritten, diagnostic := r.Route(e)
	if rewritten != e {
		t.Fatalf("expected pass-through of non-strategy envelope unchanged")
	}
	if diagnostic != nil {
		t.Fatalf("unexpected diagnostic for non-strategy envelope: %+v", diagnostic)
	}
}

func TestRouteRewritesLiveMode(t *testing.T) {
	r := New(&fakeModeLookup{modes: map[string]string{"run-1": "live"}})
	e := &envelope.Envelope{ID: "e1", Type: "strategy.PlaceRequest", RunID: "run-1"}

	rewritten, diagnostic := r.Route(e)
	if diagnostic != nil {
		t.Fatalf("unexpected diagnostic: %+v", diagnostic)
	}
	if rewritten.Type != "live.PlaceRequest" {
		t.Fatalf("rewritten.Type = %q, want live.PlaceRequest", rewritten.Type)
	}
}

func TestRouteRewritesBacktestMode(t *testing.T) {
	r := New(&fakeModeLookup{modes: map[string]string{"run-1": "backtest"}})
	e := &envelope.Envelope{ID: "e1", Type: "strategy.PlaceRequest", RunID: "run-1"}

	rewritten, diagnostic := r.Route(e)
	if diagnostic != nil {
		t.Fatalf("unexpected diagnostic: %+v", diagnostic)
	}
	if rewritten.Type != "backtest.PlaceRequest" {
		t.Fatalf("rewritten.Type = %q, want backtest.PlaceRequest", rewritten.Type)
	}
}

func TestRouteUnknownRunEmitsDiagnostic(t *testing.T) {
	r := New(&fakeModeLookup{})
	e := &envelope.Envelope{ID: "e1", Type: "strategy.PlaceRequest", RunID: "run-missing"}

	rewritten, diagnostic := r.Route(e)
	if rewritten != nil {
		t.Fatalf("expected no rewritten envelope for unknown run, got %+v", rewritten)
	}
	if diagnostic == nil {
		t.Fatal("expected a run.UnknownRouted diagnostic")
	}
	if diagnostic.Type != "run.UnknownRouted" {
		t.Fatalf("diagnostic.Type = %q, want run.UnknownRouted", diagnostic.Type)
	}
	payload, _ := diagnostic.Payload.(map[string]any)
	if payload["original_type"] != "strategy.PlaceRequest" {
		t.Fatalf("diagnostic payload missing original_type: %+v", diagnostic.Payload)
	}
}

func TestRouteCachesModeAfterFirstObservation(t *testing.T) {
	lookup := &fakeModeLookup{modes: map[string]string{"run-1": "live"}}
	r := New(lookup)

	e1 := &envelope.Envelope{ID: "e1", Type: "strategy.PlaceRequest", RunID: "run-1"}
	if _, _, ok := mustRoute(r, e1); !ok {
		t.Fatal("first route should succeed")
	}

	// Mutate the backing lookup after the first observation; the cached
	// answer must win.
	lookup.modes["run-1"] = "backtest"

	e2 := &envelope.Envelope{ID: "e2", Type: "strategy.CancelRequest", RunID: "run-1"}
	rewritten, _ := r.Route(e2)
	if rewritten.Type != "live.CancelRequest" {
		t.Fatalf("rewritten.Type = %q, want live.CancelRequest (cached mode should win)", rewritten.Type)
	}
}

func TestForgetEvictsCachedMode(t *testing.T) {
	lookup := &fakeModeLookup{modes: map[string]string{"run-1": "live"}}
	r := New(lookup)

	e1 := &envelope.Envelope{ID: "e1", Type: "strategy.PlaceRequest", RunID: "run-1"}
	r.Route(e1)

	r.Forget("run-1")
	lookup.modes["run-1"] = "backtest"

	e2 := &envelope.Envelope{ID: "e2", Type: "strategy.PlaceRequest", RunID: "run-1"}
	rewritten, _ := r.Route(e2)
	if rewritten.Type != "backtest.PlaceRequest" {
		t.Fatalf("rewritten.Type = %q, want backtest.PlaceRequest after Forget", rewritten.Type)
	}
}

func mustRoute(r *Router, e *envelope.Envelope) (*envelope.Envelope, *envelope.Envelope, bool) {
	rewritten, diagnostic := r.Route(e)
	return rewritten, diagnostic, rewritten != nil
}
