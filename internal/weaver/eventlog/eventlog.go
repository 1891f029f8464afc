// Package eventlog implements the append-only outbox described in the run
// runtime core: ordered append, (consumer, offset) resume, filtered
// subscriptions, and non-blocking fan-out notify.
package eventlog

import (
	"context"

	"github.com/weaverhq/weaver/internal/weaver/envelope"
)

// SubscriptionID identifies one live subscription.
type SubscriptionID string

// Entry pairs an assigned sequence number with the envelope it wraps.
type Entry struct {
	Seq      uint64
	Envelope *envelope.Envelope
}

// Filter is a composable predicate over type, run_id, and corr_id. A nil
// Filter matches everything.
type Filter func(e *envelope.Envelope) bool

// And combines filters; a nil member is treated as always-true.
func And(filters ...Filter) Filter {
	return func(e *envelope.Envelope) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}

// ByRunID matches envelopes scoped to one run.
func ByRunID(runID string) Filter {
	if runID == "" {
		return nil
	}
	return func(e *envelope.Envelope) bool { return e.RunID == runID }
}

// ByCorrID matches envelopes in one correlation group.
func ByCorrID(corrID string) Filter {
	if corrID == "" {
		return nil
	}
	return func(e *envelope.Envelope) bool { return e.CorrID == corrID }
}

// ByTypes matches any of the given types; "*" matches everything.
func ByTypes(types ...string) Filter {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(types))
	all := false
	for _, t := range types {
		if t == "*" {
			all = true
		}
		set[t] = struct{}{}
	}
	if all {
		return nil
	}
	return func(e *envelope.Envelope) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// Log is the EventLog contract (§4.2). Append never blocks on subscriber
// progress; a slow subscriber is flagged via subscriber_lag diagnostics, not
// allowed to back-pressure producers. The one deliberate exception is the
// BacktestClock's own tick-then-wait loop, which lives in package clock and
// cooperates explicitly rather than through this interface.
type Log interface {
	// Append assigns the next seq, persists (durable mode) or ring-appends
	// (in-memory mode), and notifies subscribers. Returns the assigned seq.
	Append(ctx context.Context, e *envelope.Envelope) (uint64, error)

	// Read returns ordered entries with seq > fromSeq, up to limit, matching
	// filter (nil = everything).
	Read(ctx context.Context, fromSeq uint64, limit int, filter Filter) ([]Entry, error)

	// Subscribe delivers future appends matching types ("*" = all) and filter.
	// The returned channel is bounded; see package-level docs on backpressure.
	Subscribe(ctx context.Context, types []string, filter Filter) (SubscriptionID, <-chan Entry, error)

	// Unsubscribe is a no-op for unknown ids.
	Unsubscribe(id SubscriptionID)

	// CommitOffset advances consumer's offset monotonically; regressions are
	// ignored.
	CommitOffset(ctx context.Context, consumer string, seq uint64) error

	// LoadOffset returns 0 for an unknown consumer.
	LoadOffset(ctx context.Context, consumer string) (uint64, error)

	// Close releases resources and unblocks any pending subscribers.
	Close()
}
