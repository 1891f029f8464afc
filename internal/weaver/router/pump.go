package router

import (
	"context"
	"log"

	"github.com/weaverhq/weaver/internal/weaver/envelope"
	"github.com/weaverhq/weaver/internal/weaver/eventlog"
)

// Pump subscribes to strategy.* on log, routes each envelope, and appends
// the rewritten (or diagnostic) result back onto the same log. Grounded on
// Orchestrator.Run's channel-pipeline shape, adapted from a dedicated
// in/out channel pair to EventLog subscribe/append since DomainRouter has
// exactly one upstream and one downstream here: the shared log.
func (r *Router) Pump(ctx context.Context, log_ eventlog.Log) error {
	// Subscribe's type filter matches on exact type; strategy.* envelopes
	// carry concrete types like strategy.PlaceRequest, so subscribe to "*"
	// and filter namespace ourselves.
	_, ch, err := log_.Subscribe(ctx, []string{"*"}, func(e *envelope.Envelope) bool {
		return e.Namespace() == "strategy"
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-ch:
			if !ok {
				return nil
			}
			rewritten, diagnostic := r.Route(entry.Envelope)
			if rewritten != nil {
				if _, err := log_.Append(ctx, rewritten); err != nil {
					log.Printf("weaver/router: append rewritten envelope: %v", err)
				}
			}
			if diagnostic != nil {
				if _, err := log_.Append(ctx, diagnostic); err != nil {
					log.Printf("weaver/router: append diagnostic envelope: %v", err)
				}
			}
		}
	}
}
