package clock

import (
	"context"
	"log"
	"time"
)

// runSupervised invokes cb with a bounded timeout; a timeout cancels only
// this callback invocation and logs — it never stops the clock or affects
// other subscribers for the same tick (§4.3, §5 "Cancellation and
// timeouts").
func runSupervised(ctx context.Context, timeout time.Duration, tick Tick, cb Callback) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- cb(cctx, tick)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Printf("weaver/clock: tick callback error run_id=%s ts=%s: %v", tick.RunID, tick.TS, err)
		}
	case <-cctx.Done():
		log.Printf("weaver/clock: tick callback timeout run_id=%s ts=%s after %s", tick.RunID, tick.TS, timeout)
	}
}
