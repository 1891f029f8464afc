package clock

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// RealtimeClock emits clock.Tick on wall-aligned timeframe boundaries. It
// emits next_tick (the boundary), never the observed wall time, so
// downstream logic stays drift-free. Grounded on the teacher's
// VirtualClock's mutex-guarded current-time field, extended with a
// boundary-wait loop since the teacher has no wall-clock variant.
type RealtimeClock struct {
	tf     Timeframe
	buffer time.Duration

	subs *subscribers

	mu      sync.Mutex
	current time.Time

	stopped atomic.Bool
	done    chan struct{}
}

// NewRealtimeClock constructs a RealtimeClock for the given timeframe. buffer
// is the early-wake margin before the boundary (≈100ms per §4.3); zero
// selects the default.
func NewRealtimeClock(tf Timeframe, buffer time.Duration) *RealtimeClock {
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}
	return &RealtimeClock{
		tf:     tf,
		buffer: buffer,
		subs:   newSubscribers(),
		done:   make(chan struct{}),
	}
}

// CurrentTime implements Clock.
func (c *RealtimeClock) CurrentTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current.IsZero() {
		return time.Now().UTC()
	}
	return c.current
}

// OnTick implements Clock.
func (c *RealtimeClock) OnTick(cb Callback) func() { return c.subs.add(cb) }

// Stop implements Clock; idempotent.
func (c *RealtimeClock) Stop() {
	if c.stopped.CompareAndSwap(false, true) {
		close(c.done)
	}
}

// Start implements Clock: computes the next boundary, sleeps until
// boundary-buffer, precise-waits the remainder, emits the tick (fire-and
// -forget to subscribers — RealtimeClock never waits on callback
// completion before scheduling its own next tick; that backpressure loop
// is exclusive to BacktestClock), and repeats until Stop.
func (c *RealtimeClock) Start(ctx context.Context, runID string) error {
	barIndex := 0
	for {
		now := time.Now().UTC()
		next := CeilToBoundary(now, c.tf)
		if !next.After(now) {
			next = CeilToBoundary(now.Add(time.Nanosecond), c.tf)
		}

		wait := next.Sub(now) - c.buffer
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return nil
			}
		}
		// Precise short wait for the remaining buffer.
		for {
			remaining := time.Until(next)
			if remaining <= 0 {
				break
			}
			select {
			case <-time.After(minDuration(remaining, 5*time.Millisecond)):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return nil
			}
		}

		if drift := time.Since(next); drift > c.tf.Duration() {
			log.Printf("weaver/clock: realtime drift %s exceeds one %s interval, skipping ahead", drift, c.tf)
			continue
		}

		c.mu.Lock()
		c.current = next
		c.mu.Unlock()

		tick := Tick{RunID: runID, TS: next, BarIndex: barIndex, IsBacktest: false}
		barIndex++
		for _, cb := range c.subs.snapshot() {
			go runSupervised(ctx, TickTimeout, tick, cb)
		}

		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var _ Clock = (*RealtimeClock)(nil)
