package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// BacktestClock is the deterministic, fast-forward clock: each iteration
// emits clock.Tick{ts=simulated_time, bar_index++} and THEN waits for every
// subscriber callback for that tick to return before advancing
// simulated_time += timeframe. This is the one intentional back-pressure
// loop in the system (§5). Grounded on the teacher's VirtualClock
// (AdvanceTo semantics), extended with the wait-for-subscribers step the
// teacher's variant does not need since its backtest.Engine drives
// dispatch synchronously rather than through a subscriber set.
type BacktestClock struct {
	start, end time.Time
	tf         Timeframe

	subs *subscribers

	mu        sync.Mutex
	simulated time.Time
	barIndex  int

	stopped atomic.Bool
}

// NewBacktestClock constructs a BacktestClock over [start, end] inclusive.
func NewBacktestClock(start, end time.Time, tf Timeframe) *BacktestClock {
	return &BacktestClock{
		start:     start,
		end:       end,
		tf:        tf,
		subs:      newSubscribers(),
		simulated: start,
	}
}

// CurrentTime implements Clock.
func (c *BacktestClock) CurrentTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simulated
}

// OnTick implements Clock.
func (c *BacktestClock) OnTick(cb Callback) func() { return c.subs.add(cb) }

// Stop implements Clock; idempotent. Subsequent ticks are suppressed but an
// in-flight tick's callbacks are allowed to complete.
func (c *BacktestClock) Stop() { c.stopped.Store(true) }

// Start implements Clock: runs until simulated_time > end or Stop is called.
// Each tick's callbacks run concurrently with each other but the loop waits
// for ALL of them before advancing — the cooperative backpressure contract.
func (c *BacktestClock) Start(ctx context.Context, runID string) error {
	for {
		if c.stopped.Load() {
			return nil
		}
		c.mu.Lock()
		ts := c.simulated
		idx := c.barIndex
		c.mu.Unlock()

		if ts.After(c.end) {
			return nil
		}

		tick := Tick{RunID: runID, TS: ts, BarIndex: idx, IsBacktest: true}

		var wg sync.WaitGroup
		for _, cb := range c.subs.snapshot() {
			wg.Add(1)
			cb := cb
			go func() {
				defer wg.Done()
				runSupervised(ctx, TickTimeout, tick, cb)
			}()
		}

		waitDone := make(chan struct{})
		go func() {
			wg.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-ctx.Done():
			return ctx.Err()
		}

		c.mu.Lock()
		c.simulated = c.simulated.Add(c.tf.Duration())
		c.barIndex++
		c.mu.Unlock()
	}
}

var _ Clock = (*BacktestClock)(nil)
