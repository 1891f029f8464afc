// Package broadcaster implements the SSE Broadcaster (C8): it subscribes to
// the EventLog with no type filter, fans out to HTTP clients filtered by
// run_id, and disconnects slow consumers instead of blocking. Grounded on
// the teacher's pkg/dispatcher.Fanout (bounded-concurrency parallel
// delivery via sourcegraph/conc/pool, per-subscriber panic recovery,
// aggregated FanoutError), adapted from handler-based delivery to
// per-client bounded buffers since SSE clients pull from a channel rather
// than being called synchronously.
package broadcaster

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"

	"github.com/weaverhq/weaver/internal/weaver/envelope"
	"github.com/weaverhq/weaver/internal/weaver/eventlog"
)

// DefaultBufferSize is the per-client bounded buffer (§4.8).
const DefaultBufferSize = 256

// Message is one SSE frame ready to write: "event: <type>\ndata: <json>\n\n".
type Message struct {
	Event string
	Data  []byte
}

// Client is one connected SSE subscriber.
type Client struct {
	id     string
	runID  string // "" = no filter
	ch     chan Message
	closed atomic.Bool
}

// Recv returns the client's message channel; closed when the client is
// disconnected (by the broadcaster or by Close).
func (c *Client) Recv() <-chan Message { return c.ch }

// Close disconnects the client from the caller side (e.g. HTTP handler
// detecting the request context was cancelled).
func (c *Client) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.ch)
	}
}

// Broadcaster holds the set of connected client sinks and fans out every
// appended envelope to matching clients without ever blocking the EventLog.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client
	nextID  uint64

	workers int
}

// New constructs a Broadcaster. workers bounds fan-out concurrency per
// envelope (sourcegraph/conc/pool), mirroring the teacher's Fanout
// maxWorkers knob.
func New(workers int) *Broadcaster {
	if workers <= 0 {
		workers = 16
	}
	return &Broadcaster{clients: make(map[string]*Client), workers: workers}
}

// Subscribe registers a new SSE client, optionally filtered by runID ("" =
// all runs), and returns it.
func (b *Broadcaster) Subscribe(runID string) *Client {
	b.mu.Lock()
	id := fmt.Sprintf("sse-%d", b.nextID)
	b.nextID++
	c := &Client{id: id, runID: runID, ch: make(chan Message, DefaultBufferSize)}
	b.clients[id] = c
	b.mu.Unlock()
	return c
}

// disconnect removes a client and closes its channel, logging reason as a
// slow_consumer diagnostic per §4.8/§7.
func (b *Broadcaster) disconnect(c *Client, reason string) {
	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
	c.Close()
	log.Printf("weaver/broadcaster: disconnecting client %s reason=%s", c.id, reason)
}

// Pump subscribes to log with no type filter and fans out every envelope
// until ctx is cancelled.
func (b *Broadcaster) Pump(ctx context.Context, log_ eventlog.Log) error {
	_, ch, err := log_.Subscribe(ctx, []string{"*"}, nil)
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
			b.dispatch(ctx, entry.Envelope)
		}
	}
}

func (b *Broadcaster) dispatch(ctx context.Context, e *envelope.Envelope) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("weaver/broadcaster: marshal envelope %s: %v", e.ID, err)
		return
	}
	msg := Message{Event: e.Type, Data: data}

	b.mu.RLock()
	targets := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		if c.runID == "" || c.runID == e.RunID {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(b.workers)
	for _, c := range targets {
		c := c
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("weaver/broadcaster: client %s panic: %v", c.id, r)
				}
			}()
			if c.closed.Load() {
				return
			}
			select {
			case c.ch <- msg:
			default:
				// Buffer full: disconnect, never block the append path.
				b.disconnect(c, "slow_consumer")
			}
		})
	}
	p.Wait()
}
