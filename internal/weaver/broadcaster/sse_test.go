package broadcaster

import (
	"context"
	"testing"
	"time"

	"github.com/weaverhq/weaver/internal/weaver/envelope"
)

func TestDispatchFiltersByRunID(t *testing.T) {
	b := New(4)
	matching := b.Subscribe("run-1")
	other := b.Subscribe("run-2")
	all := b.Subscribe("")

	b.dispatch(context.Background(), &envelope.Envelope{ID: "e1", Type: "orders.Created", RunID: "run-1"})

	select {
	case msg := <-matching.Recv():
		if msg.Event != "orders.Created" {
			t.Fatalf("event = %q, want orders.Created", msg.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("run-1 subscriber did not receive the matching envelope")
	}

	select {
	case <-all.Recv():
	case <-time.After(time.Second):
		t.Fatal("unfiltered subscriber did not receive the envelope")
	}

	select {
	case msg := <-other.Recv():
		t.Fatalf("run-2 subscriber should not have received anything, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchDisconnectsSlowConsumer(t *testing.T) {
	b := New(4)
	c := b.Subscribe("")

	// Fill the client's buffer beyond capacity without ever draining it.
	for i := 0; i < DefaultBufferSize+5; i++ {
		b.dispatch(context.Background(), &envelope.Envelope{ID: "e", Type: "orders.Created", RunID: ""})
	}

	if !c.closed.Load() {
		t.Fatal("slow consumer should have been disconnected (channel closed)")
	}

	b.mu.RLock()
	_, stillRegistered := b.clients[c.id]
	b.mu.RUnlock()
	if stillRegistered {
		t.Fatal("disconnected client should be removed from the registry")
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	b := New(4)
	c := b.Subscribe("")
	c.Close()
	c.Close()
}
