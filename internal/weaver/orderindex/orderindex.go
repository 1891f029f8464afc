// Package orderindex maintains an in-memory projection of order lifecycle
// state by consuming orders.* envelopes off the shared event log, exposing
// the read model the HTTP API's /api/v1/orders routes serve. Grounded on
// internal/domain/orderstore.Store's OrderRecord/OrderQuery shape, reduced
// from a durable multi-tenant store to the single-process projection the
// control plane's read side needs (orders are authored by the simulator or
// live adapter; this package only ever reads, never writes, order state).
package orderindex

import (
	"context"
	"sort"
	"sync"

	"github.com/weaverhq/weaver/internal/weaver/envelope"
	"github.com/weaverhq/weaver/internal/weaver/eventlog"
)

// Record is the read-model row served to API clients.
type Record struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	ClientOrderID string         `json:"client_order_id"`
	Symbol        string         `json:"symbol,omitempty"`
	Side          string         `json:"side,omitempty"`
	Type          string         `json:"type,omitempty"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Index is the in-memory order projection, safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	orders map[string]*Record
}

// New constructs an empty Index.
func New() *Index {
	return &Index{orders: make(map[string]*Record)}
}

// Pump subscribes to every orders.* envelope and updates the projection
// until ctx is cancelled.
func (idx *Index) Pump(ctx context.Context, log eventlog.Log) error {
	_, ch, err := log.Subscribe(ctx, []string{"*"}, func(e *envelope.Envelope) bool {
		return e.Namespace() == "orders"
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
			idx.apply(entry.Envelope)
		}
	}
}

func (idx *Index) apply(e *envelope.Envelope) {
	payload, _ := e.Payload.(map[string]any)
	id, _ := payload["id"].(string)
	if id == "" {
		id, _ = payload["client_order_id"].(string)
	}
	if id == "" {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	rec, ok := idx.orders[id]
	if !ok {
		rec = &Record{ID: id, RunID: e.RunID}
		idx.orders[id] = rec
	}
	if v, ok := payload["client_order_id"].(string); ok {
		rec.ClientOrderID = v
	}
	if v, ok := payload["symbol"].(string); ok {
		rec.Symbol = v
	}
	if v, ok := payload["side"].(string); ok {
		rec.Side = v
	}
	if v, ok := payload["type"].(string); ok {
		rec.Type = v
	}
	rec.Status = statusFromType(e.Type)
	rec.Payload = payload
}

func statusFromType(envType string) string {
	switch envType {
	case "orders.Created", "orders.Accepted":
		return "accepted"
	case "orders.PartiallyFilled":
		return "partial"
	case "orders.Filled":
		return "filled"
	case "orders.Cancelled":
		return "cancelled"
	case "orders.Rejected":
		return "rejected"
	case "orders.Expired":
		return "expired"
	default:
		return "unknown"
	}
}

// Query scopes List lookups.
type Query struct {
	RunID  string
	Status string
}

// List returns matching records ordered by ID for stable pagination.
func (idx *Index) List(q Query) []Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Record, 0, len(idx.orders))
	for _, rec := range idx.orders {
		if q.RunID != "" && rec.RunID != q.RunID {
			continue
		}
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a single order by ID.
func (idx *Index) Get(id string) (Record, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rec, ok := idx.orders[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
