package eventlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/weaverhq/weaver/errs"
	"github.com/weaverhq/weaver/internal/weaver/envelope"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MemoryConfig tunes the in-memory EventLog.
type MemoryConfig struct {
	// RingCapacity bounds how many entries are retained for Read; oldest
	// entries are evicted once exceeded. Default 100_000 per spec.md §4.2.
	RingCapacity int
	// SubscriberBuffer bounds each subscription's delivery channel.
	SubscriberBuffer int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.RingCapacity <= 0 {
		c.RingCapacity = 100_000
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	return c
}

type subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	types  []string
	filter Filter
	ch     chan Entry
	once   sync.Once
}

func (s *subscription) matches(e *envelope.Envelope) bool {
	if len(s.types) > 0 {
		ok := false
		for _, t := range s.types {
			if t == "*" || t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if s.filter != nil && !s.filter(e) {
		return false
	}
	return true
}

func (s *subscription) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// MemoryLog is the in-memory EventLog: a bounded ring plus in-memory consumer
// offsets, no cross-restart replay. Grounded on the teacher's
// internal/bus/databus in-memory bus: a single RWMutex-guarded subscriber
// map, per-subscriber bounded channels, non-blocking delivery that drops
// (rather than blocks) on a full buffer.
type MemoryLog struct {
	cfg MemoryConfig

	meter  metric.Meter
	lagCnt metric.Int64Counter

	mu      sync.RWMutex
	ring    []Entry
	nextSeq uint64

	subMu sync.RWMutex
	subs  map[SubscriptionID]*subscription
	subID uint64

	offMu    sync.Mutex
	offsets  map[string]uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemoryLog constructs an in-memory EventLog.
func NewMemoryLog(cfg MemoryConfig) *MemoryLog {
	cfg = cfg.normalize()
	meter := otel.Meter("weaver/eventlog")
	lagCnt, _ := meter.Int64Counter("weaver_eventlog_subscriber_lag_total")
	return &MemoryLog{
		cfg:     cfg,
		meter:   meter,
		lagCnt:  lagCnt,
		ring:    make([]Entry, 0, cfg.RingCapacity),
		subs:    make(map[SubscriptionID]*subscription),
		offsets: make(map[string]uint64),
		closed:  make(chan struct{}),
	}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, e *envelope.Envelope) (uint64, error) {
	if e == nil {
		return 0, errs.New("eventlog/append", errs.CodeInvalid, errs.WithMessage("nil envelope"))
	}
	if err := envelope.ValidateType(e.Type); err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.nextSeq++
	seq := l.nextSeq
	entry := Entry{Seq: seq, Envelope: e}
	l.ring = append(l.ring, entry)
	if len(l.ring) > l.cfg.RingCapacity {
		drop := len(l.ring) - l.cfg.RingCapacity
		l.ring = l.ring[drop:]
	}
	l.mu.Unlock()

	l.notify(ctx, entry)
	return seq, nil
}

func (l *MemoryLog) notify(ctx context.Context, entry Entry) {
	l.subMu.RLock()
	targets := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		if s.matches(entry.Envelope) {
			targets = append(targets, s)
		}
	}
	l.subMu.RUnlock()

	for _, s := range targets {
		select {
		case <-s.ctx.Done():
		case s.ch <- entry:
		default:
			// Slow subscriber: drop this entry rather than block the append
			// path (§5 backpressure). Diagnostic only; the subscription stays
			// registered.
			if l.lagCnt != nil {
				l.lagCnt.Add(ctx, 1, metric.WithAttributes(attribute.String("type", entry.Envelope.Type)))
			}
		}
	}
}

// Read implements Log.
func (l *MemoryLog) Read(_ context.Context, fromSeq uint64, limit int, filter Filter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, limit)
	for _, entry := range l.ring {
		if entry.Seq <= fromSeq {
			continue
		}
		if filter != nil && !filter(entry.Envelope) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Subscribe implements Log.
func (l *MemoryLog) Subscribe(ctx context.Context, types []string, filter Filter) (SubscriptionID, <-chan Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ctx:    subCtx,
		cancel: cancel,
		types:  types,
		filter: filter,
		ch:     make(chan Entry, l.cfg.SubscriberBuffer),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&l.subID, 1)))

	l.subMu.Lock()
	l.subs[id] = sub
	l.subMu.Unlock()

	go func() {
		<-subCtx.Done()
		l.subMu.Lock()
		if stored, ok := l.subs[id]; ok && stored == sub {
			delete(l.subs, id)
		}
		l.subMu.Unlock()
		sub.close()
	}()

	return id, sub.ch, nil
}

// Unsubscribe implements Log.
func (l *MemoryLog) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	l.subMu.Lock()
	sub, ok := l.subs[id]
	if ok {
		delete(l.subs, id)
	}
	l.subMu.Unlock()
	if ok {
		sub.close()
	}
}

// CommitOffset implements Log.
func (l *MemoryLog) CommitOffset(_ context.Context, consumer string, seq uint64) error {
	if consumer == "" {
		return errs.New("eventlog/offset", errs.CodeInvalid, errs.WithMessage("consumer required"))
	}
	l.offMu.Lock()
	defer l.offMu.Unlock()
	if cur, ok := l.offsets[consumer]; ok && seq <= cur {
		return nil
	}
	l.offsets[consumer] = seq
	return nil
}

// LoadOffset implements Log.
func (l *MemoryLog) LoadOffset(_ context.Context, consumer string) (uint64, error) {
	l.offMu.Lock()
	defer l.offMu.Unlock()
	return l.offsets[consumer], nil
}

// Close implements Log.
func (l *MemoryLog) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.subMu.Lock()
		for id, sub := range l.subs {
			sub.close()
			delete(l.subs, id)
		}
		l.subMu.Unlock()
	})
}

var _ Log = (*MemoryLog)(nil)
