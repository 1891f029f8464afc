package eventlog

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weaverhq/weaver/errs"
	"github.com/weaverhq/weaver/internal/weaver/envelope"
)

// DurableLog is the Postgres-backed EventLog: append writes one outbox row
// per call in its own statement (it does not join a caller-provided
// transaction), a notify after the insert wakes in-process subscribers, and
// consumer offsets persist across restarts. Grounded on the teacher's
// internal/infra/persistence/postgres.OutboxStore shape (Enqueue/ListPending
// over a pgxpool.Pool, goccy/go-json payload encoding) adapted from its
// claim-and-retry worker-queue semantics to the spec's seq-ordered,
// subscriber-notified outbox.
type DurableLog struct {
	pool *pgxpool.Pool

	// local is an in-memory fan-out layer: durable Append persists first,
	// then republishes to the same subscriber bookkeeping MemoryLog already
	// implements, so DurableLog need not duplicate that machinery.
	local *MemoryLog
}

// NewDurableLog constructs a DurableLog. The schema it expects
// (outbox(seq, id, type, run_id, ts, payload) and
// consumer_offsets(consumer_name, last_processed_seq, updated_at)) is created
// by cmd/weaver-migrate per §6.
func NewDurableLog(pool *pgxpool.Pool, cfg MemoryConfig) *DurableLog {
	return &DurableLog{pool: pool, local: NewMemoryLog(cfg)}
}

// Append persists the envelope to the outbox, assigning seq from the
// database sequence, then notifies in-process subscribers. The insert always
// runs on the pool; a transaction the caller has open is not used, so the
// caller's own writes and this event commit separately.
func (l *DurableLog) Append(ctx context.Context, e *envelope.Envelope) (uint64, error) {
	if e == nil {
		return 0, errs.New("eventlog/append", errs.CodeInvalid, errs.WithMessage("nil envelope"))
	}
	if err := envelope.ValidateType(e.Type); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, errs.New("eventlog/append", errs.CodeInvalidPayload, errs.WithCause(err))
	}

	var seq uint64
	err = l.pool.QueryRow(ctx,
		`INSERT INTO outbox (id, type, run_id, ts, payload) VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
		e.ID, e.Type, nullableRunID(e.RunID), e.TS, payload,
	).Scan(&seq)
	if err != nil {
		return 0, errs.New("eventlog/append", errs.CodeUnavailable, errs.WithCause(err))
	}

	l.local.mu.Lock()
	entry := Entry{Seq: seq, Envelope: e}
	l.local.ring = append(l.local.ring, entry)
	if len(l.local.ring) > l.local.cfg.RingCapacity {
		drop := len(l.local.ring) - l.local.cfg.RingCapacity
		l.local.ring = l.local.ring[drop:]
	}
	if seq > l.local.nextSeq {
		l.local.nextSeq = seq
	}
	l.local.mu.Unlock()

	l.local.notify(ctx, entry)
	return seq, nil
}

func nullableRunID(runID string) any {
	if runID == "" {
		return nil
	}
	return runID
}

// Read returns ordered outbox rows with seq > fromSeq, matching filter.
// Filtering happens in-process after decode (the predicate is an arbitrary
// Go closure, not pushed into SQL) to keep Filter composable the same way
// across both Log implementations. A decoded envelope carries only ID, Type,
// RunID and Payload (Kind is always event): the outbox has no corr_id
// column, so a ByCorrID filter matches no row read here.
func (l *DurableLog) Read(ctx context.Context, fromSeq uint64, limit int, filter Filter) ([]Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := l.pool.Query(ctx,
		`SELECT seq, id, type, run_id, ts, payload FROM outbox WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		fromSeq, limit*4, // over-fetch to leave room for in-process filtering
	)
	if err != nil {
		return nil, errs.New("eventlog/read", errs.CodeUnavailable, errs.WithCause(err))
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			seq      uint64
			id, typ  string
			runID    *string
			ts       any
			payload  []byte
		)
		if err := rows.Scan(&seq, &id, &typ, &runID, &ts, &payload); err != nil {
			return nil, errs.New("eventlog/read", errs.CodeUnavailable, errs.WithCause(err))
		}
		e := &envelope.Envelope{ID: id, Kind: envelope.KindEvent, Type: typ}
		if runID != nil {
			e.RunID = *runID
		}
		_ = json.Unmarshal(payload, &e.Payload)
		if filter != nil && !filter(e) {
			continue
		}
		out = append(out, Entry{Seq: seq, Envelope: e})
		if len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return nil, errs.New("eventlog/read", errs.CodeUnavailable, errs.WithCause(err))
	}
	return out, nil
}

// Subscribe delegates to the in-process fan-out layer; durability only
// affects Append/Read/offsets, not live delivery.
func (l *DurableLog) Subscribe(ctx context.Context, types []string, filter Filter) (SubscriptionID, <-chan Entry, error) {
	return l.local.Subscribe(ctx, types, filter)
}

// Unsubscribe delegates to the in-process fan-out layer.
func (l *DurableLog) Unsubscribe(id SubscriptionID) { l.local.Unsubscribe(id) }

// CommitOffset persists the consumer's offset, ignoring regressions.
func (l *DurableLog) CommitOffset(ctx context.Context, consumer string, seq uint64) error {
	if consumer == "" {
		return errs.New("eventlog/offset", errs.CodeInvalid, errs.WithMessage("consumer required"))
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO consumer_offsets (consumer_name, last_processed_seq, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (consumer_name) DO UPDATE
		   SET last_processed_seq = GREATEST(consumer_offsets.last_processed_seq, EXCLUDED.last_processed_seq),
		       updated_at = now()`,
		consumer, seq,
	)
	if err != nil {
		return errs.New("eventlog/offset", errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

// LoadOffset returns 0 for an unknown consumer.
func (l *DurableLog) LoadOffset(ctx context.Context, consumer string) (uint64, error) {
	var seq uint64
	err := l.pool.QueryRow(ctx,
		`SELECT last_processed_seq FROM consumer_offsets WHERE consumer_name = $1`, consumer,
	).Scan(&seq)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, errs.New("eventlog/offset", errs.CodeUnavailable, errs.WithCause(err))
	}
	return seq, nil
}

// Close releases local subscriber state; the pool outlives the log and is
// closed by the owner of the pgxpool.Pool.
func (l *DurableLog) Close() { l.local.Close() }

var _ Log = (*DurableLog)(nil)
