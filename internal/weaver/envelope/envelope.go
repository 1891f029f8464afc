// Package envelope defines the canonical event record exchanged across the
// run runtime core, and the process-wide type registry that guards it.
package envelope

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weaverhq/weaver/errs"
)

// Kind distinguishes events from commands on the bus.
type Kind string

const (
	KindEvent   Kind = "event"
	KindCommand Kind = "command"
)

// Envelope is the canonical, immutable-once-appended record of one event.
// Decimal numeric fields live inside Payload and must be serialized as
// strings at every boundary (see payload types in package simulator/runner).
type Envelope struct {
	returned bool

	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Type        string         `json:"type"`
	Version     int            `json:"version"`
	RunID       string         `json:"run_id,omitempty"`
	CorrID      string         `json:"corr_id,omitempty"`
	CausationID string         `json:"causation_id,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	TS          time.Time      `json:"ts"`
	Producer    string         `json:"producer"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     any            `json:"payload"`
}

// Reset zeroes the envelope for pool reuse, mirroring the recycler idiom
// used across the hot event path.
func (e *Envelope) Reset() {
	if e == nil {
		return
	}
	e.ID = ""
	e.Kind = ""
	e.Type = ""
	e.Version = 0
	e.RunID = ""
	e.CorrID = ""
	e.CausationID = ""
	e.TraceID = ""
	e.TS = time.Time{}
	e.Producer = ""
	e.Headers = nil
	e.Payload = nil
	e.returned = false
}

// SetReturned toggles the pool-ownership flag.
func (e *Envelope) SetReturned(flag bool) {
	if e == nil {
		return
	}
	e.returned = flag
}

// IsReturned reports whether the envelope currently lives in the pool.
func (e *Envelope) IsReturned() bool {
	if e == nil {
		return false
	}
	return e.returned
}

// Namespace returns the leading dotted segment of Type (e.g. "strategy" for
// "strategy.PlaceRequest").
func (e *Envelope) Namespace() string {
	idx := strings.IndexByte(e.Type, '.')
	if idx < 0 {
		return e.Type
	}
	return e.Type[:idx]
}

// WithType returns a shallow copy of the envelope with a fresh ID, Type
// rewritten, and CausationID set to the original's ID, the pattern the
// domain router and strategy runner both use when translating one envelope
// into another. A fresh ID keeps the rewritten envelope a distinct outbox
// entry from the one it was derived from, even though both may be appended
// to the same log.
func (e *Envelope) WithType(newType string) *Envelope {
	cp := *e
	cp.ID = uuid.NewString()
	cp.Type = newType
	cp.CausationID = e.ID
	cp.returned = false
	return &cp
}

// ValidateType checks that a Type value has the dotted namespace.Name shape:
// exactly two non-empty segments separated by one dot. The case of either
// segment is not checked.
func ValidateType(t string) error {
	trimmed := strings.TrimSpace(t)
	if trimmed == "" {
		return errs.New("envelope", errs.CodeInvalid, errs.WithMessage("type required"), errs.WithHTTP(422))
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) != 2 {
		return errs.New("envelope", errs.CodeInvalid, errs.WithMessage("type must be namespace.PascalName"), errs.WithHTTP(422))
	}
	for _, part := range parts {
		if part == "" {
			return errs.New("envelope", errs.CodeInvalid, errs.WithMessage("empty type segment"), errs.WithHTTP(422))
		}
	}
	return nil
}
