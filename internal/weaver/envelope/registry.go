package envelope

import (
	"reflect"
	"sync"

	"github.com/weaverhq/weaver/errs"
)

// Schema describes the registered shape of one envelope type at one version.
type Schema struct {
	Type    string
	Version int
	// PayloadType is the exact Go type the payload's dynamic type must equal;
	// nil means "any payload accepted" (used sparingly, for diagnostics).
	PayloadType reflect.Type
}

type registryEntry struct {
	schema Schema
}

// Registry is the process-wide type -> (payload schema, version) map.
// Registration is idempotent; re-registering the same (type, version) with a
// differing payload shape fails with CodeSchemaConflict.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

func key(typ string, version int) string {
	return typ + "#" + itoa(version)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Register adds a schema for (type, version). Calling it again with the same
// (type, version) and the same PayloadType is a no-op; calling it with a
// different PayloadType fails with CodeSchemaConflict.
func (r *Registry) Register(s Schema) error {
	if err := ValidateType(s.Type); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(s.Type, s.Version)
	existing, ok := r.entries[k]
	if !ok {
		r.entries[k] = registryEntry{schema: s}
		return nil
	}
	if existing.schema.PayloadType != s.PayloadType {
		return errs.New("envelope/registry", errs.CodeSchemaConflict,
			errs.WithMessage("re-registration of "+k+" with a differing payload schema"),
			errs.WithHTTP(500))
	}
	return nil
}

// Lookup returns the registered schema for (type, version), if any.
func (r *Registry) Lookup(typ string, version int) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(typ, version)]
	return e.schema, ok
}

// ValidatePayload checks a candidate envelope's payload against its
// registered schema. An unknown (type, version), or a schema with a nil
// PayloadType, is NOT an error here: read paths pass unknown types through
// with headers.unknown_type=true (see MarkUnknown) rather than reject them.
// A nil payload or a payload type mismatch fails with CodeInvalidPayload.
func (r *Registry) ValidatePayload(e *Envelope) error {
	schema, ok := r.Lookup(e.Type, e.Version)
	if !ok || schema.PayloadType == nil {
		return nil
	}
	if e.Payload == nil {
		return errs.New("envelope/registry", errs.CodeInvalidPayload,
			errs.WithMessage("nil payload for "+e.Type), errs.WithHTTP(422))
	}
	got := reflect.TypeOf(e.Payload)
	if got != schema.PayloadType {
		return errs.New("envelope/registry", errs.CodeInvalidPayload,
			errs.WithMessage("payload type "+got.String()+" does not match registered schema for "+e.Type),
			errs.WithHTTP(422))
	}
	return nil
}

// MarkUnknown flags an envelope read from an unregistered (type, version) so
// receivers can choose whether to process it.
func MarkUnknown(e *Envelope) {
	if e.Headers == nil {
		e.Headers = make(map[string]string, 1)
	}
	e.Headers["unknown_type"] = "true"
}
