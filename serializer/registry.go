// Package serializer encodes aggregates/entities/events into a compact,
// self-describing binary form, with selective field encryption and optional
// compression above a size threshold.
//
// Dynamic field dispatch (as a reflection-heavy language might do it)
// becomes, in Go, a per-type registry keyed by a stable typeTag string,
// populated once at process start — no runtime reflection is needed.
package serializer

import (
	"fmt"
	"sync"

	"github.com/slapcommerce/core/coreerr"
)

// TypeDescriptor is the registry entry for one typeTag: field order,
// which fields are encrypted, which are marked as nested entities, and the
// construction hook used on decode.
type TypeDescriptor struct {
	// Fields lists the positional field names, in encode/decode order.
	Fields []string
	// Encrypted marks, by position, which fields are individually
	// encrypted after being encoded.
	Encrypted []bool
	// NestedEntities marks, by position, which fields are sub-entities.
	// Only its length is validated: Encode and Decode treat marked fields
	// like any other field, so Construct receives the plain msgpack-decoded
	// value and nested fields are not decoded recursively.
	NestedEntities []bool
	// SchemaVersion is carried forward unchanged so a future decoder can
	// dispatch on it without re-deriving it from the data.
	SchemaVersion int
	// Construct rebuilds a value of this type from its positional field
	// values, in the same order as Fields.
	Construct func(fields []any) (any, error)
}

func (d TypeDescriptor) validate(tag string) error {
	if len(d.Fields) == 0 {
		return coreerr.SchemaError{TypeTag: tag, Reason: "no fields registered"}
	}

	if len(d.Encrypted) != 0 && len(d.Encrypted) != len(d.Fields) {
		return coreerr.SchemaError{TypeTag: tag, Reason: "Encrypted length does not match Fields length"}
	}

	if len(d.NestedEntities) != 0 && len(d.NestedEntities) != len(d.Fields) {
		return coreerr.SchemaError{TypeTag: tag, Reason: "NestedEntities length does not match Fields length"}
	}

	if d.Construct == nil {
		return coreerr.SchemaError{TypeTag: tag, Reason: "no Construct hook registered"}
	}

	return nil
}

func (d TypeDescriptor) isEncrypted(i int) bool {
	return i < len(d.Encrypted) && d.Encrypted[i]
}

func (d TypeDescriptor) isNested(i int) bool {
	return i < len(d.NestedEntities) && d.NestedEntities[i]
}

// Registry is a process-wide catalog of TypeDescriptors, populated at
// startup via Register. It is safe for concurrent reads after startup;
// the mutex only protects against registration races during init.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeDescriptor
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]TypeDescriptor)}
}

// Register adds or replaces the descriptor for typeTag.
func (r *Registry) Register(typeTag string, desc TypeDescriptor) error {
	if err := desc.validate(typeTag); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.types[typeTag] = desc

	return nil
}

// Lookup returns the descriptor for typeTag, or UnknownTypeError.
func (r *Registry) Lookup(typeTag string) (TypeDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.types[typeTag]
	if !ok {
		return TypeDescriptor{}, coreerr.UnknownTypeError{TypeTag: typeTag}
	}

	return desc, nil
}

// MustRegister is a startup-time helper that panics on a malformed
// descriptor, matching the "populated at process start" registry model —
// a bad registration is a programming error, not a runtime condition.
func (r *Registry) MustRegister(typeTag string, desc TypeDescriptor) {
	if err := r.Register(typeTag, desc); err != nil {
		panic(fmt.Sprintf("serializer: MustRegister(%q): %v", typeTag, err))
	}
}
