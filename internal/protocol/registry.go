package protocol

import (
	"fmt"
	"sort"
)

// PayloadSpec binds a type code to the payload shape used to decode it.
type PayloadSpec struct {
	Type MessageType
	Name string

	// New returns a pointer to a zero payload value. Nil means the payload stays raw.
	New func() any
}

// TypeRegistry maps type codes to payload specs. It is built once at startup and is
// read-only afterwards, so lookups need no locking.
type TypeRegistry struct {
	specs    map[MessageType]PayloadSpec
	fallback *PayloadSpec
}

// RegistryOption configures a TypeRegistry.
type RegistryOption func(*TypeRegistry)

// WithFallback decodes unknown type codes with spec instead of failing.
// The fallback's Type is ignored.
func WithFallback(spec PayloadSpec) RegistryOption {
	return func(r *TypeRegistry) {
		r.fallback = &spec
	}
}

// NewTypeRegistry builds a registry from an explicit table of specs.
func NewTypeRegistry(specs []PayloadSpec, opts ...RegistryOption) (*TypeRegistry, error) {
	r := &TypeRegistry{specs: make(map[MessageType]PayloadSpec, len(specs))}
	for _, s := range specs {
		if existing, ok := r.specs[s.Type]; ok {
			return nil, fmt.Errorf("%w: %s registered as %q and %q", ErrDuplicateType, s.Type, existing.Name, s.Name)
		}
		r.specs[s.Type] = s
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Lookup resolves the payload spec for a type code, falling back when configured.
func (r *TypeRegistry) Lookup(t MessageType) (PayloadSpec, bool) {
	if s, ok := r.specs[t]; ok {
		return s, true
	}
	if r.fallback != nil {
		s := *r.fallback
		s.Type = t
		return s, true
	}
	return PayloadSpec{}, false
}

// Name returns the registered name of t, or its numeric form.
func (r *TypeRegistry) Name(t MessageType) string {
	if s, ok := r.specs[t]; ok {
		return s.Name
	}
	return t.String()
}

// Types returns all registered type codes in ascending order.
func (r *TypeRegistry) Types() []MessageType {
	out := make([]MessageType, 0, len(r.specs))
	for t := range r.specs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Spec is a helper for declaring table entries with a typed constructor.
func Spec[T any](t MessageType, name string) PayloadSpec {
	return PayloadSpec{
		Type: t,
		Name: name,
		New:  func() any { return new(T) },
	}
}
