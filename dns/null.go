package dns

import "context"

// NullResolver is the explicit terminator at the bottom of every chain.
// It never delegates and always answers HostNotFound — it exists so
// that "falling off the end of the chain" is a concrete, testable
// resolver rather than a nil check scattered through callers.
type NullResolver struct{}

// NewNullResolver returns the terminal resolver.
func NewNullResolver() *NullResolver {
	return &NullResolver{}
}

func (r *NullResolver) Lookup(_ context.Context, name string, kind Kind, _ bool) (RR, error) {
	return notFound(name, kind), nil
}

func (r *NullResolver) LayerBelow() Resolver { return nil }

func (r *NullResolver) Close() error { return nil }
