package dns

import "context"

// Resolver is the contract every layer of the chain satisfies. A
// resolver either answers a query itself or delegates to LayerBelow.
// There are no separate SPF or explanation fetch methods: the root
// package fetches both with a plain TXT Lookup and applies the
// record/explanation selection rules itself.
type Resolver interface {
	// Lookup resolves name for the given Kind. cacheable tells a
	// caching layer whether the result of this particular query may be
	// stored (set false for lookups the caller knows are one-shot,
	// e.g. probes during linting). Lookup never returns a nil RR:
	// absence is encoded via RR.Status.
	Lookup(ctx context.Context, name string, kind Kind, cacheable bool) (RR, error)

	// LayerBelow returns the resolver this one delegates to when it
	// cannot answer, or nil if this is the terminal resolver.
	LayerBelow() Resolver

	// Close releases any resources this layer (and everything below
	// it) holds. Safe to call once per chain.
	Close() error
}

// Chain links resolvers together, innermost (fastest, least
// authoritative) first, terminating in NullResolver if the caller
// didn't supply one. It's a thin convenience over manually setting
// each resolver's "layer below" field — the production wiring used by
// Server is Cache -> System -> Null; the tests replace it with
// ZoneResolver -> Null.
func Chain(layers ...Resolver) Resolver {
	if len(layers) == 0 {
		return NewNullResolver()
	}
	for i := 0; i < len(layers)-1; i++ {
		setLayerBelow(layers[i], layers[i+1])
	}
	if layers[len(layers)-1].LayerBelow() == nil {
		setLayerBelow(layers[len(layers)-1], NewNullResolver())
	}
	return layers[0]
}

// layerSetter is implemented by resolvers whose layer-below can be
// rewired after construction (everything in this package).
type layerSetter interface {
	setLayerBelow(Resolver)
}

func setLayerBelow(r Resolver, below Resolver) {
	if ls, ok := r.(layerSetter); ok {
		ls.setLayerBelow(below)
	}
}

// delegate is the shared "ask the next layer" helper every resolver in
// this package uses when it can't answer a query itself.
func delegate(ctx context.Context, below Resolver, name string, kind Kind, cacheable bool) (RR, error) {
	if below == nil {
		return notFound(name, kind), nil
	}
	return below.Lookup(ctx, name, kind, cacheable)
}
