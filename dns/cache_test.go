package dns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingResolver counts every Lookup that reaches it, so tests can
// assert a cache hit never falls through to the layer below.
type countingResolver struct {
	calls int
	rr    RR
	err   error
}

func (c *countingResolver) Lookup(ctx context.Context, name string, kind Kind, cacheable bool) (RR, error) {
	c.calls++
	rr := c.rr
	rr.Domain = name
	rr.Kind = kind
	return rr, c.err
}
func (c *countingResolver) LayerBelow() Resolver { return nil }
func (c *countingResolver) Close() error         { return nil }

func TestCacheResolverHitsDontDelegate(t *testing.T) {
	below := &countingResolver{rr: RR{Status: StatusSuccess, TTL: 300}}
	c := NewCacheResolver(4)
	setLayerBelow(c, below)

	_, err := c.Lookup(context.Background(), "example.com", KindA, true)
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), "example.com", KindA, true)
	require.NoError(t, err)

	assert.Equal(t, 1, below.calls, "second lookup should be served from cache")
}

func TestCacheResolverExpires(t *testing.T) {
	below := &countingResolver{rr: RR{Status: StatusSuccess, TTL: 1}}
	c := NewCacheResolver(4)
	setLayerBelow(c, below)

	now := time.Now()
	c.Now = func() time.Time { return now }

	_, err := c.Lookup(context.Background(), "example.com", KindTXT, true)
	require.NoError(t, err)
	assert.Equal(t, 1, below.calls)

	// TXT answers are floored to DefaultTXTTTL, so jumping past that
	// floor (not just the record's own TTL) must force a refetch.
	c.Now = func() time.Time { return now.Add(DefaultTXTTTL + time.Second) }
	_, err = c.Lookup(context.Background(), "example.com", KindTXT, true)
	require.NoError(t, err)
	assert.Equal(t, 2, below.calls, "expired entry should be refetched")
}

func TestCacheResolverNonCacheableSkipsConservedWrite(t *testing.T) {
	below := &countingResolver{rr: RR{Status: StatusSuccess, TTL: 300}}
	c := NewCacheResolver(1) // k<=4 => ConserveCache true
	require.True(t, c.ConserveCache)
	setLayerBelow(c, below)

	_, err := c.Lookup(context.Background(), "probe.example.com", KindA, false)
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), "probe.example.com", KindA, false)
	require.NoError(t, err)

	assert.Equal(t, 2, below.calls, "non-cacheable probes should never populate the cache")
}

func TestCacheResolverDifferentKindsDontCollide(t *testing.T) {
	below := &countingResolver{rr: RR{Status: StatusSuccess, TTL: 300}}
	c := NewCacheResolver(6)
	setLayerBelow(c, below)

	_, err := c.Lookup(context.Background(), "example.com", KindA, true)
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), "example.com", KindMX, true)
	require.NoError(t, err)

	assert.Equal(t, 2, below.calls, "distinct RR kinds for the same domain must not share a cache entry")
}
