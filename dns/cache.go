package dns

import (
	"context"
	"hash/crc32"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Default TTL floors: SPF policies change slowly, and a negative DNS
// answer shouldn't be re-probed on every message.
const (
	DefaultMinTTL   = 30 * time.Second
	DefaultErrorTTL = 5 * time.Minute
	DefaultTXTTTL   = 5 * time.Minute
	DefaultARPATTL  = 1 * time.Hour
)

type cacheSlot struct {
	used       bool
	domain     string
	fingerprint uint64
	kind       Kind
	rr         RR
	expiresAt  time.Time
}

// CacheResolver is a fixed-size open-addressed table of (domain, kind)
// -> RR, backed by a smaller reclaim table for entries displaced by
// collisions. It never allocates beyond its two tables after
// construction.
type CacheResolver struct {
	below Resolver

	// K sizes the primary table to 2^K slots, K in [1,16]. The reclaim
	// table is sized to 2^max(K-3,1) slots (minimum 1).
	K int

	MinTTL       time.Duration
	ErrorTTL     time.Duration
	TXTTTL       time.Duration
	ARPATTL      time.Duration
	ConserveCache bool

	// Now is injectable for deterministic tests; defaults to time.Now.
	Now func() time.Time

	primary       []cacheSlot
	reclaim       []cacheSlot
	mask          uint32
	reclaimMask   uint32
}

// NewCacheResolver builds a CacheResolver sized to 2^k primary slots.
// k is clamped to [1,16]. conserveCache, when true (the default for
// small k), skips the cache-write path for lookups the caller flags
// non-cacheable.
func NewCacheResolver(k int) *CacheResolver {
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	rk := k - 3
	if rk < 1 {
		rk = 1
	}
	c := &CacheResolver{
		K:             k,
		MinTTL:        DefaultMinTTL,
		ErrorTTL:      DefaultErrorTTL,
		TXTTTL:        DefaultTXTTTL,
		ARPATTL:       DefaultARPATTL,
		ConserveCache: k <= 4,
		Now:           time.Now,
		below:         NewNullResolver(),
		primary:       make([]cacheSlot, 1<<uint(k)),
		reclaim:       make([]cacheSlot, 1<<uint(rk)),
	}
	c.mask = uint32(len(c.primary) - 1)
	c.reclaimMask = uint32(len(c.reclaim) - 1)
	return c
}

func (c *CacheResolver) setLayerBelow(below Resolver) { c.below = below }
func (c *CacheResolver) LayerBelow() Resolver          { return c.below }
func (c *CacheResolver) Close() error                  { return nil }

// normalize strips dots and bounds the input to max(2*K, 8) characters
// before hashing, so very long domains still hash in constant-ish time
// and still collide predictably in tests.
func (c *CacheResolver) normalize(domain string) string {
	domain = strings.ToLower(domain)
	domain = strings.ReplaceAll(domain, ".", "")
	limit := 2 * c.K
	if limit < 8 {
		limit = 8
	}
	if len(domain) > limit {
		domain = domain[:limit]
	}
	return domain
}

// hash mixes the query type into a CRC-32 of the normalized domain. It
// is the ONLY value used to derive both the primary and the reclaim
// table index (masked differently), so a collision in one table
// correlates with a collision in the other - that correlation is what
// lets the reclaim table recover an entry the primary table just
// evicted.
func (c *CacheResolver) hash(domain string, kind Kind) uint32 {
	sum := crc32.ChecksumIEEE([]byte(c.normalize(domain)))
	return sum ^ (uint32(kind) * 0x9e3779b1)
}

// fingerprint is a second, independent hash used only as a fast-path
// key comparison guard before falling back to an exact string compare -
// it never participates in slot addressing, so it doesn't change the
// table's collision behavior.
func fingerprint(domain string, kind Kind) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(strings.ToLower(domain))
	_, _ = h.Write([]byte{byte(kind)})
	return h.Sum64()
}

func (c *CacheResolver) floor(kind Kind, domain string, ok bool) time.Duration {
	if !ok {
		return c.ErrorTTL
	}
	if strings.HasSuffix(strings.ToLower(domain), ".arpa") || strings.HasSuffix(strings.ToLower(domain), ".arpa.") {
		return maxDuration(c.ARPATTL, c.MinTTL)
	}
	if kind == KindTXT {
		return maxDuration(c.TXTTTL, c.MinTTL)
	}
	return c.MinTTL
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func slotMatches(s cacheSlot, domain string, kind Kind, fp uint64) bool {
	return s.used && s.kind == kind && s.fingerprint == fp && strings.EqualFold(s.domain, domain)
}

// Lookup answers from cache when possible, otherwise delegates and
// populates the cache with the answer (subject to the TTL floors and
// ConserveCache).
func (c *CacheResolver) Lookup(ctx context.Context, name string, kind Kind, cacheable bool) (RR, error) {
	now := c.Now()
	h := c.hash(name, kind)
	fp := fingerprint(name, kind)
	pIdx := h & c.mask
	rIdx := h & c.reclaimMask

	if slot := c.primary[pIdx]; slotMatches(slot, name, kind, fp) && !slot.expiresAt.Before(now) {
		return slot.rr, nil
	}
	if slot := c.reclaim[rIdx]; slotMatches(slot, name, kind, fp) && !slot.expiresAt.Before(now) {
		// Promote: swap the reclaim survivor back into the primary slot.
		c.reclaim[rIdx] = c.primary[pIdx]
		c.primary[pIdx] = slot
		return slot.rr, nil
	}

	rr, err := delegate(ctx, c.below, name, kind, cacheable)
	if err != nil {
		return rr, err
	}

	if c.ConserveCache && !cacheable {
		return rr, nil
	}

	ttl := c.floor(kind, name, rr.Ok())
	if d := time.Duration(rr.TTL) * time.Second; rr.Ok() && d > ttl {
		ttl = d
	}
	newSlot := cacheSlot{
		used:        true,
		domain:      name,
		fingerprint: fp,
		kind:        kind,
		rr:          rr,
		expiresAt:   now.Add(ttl),
	}
	if displaced := c.primary[pIdx]; displaced.used && !displaced.expiresAt.Before(now) {
		c.reclaim[rIdx] = displaced
	}
	c.primary[pIdx] = newSlot
	return rr, nil
}
