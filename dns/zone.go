package dns

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"gopkg.in/yaml.v2"
)

// ZoneResolver answers from a fixed, in-memory zone instead of the
// network: a first-class chain member, not just a test fixture, so
// callers can compose it with CacheResolver and SystemResolver to
// pin specific domains while still falling through to the network
// for everything else.
type ZoneResolver struct {
	below   Resolver
	answers map[string]map[Kind]RR
}

// NewZoneResolver returns an empty synthetic zone.
func NewZoneResolver() *ZoneResolver {
	return &ZoneResolver{
		below:   NewNullResolver(),
		answers: map[string]map[Kind]RR{},
	}
}

func (z *ZoneResolver) setLayerBelow(below Resolver) { z.below = below }
func (z *ZoneResolver) LayerBelow() Resolver          { return z.below }
func (z *ZoneResolver) Close() error                  { return nil }

func key(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}

// Set installs the answer for a (domain, kind) pair, overwriting any
// previous answer. TTL is in seconds.
func (z *ZoneResolver) Set(domain string, kind Kind, rr RR) {
	d := key(domain)
	if _, ok := z.answers[d]; !ok {
		z.answers[d] = map[Kind]RR{}
	}
	rr.Domain = domain
	rr.Kind = kind
	z.answers[d][kind] = rr
}

// SetA installs an A-record answer.
func (z *ZoneResolver) SetA(domain string, ips ...string) {
	rr := RR{Status: StatusSuccess, TTL: 300}
	for _, ip := range ips {
		rr.A = append(rr.A, net.ParseIP(ip))
	}
	z.Set(domain, KindA, rr)
}

// SetAAAA installs an AAAA-record answer.
func (z *ZoneResolver) SetAAAA(domain string, ips ...string) {
	rr := RR{Status: StatusSuccess, TTL: 300}
	for _, ip := range ips {
		rr.A = append(rr.A, net.ParseIP(ip))
	}
	z.Set(domain, KindAAAA, rr)
}

// SetTXT installs a TXT-record answer, one string per RR the real DNS
// would return (the caller is responsible for pre-joining multi-string
// TXT RDATA, same as decodeAnswer does for SystemResolver).
func (z *ZoneResolver) SetTXT(domain string, records ...string) {
	z.Set(domain, KindTXT, RR{Status: StatusSuccess, TTL: 300, TXT: records})
}

// SetMX installs an MX-record answer.
func (z *ZoneResolver) SetMX(domain string, preference uint16, host string, more ...MXRecord) {
	rr := RR{Status: StatusSuccess, TTL: 300, MX: append([]MXRecord{{Preference: preference, Host: host}}, more...)}
	z.Set(domain, KindMX, rr)
}

// SetPTR installs a PTR-record answer (domain here is the reverse
// label, e.g. "1.2.3.4.in-addr.arpa.").
func (z *ZoneResolver) SetPTR(domain string, hosts ...string) {
	z.Set(domain, KindPTR, RR{Status: StatusSuccess, TTL: 300, PTR: hosts})
}

// SetTimeout marks a (domain, kind) pair as a simulated transient DNS
// failure (TRY_AGAIN).
func (z *ZoneResolver) SetTimeout(domain string, kind Kind) {
	z.Set(domain, kind, RR{Status: StatusTryAgain})
}

// Lookup answers from the zone if the domain is known there at all
// (even if this particular Kind has no data, which yields NoData
// rather than delegating - an explicitly configured zone is
// authoritative for its domains). Unknown domains delegate below.
func (z *ZoneResolver) Lookup(ctx context.Context, name string, kind Kind, cacheable bool) (RR, error) {
	d := key(name)
	byKind, ok := z.answers[d]
	if !ok {
		return delegate(ctx, z.below, name, kind, cacheable)
	}
	if rr, ok := byKind[kind]; ok {
		rr.Domain = name
		return rr, nil
	}
	return RR{Domain: name, Kind: kind, Status: StatusNoData}, nil
}

// zoneFixture is the YAML shape LoadZone reads: one entry per
// hostname, each a map of RR-type name to value(s).
type zoneFixture map[string]map[string]interface{}

// LoadZone reads a YAML zone fixture and merges it into z, so both dns
// tests and root-package scenario tests can share one fixture format.
func LoadZone(z *ZoneResolver, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	var fixture zoneFixture
	if err := dec.Decode(&fixture); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	for host, rrs := range fixture {
		for rrType, value := range rrs {
			if err := applyZoneRR(z, host, rrType, value); err != nil {
				return fmt.Errorf("zone fixture %s/%s: %w", host, rrType, err)
			}
		}
	}
	return nil
}

func applyZoneRR(z *ZoneResolver, host, rrType string, value interface{}) error {
	switch strings.ToUpper(rrType) {
	case "A":
		z.SetA(host, toStringSlice(value)...)
	case "AAAA":
		z.SetAAAA(host, toStringSlice(value)...)
	case "TXT", "SPF":
		z.SetTXT(host, toStringSlice(value)...)
	case "PTR":
		z.SetPTR(host, toStringSlice(value)...)
	case "MX":
		items := value.([]interface{})
		if len(items) != 2 {
			return fmt.Errorf("MX value must be [preference, host]")
		}
		z.SetMX(host, uint16(items[0].(int)), items[1].(string))
	case "TIMEOUT":
		z.SetTimeout(host, KindANY)
	default:
		return fmt.Errorf("unrecognized RR type %q", rrType)
	}
	return nil
}

func toStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []interface{}:
		ret := make([]string, len(t))
		for i, item := range t {
			ret[i] = fmt.Sprintf("%v", item)
		}
		return ret
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}
