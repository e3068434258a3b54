package dns

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// ResolvConf holds the path to a resolv.conf(5) format file used to
// configure SystemResolver.
var ResolvConf = "/etc/resolv.conf"

// SystemResolver performs real DNS queries over the network using
// miekg/dns. It is normally the bottom-most "real" layer in a chain,
// with CacheResolver (and, in tests, ZoneResolver) layered above it.
type SystemResolver struct {
	client  *dns.Client
	servers []string
	below   Resolver

	// Servers, if set, overrides resolv.conf entirely - useful for
	// pointing the engine at a specific recursor.
	Servers []string
}

// NewSystemResolver returns a SystemResolver. It terminates in
// NullResolver unless wired into a longer Chain.
func NewSystemResolver() *SystemResolver {
	return &SystemResolver{below: NewNullResolver()}
}

func (r *SystemResolver) setLayerBelow(below Resolver) { r.below = below }
func (r *SystemResolver) LayerBelow() Resolver          { return r.below }
func (r *SystemResolver) Close() error                  { return nil }

func (r *SystemResolver) ensureClient() error {
	if r.client != nil {
		return nil
	}
	if len(r.Servers) > 0 {
		r.servers = r.Servers
		r.client = new(dns.Client)
		return nil
	}
	clientConfig, err := dns.ClientConfigFromFile(ResolvConf)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", ResolvConf, err)
	}
	if len(clientConfig.Servers) == 0 {
		return fmt.Errorf("no nameservers configured in %s", ResolvConf)
	}
	r.servers = make([]string, len(clientConfig.Servers))
	for i, server := range clientConfig.Servers {
		r.servers[i] = net.JoinHostPort(server, clientConfig.Port)
	}
	r.client = new(dns.Client)
	return nil
}

func (r *SystemResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	if err := r.ensureClient(); err != nil {
		return nil, err
	}
	msg.SetEdns0(4096, false)
	var reply *dns.Msg
	var err error
	for _, server := range r.servers {
		reply, _, err = r.client.ExchangeContext(ctx, msg, server)
		if err == nil {
			return reply, nil
		}
	}
	return reply, err
}

// Lookup implements Resolver over the live network.
func (r *SystemResolver) Lookup(ctx context.Context, name string, kind Kind, _ bool) (RR, error) {
	msg := &dns.Msg{}
	msg.SetQuestion(dns.Fqdn(name), kind.qtype())
	reply, err := r.exchange(ctx, msg)
	if err != nil {
		return tryAgain(name, kind), nil
	}
	switch reply.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return notFound(name, kind), nil
	default:
		return tryAgain(name, kind), nil
	}
	return decodeAnswer(name, kind, reply.Answer), nil
}

func decodeAnswer(name string, kind Kind, answer []dns.RR) RR {
	rr := RR{Domain: name, Kind: kind, Status: StatusNoData}
	for _, ans := range answer {
		switch v := ans.(type) {
		case *dns.A:
			rr.A = append(rr.A, v.A)
		case *dns.AAAA:
			rr.A = append(rr.A, v.AAAA)
		case *dns.MX:
			rr.MX = append(rr.MX, MXRecord{Preference: v.Preference, Host: v.Mx})
		case *dns.TXT:
			rr.TXT = append(rr.TXT, joinTXT(v.Txt))
		case *dns.SPF:
			rr.TXT = append(rr.TXT, joinTXT(v.Txt))
		case *dns.PTR:
			rr.PTR = append(rr.PTR, v.Ptr)
		}
	}
	if len(rr.A) > 0 || len(rr.MX) > 0 || len(rr.TXT) > 0 || len(rr.PTR) > 0 {
		rr.Status = StatusSuccess
		rr.TTL = minTTL(answer)
	}
	return rr
}

func joinTXT(parts []string) string {
	s := ""
	for _, p := range parts {
		s += p
	}
	return s
}

func minTTL(answer []dns.RR) uint32 {
	var ttl uint32
	for i, a := range answer {
		if i == 0 || a.Header().Ttl < ttl {
			ttl = a.Header().Ttl
		}
	}
	return ttl
}
