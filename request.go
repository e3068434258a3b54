package spf

import (
	"context"
	"net"
	"strings"

	"github.com/policyspf/spf/dns"
)

// Request is the immutable-after-setup per-message input to an
// evaluation.
type Request struct {
	ClientIP net.IP
	HELO     string

	// EnvFromLocal/EnvFromDomain are MAIL FROM split into local-part and
	// domain-part; an empty local-part defaults to "postmaster".
	EnvFromLocal  string
	EnvFromDomain string

	// RcptToDomain, if set, enables 2MX mode: the secondary-MX blending
	// a receiving host applies when it also handles mail for the
	// recipient's domain.
	RcptToDomain string

	// UseHELO makes the HELO domain the identity under evaluation
	// instead of MAIL FROM.
	UseHELO bool

	// UseLocalPolicy enables local-policy splicing.
	UseLocalPolicy bool

	server *Server

	validatedHostname     string
	validatedHostnameDone bool
}

// NewRequest builds a Request from the envelope fields. mailFrom may be
// "user@domain", "@domain", or "domain" (empty local-part).
func NewRequest(clientIP net.IP, helo, mailFrom string) *Request {
	local, domain := splitMailFrom(mailFrom)
	return &Request{
		ClientIP:      clientIP,
		HELO:          helo,
		EnvFromLocal:  local,
		EnvFromDomain: domain,
	}
}

func splitMailFrom(mailFrom string) (local, domain string) {
	at := strings.LastIndex(mailFrom, "@")
	if at < 0 {
		return "postmaster", mailFrom
	}
	local, domain = mailFrom[:at], mailFrom[at+1:]
	if local == "" {
		local = "postmaster"
	}
	return local, domain
}

// Sender renders the full MAIL FROM, injecting postmaster@ when the
// envelope sender carried no local-part.
func (r *Request) Sender() string {
	return r.EnvFromLocal + "@" + r.EnvFromDomain
}

// IsIPv6 reports whether ClientIP should be treated as an IPv6 address.
func (r *Request) IsIPv6() bool {
	return r.ClientIP.To4() == nil
}

// isLoopback reports whether the client IP is 127.0.0.0/8 or ::1,
// which always passes without consulting DNS.
func (r *Request) isLoopback() bool {
	if v4 := r.ClientIP.To4(); v4 != nil {
		return v4[0] == 127
	}
	return r.ClientIP.Equal(net.IPv6loopback)
}

// ValidatedHostname reverse-looks-up the client IP, forward-resolves
// each candidate hostname, and returns the first one whose address set
// contains the client IP again. Memoized per request since %{p} may
// appear more than once in one evaluation.
func (r *Request) ValidatedHostname(ctx context.Context, resolver dns.Resolver, maxDNSPTR int) string {
	if r.validatedHostnameDone {
		return r.validatedHostname
	}
	r.validatedHostnameDone = true
	r.validatedHostname = r.lookupValidatedHostname(ctx, resolver, maxDNSPTR)
	return r.validatedHostname
}

func (r *Request) lookupValidatedHostname(ctx context.Context, resolver dns.Resolver, maxDNSPTR int) string {
	rev, err := dns.ReverseName(r.ClientIP)
	if err != nil {
		return "unknown"
	}
	rr, err := resolver.Lookup(ctx, rev, dns.KindPTR, true)
	if err != nil || !rr.Ok() {
		return "unknown"
	}
	candidates := rr.PTR
	if len(candidates) > maxDNSPTR {
		candidates = candidates[:maxDNSPTR]
	}
	fwdKind := dns.KindA
	if r.IsIPv6() {
		fwdKind = dns.KindAAAA
	}
	for _, candidate := range candidates {
		fwd, err := resolver.Lookup(ctx, candidate, fwdKind, true)
		if err != nil || !fwd.Ok() {
			continue
		}
		for _, ip := range fwd.A {
			if ip.Equal(r.ClientIP) {
				return strings.TrimSuffix(candidate, ".")
			}
		}
	}
	return "unknown"
}
