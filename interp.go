package spf

import (
	"context"
	"net"
	"strings"

	"github.com/policyspf/spf/dns"
)

// eval carries the mutable state threaded through one recursive
// check_host()-style evaluation: the request and server it was born
// from, the running DNS-mechanism counter, and the recursion depth
// (include+redirect) it must not exceed.
type eval struct {
	req    *Request
	server *Server

	dnsMechs  int
	depth     int
	diags     []Diagnostic
	splicedLP bool

	// topExp/topDomain cache the most recently interpreted record's
	// exp= modifier outside of any include recursion: an explanation
	// only ever comes from the record on the redirect chain actually
	// reached, never from inside an include.
	topExp    string
	topDomain string
}

// Evaluate runs the full check_host() procedure for req against s and
// returns a fully rendered Response. It is the package's single entry
// point: identity selection (HELO vs MAIL FROM) is decided by the
// caller through Request.UseHELO, and local-policy splicing and 2MX
// blending are both applied here.
func (s *Server) Evaluate(ctx context.Context, req *Request) *Response {
	req.server = s
	resp := &Response{request: req, server: s}

	if req.isLoopback() {
		resp.Result = Pass
		resp.Reason = ReasonLocalhost
		s.render(ctx, resp)
		return resp
	}

	domain := req.EnvFromDomain
	if req.UseHELO {
		domain = req.HELO
	}

	e := &eval{req: req, server: s}
	result, reason, err := e.checkHost(ctx, domain, false)
	resp.Result = result
	resp.Reason = reason
	resp.DNSQueries = e.dnsMechs
	resp.Diagnostics = append(resp.Diagnostics, e.diags...)
	resp.expDomain = e.topDomain
	resp.expModifier = e.topExp
	if err != nil {
		resp.addError(codeOf(err), err.Error())
	}

	if req.RcptToDomain != "" {
		s.apply2MX(ctx, req, resp)
	}

	s.render(ctx, resp)
	return resp
}

func codeOf(err error) ErrCode {
	switch v := err.(type) {
	case *CompileError:
		return v.Code
	case *RuntimeError:
		return v.Code
	default:
		return ErrDNSError
	}
}

// apply2MX runs a synthetic "mx:<rcpt-to> -all" check after the
// ordinary check; on pass, the whole response becomes a pass with
// reason 2mx; otherwise the ordinary verdict already computed stands
// unchanged.
func (s *Server) apply2MX(ctx context.Context, req *Request, resp *Response) {
	synthetic := &CompiledRecord{Mechanisms: []Mechanism{
		{Prefix: PrefixPass, Opcode: OpMX, Domain: []DataToken{{Kind: TokenString, String: req.RcptToDomain}}},
		{Prefix: PrefixFail, Opcode: OpAll},
	}}
	e := &eval{req: req, server: s}
	result, _, err := e.interpret(ctx, synthetic, req.RcptToDomain, false)
	resp.DNSQueries += e.dnsMechs
	if err == nil && result == Pass {
		resp.Result = Pass
		resp.Reason = Reason2MX
	}
}

// checkHost fetches domain's SPF record (or a synthesized NXDOMAIN
// result) and interprets it. viaInclude is true when this call is the
// result of an "include" mechanism, or of a redirect reached inside
// one; it suppresses exp= capture but,
// unlike a redirect, does not replace the top-level domain.
func (e *eval) checkHost(ctx context.Context, domain string, viaInclude bool) (Result, Reason, error) {
	if e.depth > e.server.MaxRecursion {
		return Permerror, ReasonFailure, newRuntimeError(ErrRecursive, "include/redirect recursion limit exceeded")
	}

	record, status, err := e.fetchRecord(ctx, domain)
	if err != nil {
		if codeOf(err) == ErrResultUnknown {
			return Permerror, ReasonFailure, err
		}
		return Temperror, ReasonNone, err
	}
	switch status {
	case dns.StatusTryAgain:
		return Temperror, ReasonNone, newRuntimeError(ErrDNSError, "transient DNS failure fetching SPF record for "+domain)
	case dns.StatusHostNotFound, dns.StatusNoData:
		return None, ReasonFailure, nil
	}

	if record.Errored {
		e.diags = append(e.diags, Diagnostic{Code: ErrSyntax, Severity: SeverityError, Message: "record for " + domain + " failed to compile"})
	}

	if e.req.UseLocalPolicy && e.server.LocalPolicy != nil && !e.splicedLP {
		record = spliceLocalPolicy(record, e.server.LocalPolicy)
		e.splicedLP = true
	}

	if !viaInclude {
		e.topExp = record.Exp
		e.topDomain = domain
	}

	return e.interpret(ctx, record, domain, viaInclude)
}

// spliceLocalPolicy scans for the last non-fail/non-softfail mechanism
// appearing before a terminal -all, and inserts the local policy's
// mechanisms immediately after it. If the record doesn't end in a
// failing all, the policy is not used.
func spliceLocalPolicy(record, policy *CompiledRecord) *CompiledRecord {
	n := len(record.Mechanisms)
	if n == 0 {
		return record
	}
	last := record.Mechanisms[n-1]
	if last.Opcode != OpAll || last.Prefix != PrefixFail {
		return record
	}
	insertAt := n - 1
	for insertAt > 0 {
		prev := record.Mechanisms[insertAt-1]
		if prev.Prefix == PrefixFail || prev.Prefix == PrefixSoftfail {
			insertAt--
			continue
		}
		break
	}
	spliced := &CompiledRecord{
		Modifiers: record.Modifiers,
		Exp:       record.Exp,
		Redirect:  record.Redirect,
	}
	spliced.Mechanisms = append(spliced.Mechanisms, record.Mechanisms[:insertAt]...)
	spliced.Mechanisms = append(spliced.Mechanisms, policy.Mechanisms...)
	spliced.Mechanisms = append(spliced.Mechanisms, record.Mechanisms[insertAt:]...)
	return spliced
}

// fetchRecord retrieves domain's TXT records, selects the sole
// v=spf1 record, and compiles it. Multiple matching records is a
// permerror. No record at all is reported via status, not
// record.Errored, so the caller can distinguish "none" from
// "permerror."
func (e *eval) fetchRecord(ctx context.Context, domain string) (*CompiledRecord, dns.Status, error) {
	rr, err := e.server.Resolver.Lookup(ctx, domain, dns.KindTXT, true)
	if err != nil {
		return nil, dns.StatusTryAgain, err
	}
	if !rr.Ok() {
		return nil, rr.Status, nil
	}

	var candidates []string
	for _, txt := range rr.TXT {
		if strings.HasPrefix(strings.ToLower(txt), "v=spf1") {
			candidates = append(candidates, txt)
		}
	}
	if len(candidates) == 0 {
		return nil, dns.StatusNoData, nil
	}
	if len(candidates) > 1 {
		return unknownRecord(), dns.StatusSuccess, newRuntimeError(ErrResultUnknown, "multiple v=spf1 TXT records for "+domain)
	}

	record, diags, err := compile(candidates[0], e.server.MaxDNSMech)
	e.diags = append(e.diags, diags...)
	if err != nil {
		e.diags = append(e.diags, Diagnostic{Code: codeOf(err), Severity: SeverityError, Message: err.Error()})
		return record, dns.StatusSuccess, nil
	}
	return record, dns.StatusSuccess, nil
}

// interpret walks one compiled record's mechanisms in order, returning
// the first match's verdict, the record's redirect target if none
// matched, or a default neutral.
func (e *eval) interpret(ctx context.Context, record *CompiledRecord, domain string, viaInclude bool) (Result, Reason, error) {
	if record.Errored {
		return Permerror, ReasonFailure, newRuntimeError(ErrSyntax, "record failed to compile")
	}
	env := macroEnv{req: e.req, server: e.server, domain: domain}

	for i, mech := range record.Mechanisms {
		if mech.Opcode.usesDNS() {
			e.dnsMechs++
			if e.dnsMechs > e.server.MaxDNSMech {
				return Permerror, ReasonFailure, newRuntimeError(ErrBigDNS, "DNS-mechanism budget exceeded")
			}
		}

		matched, result, err := e.evalMechanism(ctx, mech, env, domain)
		if err != nil {
			return Permerror, ReasonFailure, err
		}
		if matched {
			if e.server.Hook != nil {
				e.server.Hook.MechanismResult(domain, i, mech, result)
			}
			return result, ReasonMechanism, nil
		}
	}

	if record.Redirect != "" {
		target, err := expandDomainSpec(ctx, env, redirectTokens(record))
		if err != nil {
			return Permerror, ReasonFailure, err
		}
		if target == domain {
			return Permerror, ReasonFailure, newRuntimeError(ErrRecursive, "redirect target equals current domain")
		}
		if e.server.Hook != nil {
			e.server.Hook.Redirect(target)
		}
		e.depth++
		return e.checkHost(ctx, target, viaInclude)
	}

	return Neutral, ReasonDefault, nil
}

// redirectTokens returns the decoded tokens of the record's redirect=
// modifier. A record that carries only the cached Redirect string and
// no such modifier gets that string as one literal token; it is not
// re-lexed, so any macros in it are not expanded.
func redirectTokens(record *CompiledRecord) []DataToken {
	for _, m := range record.Modifiers {
		if strings.EqualFold(m.Name, "redirect") {
			return m.Data
		}
	}
	return []DataToken{{Kind: TokenString, String: record.Redirect}}
}

// evalMechanism evaluates a single mechanism and reports whether it
// matched plus the verdict that applies if so.
func (e *eval) evalMechanism(ctx context.Context, mech Mechanism, env macroEnv, domain string) (bool, Result, error) {
	switch mech.Opcode {
	case OpAll:
		return true, resultFor(mech.Prefix), nil

	case OpIP4:
		if len(mech.IP) != 4 {
			return false, None, nil
		}
		ip4 := e.req.ClientIP.To4()
		if ip4 == nil {
			return false, None, nil
		}
		bits := mech.CIDR4
		if bits == 0 {
			bits = 32
		}
		network := &net.IPNet{IP: net.IP(mech.IP), Mask: net.CIDRMask(bits, 32)}
		return network.Contains(ip4), resultFor(mech.Prefix), nil

	case OpIP6:
		if len(mech.IP) != 16 {
			return false, None, nil
		}
		if e.req.ClientIP.To4() != nil {
			return false, None, nil
		}
		bits := mech.CIDR6
		if bits == 0 {
			bits = 128
		}
		network := &net.IPNet{IP: net.IP(mech.IP), Mask: net.CIDRMask(bits, 128)}
		return network.Contains(e.req.ClientIP), resultFor(mech.Prefix), nil

	case OpA:
		return e.evalA(ctx, mech, env, domain)

	case OpMX:
		return e.evalMX(ctx, mech, env, domain)

	case OpPTR:
		return e.evalPTR(ctx, mech, env, domain)

	case OpExists:
		target, err := expandDomainSpec(ctx, env, mech.Domain)
		if err != nil {
			return false, None, err
		}
		rr, err := e.server.Resolver.Lookup(ctx, target, dns.KindA, true)
		if err != nil {
			return false, None, newRuntimeError(ErrDNSError, err.Error())
		}
		return rr.Ok() && len(rr.A) > 0, resultFor(mech.Prefix), nil

	case OpInclude:
		return e.evalInclude(ctx, mech, env, domain)

	case OpUnknown:
		return true, Permerror, nil
	}
	return false, None, nil
}

func resultFor(p Prefix) Result {
	switch p {
	case PrefixPass:
		return Pass
	case PrefixFail:
		return Fail
	case PrefixSoftfail:
		return Softfail
	case PrefixNeutral:
		return Neutral
	default:
		return Permerror
	}
}

func (e *eval) evalA(ctx context.Context, mech Mechanism, env macroEnv, domain string) (bool, Result, error) {
	target, err := expandDomainSpec(ctx, env, mech.Domain)
	if err != nil {
		return false, None, err
	}
	kind := dns.KindA
	if e.req.IsIPv6() {
		kind = dns.KindAAAA
	}
	rr, err := e.server.Resolver.Lookup(ctx, target, kind, true)
	if err != nil {
		return false, None, newRuntimeError(ErrDNSError, err.Error())
	}
	if !rr.Ok() {
		return false, None, nil
	}
	return matchAddr(e.req.ClientIP, rr.A, mech.CIDR4, mech.CIDR6), resultFor(mech.Prefix), nil
}

func (e *eval) evalMX(ctx context.Context, mech Mechanism, env macroEnv, domain string) (bool, Result, error) {
	target, err := expandDomainSpec(ctx, env, mech.Domain)
	if err != nil {
		return false, None, err
	}
	mxrr, err := e.server.Resolver.Lookup(ctx, target, dns.KindMX, true)
	if err != nil {
		return false, None, newRuntimeError(ErrDNSError, err.Error())
	}
	if !mxrr.Ok() {
		return false, None, nil
	}
	if len(mxrr.MX) > e.server.MaxDNSMX {
		return false, None, newRuntimeError(ErrBigDNS, "too many MX records for "+target)
	}
	kind := dns.KindA
	if e.req.IsIPv6() {
		kind = dns.KindAAAA
	}
	for _, mx := range mxrr.MX {
		arr, err := e.server.Resolver.Lookup(ctx, mx.Host, kind, true)
		if err != nil {
			return false, None, newRuntimeError(ErrDNSError, err.Error())
		}
		if !arr.Ok() {
			continue
		}
		if matchAddr(e.req.ClientIP, arr.A, mech.CIDR4, mech.CIDR6) {
			return true, resultFor(mech.Prefix), nil
		}
	}
	return false, None, nil
}

func matchAddr(client net.IP, candidates []net.IP, cidr4, cidr6 int) bool {
	v4 := client.To4()
	for _, a := range candidates {
		if v4 != nil {
			if a4 := a.To4(); a4 != nil {
				bits := cidr4
				if bits == 0 {
					bits = 32
				}
				if (&net.IPNet{IP: a4, Mask: net.CIDRMask(bits, 32)}).Contains(v4) {
					return true
				}
			}
			continue
		}
		if a.To4() == nil {
			bits := cidr6
			if bits == 0 {
				bits = 128
			}
			if (&net.IPNet{IP: a, Mask: net.CIDRMask(bits, 128)}).Contains(client) {
				return true
			}
		}
	}
	return false
}

// evalPTR reverses the client IP, forward-verifies each candidate
// hostname, and requires the surviving candidate to equal the target
// domain or be a proper subdomain of it.
func (e *eval) evalPTR(ctx context.Context, mech Mechanism, env macroEnv, domain string) (bool, Result, error) {
	target, err := expandDomainSpec(ctx, env, mech.Domain)
	if err != nil {
		return false, None, err
	}
	rev, err := dns.ReverseName(e.req.ClientIP)
	if err != nil {
		return false, None, nil
	}
	ptrrr, err := e.server.Resolver.Lookup(ctx, rev, dns.KindPTR, true)
	if err != nil {
		return false, None, newRuntimeError(ErrDNSError, err.Error())
	}
	if !ptrrr.Ok() {
		return false, None, nil
	}
	candidates := ptrrr.PTR
	if len(candidates) > e.server.MaxDNSPTR {
		candidates = candidates[:e.server.MaxDNSPTR]
	}
	fwdKind := dns.KindA
	if e.req.IsIPv6() {
		fwdKind = dns.KindAAAA
	}
	target = strings.TrimSuffix(strings.ToLower(target), ".")
	for _, candidate := range candidates {
		fwd, err := e.server.Resolver.Lookup(ctx, candidate, fwdKind, true)
		if err != nil || !fwd.Ok() {
			continue
		}
		matched := false
		for _, ip := range fwd.A {
			if ip.Equal(e.req.ClientIP) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		name := strings.TrimSuffix(strings.ToLower(candidate), ".")
		if name == target || strings.HasSuffix(name, "."+target) {
			return true, resultFor(mech.Prefix), nil
		}
	}
	return false, None, nil
}

// evalInclude recurses into target's record: an inner match maps to
// mechanism-matched with the inner verdict's truth value, an inner
// error or unresolvable record maps to permerror/temperror, and no
// match at all means the include itself doesn't match.
func (e *eval) evalInclude(ctx context.Context, mech Mechanism, env macroEnv, domain string) (bool, Result, error) {
	target, err := expandDomainSpec(ctx, env, mech.Domain)
	if err != nil {
		return false, None, err
	}
	if target == domain {
		return false, None, newRuntimeError(ErrRecursive, "include target equals current domain")
	}
	e.depth++
	sub, _, err := e.checkHost(ctx, target, true)
	e.depth--
	if err != nil {
		if sub == Temperror {
			return true, Temperror, nil
		}
		return true, Permerror, nil
	}
	switch sub {
	case Pass:
		return true, resultFor(mech.Prefix), nil
	case Fail, Softfail, Neutral:
		return false, None, nil
	case Temperror:
		return true, Temperror, nil
	case None, Permerror:
		return true, Permerror, newRuntimeError(ErrIncludeReturnedNone, "include target "+target+" returned none/permerror")
	}
	return true, Permerror, nil
}
