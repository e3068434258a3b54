package spf_test

import (
	"context"
	"net"
	"testing"

	"github.com/policyspf/spf"
	"github.com/policyspf/spf/dns"
)

// scenario is one row of the concrete-scenario table: a client IP and
// envelope sender evaluated against a zone, with the expected verdict
// and reason.
type scenario struct {
	name     string
	zone     func() *dns.ZoneResolver
	clientIP string
	mailFrom string
	result   spf.Result
	reason   spf.Reason
}

func zoneWith(setup func(z *dns.ZoneResolver)) func() *dns.ZoneResolver {
	return func() *dns.ZoneResolver {
		z := dns.NewZoneResolver()
		setup(z)
		return z
	}
}

func TestScenarios(t *testing.T) {
	scenarios := []scenario{
		{
			name:     "ip4 mechanism match passes",
			zone:     zoneWith(func(z *dns.ZoneResolver) { z.SetTXT("d", "v=spf1 ip4:192.0.2.0/24 -all") }),
			clientIP: "192.0.2.3", mailFrom: "a@d",
			result: spf.Pass, reason: spf.ReasonMechanism,
		},
		{
			name:     "ip4 mechanism mismatch fails",
			zone:     zoneWith(func(z *dns.ZoneResolver) { z.SetTXT("d", "v=spf1 ip4:192.0.2.0/24 -all") }),
			clientIP: "198.51.100.1", mailFrom: "a@d",
			result: spf.Fail, reason: spf.ReasonMechanism,
		},
		{
			name: "a mechanism passes",
			zone: zoneWith(func(z *dns.ZoneResolver) {
				z.SetTXT("d", "v=spf1 a -all")
				z.SetA("d", "192.0.2.10")
			}),
			clientIP: "192.0.2.10", mailFrom: "a@d",
			result: spf.Pass, reason: spf.ReasonMechanism,
		},
		{
			name: "mx mechanism passes",
			zone: zoneWith(func(z *dns.ZoneResolver) {
				z.SetTXT("d", "v=spf1 mx -all")
				z.SetMX("d", 10, "mx.d")
				z.SetA("mx.d", "192.0.2.4")
			}),
			clientIP: "192.0.2.4", mailFrom: "a@d",
			result: spf.Pass, reason: spf.ReasonMechanism,
		},
		{
			name: "include mechanism passes",
			zone: zoneWith(func(z *dns.ZoneResolver) {
				z.SetTXT("d", "v=spf1 include:other.example -all")
				z.SetTXT("other.example", "v=spf1 ip4:203.0.113.0/24 -all")
			}),
			clientIP: "203.0.113.5", mailFrom: "a@d",
			result: spf.Pass, reason: spf.ReasonMechanism,
		},
		{
			name: "redirect modifier fails",
			zone: zoneWith(func(z *dns.ZoneResolver) {
				z.SetTXT("d", "v=spf1 redirect=other.example")
				z.SetTXT("other.example", "v=spf1 -all")
			}),
			clientIP: "192.0.2.99", mailFrom: "a@d",
			result: spf.Fail, reason: spf.ReasonMechanism,
		},
		{
			name: "exists mechanism passes",
			zone: zoneWith(func(z *dns.ZoneResolver) {
				z.SetTXT("d", "v=spf1 exists:%{ir}.bl.example -all")
				z.SetA("5.3.2.1.bl.example", "127.0.0.2")
			}),
			clientIP: "1.2.3.5", mailFrom: "a@d",
			result: spf.Pass, reason: spf.ReasonMechanism,
		},
		{
			name:     "bare qualifier is neutral",
			zone:     zoneWith(func(z *dns.ZoneResolver) { z.SetTXT("d", "v=spf1 ?all") }),
			clientIP: "192.0.2.99", mailFrom: "a@d",
			result: spf.Neutral, reason: spf.ReasonMechanism,
		},
		{
			name:     "missing record is none",
			zone:     zoneWith(func(z *dns.ZoneResolver) {}),
			clientIP: "192.0.2.99", mailFrom: "a@d",
			result: spf.None, reason: spf.ReasonFailure,
		},
		{
			name:     "transient DNS failure is temperror",
			zone:     zoneWith(func(z *dns.ZoneResolver) { z.SetTimeout("d", dns.KindTXT) }),
			clientIP: "192.0.2.99", mailFrom: "a@d",
			result: spf.Temperror, reason: spf.ReasonNone,
		},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			s := spf.NewServer()
			s.Resolver = dns.Chain(sc.zone(), dns.NewNullResolver())
			req := spf.NewRequest(net.ParseIP(sc.clientIP), "mail."+sc.mailFrom, sc.mailFrom)
			resp := s.Evaluate(context.Background(), req)
			if resp.Result != sc.result {
				t.Errorf("result = %s, want %s", resp.Result, sc.result)
			}
			if resp.Reason != sc.reason {
				t.Errorf("reason = %s, want %s", resp.Reason, sc.reason)
			}
		})
	}
}

// TestCompileStringifyIdempotent checks that compiling the stringified
// form of a compiled record yields the same record again.
func TestCompileStringifyIdempotent(t *testing.T) {
	texts := []string{
		"v=spf1 ip4:192.0.2.0/24 a mx:other.example/28 include:foo.example ~all",
		"v=spf1 exists:%{ir}.bl.example -all",
		"v=spf1 redirect=other.example exp=explain.example",
	}
	for _, text := range texts {
		t.Run(text, func(t *testing.T) {
			s := spf.NewServer()
			if err := s.SetLocalPolicy(text); err != nil {
				t.Fatalf("compiling %q: %v", text, err)
			}
			first := s.LocalPolicy.Stringify()
			if err := s.SetLocalPolicy(first); err != nil {
				t.Fatalf("recompiling stringified form %q: %v", first, err)
			}
			second := s.LocalPolicy.Stringify()
			if first != second {
				t.Errorf("not idempotent: %q != %q", first, second)
			}
		})
	}
}

// TestDeterministic checks that evaluating the same Request against
// the same zone twice yields identical results.
func TestDeterministic(t *testing.T) {
	zone := dns.NewZoneResolver()
	zone.SetTXT("d", "v=spf1 ip4:192.0.2.0/24 -all")

	s := spf.NewServer()
	s.Resolver = dns.Chain(zone, dns.NewNullResolver())

	var results []spf.Result
	for i := 0; i < 3; i++ {
		req := spf.NewRequest(net.ParseIP("192.0.2.3"), "mail.d", "a@d")
		resp := s.Evaluate(context.Background(), req)
		results = append(results, resp.Result)
	}
	for _, r := range results {
		if r != results[0] {
			t.Errorf("nondeterministic results: %v", results)
		}
	}
}

// TestDNSBudgetRespected checks that a record with more DNS-consuming
// mechanisms than the server's budget is a permerror.
func TestDNSBudgetRespected(t *testing.T) {
	zone := dns.NewZoneResolver()
	zone.SetTXT("d", "v=spf1 a:a.example a:b.example a:c.example a:d.example a:e.example a:f.example a:g.example a:h.example a:i.example a:j.example a:k.example -all")

	s := spf.NewServer()
	s.MaxDNSMech = 10
	s.Resolver = dns.Chain(zone, dns.NewNullResolver())

	req := spf.NewRequest(net.ParseIP("192.0.2.1"), "mail.d", "a@d")
	resp := s.Evaluate(context.Background(), req)
	if resp.Result != spf.Permerror {
		t.Errorf("result = %s, want permerror", resp.Result)
	}
}

// TestLoopbackShortCircuit checks that a loopback client IP always
// passes without consulting DNS.
func TestLoopbackShortCircuit(t *testing.T) {
	s := spf.NewServer()
	s.Resolver = dns.NewNullResolver()

	req := spf.NewRequest(net.ParseIP("127.0.0.1"), "mail.d", "a@d")
	resp := s.Evaluate(context.Background(), req)
	if resp.Result != spf.Pass {
		t.Errorf("result = %s, want pass", resp.Result)
	}
	if resp.Reason != spf.ReasonLocalhost {
		t.Errorf("reason = %s, want localhost", resp.Reason)
	}
}

// TestUnparseableRecordIsPermerror checks that a record the compiler
// can't parse becomes a synthesized ?all, surfaced as permerror rather
// than a panic or silent pass.
func TestUnparseableRecordIsPermerror(t *testing.T) {
	zone := dns.NewZoneResolver()
	zone.SetTXT("d", "v=spf1 frobnicate:nonsense -all")

	s := spf.NewServer()
	s.Resolver = dns.Chain(zone, dns.NewNullResolver())

	req := spf.NewRequest(net.ParseIP("192.0.2.1"), "mail.d", "a@d")
	resp := s.Evaluate(context.Background(), req)
	if resp.Result != spf.Permerror {
		t.Errorf("result = %s, want permerror", resp.Result)
	}
	if len(resp.Errors()) == 0 {
		t.Errorf("expected at least one error diagnostic")
	}
}

// TestSanitize checks that, with Sanitize set, a non-printable byte
// smuggled in through HELO never reaches a rendered output.
func TestSanitize(t *testing.T) {
	zone := dns.NewZoneResolver()
	zone.SetTXT("d", "v=spf1 -all")

	s := spf.NewServer()
	s.Sanitize = true
	s.Resolver = dns.Chain(zone, dns.NewNullResolver())

	req := spf.NewRequest(net.ParseIP("192.0.2.1"), "mail\x01bad.d", "a@d")
	resp := s.Evaluate(context.Background(), req)
	for _, b := range []byte(resp.ReceivedSPF) {
		if b < 0x20 || b > 0x7e {
			t.Fatalf("unsanitized byte %#x leaked into %q", b, resp.ReceivedSPF)
		}
	}
}

func TestExplanation(t *testing.T) {
	zone := dns.NewZoneResolver()
	zone.SetTXT("d", "v=spf1 -all exp=explain.d")
	zone.SetTXT("explain.d", "%{i} is not one of %{d}'s permitted senders")

	s := spf.NewServer()
	s.Resolver = dns.Chain(zone, dns.NewNullResolver())

	req := spf.NewRequest(net.ParseIP("192.0.2.1"), "mail.d", "a@d")
	resp := s.Evaluate(context.Background(), req)
	want := "192.0.2.1 is not one of d's permitted senders"
	if resp.Explanation != want {
		t.Errorf("explanation = %q, want %q", resp.Explanation, want)
	}
}

func Test2MXMode(t *testing.T) {
	zone := dns.NewZoneResolver()
	zone.SetTXT("d", "v=spf1 -all")
	zone.SetMX("rcpt.example", 10, "mx.rcpt.example")
	zone.SetA("mx.rcpt.example", "192.0.2.1")

	s := spf.NewServer()
	s.Resolver = dns.Chain(zone, dns.NewNullResolver())

	req := spf.NewRequest(net.ParseIP("192.0.2.1"), "mail.d", "a@d")
	req.RcptToDomain = "rcpt.example"
	resp := s.Evaluate(context.Background(), req)
	if resp.Result != spf.Pass {
		t.Errorf("result = %s, want pass", resp.Result)
	}
	if resp.Reason != spf.Reason2MX {
		t.Errorf("reason = %s, want 2mx", resp.Reason)
	}
}
