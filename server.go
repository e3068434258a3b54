package spf

import (
	"os"

	"github.com/policyspf/spf/dns"
)

// Default evaluation bounds: maximum total DNS-consuming mechanisms
// per evaluation, maximum PTR answers inspected, and maximum MX
// answers inspected.
const (
	DefaultMaxDNSMech = 10
	DefaultMaxDNSPTR  = 10
	DefaultMaxDNSMX   = 10
	// DefaultMaxRecursion bounds include/redirect nesting.
	DefaultMaxRecursion = 20
)

const defaultExplanationMacro = "Please see http://www.openspf.org/Why?s=%{S}&id=%{S}&ip=%{C}&r=%{R}"

// Server holds process-wide configuration shared by many requests: the
// resolver chain, default explanation, compiled local policy, the
// receiving host name, and the evaluation bounds.
type Server struct {
	Resolver dns.Resolver

	// ReceivingDomain names this host for the %{r} macro and for
	// header-comment rendering.
	ReceivingDomain string

	// DefaultExplanation is the macro-string used when a record's exp=
	// modifier can't be resolved to an explanation.
	DefaultExplanation string

	// LocalPolicy, when non-nil, is spliced into third-party records
	// ahead of a terminal -all.
	LocalPolicy *CompiledRecord

	MaxDNSMech   int
	MaxDNSPTR    int
	MaxDNSMX     int
	MaxRecursion int

	// Sanitize, when true, replaces non-printable bytes in every
	// externally-sourced string before it reaches a rendered output.
	Sanitize bool

	Hook   Hook
	Logger Logger
}

// NewServer returns a Server configured with the documented defaults
// and a resolver chain of Cache -> System -> Null.
func NewServer() *Server {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}
	system := dns.NewSystemResolver()
	cache := dns.NewCacheResolver(10)
	resolver := dns.Chain(cache, system)

	return &Server{
		Resolver:           resolver,
		ReceivingDomain:    hostname,
		DefaultExplanation: defaultExplanationMacro,
		MaxDNSMech:         DefaultMaxDNSMech,
		MaxDNSPTR:          DefaultMaxDNSPTR,
		MaxDNSMX:           DefaultMaxDNSMX,
		MaxRecursion:       DefaultMaxRecursion,
		Logger:             NewDefaultLogger(),
	}
}

// SetLocalPolicy compiles text as a local-policy record and installs
// it on the server. The record is compiled exactly as any other SPF
// record would be, just never fetched from DNS.
func (s *Server) SetLocalPolicy(text string) error {
	rec, _, err := compile(text, s.MaxDNSMech)
	if err != nil {
		return err
	}
	s.LocalPolicy = rec
	return nil
}
