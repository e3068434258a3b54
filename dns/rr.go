// Package dns implements the layered DNS resolver chain the SPF engine
// consults: an ordered list of resolvers where each either answers a
// query or delegates to the one below it.
package dns

import (
	"net"

	"github.com/miekg/dns"
)

// Kind identifies the RR type a Lookup was made for.
type Kind uint8

const (
	KindA Kind = iota
	KindAAAA
	KindMX
	KindTXT
	KindPTR
	KindANY
)

func (k Kind) String() string {
	switch k {
	case KindA:
		return "A"
	case KindAAAA:
		return "AAAA"
	case KindMX:
		return "MX"
	case KindTXT:
		return "TXT"
	case KindPTR:
		return "PTR"
	case KindANY:
		return "ANY"
	default:
		return "UNKNOWN"
	}
}

// qtype maps a Kind onto the wire query type miekg/dns expects.
func (k Kind) qtype() uint16 {
	switch k {
	case KindA:
		return dns.TypeA
	case KindAAAA:
		return dns.TypeAAAA
	case KindMX:
		return dns.TypeMX
	case KindTXT:
		return dns.TypeTXT
	case KindPTR:
		return dns.TypePTR
	default:
		return dns.TypeANY
	}
}

// Status is the outcome of a lookup. A resolver never returns a nil RR;
// absence of data is encoded as a Status on an otherwise empty RR.
type Status int

const (
	StatusSuccess Status = iota
	StatusNoData
	StatusHostNotFound
	StatusTryAgain
)

// MXRecord is one answer to an MX query: a preference-ordered exchange host.
type MXRecord struct {
	Preference uint16
	Host       string
}

// RR is a typed DNS answer. Exactly one of the payload fields is
// populated, matching Kind — a sum type standing in for libspf2's
// SPF_dns_rr_data_t union of malloc'd payloads.
type RR struct {
	Domain string
	Kind   Kind
	Status Status
	TTL    uint32

	A    []net.IP
	MX   []MXRecord
	TXT  []string
	PTR  []string
}

// Ok reports whether the lookup produced usable data.
func (r RR) Ok() bool {
	return r.Status == StatusSuccess
}

// Temporary reports whether the failure is transient (the interpreter
// maps this to temperror) as opposed to absence of data.
func (r RR) Temporary() bool {
	return r.Status == StatusTryAgain
}

func notFound(domain string, kind Kind) RR {
	return RR{Domain: domain, Kind: kind, Status: StatusHostNotFound}
}

func tryAgain(domain string, kind Kind) RR {
	return RR{Domain: domain, Kind: kind, Status: StatusTryAgain}
}
