package dns

import (
	gonet "net"

	"github.com/miekg/dns"
)

// ReverseName builds the PTR query label for an IP address: the
// "d.c.b.a.in-addr.arpa." form for IPv4, and the nibble-reversed
// ".ip6.arpa." form for IPv6. Centralizing this here means every
// resolver (system, cache, synthetic zone) and every caller (the "ptr"
// mechanism, the %{p} macro) sees the same label for the same address.
func ReverseName(ip gonet.IP) (string, error) {
	return dns.ReverseAddr(ip.String())
}
