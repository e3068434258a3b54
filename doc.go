/*
Package spf implements an SPF (Sender Policy Framework) evaluation
engine as described in RFC 7208: given a client IP address and an
envelope sender, it resolves and interprets the sender domain's SPF
record and reports whether the client is a permitted sender.

Records are compiled into decoded mechanism and modifier values before
they're interpreted (CompiledRecord.Marshal turns those into a compact,
position-independent byte buffer), macros are expanded against
a Request, and the DNS resolver chain is pluggable behind the dns.Resolver
interface - a caching layer, a live stub resolver, and a synthetic
zone resolver for tests are included.

The Hook interface lets a caller observe matching mechanisms and
redirects as an evaluation runs, which is what cmd/spfquery's -debug
trace is built on.
*/
package spf
