package spf_test

import (
	"context"
	"fmt"
	"net"

	"github.com/policyspf/spf"
	"github.com/policyspf/spf/dns"
)

func ExampleServer_Evaluate() {
	zone := dns.NewZoneResolver()
	zone.SetTXT("aol.com", "v=spf1 ip4:64.12.0.0/16 ~all")

	s := spf.NewServer()
	s.ReceivingDomain = "mail.example.com"
	s.Resolver = dns.Chain(zone, dns.NewNullResolver())

	req := spf.NewRequest(net.ParseIP("8.8.8.8"), "smtp.aol.com", "steve@aol.com")
	resp := s.Evaluate(context.Background(), req)
	fmt.Println(resp.Result)
	// Output: softfail
}

func ExampleServer_Evaluate_receivedHeader() {
	zone := dns.NewZoneResolver()
	zone.SetTXT("aol.com", "v=spf1 ip4:64.12.0.0/16 ~all")

	s := spf.NewServer()
	s.ReceivingDomain = "mail.example.com"
	s.Resolver = dns.Chain(zone, dns.NewNullResolver())

	req := spf.NewRequest(net.ParseIP("8.8.8.8"), "smtp.aol.com", "steve@aol.com")
	resp := s.Evaluate(context.Background(), req)
	fmt.Println(resp.ReceivedSPF)
	// Output: Received-SPF: softfail (mail.example.com: domain of transitioning steve@aol.com does not designate 8.8.8.8 as permitted sender) client-ip=8.8.8.8; envelope-from=steve@aol.com; helo=smtp.aol.com
}
