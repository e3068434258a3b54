package spf

import (
	"context"
	"fmt"
	"strings"

	"github.com/policyspf/spf/dns"
)

// render fills in Response's rendered output strings: the explanation,
// the header comment, the SMTP comment, and the assembled Received-SPF
// header. It always runs, even for results that never show an
// explanation, so every Response leaves Evaluate fully populated.
func (s *Server) render(ctx context.Context, resp *Response) {
	resp.HeaderComment = sanitizeIf(s.Sanitize, s.headerComment(resp))
	resp.Explanation = sanitizeIf(s.Sanitize, s.explanation(ctx, resp))
	resp.SMTPComment = s.smtpComment(resp)
	resp.ReceivedSPF = s.receivedSPFHeader(resp)
}

// headerComment builds a one-line English sentence describing the
// verdict, varying by result and, where it takes priority, by reason.
func (s *Server) headerComment(resp *Response) string {
	req := resp.request
	receiver := s.ReceivingDomain
	if receiver == "" {
		receiver = "unknown"
	}
	ip := req.ClientIP.String()
	sender := req.Sender()
	domain := req.EnvFromDomain
	if req.UseHELO {
		sender = req.HELO
		domain = req.HELO
	}

	switch resp.Reason {
	case ReasonLocalhost:
		return fmt.Sprintf("%s: localhost is always allowed", receiver)
	case Reason2MX:
		return fmt.Sprintf("%s: %s is a permitted secondary MX for %s", receiver, ip, req.RcptToDomain)
	}

	switch resp.Result {
	case Pass:
		return fmt.Sprintf("%s: domain of %s designates %s as permitted sender", receiver, sender, ip)
	case Fail:
		return fmt.Sprintf("%s: domain of %s does not designate %s as permitted sender", receiver, sender, ip)
	case Softfail:
		return fmt.Sprintf("%s: domain of transitioning %s does not designate %s as permitted sender", receiver, sender, ip)
	case Neutral:
		return fmt.Sprintf("%s: %s is neither permitted nor denied by domain of %s", receiver, ip, sender)
	case None:
		return fmt.Sprintf("%s: %s does not designate permitted sender hosts", receiver, domain)
	case Temperror:
		return fmt.Sprintf("%s: error in processing SPF record for %s (try again later)", receiver, domain)
	case Permerror:
		return fmt.Sprintf("%s: domain of %s uses a mechanism not recognized by this client", receiver, sender)
	default:
		return fmt.Sprintf("%s: unable to evaluate SPF for %s", receiver, domain)
	}
}

// smtpComment is the header comment, plus the explanation when one was
// produced (fail/softfail/neutral), suffixed onto the comment a sender
// might see in a rejection message.
func (s *Server) smtpComment(resp *Response) string {
	if resp.Explanation == "" {
		return resp.HeaderComment
	}
	return resp.HeaderComment + ": " + resp.Explanation
}

// explanation expands the exp= modifier captured from the top of the
// redirect chain into a target domain, fetches its TXT record, and
// expands the concatenation as a macro-string with exp-only letters
// enabled. Any failure along the way silently falls back to the
// server's configured default — explanation lookup is always
// best-effort, never a reason to change the verdict.
func (s *Server) explanation(ctx context.Context, resp *Response) string {
	if resp.Result != Fail && resp.Result != Softfail && resp.Result != Neutral {
		return ""
	}
	req := resp.request
	fallback := s.defaultExplanation(ctx, req)

	if resp.expModifier == "" {
		return fallback
	}
	domainTokens, err := lexMacroString(resp.expModifier, resp.expModifier)
	if err != nil {
		return fallback
	}
	env := macroEnv{req: req, server: s, domain: resp.expDomain}
	target, err := expandDomainSpec(ctx, env, domainTokens)
	if err != nil || target == "" {
		return fallback
	}

	rr, err := s.Resolver.Lookup(ctx, target, dns.KindTXT, true)
	if err != nil || !rr.Ok() || len(rr.TXT) == 0 {
		return fallback
	}
	concatenated := strings.Join(rr.TXT, "")
	expTokens, err := lexMacroString(concatenated, concatenated)
	if err != nil {
		return fallback
	}
	expEnv := macroEnv{req: req, server: s, domain: resp.expDomain, exp: true}
	expanded, err := expandTokens(ctx, expEnv, expTokens)
	if err != nil {
		return fallback
	}
	return expanded
}

func (s *Server) defaultExplanation(ctx context.Context, req *Request) string {
	tokens, err := lexMacroString(s.DefaultExplanation, s.DefaultExplanation)
	if err != nil {
		return s.DefaultExplanation
	}
	env := macroEnv{req: req, server: s, domain: req.EnvFromDomain, exp: true}
	out, err := expandTokens(ctx, env, tokens)
	if err != nil {
		return s.DefaultExplanation
	}
	return out
}

// receivedSPFHeader assembles the full Received-SPF header line.
func (s *Server) receivedSPFHeader(resp *Response) string {
	req := resp.request
	clientIP := sanitizeIf(s.Sanitize, req.ClientIP.String())
	envelopeFrom := sanitizeIf(s.Sanitize, req.Sender())
	helo := sanitizeIf(s.Sanitize, req.HELO)
	return fmt.Sprintf("Received-SPF: %s (%s) client-ip=%s; envelope-from=%s; helo=%s",
		resp.Result, resp.HeaderComment, clientIP, envelopeFrom, helo)
}
