/*
spfquery is a command-line driver for the spf package.

	spfquery -ip 8.8.8.8 -sender steve@example.com -helo mail.example.com

Output is four lines: the verdict token, the SMTP comment, the header
comment, and the Received-SPF header; the process exit code is the
verdict's numeric code (pass=0 fail=1 softfail=2 neutral=3 none=4
temperror=5 permerror=6, 255 on a usage error).

With -debug a colorized trace of each matching mechanism and each
redirect is written to stderr.
*/
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"github.com/logrusorgru/aurora"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/policyspf/spf"
)

func main() {
	var ip, sender, helo, rcptTo, localPolicy string
	var trusted, guess bool
	var defaultExplanation string
	var maxLookup int
	var sanitizeOut bool
	var receiverName string
	var debug int
	var fromFile string

	flag.StringVar(&ip, "ip", "", "client IP address")
	flag.StringVar(&sender, "sender", "", "envelope MAIL FROM address")
	flag.StringVar(&helo, "helo", "", "HELO/EHLO domain")
	flag.StringVar(&rcptTo, "rcpt-to", "", "envelope RCPT TO address, enables 2MX mode")
	flag.StringVar(&localPolicy, "local", "", "local-policy record text, spliced before a terminal -all")
	flag.BoolVar(&trusted, "trusted", false, "accepted for command-line compatibility; has no effect")
	flag.BoolVar(&guess, "guess", false, "accepted for command-line compatibility; has no effect")
	flag.StringVar(&defaultExplanation, "default-explanation", "", "override the server's default explanation macro-string")
	flag.IntVar(&maxLookup, "max-lookup", spf.DefaultMaxDNSMech, "maximum DNS-consuming mechanisms per evaluation")
	flag.BoolVar(&sanitizeOut, "sanitize", false, "replace non-printable bytes in rendered output")
	flag.StringVar(&receiverName, "name", "", "name of the receiving host, used in %{r} and header comments")
	flag.IntVar(&debug, "debug", 0, "trace verbosity (0 = off)")
	flag.StringVar(&fromFile, "file", "", "read 'ip sender helo rcpt_to' lines from this file (- for stdin)")
	flag.Parse()

	s := spf.NewServer()
	s.MaxDNSMech = maxLookup
	s.Sanitize = sanitizeOut
	if receiverName != "" {
		s.ReceivingDomain = receiverName
	}
	if defaultExplanation != "" {
		s.DefaultExplanation = defaultExplanation
	}
	if localPolicy != "" {
		if err := s.SetLocalPolicy(localPolicy); err != nil {
			log.Fatalf("invalid -local policy: %v", err)
		}
	}
	if debug > 0 {
		s.Hook = newTracer(debug)
	}
	_ = trusted
	_ = guess

	ctx := context.Background()

	if fromFile != "" {
		os.Exit(runBatch(ctx, s, fromFile))
	}

	if ip == "" || sender == "" {
		fmt.Fprintln(os.Stderr, "usage: spfquery -ip <addr> -sender <user@domain> [-helo <domain>] [-rcpt-to <user@domain>]")
		os.Exit(255)
	}
	code := runOne(ctx, s, ip, sender, helo, rcptTo)
	os.Exit(code)
}

func runBatch(ctx context.Context, s *spf.Server, path string) int {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			log.Fatalf("opening %s: %v", path, err)
		}
		defer f.Close()
		r = f
	}
	last := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		ip := fields[0]
		sender := ""
		helo := ""
		rcptTo := ""
		if len(fields) > 1 {
			sender = fields[1]
		}
		if len(fields) > 2 {
			helo = fields[2]
		}
		if len(fields) > 3 {
			rcptTo = fields[3]
		}
		last = runOne(ctx, s, ip, sender, helo, rcptTo)
	}
	return last
}

func runOne(ctx context.Context, s *spf.Server, ipStr, sender, helo, rcptTo string) int {
	addr := net.ParseIP(ipStr)
	if addr == nil {
		fmt.Fprintf(os.Stderr, "%q doesn't look like an IP address\n", ipStr)
		return 255
	}
	req := spf.NewRequest(addr, helo, sender)
	if rcptTo != "" {
		_, domain := splitAddr(rcptTo)
		req.RcptToDomain = domain
	}
	if s.LocalPolicy != nil {
		req.UseLocalPolicy = true
	}

	resp := s.Evaluate(ctx, req)
	fmt.Println(resp.Result)
	fmt.Println(resp.SMTPComment)
	fmt.Println(resp.HeaderComment)
	fmt.Println(resp.ReceivedSPF)
	return resp.Result.ExitCode()
}

func splitAddr(addr string) (local, domain string) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return "", addr
	}
	return addr[:at], addr[at+1:]
}

type tracer struct {
	au     aurora.Aurora
	stdout io.Writer
	level  int
}

func newTracer(level int) *tracer {
	return &tracer{
		au:     aurora.NewAurora(isatty.IsTerminal(os.Stderr.Fd())),
		stdout: colorable.NewColorableStderr(),
		level:  level,
	}
}

var _ spf.Hook = (*tracer)(nil)

func (t *tracer) DNS(domain string, kind string, ok bool, err error) {
	if t.level < 2 {
		return
	}
	if err != nil {
		fmt.Fprintf(t.stdout, "%s %s: %s\n", kind, domain, t.au.Red(err.Error()))
		return
	}
	fmt.Fprintf(t.stdout, "%s %s: %s\n", kind, domain, t.au.Cyan(fmt.Sprintf("ok=%v", ok)))
}

func (t *tracer) Record(domain, text string) {
	fmt.Fprintf(t.stdout, "%s: %s\n", domain, t.au.Magenta(text))
}

func (t *tracer) RecordResult(domain string, result spf.Result) {
	fmt.Fprintf(t.stdout, "%s returns %s\n", domain, t.resultColor(result))
}

func (t *tracer) Macro(before, after string, err error) {
	if t.level < 3 {
		return
	}
	if err != nil {
		fmt.Fprintf(t.stdout, "%s: %s\n", t.au.BgRed("macro expansion failed"), err)
		return
	}
	if before != after {
		fmt.Fprintf(t.stdout, "%s expands to %s\n", before, after)
	}
}

func (t *tracer) MechanismResult(domain string, index int, mech spf.Mechanism, result spf.Result) {
	fmt.Fprintf(t.stdout, "  %s -> %s\n", mech.Opcode, t.resultColor(result))
}

func (t *tracer) Redirect(target string) {
	fmt.Fprintf(t.stdout, "redirecting to %s\n", target)
}

func (t *tracer) resultColor(r spf.Result) aurora.Value {
	switch r {
	case spf.Temperror, spf.Permerror:
		return t.au.BrightRed(r.String())
	case spf.None, spf.Neutral:
		return t.au.Blue(r.String())
	case spf.Fail, spf.Softfail:
		return t.au.Red(r.String())
	case spf.Pass:
		return t.au.Green(r.String())
	default:
		return t.au.BrightRed(r.String())
	}
}
