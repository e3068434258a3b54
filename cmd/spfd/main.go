/*
spfd is a minimal line-oriented TCP collaborator for the spf package:
each request line read from a connection is evaluated and answered
with a single response line; one connection may carry several
requests.

Request line (whitespace separated, the trailing two fields optional):

	<client-ip> <mail-from> [<helo>] [<rcpt-to>]

Response line is the verdict token followed by the SMTP comment:

	pass mail.example.net: domain of user@example.com designates 1.2.3.4 as permitted sender

Process and signal management, daemonization and concurrency limits
are left to whatever supervises this process; spfd itself only accepts
connections and answers them, one goroutine per connection.
*/
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/policyspf/spf"
)

func main() {
	var addr string
	var maxLookup int
	var localPolicy string

	flag.StringVar(&addr, "listen", "127.0.0.1:7208", "address to listen on")
	flag.IntVar(&maxLookup, "max-lookup", spf.DefaultMaxDNSMech, "maximum DNS-consuming mechanisms per evaluation")
	flag.StringVar(&localPolicy, "local", "", "local-policy record text")
	flag.Parse()

	s := spf.NewServer()
	s.MaxDNSMech = maxLookup
	if localPolicy != "" {
		if err := s.SetLocalPolicy(localPolicy); err != nil {
			log.Fatalf("invalid -local policy: %v", err)
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}
	log.Printf("spfd listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			continue
		}
		go handle(s, conn)
	}
}

func handle(s *spf.Server, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := evalLine(s, line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

func evalLine(s *spf.Server, line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "permerror malformed request"
	}
	ip := net.ParseIP(fields[0])
	if ip == nil {
		return "permerror bad client-ip"
	}
	helo := ""
	rcptTo := ""
	if len(fields) > 2 {
		helo = fields[2]
	}
	if len(fields) > 3 {
		rcptTo = fields[3]
	}

	req := spf.NewRequest(ip, helo, fields[1])
	if rcptTo != "" {
		if at := strings.LastIndex(rcptTo, "@"); at >= 0 {
			req.RcptToDomain = rcptTo[at+1:]
		}
	}
	if s.LocalPolicy != nil {
		req.UseLocalPolicy = true
	}

	resp := s.Evaluate(context.Background(), req)
	return fmt.Sprintf("%s %s", resp.Result, resp.SMTPComment)
}
