package spf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// compiler holds the mutable state of one record's compilation: the
// original text (for error reporting), the diagnostics accumulated so
// far, and whether a terminal "all" has already been seen (for the
// ErrMechAfterAll lint).
type compiler struct {
	text        string
	diagnostics []Diagnostic
	sawAll      bool
	dnsMechs    int
}

func (c *compiler) warn(code ErrCode, msg string) {
	c.diagnostics = append(c.diagnostics, Diagnostic{Code: code, Severity: SeverityWarning, Message: msg})
}

// compile parses raw SPF record text into bytecode, used both for
// records fetched from DNS and for the server's local-policy text. On
// any hard syntax error it returns the synthetic ?all record alongside
// the diagnostics collected up to the failure - compilation failure
// always degrades to permerror, and the caller decides whether that's
// fatal (a DNS-fetched record) or should propagate as a configuration
// error (SetLocalPolicy).
func compile(raw string, maxDNSMech int) (*CompiledRecord, []Diagnostic, error) {
	c := &compiler{text: raw}

	for i := 0; i < len(raw); i++ {
		if raw[i] < 0x20 || raw[i] > 0x7e {
			err := newCompileError(ErrInvalidChar, raw, string(raw[i]), i, "non-printable or non-ASCII byte in record")
			return unknownRecord(), c.diagnostics, err
		}
	}

	fields := strings.Fields(raw)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "v=spf1") {
		err := newCompileError(ErrNotSPF, raw, firstField(fields), 0, "record does not begin with v=spf1")
		return unknownRecord(), c.diagnostics, err
	}

	rec := &CompiledRecord{}
	for _, field := range fields[1:] {
		if name, value, ok := splitModifier(field); ok {
			// default=allow|softfail|deny is a legacy alias for a
			// terminal all mechanism with the matching prefix, not a
			// real modifier.
			if strings.EqualFold(name, "default") {
				mech, err := c.compileDefaultAlias(value, field)
				if err != nil {
					return unknownRecord(), c.diagnostics, err
				}
				if c.sawAll {
					c.warn(ErrMechAfterAll, fmt.Sprintf("mechanism %q after a terminal all is never reached", field))
				}
				c.sawAll = true
				rec.Mechanisms = append(rec.Mechanisms, mech)
				continue
			}

			mod, err := c.compileModifier(name, value, field)
			if err != nil {
				return unknownRecord(), c.diagnostics, err
			}
			switch strings.ToLower(name) {
			case "redirect":
				if rec.Redirect != "" {
					err := newCompileError(ErrInvalidOpt, field, name, 0, "multiple redirect modifiers")
					return unknownRecord(), c.diagnostics, err
				}
				rec.Redirect = stringifyTokens(mod.Data)
			case "exp":
				if rec.Exp != "" {
					err := newCompileError(ErrInvalidOpt, field, name, 0, "multiple exp modifiers")
					return unknownRecord(), c.diagnostics, err
				}
				rec.Exp = stringifyTokens(mod.Data)
			}
			rec.Modifiers = append(rec.Modifiers, mod)
			continue
		}

		mech, err := c.compileMechanism(field)
		if err != nil {
			return unknownRecord(), c.diagnostics, err
		}
		if c.sawAll {
			c.warn(ErrMechAfterAll, fmt.Sprintf("mechanism %q after a terminal all is never reached", field))
		}
		if mech.Opcode == OpAll {
			c.sawAll = true
		}
		if mech.Opcode.usesDNS() {
			c.dnsMechs++
		}
		c.lintHostname(mech, field)
		rec.Mechanisms = append(rec.Mechanisms, mech)
	}

	if c.dnsMechs > maxDNSMech {
		err := newCompileError(ErrBigDNS, raw, strconv.Itoa(c.dnsMechs), 0,
			fmt.Sprintf("record uses %d DNS-consuming mechanisms, more than the configured limit of %d", c.dnsMechs, maxDNSMech))
		return unknownRecord(), c.diagnostics, err
	}

	return rec, c.diagnostics, nil
}

// compileDefaultAlias maps the legacy "default=allow|softfail|deny"
// modifier onto a terminal all mechanism carrying the equivalent
// prefix.
func (c *compiler) compileDefaultAlias(value, field string) (Mechanism, error) {
	switch strings.ToLower(value) {
	case "allow":
		return Mechanism{Prefix: PrefixPass, Opcode: OpAll}, nil
	case "softfail":
		return Mechanism{Prefix: PrefixSoftfail, Opcode: OpAll}, nil
	case "deny":
		return Mechanism{Prefix: PrefixFail, Opcode: OpAll}, nil
	default:
		return Mechanism{}, newCompileError(ErrInvalidOpt, field, value, 0, "default= must be allow, softfail, or deny")
	}
}

// lintHostname applies two non-fatal heuristics: a domain-spec whose
// literal text is entirely digits and dots, and one whose literal text
// contains no letter at all. A name with letters elsewhere but a
// numeric top-level label is not flagged.
func (c *compiler) lintHostname(mech Mechanism, field string) {
	if len(mech.Domain) == 0 {
		return
	}
	var literal strings.Builder
	for _, t := range mech.Domain {
		if t.Kind == TokenString {
			literal.WriteString(t.String)
		}
	}
	lit := literal.String()
	if lit == "" {
		return
	}
	if isAllDigitsAndDots(lit) {
		c.warn(ErrBadHostIP, fmt.Sprintf("domain-spec in %q looks like a bare IP address, not a hostname", field))
		return
	}
	if !strings.ContainsAny(lit, "%") && !hasAlphaLabel(lit) {
		c.warn(ErrBadHostTLD, fmt.Sprintf("domain-spec in %q has no recognizable alphabetic TLD", field))
	}
}

func isAllDigitsAndDots(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) && s[i] != '.' {
			return false
		}
	}
	return true
}

func hasAlphaLabel(s string) bool {
	for i := 0; i < len(s); i++ {
		if isAlpha(s[i]) {
			return true
		}
	}
	return false
}

func firstField(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// splitModifier matches name "=" macro-string, where name is
// ALPHA *(ALPHA/DIGIT/"-"/"_"/"."). Written as a manual scan instead of
// a regexp so compile stays allocation-cheap for this small, fixed
// grammar.
func splitModifier(field string) (name, value string, ok bool) {
	eq := strings.IndexByte(field, '=')
	if eq <= 0 {
		return "", "", false
	}
	name = field[:eq]
	if !isAlpha(name[0]) {
		return "", "", false
	}
	for i := 1; i < len(name); i++ {
		if !isAlpha(name[i]) && !isDigit(name[i]) && name[i] != '-' && name[i] != '_' && name[i] != '.' {
			return "", "", false
		}
	}
	return name, field[eq+1:], true
}

func isAlpha(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') }
func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func (c *compiler) compileModifier(name, value, field string) (Modifier, error) {
	tokens, err := lexMacroString(value, field)
	if err != nil {
		return Modifier{}, err
	}
	return Modifier{Name: name, Data: tokens}, nil
}

// compileMechanism parses one mechanism term: [prefix] name [":" param] [cidr].
func (c *compiler) compileMechanism(field string) (Mechanism, error) {
	prefix := PrefixPass
	rest := field
	switch rest[0] {
	case '+':
		prefix, rest = PrefixPass, rest[1:]
	case '-':
		prefix, rest = PrefixFail, rest[1:]
	case '~':
		prefix, rest = PrefixSoftfail, rest[1:]
	case '?':
		prefix, rest = PrefixNeutral, rest[1:]
	}

	sep := strings.IndexAny(rest, ":/")
	var name, param string
	hasParam := false
	if sep == -1 {
		name = rest
	} else {
		name = rest[:sep]
		param = rest[sep:]
		hasParam = true
	}
	name = strings.ToLower(name)

	switch name {
	case "all":
		if hasParam {
			return Mechanism{}, newCompileError(ErrInvalidOpt, field, param, sep, "all takes no parameters")
		}
		return Mechanism{Prefix: prefix, Opcode: OpAll}, nil

	case "include", "exists":
		op := OpInclude
		if name == "exists" {
			op = OpExists
		}
		if !hasParam || param[0] != ':' || len(param) == 1 {
			return Mechanism{}, newCompileError(ErrMissingOpt, field, name, len(name), name+" requires a domain-spec")
		}
		tokens, err := lexMacroString(param[1:], field)
		if err != nil {
			return Mechanism{}, err
		}
		return Mechanism{Prefix: prefix, Opcode: op, Domain: tokens}, nil

	case "redirect":
		// redirect=... is claimed by splitModifier first; only a redirect
		// term without '=' gets here, and that is an error.
		return Mechanism{}, newCompileError(ErrUnknownMech, field, name, 0, "redirect is a modifier, not a mechanism")

	case "ptr":
		var domainSpec string
		if hasParam {
			if param[0] != ':' || len(param) == 1 {
				return Mechanism{}, newCompileError(ErrMissingOpt, field, name, len(name), "empty domain-spec in ptr")
			}
			domainSpec = param[1:]
		}
		tokens, err := lexMacroString(domainSpec, field)
		if err != nil {
			return Mechanism{}, err
		}
		return Mechanism{Prefix: prefix, Opcode: OpPTR, Domain: tokens}, nil

	case "a", "mx":
		op := OpA
		if name == "mx" {
			op = OpMX
		}
		rest, cidr4, cidr6, err := splitDualCIDR(param, field)
		if err != nil {
			return Mechanism{}, err
		}
		var domainSpec string
		switch {
		case rest == "":
			// no domain-spec: defaults to the current domain
		case rest[0] == ':':
			if len(rest) == 1 {
				return Mechanism{}, newCompileError(ErrMissingOpt, field, name, len(name), "empty domain in "+name)
			}
			domainSpec = rest[1:]
		default:
			return Mechanism{}, newCompileError(ErrSyntax, field, rest, sep, "expected ':' before domain-spec")
		}
		tokens, err := lexMacroString(domainSpec, field)
		if err != nil {
			return Mechanism{}, err
		}
		return Mechanism{Prefix: prefix, Opcode: op, Domain: tokens, CIDR4: cidr4, CIDR6: cidr6}, nil

	case "ip4":
		ip, cidr, err := compileIP(param, field, false)
		if err != nil {
			return Mechanism{}, err
		}
		return Mechanism{Prefix: prefix, Opcode: OpIP4, IP: ip, IPLen: 4, CIDR4: cidr}, nil

	case "ip6":
		ip, cidr, err := compileIP(param, field, true)
		if err != nil {
			return Mechanism{}, err
		}
		return Mechanism{Prefix: prefix, Opcode: OpIP6, IP: ip, IPLen: 16, CIDR6: cidr}, nil

	default:
		return Mechanism{}, newCompileError(ErrUnknownMech, field, name, 0, fmt.Sprintf("unrecognized mechanism %q", name))
	}
}

// splitDualCIDR strips a trailing dual-cidr-length ("/4" and/or "//6")
// off param, returning the remaining ":domain-spec" (if any) plus the
// numeric prefix lengths (0 meaning "not specified").
func splitDualCIDR(param, field string) (rest string, cidr4, cidr6 int, err error) {
	rest = param
	if idx := strings.Index(rest, "//"); idx >= 0 {
		n, convErr := strconv.Atoi(rest[idx+2:])
		if convErr != nil || n < 0 || n > 128 {
			return "", 0, 0, newCompileError(ErrInvalidCIDR, field, rest[idx:], idx, "invalid ipv6 prefix length")
		}
		cidr6 = n
		rest = rest[:idx]
	}
	if idx := strings.LastIndexByte(rest, '/'); idx >= 0 {
		n, convErr := strconv.Atoi(rest[idx+1:])
		if convErr != nil || n < 0 || n > 32 {
			return "", 0, 0, newCompileError(ErrInvalidCIDR, field, rest[idx:], idx, "invalid ipv4 prefix length")
		}
		cidr4 = n
		rest = rest[:idx]
	}
	return rest, cidr4, cidr6, nil
}

func compileIP(param, field string, v6 bool) ([]byte, int, error) {
	if len(param) == 0 || param[0] != ':' {
		return nil, 0, newCompileError(ErrMissingOpt, field, param, 0, "ip mechanism requires an address")
	}
	addr := param[1:]
	cidr := 0
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		n, err := strconv.Atoi(addr[idx+1:])
		maxLen := 32
		if v6 {
			maxLen = 128
		}
		if err != nil || n < 0 || n > maxLen {
			return nil, 0, newCompileError(ErrInvalidCIDR, field, addr[idx:], idx, "invalid prefix length")
		}
		cidr = n
		addr = addr[:idx]
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		code := ErrInvalidIP4
		if v6 {
			code = ErrInvalidIP6
		}
		return nil, 0, newCompileError(code, field, addr, 0, "invalid IP address literal")
	}
	if v6 {
		ip16 := ip.To16()
		if ip16 == nil || ip.To4() != nil {
			return nil, 0, newCompileError(ErrInvalidIP6, field, addr, 0, "not an IPv6 address")
		}
		return append([]byte{}, ip16...), cidr, nil
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, 0, newCompileError(ErrInvalidIP4, field, addr, 0, "not an IPv4 address")
	}
	return append([]byte{}, ip4...), cidr, nil
}

// lexMacroString tokenizes one macro-string (a domain-spec or a
// modifier's value) into a DataToken sequence, folding runs of literal
// text into TokenString tokens and each "%{...}"/"%%"/"%_"/"%-" into
// either a literal or a TokenVar. Decoding happens once here at
// compile time rather than by re-scanning the raw string on every
// evaluation.
func lexMacroString(s, field string) ([]DataToken, error) {
	var tokens []DataToken
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, DataToken{Kind: TokenString, String: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(s); {
		if s[i] != '%' {
			lit.WriteByte(s[i])
			i++
			continue
		}
		if i+1 >= len(s) {
			return nil, newCompileError(ErrInvalidEscape, field, s[i:], i, "trailing %% in macro-string")
		}
		switch s[i+1] {
		case '%':
			lit.WriteByte('%')
			i += 2
		case '_':
			lit.WriteByte(' ')
			i += 2
		case '-':
			lit.WriteString("%20")
			i += 2
		case '{':
			v, n, err := lexVar(s[i:], field, i)
			if err != nil {
				return nil, err
			}
			flush()
			tokens = append(tokens, DataToken{Kind: TokenVar, Var: v})
			i += n
		default:
			return nil, newCompileError(ErrInvalidEscape, field, string(s[i:i+2]), i, "invalid character following %")
		}
	}
	flush()
	return tokens, nil
}

// lexVar parses one "{letter[digits][r][delims]}" construct starting
// at s[0]=='%', returning the decoded VarToken and how many bytes of s
// it consumed.
func lexVar(s, field string, offset int) (VarToken, int, error) {
	// s[0]=='%', s[1]=='{'
	i := 2
	if i >= len(s) {
		return VarToken{}, 0, newCompileError(ErrInvalidVar, field, s, offset, "unterminated macro expansion")
	}
	letter := s[i]
	lower := letter | 0x20
	switch lower {
	case 'l', 's', 'o', 'd', 'i', 'p', 'h', 'c', 'r', 't', 'v':
	default:
		return VarToken{}, 0, newCompileError(ErrInvalidVar, field, string(letter), offset, "unknown macro letter")
	}
	i++

	digitsStart := i
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	digits := s[digitsStart:i]

	reverse := false
	if i < len(s) && (s[i] == 'r' || s[i] == 'R') {
		reverse = true
		i++
	}

	delimsStart := i
	for i < len(s) && strings.IndexByte(".-+=|_", s[i]) >= 0 {
		i++
	}
	delims := s[delimsStart:i]

	if i >= len(s) || s[i] != '}' {
		return VarToken{}, 0, newCompileError(ErrInvalidVar, field, s[:min(i+1, len(s))], offset, "malformed macro expansion, expected '}'")
	}
	i++ // consume '}'

	truncate := 0
	if digits != "" {
		n, err := strconv.Atoi(digits)
		if err != nil {
			return VarToken{}, 0, newCompileError(ErrInvalidVar, field, digits, offset, "invalid truncation digits")
		}
		truncate = n
	}

	return VarToken{
		Letter:     MacroLetter(lower),
		Upper:      letter != lower,
		Reverse:    reverse,
		Truncate:   truncate,
		Delimiters: delims,
	}, i, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
