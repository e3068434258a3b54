package spf

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// macroEnv carries everything a VarToken substitution might need: the
// request under evaluation, the domain currently being checked (which
// can differ from the request's own domain once include/redirect have
// recursed), and whether exp-only letters (c, r, t) are allowed.
type macroEnv struct {
	req    *Request
	server *Server
	domain string
	exp    bool
}

// expandTokens walks a decoded token sequence and substitutes each VAR
// token against env, building the final macro-string. It operates on
// the already-tokenized form the compiler produced instead of
// re-lexing "%{...}" text on every evaluation.
func expandTokens(ctx context.Context, env macroEnv, tokens []DataToken) (string, error) {
	var sb strings.Builder
	for _, t := range tokens {
		switch t.Kind {
		case TokenString:
			sb.WriteString(t.String)
		case TokenVar:
			v, err := expandVar(ctx, env, t.Var)
			if err != nil {
				return "", err
			}
			sb.WriteString(v)
		default:
			return "", fmt.Errorf("unexpected token kind in macro-string")
		}
	}
	return sb.String(), nil
}

func expandVar(ctx context.Context, env macroEnv, v VarToken) (string, error) {
	req := env.req
	var replacement string
	switch v.Letter {
	case MacroSender:
		replacement = req.Sender()
	case MacroLocalPart:
		replacement = req.EnvFromLocal
	case MacroOrigDomain:
		replacement = req.EnvFromDomain
	case MacroDomain:
		replacement = strings.TrimSuffix(env.domain, ".")
	case MacroClientIP:
		replacement = ipMacro(req.ClientIP)
	case MacroClientIPPretty:
		replacement = req.ClientIP.String()
	case MacroHELO:
		replacement = req.HELO
	case MacroIPVer:
		if req.IsIPv6() {
			replacement = "ip6"
		} else {
			replacement = "in-addr"
		}
	case MacroClientDom:
		replacement = req.ValidatedHostname(ctx, env.server.Resolver, env.server.MaxDNSPTR)
	case MacroTime:
		if !env.exp {
			return "", newRuntimeError(ErrInvalidVar, "t macro not allowed outside exp")
		}
		replacement = strconv.FormatInt(nowFunc().Unix(), 10)
	case MacroRecvDomain:
		if !env.exp {
			return "", newRuntimeError(ErrInvalidVar, "r macro not allowed outside exp")
		}
		replacement = env.server.ReceivingDomain
	default:
		return "", newRuntimeError(ErrInvalidVar, fmt.Sprintf("unknown macro letter %q", rune(v.Letter)))
	}

	if v.Letter == MacroClientIPPretty && !env.exp {
		return "", newRuntimeError(ErrInvalidVar, "c macro not allowed outside exp")
	}

	if v.Upper {
		replacement = rfc3986Escape(replacement)
	}
	if v.Truncate > 0 || v.Reverse || (v.Delimiters != "" && v.Delimiters != ".") {
		replacement = splitJoin(replacement, v.Delimiters, v.Reverse, v.Truncate)
	}
	return replacement, nil
}

// nowFunc is a seam for tests; production code always calls time.Now.
var nowFunc = time.Now

func ipMacro(ip net.IP) string {
	if ip.To4() != nil {
		return ip.To4().String()
	}
	v6 := ip.To16()
	enc := make([]byte, 32)
	hex.Encode(enc, v6)
	var sb strings.Builder
	for i, b := range enc {
		if i != 0 {
			sb.WriteByte('.')
		}
		sb.WriteByte(b)
	}
	return sb.String()
}

func splitJoin(s, delims string, reverse bool, limit int) string {
	if delims == "" {
		delims = "."
	}
	var parts []string
	for {
		idx := strings.IndexAny(s, delims)
		if idx == -1 {
			parts = append(parts, s)
			break
		}
		parts = append(parts, s[:idx])
		s = s[idx+1:]
	}
	if reverse {
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
	}
	if limit > 0 && limit < len(parts) {
		parts = parts[len(parts)-limit:]
	}
	return strings.Join(parts, ".")
}

// expandDomainSpec expands a decoded domain-spec token sequence,
// truncating leading labels to keep the result within the 253-octet
// hostname limit, and defaults to the current domain when the
// mechanism carried no explicit domain-spec.
func expandDomainSpec(ctx context.Context, env macroEnv, tokens []DataToken) (string, error) {
	if len(tokens) == 0 {
		return env.domain, nil
	}
	target, err := expandTokens(ctx, env, tokens)
	if err != nil {
		return "", err
	}
	if len(target) <= 253 {
		return target, nil
	}
	parts := strings.Split(target, ".")
	length := len(target)
	for len(parts) > 0 {
		length -= len(parts[0]) + 1
		parts = parts[1:]
		if length <= 253 {
			break
		}
	}
	if len(parts) == 0 {
		return "", newRuntimeError(ErrBigSubdomain, "domain-spec expands to an oddly long name")
	}
	return strings.Join(parts, "."), nil
}

// rfc3986Escape URL-encodes every byte outside RFC 3986's unreserved
// set, used for uppercase macro letters. net/url's Escape variants
// target query/path contexts, which isn't what a macro substitution
// is, so the unreserved set is applied directly here.
const upperhex = "0123456789ABCDEF"

func rfc3986Escape(s string) string {
	needsEscape := false
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c) {
			sb.WriteByte('%')
			sb.WriteByte(upperhex[c>>4])
			sb.WriteByte(upperhex[c&15])
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func shouldEscape(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z':
		return false
	case 'a' <= c && c <= 'z':
		return false
	case '0' <= c && c <= '9':
		return false
	}
	switch c {
	case '-', '.', '_', '~':
		return false
	}
	return true
}
