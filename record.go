package spf

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Prefix is the one-byte mechanism result a matched mechanism asserts:
// pass/fail/softfail/neutral.
type Prefix byte

const (
	PrefixPass Prefix = iota
	PrefixFail
	PrefixSoftfail
	PrefixNeutral
	PrefixUnknown // permerror; only ever seen on the synthetic ?all record
)

func (p Prefix) String() string {
	switch p {
	case PrefixPass:
		return "+"
	case PrefixFail:
		return "-"
	case PrefixSoftfail:
		return "~"
	case PrefixNeutral:
		return "?"
	default:
		return "?"
	}
}

// Opcode identifies a compiled mechanism.
type Opcode byte

const (
	OpA Opcode = iota
	OpMX
	OpPTR
	OpInclude
	OpIP4
	OpIP6
	OpExists
	OpAll
	OpRedirect
	OpUnknown
)

func (op Opcode) String() string {
	switch op {
	case OpA:
		return "a"
	case OpMX:
		return "mx"
	case OpPTR:
		return "ptr"
	case OpInclude:
		return "include"
	case OpIP4:
		return "ip4"
	case OpIP6:
		return "ip6"
	case OpExists:
		return "exists"
	case OpAll:
		return "all"
	case OpRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// usesDNS reports whether evaluating this mechanism consumes one of the
// server's budgeted DNS-using mechanisms.
func (op Opcode) usesDNS() bool {
	switch op {
	case OpA, OpMX, OpPTR, OpInclude, OpExists, OpRedirect:
		return true
	default:
		return false
	}
}

// TokenKind is the one-byte type tag of a data token.
type TokenKind byte

const (
	TokenString TokenKind = iota
	TokenVar
	TokenCIDR
)

// MacroLetter identifies which request field a VAR token substitutes.
type MacroLetter byte

const (
	MacroLocalPart  MacroLetter = 'l'
	MacroSender     MacroLetter = 's'
	MacroOrigDomain MacroLetter = 'o'
	MacroDomain     MacroLetter = 'd'
	MacroClientIP   MacroLetter = 'i'
	MacroClientIPPretty MacroLetter = 'c'
	MacroTime       MacroLetter = 't'
	MacroClientDom  MacroLetter = 'p'
	MacroIPVer      MacroLetter = 'v'
	MacroHELO       MacroLetter = 'h'
	MacroRecvDomain MacroLetter = 'r'
)

// delimiterBits fixes the bit order used to encode a macro's delimiter
// set into a single byte mask.
var delimiterBits = []byte{'.', '-', '+', '=', '|', '_'}

func delimiterMask(delims string) byte {
	var mask byte
	for i, d := range delimiterBits {
		if strings.IndexByte(delims, d) >= 0 {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func maskDelimiters(mask byte) string {
	var sb strings.Builder
	for i, d := range delimiterBits {
		if mask&(1<<uint(i)) != 0 {
			sb.WriteByte(d)
		}
	}
	if sb.Len() == 0 {
		return "."
	}
	return sb.String()
}

// VarToken is the decoded form of a VAR data token.
type VarToken struct {
	Letter     MacroLetter
	Upper      bool // url-encode, and the original text used the uppercase letter
	Reverse    bool
	Truncate   int    // 0 = no truncation, else keep this many rightmost fields
	Delimiters string // defaults to "." when unset
}

// DataToken is a decoded data token: exactly one of String/Var is
// meaningful, selected by Kind. CIDR tokens are consumed by the
// compiler (stripped into the owning mechanism's CIDR fields) and never
// appear in a decoded token stream handed to the macro expander.
type DataToken struct {
	Kind   TokenKind
	String string
	Var    VarToken
}

func encodeToken(buf []byte, t DataToken) []byte {
	switch t.Kind {
	case TokenString:
		buf = append(buf, byte(TokenString), byte(len(t.String)))
		buf = append(buf, t.String...)
	case TokenVar:
		var flags byte
		if t.Var.Reverse {
			flags |= 1
		}
		if t.Var.Upper {
			flags |= 2
		}
		buf = append(buf, byte(TokenVar), byte(t.Var.Letter), flags, byte(t.Var.Truncate), delimiterMask(t.Var.Delimiters))
	}
	return buf
}

func decodeToken(buf []byte, off int) (DataToken, int, error) {
	if off >= len(buf) {
		return DataToken{}, off, fmt.Errorf("truncated data token")
	}
	switch TokenKind(buf[off]) {
	case TokenString:
		if off+2 > len(buf) {
			return DataToken{}, off, fmt.Errorf("truncated string token header")
		}
		n := int(buf[off+1])
		start := off + 2
		if start+n > len(buf) {
			return DataToken{}, off, fmt.Errorf("truncated string token body")
		}
		return DataToken{Kind: TokenString, String: string(buf[start : start+n])}, start + n, nil
	case TokenVar:
		if off+5 > len(buf) {
			return DataToken{}, off, fmt.Errorf("truncated var token")
		}
		letter := MacroLetter(buf[off+1])
		flags := buf[off+2]
		trunc := int(buf[off+3])
		delims := maskDelimiters(buf[off+4])
		return DataToken{Kind: TokenVar, Var: VarToken{
			Letter:     letter,
			Reverse:    flags&1 != 0,
			Upper:      flags&2 != 0,
			Truncate:   trunc,
			Delimiters: delims,
		}}, off + 5, nil
	default:
		return DataToken{}, off, fmt.Errorf("unknown token kind %d", buf[off])
	}
}

// Mechanism is the decoded form of one compiled mechanism record.
type Mechanism struct {
	Prefix Prefix
	Opcode Opcode

	// Domain is the decoded macro-string for A/MX/PTR/INCLUDE/EXISTS/REDIRECT,
	// as a token sequence (possibly empty, meaning "current domain").
	Domain []DataToken

	// CIDR4/CIDR6 apply to A/MX (dual-cidr-length) and to IP4/IP6
	// (single address+prefix). 0 means "host route" (/32 or /128) for
	// IP4/IP6, or "unspecified -> default" for A/MX.
	CIDR4 int
	CIDR6 int

	// IP/IPLen hold the literal address for IP4/IP6 mechanisms.
	IP    []byte
	IPLen int
}

// Modifier is the decoded form of one compiled modifier record.
type Modifier struct {
	Name string
	Data []DataToken
}

// CompiledRecord is the compiled form of an SPF record, held as decoded
// Go values. Marshal appends its mechanisms and modifiers to a flat,
// position-independent []byte buffer, and Unmarshal decodes such a
// buffer with an index-based decoder that validates every offset.
type CompiledRecord struct {
	Mechanisms []Mechanism
	Modifiers  []Modifier

	// Exp and Redirect cache the (at most one each) exp= and redirect=
	// modifiers, since the interpreter consults them by name often.
	Exp      string
	Redirect string

	// Errored is true for the synthetic ?all record produced when
	// compilation failed: interpretation of this record always yields
	// permerror.
	Errored bool
}

// unknownRecord is the synthetic record compile.go substitutes for any
// record that failed to parse.
func unknownRecord() *CompiledRecord {
	return &CompiledRecord{
		Mechanisms: []Mechanism{{Prefix: PrefixUnknown, Opcode: OpUnknown}},
		Errored:    true,
	}
}

// Marshal encodes the record into the internal bytecode buffer
// described above. It exists so the "position independent, walked by
// declared lengths" invariant is something this type actually does,
// not just an aspiration the decoded-struct form would quietly violate.
func (r *CompiledRecord) Marshal() ([]byte, error) {
	var mechBuf, modBuf []byte
	for _, m := range r.Mechanisms {
		b, err := encodeMechanism(m)
		if err != nil {
			return nil, err
		}
		if len(mechBuf)+len(b) > 511 {
			return nil, fmt.Errorf("compiled mechanisms exceed 511 bytes")
		}
		mechBuf = append(mechBuf, b...)
	}
	for _, m := range r.Modifiers {
		b := encodeModifier(m)
		if len(modBuf)+len(b) > 511 {
			return nil, fmt.Errorf("compiled modifiers exceed 511 bytes")
		}
		modBuf = append(modBuf, b...)
	}
	header := make([]byte, 13)
	header[0] = 1
	binary.BigEndian.PutUint16(header[1:3], uint16(len(r.Mechanisms)))
	binary.BigEndian.PutUint16(header[3:5], uint16(len(r.Modifiers)))
	binary.BigEndian.PutUint32(header[5:9], uint32(len(mechBuf)))
	binary.BigEndian.PutUint32(header[9:13], uint32(len(modBuf)))
	out := append(header, mechBuf...)
	out = append(out, modBuf...)
	return out, nil
}

// Unmarshal decodes a buffer produced by Marshal, validating every
// declared length as it walks the buffer.
func Unmarshal(buf []byte) (*CompiledRecord, error) {
	if len(buf) < 13 {
		return nil, fmt.Errorf("compiled record too short")
	}
	numMech := int(binary.BigEndian.Uint16(buf[1:3]))
	numMod := int(binary.BigEndian.Uint16(buf[3:5]))
	mechLen := int(binary.BigEndian.Uint32(buf[5:9]))
	modLen := int(binary.BigEndian.Uint32(buf[9:13]))
	if 13+mechLen+modLen > len(buf) {
		return nil, fmt.Errorf("compiled record truncated")
	}
	mechBuf := buf[13 : 13+mechLen]
	modBuf := buf[13+mechLen : 13+mechLen+modLen]

	rec := &CompiledRecord{}
	off := 0
	for i := 0; i < numMech; i++ {
		m, next, err := decodeMechanism(mechBuf, off)
		if err != nil {
			return nil, err
		}
		rec.Mechanisms = append(rec.Mechanisms, m)
		off = next
	}
	off = 0
	for i := 0; i < numMod; i++ {
		m, next, err := decodeModifier(modBuf, off)
		if err != nil {
			return nil, err
		}
		rec.Modifiers = append(rec.Modifiers, m)
		if strings.EqualFold(m.Name, "redirect") && len(m.Data) > 0 {
			rec.Redirect = stringifyTokens(m.Data)
		}
		if strings.EqualFold(m.Name, "exp") && len(m.Data) > 0 {
			rec.Exp = stringifyTokens(m.Data)
		}
		off = next
	}
	return rec, nil
}

func encodeMechanism(m Mechanism) ([]byte, error) {
	var payload []byte
	switch m.Opcode {
	case OpIP4:
		payload = append(payload, m.IP...)
		payload = append(payload, byte(m.CIDR4))
	case OpIP6:
		payload = append(payload, m.IP...)
		payload = append(payload, byte(m.CIDR6))
	case OpA, OpMX:
		if m.CIDR4 != 0 || m.CIDR6 != 0 {
			payload = append(payload, byte(TokenCIDR), byte(m.CIDR4), byte(m.CIDR6))
		}
		for _, t := range m.Domain {
			payload = encodeToken(payload, t)
		}
	case OpPTR, OpInclude, OpExists, OpRedirect:
		for _, t := range m.Domain {
			payload = encodeToken(payload, t)
		}
	case OpAll, OpUnknown:
		// no payload
	}
	if len(payload) > 1<<16-1 {
		return nil, fmt.Errorf("mechanism payload too long")
	}
	buf := []byte{byte(m.Prefix), byte(m.Opcode), 0, 0}
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	return append(buf, payload...), nil
}

func decodeMechanism(buf []byte, off int) (Mechanism, int, error) {
	if off+4 > len(buf) {
		return Mechanism{}, off, fmt.Errorf("truncated mechanism header")
	}
	m := Mechanism{Prefix: Prefix(buf[off]), Opcode: Opcode(buf[off+1])}
	plen := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
	start := off + 4
	if start+plen > len(buf) {
		return Mechanism{}, off, fmt.Errorf("truncated mechanism payload")
	}
	payload := buf[start : start+plen]
	end := start + plen

	switch m.Opcode {
	case OpIP4:
		if len(payload) != 5 {
			return Mechanism{}, off, fmt.Errorf("malformed ip4 mechanism")
		}
		m.IP = append([]byte{}, payload[:4]...)
		m.CIDR4 = int(payload[4])
	case OpIP6:
		if len(payload) != 17 {
			return Mechanism{}, off, fmt.Errorf("malformed ip6 mechanism")
		}
		m.IP = append([]byte{}, payload[:16]...)
		m.CIDR6 = int(payload[16])
	case OpA, OpMX:
		p := 0
		if len(payload) >= 3 && TokenKind(payload[0]) == TokenCIDR {
			m.CIDR4 = int(payload[1])
			m.CIDR6 = int(payload[2])
			p = 3
		}
		for p < len(payload) {
			t, next, err := decodeToken(payload, p)
			if err != nil {
				return Mechanism{}, off, err
			}
			m.Domain = append(m.Domain, t)
			p = next
		}
	case OpPTR, OpInclude, OpExists, OpRedirect:
		p := 0
		for p < len(payload) {
			t, next, err := decodeToken(payload, p)
			if err != nil {
				return Mechanism{}, off, err
			}
			m.Domain = append(m.Domain, t)
			p = next
		}
	}
	return m, end, nil
}

func encodeModifier(m Modifier) []byte {
	var data []byte
	for _, t := range m.Data {
		data = encodeToken(data, t)
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(m.Name)))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(data)))
	buf = append(buf, m.Name...)
	buf = append(buf, data...)
	return buf
}

func decodeModifier(buf []byte, off int) (Modifier, int, error) {
	if off+4 > len(buf) {
		return Modifier{}, off, fmt.Errorf("truncated modifier header")
	}
	nameLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	dataLen := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
	start := off + 4
	if start+nameLen+dataLen > len(buf) {
		return Modifier{}, off, fmt.Errorf("truncated modifier body")
	}
	name := string(buf[start : start+nameLen])
	dataBuf := buf[start+nameLen : start+nameLen+dataLen]
	var tokens []DataToken
	p := 0
	for p < len(dataBuf) {
		t, next, err := decodeToken(dataBuf, p)
		if err != nil {
			return Modifier{}, off, err
		}
		tokens = append(tokens, t)
		p = next
	}
	return Modifier{Name: name, Data: tokens}, start + nameLen + dataLen, nil
}

// Stringify renders a CompiledRecord back to SPF text: canonical prefix
// punctuation, lowercase keywords, numeric CIDR preserved,
// macro-variable letter case preserved (case *is* the url-encode flag,
// so this falls out for free). Compiling Stringify's own output always
// reproduces the same record. The original %- spelling is not kept:
// a literal '%' is written back as %% and a space as %_, so %- comes
// out as %%20 — see DESIGN.md for that decision.
func (r *CompiledRecord) Stringify() string {
	var parts []string
	parts = append(parts, "v=spf1")
	for _, m := range r.Mechanisms {
		parts = append(parts, stringifyMechanism(m))
	}
	for _, mod := range r.Modifiers {
		parts = append(parts, mod.Name+"="+stringifyTokens(mod.Data))
	}
	return strings.Join(parts, " ")
}

func stringifyMechanism(m Mechanism) string {
	var sb strings.Builder
	if m.Prefix != PrefixPass {
		sb.WriteString(m.Prefix.String())
	}
	sb.WriteString(m.Opcode.String())
	switch m.Opcode {
	case OpIP4:
		sb.WriteString(":")
		sb.WriteString(formatIP4(m.IP))
		if m.CIDR4 != 0 {
			sb.WriteString("/")
			sb.WriteString(strconv.Itoa(m.CIDR4))
		}
	case OpIP6:
		sb.WriteString(":")
		sb.WriteString(formatIP6(m.IP))
		if m.CIDR6 != 0 {
			sb.WriteString("/")
			sb.WriteString(strconv.Itoa(m.CIDR6))
		}
	case OpA, OpMX:
		if len(m.Domain) > 0 {
			sb.WriteString(":")
			sb.WriteString(stringifyTokens(m.Domain))
		}
		if m.CIDR4 != 0 {
			sb.WriteString("/")
			sb.WriteString(strconv.Itoa(m.CIDR4))
		}
		if m.CIDR6 != 0 {
			sb.WriteString("//")
			sb.WriteString(strconv.Itoa(m.CIDR6))
		}
	case OpPTR, OpInclude, OpExists, OpRedirect:
		if len(m.Domain) > 0 {
			sb.WriteString(":")
			sb.WriteString(stringifyTokens(m.Domain))
		}
	}
	return sb.String()
}

func stringifyTokens(tokens []DataToken) string {
	var sb strings.Builder
	for _, t := range tokens {
		switch t.Kind {
		case TokenString:
			lit := strings.ReplaceAll(t.String, "%", "%%")
			sb.WriteString(strings.ReplaceAll(lit, " ", "%_"))
		case TokenVar:
			sb.WriteString("%{")
			letter := byte(t.Var.Letter)
			if t.Var.Upper {
				letter = letter - 'a' + 'A'
			}
			sb.WriteByte(letter)
			if t.Var.Truncate > 0 {
				sb.WriteString(strconv.Itoa(t.Var.Truncate))
			}
			if t.Var.Reverse {
				sb.WriteString("r")
			}
			if t.Var.Delimiters != "" && t.Var.Delimiters != "." {
				sb.WriteString(t.Var.Delimiters)
			}
			sb.WriteString("}")
		}
	}
	return sb.String()
}

func formatIP4(ip []byte) string {
	if len(ip) != 4 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

func formatIP6(ip []byte) string {
	if len(ip) != 16 {
		return ""
	}
	parts := make([]string, 8)
	for i := 0; i < 8; i++ {
		parts[i] = fmt.Sprintf("%x", uint16(ip[i*2])<<8|uint16(ip[i*2+1]))
	}
	return strings.Join(parts, ":")
}
