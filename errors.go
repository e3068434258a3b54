package spf

import "fmt"

// ErrCode enumerates the error kinds an evaluation can report. These
// are recorded on Response (as errors or warnings) independently of
// the Go `error` values compile.go/interp.go return internally.
type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrNoMemory
	ErrNotSPF
	ErrSyntax
	ErrInvalidChar
	ErrUnknownMech
	ErrInvalidOpt
	ErrInvalidCIDR
	ErrMissingOpt
	ErrInvalidEscape
	ErrInvalidVar
	ErrBigSubdomain
	ErrInvalidDelim
	ErrBigString
	ErrBigMech
	ErrBigMod
	ErrBigDNS
	ErrInvalidIP4
	ErrInvalidIP6
	ErrInvalidPrefix
	ErrResultUnknown
	ErrUninitVar
	ErrModNotFound
	ErrNotConfig
	ErrDNSError
	ErrBadHostIP
	ErrBadHostTLD
	ErrMechAfterAll
	ErrIncludeReturnedNone
	ErrRecursive
)

var errCodeNames = [...]string{
	"no_memory", "not_spf", "syntax", "invalid_char", "unknown_mech",
	"invalid_opt", "invalid_cidr", "missing_opt", "invalid_escape",
	"invalid_var", "big_subdomain", "invalid_delim", "big_string",
	"big_mech", "big_mod", "big_dns", "invalid_ip4", "invalid_ip6",
	"invalid_prefix", "result_unknown", "uninit_var", "mod_not_found",
	"not_config", "dns_error", "bad_host_ip", "bad_host_tld",
	"mech_after_all", "include_returned_none", "recursive",
}

func (c ErrCode) String() string {
	if c == ErrNone {
		return "none"
	}
	i := int(c) - 1
	if i < 0 || i >= len(errCodeNames) {
		return "unknown"
	}
	return errCodeNames[i]
}

// Severity distinguishes a hard error (forces the synthetic ?all
// record) from a warning (recorded but non-fatal, e.g. a lint
// finding).
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

// Diagnostic is one entry in Response's error/warning list.
type Diagnostic struct {
	Code     ErrCode
	Severity Severity
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// CompileError is returned by compile.go on the first syntax error. It
// carries the offending expression (the whole token), the specific
// sub-token, and the exact failing character offset.
type CompileError struct {
	Code       ErrCode
	Expression string // the whole term that failed
	SubToken   string // the specific piece of the term that was bad
	Offset     int    // character offset of the failure within Expression
	msg        string
}

func (e *CompileError) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("%s at offset %d in %q (%s): %s", e.Code, e.Offset, e.Expression, e.SubToken, e.msg)
	}
	return fmt.Sprintf("%s at offset %d in %q (%s)", e.Code, e.Offset, e.Expression, e.SubToken)
}

func newCompileError(code ErrCode, expression, subToken string, offset int, msg string) *CompileError {
	return &CompileError{Code: code, Expression: expression, SubToken: subToken, Offset: offset, msg: msg}
}

// RuntimeError is returned by interp.go for failures discovered only
// during evaluation (budget exhaustion, recursion, DNS failure).
type RuntimeError struct {
	Code ErrCode
	msg  string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func newRuntimeError(code ErrCode, msg string) *RuntimeError {
	return &RuntimeError{Code: code, msg: msg}
}
