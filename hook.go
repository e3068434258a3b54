package spf

// Hook lets a caller observe an evaluation as it runs, used by
// cmd/spfquery's -debug trace. The interpreter in this package calls
// only MechanismResult and Redirect; DNS, Record, RecordResult and
// Macro are part of the interface but are never called by it.
type Hook interface {
	// DNS reports a resolver call. Not called by this package.
	DNS(domain string, kind string, ok bool, err error)
	// Record reports a record about to be interpreted. Not called by
	// this package.
	Record(domain, text string)
	// RecordResult reports a record's final result. Not called by this
	// package.
	RecordResult(domain string, result Result)
	// Macro reports a macro expansion. Not called by this package.
	Macro(before, after string, err error)
	// MechanismResult fires when a mechanism matches; index is its
	// position in the record. Mechanisms that do not match are not
	// reported.
	MechanismResult(domain string, index int, mech Mechanism, result Result)
	// Redirect fires when a redirect= modifier is about to run.
	Redirect(target string)
}
