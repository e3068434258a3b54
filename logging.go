package spf

import (
	"log"
	"os"
)

// Logger is the injected logging sink every Server holds. A
// syslog-backed implementation is natural for a long-running daemon,
// and tests can supply a no-op. cmd/spfquery's colored -debug trace is
// built on Hook, not on Logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// defaultLogger writes through the standard library's log.Logger with
// plain, uncolored lines.
type defaultLogger struct {
	*log.Logger
}

// NewDefaultLogger returns a Logger that writes to stderr with a
// "spf: " prefix.
func NewDefaultLogger() Logger {
	return &defaultLogger{Logger: log.New(os.Stderr, "spf: ", log.LstdFlags)}
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) { l.Printf("debug: "+format, args...) }
func (l *defaultLogger) Warnf(format string, args ...interface{})  { l.Printf("warn: "+format, args...) }
func (l *defaultLogger) Errorf(format string, args ...interface{}) { l.Printf("error: "+format, args...) }

// nopLogger discards everything; NewNopLogger returns one for tests
// that don't want stderr noise.
type nopLogger struct{}

func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
