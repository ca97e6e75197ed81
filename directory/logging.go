package directory

import (
	"log"
	"os"
)

// LogLevel orders how much a controller instance logs, replacing spec.md's
// untyped verbose/debug_level pair with a single ordered enum.
type LogLevel int

// Log levels, most to least quiet.
const (
	LogLevelSilent LogLevel = iota
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// logger wraps the standard library logger the way sim.LogHookBase does —
// the corpus never reaches for a structured-logging library, so neither
// does this package.
type logger struct {
	*log.Logger

	level      LogLevel
	debugAddrs map[uint64]bool
}

func newLogger(name string, level LogLevel, debugAddrs []uint64) *logger {
	l := &logger{
		Logger: log.New(os.Stderr, name+": ", log.Lmicroseconds),
		level:  level,
	}

	if len(debugAddrs) > 0 {
		l.debugAddrs = make(map[uint64]bool, len(debugAddrs))
		for _, a := range debugAddrs {
			l.debugAddrs[a] = true
		}
	}

	return l
}

// tracedAddr reports whether addr was named in debug_addr[] and should be
// logged regardless of the configured LogLevel, mirroring the original
// SST-Elements memHierarchy's dbg.debug() calls that gate on a debug address
// set instead of a verbosity level.
func (l *logger) tracedAddr(addr uint64) bool {
	return l.debugAddrs != nil && l.debugAddrs[addr]
}

func (l *logger) infof(addr uint64, format string, args ...interface{}) {
	if l.level >= LogLevelInfo || l.tracedAddr(addr) {
		l.Printf(format, args...)
	}
}

func (l *logger) debugf(addr uint64, format string, args ...interface{}) {
	if l.level >= LogLevelDebug || l.tracedAddr(addr) {
		l.Printf(format, args...)
	}
}

func (l *logger) tracef(addr uint64, format string, args ...interface{}) {
	if l.level >= LogLevelTrace || l.tracedAddr(addr) {
		l.Printf(format, args...)
	}
}
