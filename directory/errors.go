package directory

import (
	"fmt"

	"github.com/sarchlab/dirsim/mem/proto"
)

// ErrorKind names one of the six fatal-error categories of spec.md §7.
type ErrorKind int

// Error kinds.
const (
	KindProtocolViolation ErrorKind = iota
	KindResourceExhaustion
	KindRoutingFailure
	KindNoncacheMismatch
	KindConfiguration
	KindTransientRace
)

var errorKindNames = [...]string{
	"protocol violation",
	"resource exhaustion",
	"routing failure",
	"noncacheable mismatch",
	"configuration error",
	"transient race",
}

// String names the error kind.
func (k ErrorKind) String() string {
	if int(k) < 0 || int(k) >= len(errorKindNames) {
		return "unknown error"
	}

	return errorKindNames[k]
}

// FatalError is the structured diagnostic raised by panic for every
// unrecoverable condition in the directory (spec.md §7, §9's "typed
// fatal-error path" redesign flag). Recovering from a panic and type
// asserting to *FatalError lets a caller or test inspect Kind instead of
// parsing a message string, the way the corpus's own invariant panics
// ("buffer overflow", "port not found") never allow.
type FatalError struct {
	Kind    ErrorKind
	Addr    uint64
	State   State
	Cmd     proto.Cmd
	Message string
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf(
		"%s: addr=0x%x state=%s cmd=%s: %s",
		e.Kind, e.Addr, e.State, e.Cmd, e.Message,
	)
}

func raiseProtocolViolation(addr uint64, state State, cmd proto.Cmd, msg string) {
	panic(&FatalError{
		Kind: KindProtocolViolation, Addr: addr, State: state, Cmd: cmd,
		Message: msg,
	})
}

func raiseRoutingFailure(addr uint64, msg string) {
	panic(&FatalError{Kind: KindRoutingFailure, Addr: addr, Message: msg})
}

func raiseNoncacheMismatch(addr uint64, msg string) {
	panic(&FatalError{Kind: KindNoncacheMismatch, Addr: addr, Message: msg})
}

func raiseConfiguration(msg string) {
	panic(&FatalError{Kind: KindConfiguration, Message: msg})
}
