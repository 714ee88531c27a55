package runtime

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/sys"
)

// TrapCode classifies a guest fault.
type TrapCode int

const (
	TrapStackOverflow TrapCode = iota
	TrapMemoryOutOfBounds
	TrapHeapMisaligned
	TrapTableOutOfBounds
	TrapIndirectCallToNull
	TrapBadSignature
	TrapIntegerOverflow
	TrapIntegerDivisionByZero
	TrapBadConversionToInteger
	TrapUnreachableCodeReached
	TrapInterrupt
	TrapOutOfFuel
)

func (c TrapCode) String() string {
	switch c {
	case TrapStackOverflow:
		return "stack overflow"
	case TrapMemoryOutOfBounds:
		return "memory out of bounds"
	case TrapHeapMisaligned:
		return "unaligned atomic access"
	case TrapTableOutOfBounds:
		return "table out of bounds"
	case TrapIndirectCallToNull:
		return "indirect call to null"
	case TrapBadSignature:
		return "indirect call signature mismatch"
	case TrapIntegerOverflow:
		return "integer overflow"
	case TrapIntegerDivisionByZero:
		return "integer divide by zero"
	case TrapBadConversionToInteger:
		return "invalid conversion to integer"
	case TrapUnreachableCodeReached:
		return "unreachable code executed"
	case TrapInterrupt:
		return "interrupt"
	case TrapOutOfFuel:
		return "all fuel consumed"
	default:
		return "trap"
	}
}

// Frame is one guest stack frame, innermost first. Offsets are zero when the
// execution engine does not report them.
type Frame struct {
	FuncIndex    uint32
	FuncOffset   uint64
	ModuleOffset uint64
	FuncName     string
	ModuleName   string
}

// Trap is a guest fault: the code hit an unrecoverable condition, ran out of
// fuel, was interrupted, or a host function aborted the call. A Trap is an
// expected outcome of running untrusted code and is distinct from contract
// errors; it implements error so call sites can return it uniformly.
type Trap struct {
	code    TrapCode
	hasCode bool
	msg     string
	frames  []Frame
}

// NewTrap creates a code-less trap with the given message. Host functions
// return one to abort the in-flight guest call.
func NewTrap(msg string) *Trap {
	return &Trap{msg: msg}
}

func newCodeTrap(code TrapCode) *Trap {
	return &Trap{code: code, hasCode: true, msg: code.String()}
}

// Code returns the trap's classification. ok is false for traps whose origin
// the engine could not classify, including host-created traps.
func (t *Trap) Code() (TrapCode, bool) {
	return t.code, t.hasCode
}

// Message returns the trap message without the stack trace.
func (t *Trap) Message() string {
	return t.msg
}

// Frames returns the guest stack at the fault, innermost first. May be empty.
func (t *Trap) Frames() []Frame {
	return t.frames
}

func (t *Trap) Error() string {
	if len(t.frames) == 0 {
		return "wasm trap: " + t.msg
	}
	var b strings.Builder
	b.WriteString("wasm trap: ")
	b.WriteString(t.msg)
	b.WriteString("\nwasm backtrace:")
	for i, f := range t.frames {
		fmt.Fprintf(&b, "\n  %2d: %s!%s", i, f.ModuleName, f.FuncName)
	}
	return b.String()
}

// ExitError reports that the guest terminated the instance via an explicit
// exit (WASI proc_exit). It is neither a trap nor a contract error.
type ExitError struct {
	Code uint32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("module exited with code %d", e.Code)
}

// trapSubstrings maps execution-engine error text onto trap codes.
var trapSubstrings = []struct {
	text string
	code TrapCode
}{
	{"stack overflow", TrapStackOverflow},
	{"out of bounds memory access", TrapMemoryOutOfBounds},
	{"unaligned atomic", TrapHeapMisaligned},
	{"invalid table access", TrapTableOutOfBounds},
	{"indirect call type mismatch", TrapBadSignature},
	{"integer overflow", TrapIntegerOverflow},
	{"integer divide by zero", TrapIntegerDivisionByZero},
	{"invalid conversion to integer", TrapBadConversionToInteger},
	{"unreachable", TrapUnreachableCodeReached},
}

// classifyTrap inspects an execution error and rebuilds it as a Trap when it
// describes a guest fault. Errors that are not guest faults (link errors,
// closed modules) pass through as (nil, false).
func classifyTrap(err error) (*Trap, bool) {
	var t *Trap
	if stderrors.As(err, &t) {
		return t, true
	}

	msg := err.Error()
	head, frames := splitStackTrace(msg)

	for _, m := range trapSubstrings {
		if strings.Contains(head, m.text) {
			trap := newCodeTrap(m.code)
			trap.frames = frames
			return trap, true
		}
	}
	if strings.Contains(head, "wasm error:") {
		trap := &Trap{msg: strings.TrimSpace(strings.TrimPrefix(head, "wasm error:"))}
		trap.frames = frames
		return trap, true
	}
	return nil, false
}

// splitStackTrace separates the fault message from the engine's appended
// stack trace lines of the form "\tmodule.funcname(...)".
func splitStackTrace(msg string) (string, []Frame) {
	head, rest, found := strings.Cut(msg, "wasm stack trace:")
	if !found {
		return msg, nil
	}
	var frames []Frame
	for _, line := range strings.Split(rest, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, '('); i >= 0 {
			line = line[:i]
		}
		var f Frame
		if i := strings.IndexByte(line, '.'); i >= 0 {
			f.ModuleName = line[:i]
			f.FuncName = line[i+1:]
		} else {
			f.FuncName = line
		}
		frames = append(frames, f)
	}
	return strings.TrimSpace(head), frames
}

// exitFromError extracts an explicit guest exit, filtering the synthetic exit
// codes the execution engine uses for context teardown.
func exitFromError(err error) (*ExitError, bool) {
	var exit *sys.ExitError
	if !stderrors.As(err, &exit) {
		return nil, false
	}
	switch exit.ExitCode() {
	case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
		return nil, false
	}
	return &ExitError{Code: exit.ExitCode()}, true
}
