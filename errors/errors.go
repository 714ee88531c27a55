package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the engine lifecycle the error occurred
type Phase string

const (
	PhaseConfig      Phase = "config"      // engine/store configuration
	PhaseCompile     Phase = "compile"     // module compilation/validation
	PhaseSerialize   Phase = "serialize"   // module serialization/deserialization
	PhaseLink        Phase = "link"        // import resolution
	PhaseInstantiate Phase = "instantiate" // module instantiation
	PhaseCall        Phase = "call"        // host/guest function invocation
	PhaseValue       Phase = "value"       // value/reference marshalling
	PhaseWASI        Phase = "wasi"        // WASI configuration
)

// Kind categorizes the error
type Kind string

const (
	KindTypeMismatch    Kind = "type_mismatch"
	KindArityMismatch   Kind = "arity_mismatch"
	KindCrossStore      Kind = "cross_store"
	KindDisabledFeature Kind = "disabled_feature"
	KindMissingImport   Kind = "missing_import"
	KindDuplicate       Kind = "duplicate_definition"
	KindResourceLimit   Kind = "resource_limit"
	KindNotFound        Kind = "not_found"
	KindInvalidInput    Kind = "invalid_input"
	KindUnsupported     Kind = "unsupported"
	KindClosed          Kind = "closed"
	KindCanceled        Kind = "canceled"
)

// Error is the structured error type used for host-side contract errors.
// Guest faults are never reported as *Error; they surface as traps.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string // wasm module name, when relevant
	Item   string // import/export/function name, when relevant
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Module != "" || e.Item != "" {
		b.WriteString(" at ")
		b.WriteString(e.Module)
		if e.Item != "" {
			b.WriteByte('#')
			b.WriteString(e.Item)
		}
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two *Error values match when
// their Phase and Kind agree, so callers can test categories with sentinel
// values like &Error{Phase: PhaseCall, Kind: KindArityMismatch}.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Module sets the wasm module name the error refers to
func (b *Builder) Module(name string) *Builder {
	b.err.Module = name
	return b
}

// Item sets the import/export/function name the error refers to
func (b *Builder) Item(name string) *Builder {
	b.err.Item = name
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, detail string, args ...any) *Error {
	return New(phase, KindTypeMismatch).Detail(detail, args...).Build()
}

// ArityMismatch creates an argument/result count error
func ArityMismatch(phase Phase, what string, got, want int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindArityMismatch,
		Detail: fmt.Sprintf("%s count is %d, expected %d", what, got, want),
	}
}

// CrossStore reports a handle minted by one store used with another store's
// context. This is a programmer error; no guest code has run.
func CrossStore(phase Phase, what string, handleStore, contextStore uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCrossStore,
		Detail: fmt.Sprintf("%s belongs to store %d, context belongs to store %d", what, handleStore, contextStore),
	}
}

// DisabledFeature reports use of an engine feature that was not enabled at
// configuration time.
func DisabledFeature(feature string) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindDisabledFeature,
		Detail: fmt.Sprintf("%s support is not enabled in the engine configuration", feature),
	}
}

// MissingImport reports an import with no definition
func MissingImport(module, item string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindMissingImport,
		Module: module,
		Item:   item,
		Detail: "no definition for import",
	}
}

// Duplicate reports a second definition of an already-defined name
func Duplicate(module, item string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindDuplicate,
		Module: module,
		Item:   item,
		Detail: "already defined (shadowing is disabled)",
	}
}

// ResourceLimit reports a store limiter cap hit before guest execution began
func ResourceLimit(detail string, args ...any) *Error {
	return New(PhaseInstantiate, KindResourceLimit).Detail(detail, args...).Build()
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Closed reports an operation on a closed engine, store, or future
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: what + " is closed",
	}
}

// Compile creates a module compilation error
func Compile(cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindInvalidInput,
		Detail: "compile module",
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
