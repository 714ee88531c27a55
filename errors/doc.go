// Package errors provides structured error types for the wasm-engine library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). Host-side contract errors such as wrong arity, type mismatches,
// cross-store handle use, and disabled features are always *Error values.
// Guest-execution faults are a separate channel entirely: they surface as
// *runtime.Trap and never as *Error.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseCall, errors.KindTypeMismatch).
//		Item("add").
//		Detail("argument 0 is f64, expected i32").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.ArityMismatch(errors.PhaseCall, "argument", 1, 2)
//	err := errors.MissingImport("env", "log")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
