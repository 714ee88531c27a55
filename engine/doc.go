// Package engine provides the process-wide compilation configuration shared
// by stores.
//
// An Engine wraps wazero, owns the shared
// compiled-code cache, and carries the epoch counter used for cross-thread
// execution deadlines. Engines are reference-counted: every Store retains
// the engine it was created from, and the underlying runtime shuts down when
// the last reference (stores plus the creator's own handle) is released.
//
// The epoch counter is the only engine state that is legitimately mutated
// from arbitrary goroutines; IncrementEpoch is a single atomic add and is
// safe to call from a signal handler.
package engine
