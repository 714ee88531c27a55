// Package value implements the typed wasm value representation used at the
// host/guest boundary.
//
// Val is the checked, tagged-union representation: every Val knows its Kind
// and reference-typed payloads carry ownership. Raw is the unchecked
// representation used on hot call paths: a fixed 16-byte cell with no tag,
// stored little-endian regardless of host byte order so the bytes can be
// copied directly into the execution engine's stack representation.
//
// ExternRef is the host-owned, reference-counted opaque cell that can be
// embedded in a Val. It is the one value variant with non-trivial
// destruction: whoever owns a reference must release it.
package value
