package value

import (
	"encoding/binary"
	"math"
)

// Raw is the untagged 16-byte value cell used on the unchecked call path.
//
// Payloads are always stored little-endian regardless of host byte order,
// because these bytes may be copied directly into or out of the execution
// engine's register or stack representation. The cell carries no tag and no
// ownership: the embedder tracks the active kind out of band.
type Raw [16]byte

// SetI32 stores an i32 payload.
func (r *Raw) SetI32(v int32) {
	binary.LittleEndian.PutUint32(r[:4], uint32(v))
}

// I32 loads an i32 payload.
func (r *Raw) I32() int32 {
	return int32(binary.LittleEndian.Uint32(r[:4]))
}

// SetI64 stores an i64 payload.
func (r *Raw) SetI64(v int64) {
	binary.LittleEndian.PutUint64(r[:8], uint64(v))
}

// I64 loads an i64 payload.
func (r *Raw) I64() int64 {
	return int64(binary.LittleEndian.Uint64(r[:8]))
}

// SetF32 stores an f32 payload bit-exactly.
func (r *Raw) SetF32(v float32) {
	binary.LittleEndian.PutUint32(r[:4], math.Float32bits(v))
}

// F32 loads an f32 payload bit-exactly.
func (r *Raw) F32() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(r[:4]))
}

// SetF64 stores an f64 payload bit-exactly.
func (r *Raw) SetF64(v float64) {
	binary.LittleEndian.PutUint64(r[:8], math.Float64bits(v))
}

// F64 loads an f64 payload bit-exactly.
func (r *Raw) F64() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(r[:8]))
}

// SetV128 stores a v128 payload.
func (r *Raw) SetV128(v [16]byte) {
	copy(r[:], v[:])
}

// V128 loads a v128 payload.
func (r *Raw) V128() (v [16]byte) {
	copy(v[:], r[:])
	return v
}

// SetBits stores a 64-bit payload as raw bits. Used when shuttling values to
// and from the execution engine, which represents scalars as uint64.
func (r *Raw) SetBits(v uint64) {
	binary.LittleEndian.PutUint64(r[:8], v)
}

// Bits loads the low 64 bits of the payload.
func (r *Raw) Bits() uint64 {
	return binary.LittleEndian.Uint64(r[:8])
}

// SetFuncref stores a store-scoped funcref handle. The handle is only
// meaningful within the store that produced it.
func (r *Raw) SetFuncref(bits uint64) {
	binary.LittleEndian.PutUint64(r[:8], bits)
}

// Funcref loads a store-scoped funcref handle.
func (r *Raw) Funcref() uint64 {
	return binary.LittleEndian.Uint64(r[:8])
}

// SetExternref stores a store-scoped externref handle. The raw form is not
// tracked by the collector; see Context.ValToRaw for the rooting contract.
func (r *Raw) SetExternref(bits uint64) {
	binary.LittleEndian.PutUint64(r[:8], bits)
}

// Externref loads a store-scoped externref handle.
func (r *Raw) Externref() uint64 {
	return binary.LittleEndian.Uint64(r[:8])
}
