package value

import (
	"fmt"
	"math"
)

// Kind identifies a wasm value type.
type Kind uint8

const (
	KindI32 Kind = iota
	KindI64
	KindF32
	KindF64
	KindV128
	KindFuncRef
	KindExternRef
)

func (k Kind) String() string {
	switch k {
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	case KindV128:
		return "v128"
	case KindFuncRef:
		return "funcref"
	case KindExternRef:
		return "externref"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsRef reports whether the kind is a reference type.
func (k Kind) IsRef() bool {
	return k == KindFuncRef || k == KindExternRef
}

// IsNum reports whether the kind converts to and from Raw without a context.
func (k Kind) IsNum() bool {
	return !k.IsRef()
}

// FuncRef is a store-scoped reference to a function. The zero value is the
// null funcref.
type FuncRef struct {
	StoreID uint64
	Index   uint32
}

// IsNull reports whether the reference is the null funcref.
func (r FuncRef) IsNull() bool {
	return r.StoreID == 0
}

// Val is a tagged wasm value.
//
// Copying a Val that holds an externref shares the underlying cell without
// adjusting its count; use Clone to take an independent reference and Release
// to give one up. All other kinds are trivially copyable.
type Val struct {
	ref  *ExternRef
	vec  [16]byte
	num  uint64
	fn   FuncRef
	kind Kind
}

// I32 returns a Val of kind i32.
func I32(v int32) Val {
	return Val{kind: KindI32, num: uint64(uint32(v))}
}

// I64 returns a Val of kind i64.
func I64(v int64) Val {
	return Val{kind: KindI64, num: uint64(v)}
}

// F32 returns a Val of kind f32. NaN payload bits are preserved.
func F32(v float32) Val {
	return Val{kind: KindF32, num: uint64(math.Float32bits(v))}
}

// F64 returns a Val of kind f64. NaN payload bits are preserved.
func F64(v float64) Val {
	return Val{kind: KindF64, num: math.Float64bits(v)}
}

// V128 returns a Val of kind v128.
func V128(v [16]byte) Val {
	return Val{kind: KindV128, vec: v}
}

// FuncRefVal returns a Val of kind funcref.
func FuncRefVal(r FuncRef) Val {
	return Val{kind: KindFuncRef, fn: r}
}

// ExternRefVal returns a Val of kind externref, taking ownership of the
// caller's reference. Pass nil for the null externref.
func ExternRefVal(r *ExternRef) Val {
	return Val{kind: KindExternRef, ref: r}
}

// Kind returns the value's tag.
func (v Val) Kind() Kind {
	return v.kind
}

// I32 returns the i32 payload, or 0 if the kind differs.
func (v Val) I32() int32 {
	if v.kind != KindI32 {
		return 0
	}
	return int32(uint32(v.num))
}

// I64 returns the i64 payload, or 0 if the kind differs.
func (v Val) I64() int64 {
	if v.kind != KindI64 {
		return 0
	}
	return int64(v.num)
}

// F32 returns the f32 payload, or 0 if the kind differs.
func (v Val) F32() float32 {
	if v.kind != KindF32 {
		return 0
	}
	return math.Float32frombits(uint32(v.num))
}

// F64 returns the f64 payload, or 0 if the kind differs.
func (v Val) F64() float64 {
	if v.kind != KindF64 {
		return 0
	}
	return math.Float64frombits(v.num)
}

// V128 returns the v128 payload, or the zero vector if the kind differs.
func (v Val) V128() [16]byte {
	if v.kind != KindV128 {
		return [16]byte{}
	}
	return v.vec
}

// FuncRef returns the funcref payload, or the null funcref if the kind differs.
func (v Val) FuncRef() FuncRef {
	if v.kind != KindFuncRef {
		return FuncRef{}
	}
	return v.fn
}

// ExternRef returns the externref cell without adjusting its count, or nil
// for the null externref or a non-externref Val.
func (v Val) ExternRef() *ExternRef {
	if v.kind != KindExternRef {
		return nil
	}
	return v.ref
}

// Bits returns the numeric payload as raw bits. Valid for i32, i64, f32 and
// f64 kinds only.
func (v Val) Bits() uint64 {
	return v.num
}

// Clone returns a copy of the Val. For externref values the cell's count is
// incremented and the copy carries its own reference.
func (v Val) Clone() Val {
	if v.kind == KindExternRef && v.ref != nil {
		return Val{kind: KindExternRef, ref: v.ref.Clone()}
	}
	return v
}

// Release gives up the Val's reference, if it holds one. Releasing a numeric
// or null Val is a no-op. The Val must not be used afterwards.
func (v *Val) Release() {
	if v.kind == KindExternRef && v.ref != nil {
		v.ref.Release()
		v.ref = nil
	}
}

func (v Val) String() string {
	switch v.kind {
	case KindI32:
		return fmt.Sprintf("i32:%d", v.I32())
	case KindI64:
		return fmt.Sprintf("i64:%d", v.I64())
	case KindF32:
		return fmt.Sprintf("f32:%g", v.F32())
	case KindF64:
		return fmt.Sprintf("f64:%g", v.F64())
	case KindV128:
		return fmt.Sprintf("v128:%x", v.vec)
	case KindFuncRef:
		if v.fn.IsNull() {
			return "funcref:null"
		}
		return fmt.Sprintf("funcref:%d/%d", v.fn.StoreID, v.fn.Index)
	case KindExternRef:
		if v.ref == nil {
			return "externref:null"
		}
		return "externref"
	default:
		return v.kind.String()
	}
}

// ValList is a slice of Vals with shared release semantics. Release drops
// every contained reference exactly once; the list must not be used after.
type ValList []Val

// Release releases all reference-typed values in the list.
func (l ValList) Release() {
	for i := range l {
		l[i].Release()
	}
}
