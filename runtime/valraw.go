package runtime

import (
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/value"
)

// ValToRaw lowers a Val into the raw 16-byte representation. Numeric kinds
// convert bit-exactly and context-free. An externref is pinned into the
// store's root set and stays reachable until the next GC, so the raw id can
// be handed to guest code; do not run GC between producing the raw value and
// passing it on. A funcref must originate from this store.
func (c *Context) ValToRaw(v value.Val) (value.Raw, error) {
	var r value.Raw
	switch v.Kind() {
	case value.KindI32:
		r.SetI32(v.I32())
	case value.KindI64:
		r.SetI64(v.I64())
	case value.KindF32:
		r.SetF32(v.F32())
	case value.KindF64:
		r.SetF64(v.F64())
	case value.KindV128:
		r.SetV128(v.V128())
	case value.KindFuncRef:
		fr := v.FuncRef()
		if fr.IsNull() {
			r.SetFuncref(0)
			break
		}
		if fr.StoreID != c.s.id {
			return r, errors.CrossStore(errors.PhaseValue, "funcref", fr.StoreID, c.s.id)
		}
		r.SetFuncref(uint64(fr.Index))
	case value.KindExternRef:
		ref := v.ExternRef()
		if ref == nil {
			r.SetExternref(0)
			break
		}
		r.SetExternref(c.s.pinExtern(ref))
	default:
		return r, errors.TypeMismatch(errors.PhaseValue, "unknown value kind %d", v.Kind())
	}
	return r, nil
}

// ValFromRaw lifts a raw value of the given kind back into a Val. Reference
// kinds are valid only within the store that produced the raw value; the
// returned externref carries a fresh reference owned by the caller.
func (c *Context) ValFromRaw(r value.Raw, k value.Kind) (value.Val, error) {
	switch k {
	case value.KindI32:
		return value.I32(r.I32()), nil
	case value.KindI64:
		return value.I64(r.I64()), nil
	case value.KindF32:
		return value.F32(r.F32()), nil
	case value.KindF64:
		return value.F64(r.F64()), nil
	case value.KindV128:
		return value.V128(r.V128()), nil
	case value.KindFuncRef:
		bits := r.Funcref()
		if bits == 0 {
			return value.FuncRefVal(value.FuncRef{}), nil
		}
		if bits > uint64(len(c.s.funcs)) {
			return value.Val{}, errors.NotFound(errors.PhaseValue, "funcref", "raw handle")
		}
		return value.FuncRefVal(value.FuncRef{StoreID: c.s.id, Index: uint32(bits)}), nil
	case value.KindExternRef:
		bits := r.Externref()
		if bits == 0 {
			return value.ExternRefVal(nil), nil
		}
		e := c.s.externAt(bits)
		if e == nil || e.ref == nil {
			return value.Val{}, errors.NotFound(errors.PhaseValue, "externref", "raw handle")
		}
		return value.ExternRefVal(e.ref.Clone()), nil
	default:
		return value.Val{}, errors.TypeMismatch(errors.PhaseValue, "unknown value kind %d", k)
	}
}

// Stack-slot marshalling for guest calls. externrefs crossing into a call are
// pinned with a call-scoped pin released when the call completes.

func (c *Context) encodeStackVal(v value.Val, want value.Kind, pins *[]uint64) (uint64, error) {
	if v.Kind() != want {
		return 0, errors.TypeMismatch(errors.PhaseCall, "argument kind %s, want %s", v.Kind(), want)
	}
	switch want {
	case value.KindI32, value.KindI64, value.KindF32, value.KindF64:
		return v.Bits(), nil
	case value.KindExternRef:
		ref := v.ExternRef()
		if ref == nil {
			return 0, nil
		}
		return c.s.pinForCall(ref, pins), nil
	case value.KindV128:
		return 0, errors.Unsupported(errors.PhaseCall, "v128 parameters and results cross the boundary via linear memory")
	case value.KindFuncRef:
		return 0, errors.Unsupported(errors.PhaseCall, "funcref parameters in calls")
	default:
		return 0, errors.TypeMismatch(errors.PhaseCall, "unknown value kind %d", want)
	}
}

func (c *Context) decodeStackVal(bits uint64, k value.Kind) (value.Val, error) {
	switch k {
	case value.KindI32:
		return value.I32(int32(uint32(bits))), nil
	case value.KindI64:
		return value.I64(int64(bits)), nil
	case value.KindF32:
		var r value.Raw
		r.SetBits(bits)
		return value.F32(r.F32()), nil
	case value.KindF64:
		var r value.Raw
		r.SetBits(bits)
		return value.F64(r.F64()), nil
	case value.KindExternRef:
		if bits == 0 {
			return value.ExternRefVal(nil), nil
		}
		e := c.s.externAt(bits)
		if e == nil || e.ref == nil {
			return value.Val{}, errors.NotFound(errors.PhaseCall, "externref", "result handle")
		}
		return value.ExternRefVal(e.ref.Clone()), nil
	case value.KindV128:
		return value.Val{}, errors.Unsupported(errors.PhaseCall, "v128 parameters and results cross the boundary via linear memory")
	case value.KindFuncRef:
		return value.Val{}, errors.Unsupported(errors.PhaseCall, "funcref results in calls")
	default:
		return value.Val{}, errors.TypeMismatch(errors.PhaseCall, "unknown value kind %d", k)
	}
}

func (s *Store) pinForCall(ref *value.ExternRef, pins *[]uint64) uint64 {
	id := s.pinExtern(ref)
	s.externs[id-1].callPins++
	*pins = append(*pins, id)
	return id
}

func (s *Store) unpinCall(pins []uint64) {
	for _, id := range pins {
		if e := s.externAt(id); e != nil && e.callPins > 0 {
			e.callPins--
		}
	}
}
