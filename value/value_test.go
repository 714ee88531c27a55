package value

import (
	"math"
	"testing"
)

func TestVal_NumericAccessors(t *testing.T) {
	if got := I32(-42).I32(); got != -42 {
		t.Errorf("I32 = %d, want -42", got)
	}
	if got := I64(1 << 40).I64(); got != 1<<40 {
		t.Errorf("I64 = %d", got)
	}
	if got := F32(1.5).F32(); got != 1.5 {
		t.Errorf("F32 = %g", got)
	}
	if got := F64(-2.25).F64(); got != -2.25 {
		t.Errorf("F64 = %g", got)
	}

	// Accessor with wrong kind returns zero
	if got := I32(7).F64(); got != 0 {
		t.Errorf("F64 on i32 Val = %g, want 0", got)
	}
}

func TestVal_NaNPayloadPreserved(t *testing.T) {
	// Quiet NaN with a distinctive payload
	bits64 := uint64(0x7ff8_0000_dead_beef)
	v := F64(math.Float64frombits(bits64))
	if got := math.Float64bits(v.F64()); got != bits64 {
		t.Errorf("f64 NaN bits = %#x, want %#x", got, bits64)
	}

	bits32 := uint32(0x7fc0_1234)
	v32 := F32(math.Float32frombits(bits32))
	if got := math.Float32bits(v32.F32()); got != bits32 {
		t.Errorf("f32 NaN bits = %#x, want %#x", got, bits32)
	}
}

func TestVal_V128(t *testing.T) {
	var vec [16]byte
	for i := range vec {
		vec[i] = byte(i * 3)
	}
	v := V128(vec)
	if got := v.V128(); got != vec {
		t.Errorf("V128 = %x, want %x", got, vec)
	}
}

func TestVal_FuncRef(t *testing.T) {
	r := FuncRef{StoreID: 7, Index: 3}
	v := FuncRefVal(r)
	if v.Kind() != KindFuncRef {
		t.Fatalf("kind = %s", v.Kind())
	}
	if got := v.FuncRef(); got != r {
		t.Errorf("FuncRef = %+v", got)
	}
	if !FuncRefVal(FuncRef{}).FuncRef().IsNull() {
		t.Error("zero funcref should be null")
	}
}

func TestVal_ExternRefOwnership(t *testing.T) {
	finalized := 0
	ref := NewExternRef("payload", func(any) { finalized++ })

	v := ExternRefVal(ref)
	if v.ExternRef().Data() != "payload" {
		t.Fatal("data mismatch")
	}

	clone := v.Clone()
	v.Release()
	if finalized != 0 {
		t.Fatal("finalizer ran while clone still holds a reference")
	}

	clone.Release()
	if finalized != 1 {
		t.Fatalf("finalizer ran %d times, want 1", finalized)
	}

	// Release after the reference is gone is a no-op
	v.Release()
	if finalized != 1 {
		t.Fatalf("finalizer ran %d times after double release", finalized)
	}
}

func TestValList_Release(t *testing.T) {
	finalized := 0
	l := ValList{
		I32(1),
		ExternRefVal(NewExternRef(nil, func(any) { finalized++ })),
		ExternRefVal(NewExternRef(nil, func(any) { finalized++ })),
	}
	l.Release()
	if finalized != 2 {
		t.Fatalf("finalized = %d, want 2", finalized)
	}
}

func TestRaw_RoundTrips(t *testing.T) {
	var r Raw

	r.SetI32(-19)
	if got := r.I32(); got != -19 {
		t.Errorf("raw i32 = %d", got)
	}

	r.SetI64(-1)
	if got := r.I64(); got != -1 {
		t.Errorf("raw i64 = %d", got)
	}

	bits := uint64(0x7ff8_0000_0000_0042)
	r.SetF64(math.Float64frombits(bits))
	if got := math.Float64bits(r.F64()); got != bits {
		t.Errorf("raw f64 NaN bits = %#x, want %#x", got, bits)
	}

	var vec [16]byte
	vec[0], vec[15] = 0xaa, 0x55
	r.SetV128(vec)
	if got := r.V128(); got != vec {
		t.Errorf("raw v128 = %x", got)
	}
}

func TestRaw_LittleEndianLayout(t *testing.T) {
	var r Raw
	r.SetI32(0x0102_0304)
	want := [4]byte{0x04, 0x03, 0x02, 0x01}
	for i, b := range want {
		if r[i] != b {
			t.Fatalf("byte %d = %#x, want %#x (payload must be little-endian)", i, r[i], b)
		}
	}
}

func TestFuncType_Equal(t *testing.T) {
	a := FuncTypeOf([]Kind{KindI32, KindI64}, []Kind{KindF64})
	b := FuncTypeOf([]Kind{KindI32, KindI64}, []Kind{KindF64})
	c := FuncTypeOf([]Kind{KindI32}, []Kind{KindF64})

	if !a.Equal(b) {
		t.Error("identical signatures not equal")
	}
	if a.Equal(c) {
		t.Error("different signatures reported equal")
	}
}

func TestKindAPIMapping(t *testing.T) {
	for _, k := range []Kind{KindI32, KindI64, KindF32, KindF64, KindV128, KindFuncRef, KindExternRef} {
		vt, ok := KindToAPI(k)
		if !ok {
			t.Fatalf("KindToAPI(%s) failed", k)
		}
		back, ok := KindFromAPI(vt)
		if !ok || back != k {
			t.Fatalf("round trip for %s gave %s", k, back)
		}
	}
}
