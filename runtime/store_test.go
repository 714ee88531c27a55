package runtime

import (
	"context"
	"testing"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/value"
)

func TestStoreData(t *testing.T) {
	e := newTestEngine(t, nil)
	s := NewStore(context.Background(), e, "initial", nil)
	defer s.Close(context.Background())
	c := s.Context()

	if got := c.Data(); got != "initial" {
		t.Fatalf("Data() = %v, want initial", got)
	}
	c.SetData(42)
	if got := c.Data(); got != 42 {
		t.Fatalf("Data() = %v, want 42", got)
	}
}

func TestStoreDataFinalizer(t *testing.T) {
	e := newTestEngine(t, nil)

	var finalized []any
	s := NewStore(context.Background(), e, "first", func(v any) {
		finalized = append(finalized, v)
	})
	s.Context().SetData("second")

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(finalized) != 1 || finalized[0] != "second" {
		t.Fatalf("finalizer ran %d times with %v, want once with second", len(finalized), finalized)
	}
}

func TestStoreIDsUnique(t *testing.T) {
	e := newTestEngine(t, nil)
	s1 := NewStore(context.Background(), e, nil, nil)
	defer s1.Close(context.Background())
	s2 := NewStore(context.Background(), e, nil, nil)
	defer s2.Close(context.Background())

	if s1.ID() == 0 || s2.ID() == 0 {
		t.Fatal("store ids must be nonzero")
	}
	if s1.ID() == s2.ID() {
		t.Fatalf("store ids collide: %d", s1.ID())
	}
}

func TestCrossStoreHandleRejected(t *testing.T) {
	e := newTestEngine(t, nil)
	s1 := NewStore(context.Background(), e, nil, nil)
	defer s1.Close(context.Background())
	s2 := NewStore(context.Background(), e, nil, nil)
	defer s2.Close(context.Background())

	typ := value.FuncTypeOf(nil, nil)
	f, err := NewFunc(s1.Context(), typ, func(*Caller, []value.Val, []value.Val) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}

	err = f.Call(context.Background(), s2.Context(), nil, nil)
	wantErrKind(t, err, errors.PhaseCall, errors.KindCrossStore)
}

func TestNullHandleRejected(t *testing.T) {
	_, c := newTestStore(t, nil)

	err := Func{}.Call(context.Background(), c, nil, nil)
	wantErrKind(t, err, errors.PhaseCall, errors.KindInvalidInput)

	if _, err := (Global{}).Get(c); err == nil {
		t.Fatal("null global Get must fail")
	}
	if _, err := (Memory{}).Size(c); err == nil {
		t.Fatal("null memory Size must fail")
	}
}

func TestClosedStoreRejected(t *testing.T) {
	e := newTestEngine(t, nil)
	s := NewStore(context.Background(), e, nil, nil)
	c := s.Context()

	typ := value.FuncTypeOf(nil, nil)
	f, err := NewFunc(c, typ, func(*Caller, []value.Val, []value.Val) error { return nil }, nil)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = f.Call(context.Background(), c, nil, nil)
	wantErrKind(t, err, errors.PhaseCall, errors.KindClosed)

	if _, err := NewFunc(c, typ, func(*Caller, []value.Val, []value.Val) error { return nil }, nil); err == nil {
		t.Fatal("NewFunc on a closed store must fail")
	}
}

func TestHostFuncFinalizerOnClose(t *testing.T) {
	e := newTestEngine(t, nil)
	s := NewStore(context.Background(), e, nil, nil)

	ran := 0
	typ := value.FuncTypeOf(nil, nil)
	if _, err := NewFunc(s.Context(), typ, func(*Caller, []value.Val, []value.Val) error {
		return nil
	}, func() { ran++ }); err != nil {
		t.Fatalf("NewFunc: %v", err)
	}

	_ = s.Close(context.Background())
	_ = s.Close(context.Background())
	if ran != 1 {
		t.Fatalf("host func finalizer ran %d times, want 1", ran)
	}
}

func TestGCWithoutInstances(t *testing.T) {
	_, c := newTestStore(t, nil)

	released := 0
	ref := value.NewExternRef("payload", func(any) { released++ })
	v := value.ExternRefVal(ref)

	raw, err := c.ValToRaw(v)
	if err != nil {
		t.Fatalf("ValToRaw: %v", err)
	}
	if raw.Externref() == 0 {
		t.Fatal("expected a nonzero raw externref id")
	}

	// The store root keeps the cell alive past the host's own release.
	v.Release()
	if released != 0 {
		t.Fatal("cell released while still rooted")
	}

	c.GC()
	if released != 1 {
		t.Fatalf("finalizer ran %d times after GC, want 1", released)
	}

	// The raw id is stale after collection.
	if _, err := c.ValFromRaw(raw, value.KindExternRef); err == nil {
		t.Fatal("stale raw externref must not resolve")
	}
}

func TestGCKeepsGlobalRoots(t *testing.T) {
	e := newTestEngine(t, nil)
	s := NewStore(context.Background(), e, nil, nil)
	defer s.Close(context.Background())
	c := s.Context()

	m := compileModule(t, e, refGlobalWasm())
	inst := instantiate(t, c, m, nil)
	ext, ok := inst.ExportGet(c, "slot")
	if !ok {
		t.Fatal(`export "slot" not found`)
	}
	g, ok := ext.AsGlobal()
	if !ok {
		t.Fatal(`export "slot" is not a global`)
	}

	released := 0
	ref := value.NewExternRef("held", func(any) { released++ })
	v := value.ExternRefVal(ref)
	if err := g.Set(c, v); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v.Release()

	// The global is the only remaining root; the cell must survive GC.
	c.GC()
	if released != 0 {
		t.Fatal("cell collected while held by a global")
	}
	got, err := g.Get(c)
	if err != nil {
		t.Fatalf("Get after GC: %v", err)
	}
	if got.ExternRef().Data() != "held" {
		t.Fatalf("Get = %v, want held", got.ExternRef().Data())
	}
	got.Release()

	// Overwriting with null drops the root.
	if err := g.Set(c, value.ExternRefVal(nil)); err != nil {
		t.Fatalf("Set null: %v", err)
	}
	c.GC()
	if released != 1 {
		t.Fatalf("finalizer ran %d times after the root was dropped, want 1", released)
	}
}

func TestGCSlotReuse(t *testing.T) {
	s, c := newTestStore(t, nil)

	ref1 := value.NewExternRef(1, nil)
	v1 := value.ExternRefVal(ref1)
	raw1, err := c.ValToRaw(v1)
	if err != nil {
		t.Fatalf("ValToRaw: %v", err)
	}
	v1.Release()
	c.GC()

	ref2 := value.NewExternRef(2, nil)
	v2 := value.ExternRefVal(ref2)
	raw2, err := c.ValToRaw(v2)
	if err != nil {
		t.Fatalf("ValToRaw: %v", err)
	}
	defer v2.Release()

	if raw1.Externref() != raw2.Externref() {
		t.Fatalf("freed slot not reused: %d then %d", raw1.Externref(), raw2.Externref())
	}
	if len(s.externs) != 1 {
		t.Fatalf("extern arena grew to %d slots, want 1", len(s.externs))
	}
}

func TestSetFuelRequiresConfig(t *testing.T) {
	_, c := newTestStore(t, nil)

	err := c.SetFuel(100)
	wantErrKind(t, err, errors.PhaseConfig, errors.KindDisabledFeature)

	_, err = c.Fuel()
	wantErrKind(t, err, errors.PhaseConfig, errors.KindDisabledFeature)
}

func TestSetEpochDeadlineRequiresConfig(t *testing.T) {
	_, c := newTestStore(t, nil)

	err := c.SetEpochDeadline(1)
	wantErrKind(t, err, errors.PhaseConfig, errors.KindDisabledFeature)
}

func TestEngineRefHeldByStore(t *testing.T) {
	e, err := engine.New(context.Background(), nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	s := NewStore(context.Background(), e, nil, nil)

	// Releasing the creator's reference leaves the engine alive for the store.
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("engine Close: %v", err)
	}

	m := compileModule(t, e, addWasm())
	inst := instantiate(t, s.Context(), m, nil)
	add := exportFunc(t, s.Context(), inst, "add")

	results := make([]value.Val, 1)
	if err := add.Call(context.Background(), s.Context(), []value.Val{value.I32(2), value.I32(3)}, results); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if results[0].I32() != 5 {
		t.Fatalf("add = %d, want 5", results[0].I32())
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("store Close: %v", err)
	}
}
