package runtime

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/value"
)

func TestCallArityAndTypeChecked(t *testing.T) {
	s, c := newTestStore(t, nil)
	m := compileModule(t, s.Engine(), addWasm())
	inst := instantiate(t, c, m, nil)
	add := exportFunc(t, c, inst, "add")

	results := make([]value.Val, 1)

	err := add.Call(context.Background(), c, []value.Val{value.I32(1)}, results)
	wantErrKind(t, err, errors.PhaseCall, errors.KindArityMismatch)

	err = add.Call(context.Background(), c, []value.Val{value.I32(1), value.I32(2)}, nil)
	wantErrKind(t, err, errors.PhaseCall, errors.KindArityMismatch)

	err = add.Call(context.Background(), c, []value.Val{value.I32(1), value.I64(2)}, results)
	wantErrKind(t, err, errors.PhaseCall, errors.KindTypeMismatch)

	// Validation failures leave the result slots untouched.
	sentinel := value.F64(3.25)
	results[0] = sentinel
	err = add.Call(context.Background(), c, []value.Val{value.I32(1)}, results)
	if err == nil || results[0] != sentinel {
		t.Fatal("failed validation must not write results")
	}
}

func TestCallFuncType(t *testing.T) {
	s, c := newTestStore(t, nil)
	m := compileModule(t, s.Engine(), addWasm())
	inst := instantiate(t, c, m, nil)
	add := exportFunc(t, c, inst, "add")

	ft, err := add.Type(c)
	if err != nil {
		t.Fatalf("Type: %v", err)
	}
	want := value.FuncTypeOf([]value.Kind{value.KindI32, value.KindI32}, []value.Kind{value.KindI32})
	if !ft.Equal(want) {
		t.Fatalf("signature %v, want %v", ft, want)
	}
}

func TestGuestTrapClassification(t *testing.T) {
	s, c := newTestStore(t, nil)
	m := compileModule(t, s.Engine(), trapWasm())

	inst := instantiate(t, c, m, nil)
	div := exportFunc(t, c, inst, "div")
	results := make([]value.Val, 1)
	err := div.Call(context.Background(), c, []value.Val{value.I32(1), value.I32(0)}, results)
	wantTrapCode(t, err, TrapIntegerDivisionByZero)

	inst2 := instantiate(t, c, m, nil)
	boom := exportFunc(t, c, inst2, "boom")
	err = boom.Call(context.Background(), c, nil, nil)
	wantTrapCode(t, err, TrapUnreachableCodeReached)
}

func TestHostTrapPropagates(t *testing.T) {
	s, c := newTestStore(t, nil)

	typ := value.FuncTypeOf([]value.Kind{value.KindI32, value.KindI32}, []value.Kind{value.KindI32})
	failing, err := NewFunc(c, typ, func(*Caller, []value.Val, []value.Val) error {
		return NewTrap("backend unavailable")
	}, nil)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}

	m := compileModule(t, s.Engine(), importCallWasm("env", "add"))
	inst := instantiate(t, c, m, []Extern{FuncExtern(failing)})
	call := exportFunc(t, c, inst, "call")

	results := make([]value.Val, 1)
	err = call.Call(context.Background(), c, []value.Val{value.I32(1), value.I32(2)}, results)

	var trap *Trap
	if !stderrors.As(err, &trap) {
		t.Fatalf("expected a trap, got: %v", err)
	}
	if trap.Message() != "backend unavailable" {
		t.Fatalf("trap message %q", trap.Message())
	}
	if _, ok := trap.Code(); ok {
		t.Fatal("host traps carry no code")
	}
}

func TestHostErrorPropagates(t *testing.T) {
	s, c := newTestStore(t, nil)

	hostErr := stderrors.New("connection refused")
	typ := value.FuncTypeOf([]value.Kind{value.KindI32, value.KindI32}, []value.Kind{value.KindI32})
	failing, err := NewFunc(c, typ, func(*Caller, []value.Val, []value.Val) error {
		return hostErr
	}, nil)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}

	m := compileModule(t, s.Engine(), importCallWasm("env", "add"))
	inst := instantiate(t, c, m, []Extern{FuncExtern(failing)})
	call := exportFunc(t, c, inst, "call")

	results := make([]value.Val, 1)
	err = call.Call(context.Background(), c, []value.Val{value.I32(1), value.I32(2)}, results)
	if !stderrors.Is(err, hostErr) {
		t.Fatalf("expected the host error, got: %v", err)
	}
	var trap *Trap
	if stderrors.As(err, &trap) {
		t.Fatal("a plain host error must not surface as a trap")
	}
}

func TestHostFuncDirectCall(t *testing.T) {
	_, c := newTestStore(t, nil)

	typ := value.FuncTypeOf([]value.Kind{value.KindI64}, []value.Kind{value.KindI64})
	double, err := NewFunc(c, typ, func(_ *Caller, args, results []value.Val) error {
		results[0] = value.I64(args[0].I64() * 2)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}

	results := make([]value.Val, 1)
	if err := double.Call(context.Background(), c, []value.Val{value.I64(21)}, results); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if results[0].I64() != 42 {
		t.Fatalf("double = %d, want 42", results[0].I64())
	}
}

func TestExternRefThroughGuest(t *testing.T) {
	s, c := newTestStore(t, nil)
	m := compileModule(t, s.Engine(), identityRefWasm())
	inst := instantiate(t, c, m, nil)
	id := exportFunc(t, c, inst, "id")

	released := 0
	ref := value.NewExternRef("token", func(any) { released++ })
	arg := value.ExternRefVal(ref)

	results := make([]value.Val, 1)
	if err := id.Call(context.Background(), c, []value.Val{arg}, results); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if results[0].ExternRef() == nil || results[0].ExternRef().Data() != "token" {
		t.Fatalf("identity lost the cell: %v", results[0])
	}

	arg.Release()
	results[0].Release()
	if released != 0 {
		t.Fatal("cell died while still rooted in the store")
	}
	c.GC()
	if released != 1 {
		t.Fatalf("finalizer ran %d times, want 1", released)
	}
}

func TestNullExternRefThroughGuest(t *testing.T) {
	s, c := newTestStore(t, nil)
	m := compileModule(t, s.Engine(), identityRefWasm())
	inst := instantiate(t, c, m, nil)
	id := exportFunc(t, c, inst, "id")

	results := make([]value.Val, 1)
	if err := id.Call(context.Background(), c, []value.Val{value.ExternRefVal(nil)}, results); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if results[0].ExternRef() != nil {
		t.Fatal("null externref must stay null")
	}
}

func TestCallerExportGetMemory(t *testing.T) {
	s, c := newTestStore(t, nil)

	var sawSize uint64
	typ := value.FuncTypeOf(nil, nil)
	peek, err := NewFunc(c, typ, func(caller *Caller, _, _ []value.Val) error {
		ext, ok := caller.ExportGet("mem")
		if !ok {
			return stderrors.New("mem not visible from caller")
		}
		mem, ok := ext.AsMemory()
		if !ok {
			return stderrors.New("mem is not a memory")
		}
		size, err := mem.Size(caller.Context())
		if err != nil {
			return err
		}
		sawSize = size
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}

	m := compileModule(t, s.Engine(), memPeekWasm())
	inst := instantiate(t, c, m, []Extern{FuncExtern(peek)})
	run := exportFunc(t, c, inst, "go")

	if err := run.Call(context.Background(), c, nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if sawSize != pageSize {
		t.Fatalf("caller saw memory size %d, want %d", sawSize, pageSize)
	}
}

func TestCallerExportGetNoInstance(t *testing.T) {
	_, c := newTestStore(t, nil)

	typ := value.FuncTypeOf(nil, nil)
	probe, err := NewFunc(c, typ, func(caller *Caller, _, _ []value.Val) error {
		if _, ok := caller.ExportGet("mem"); ok {
			return stderrors.New("direct calls have no calling instance")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	if err := probe.Call(context.Background(), c, nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestPendingHostBlocksSyncCall(t *testing.T) {
	_, c := newTestStore(t, nil)

	ready := make(chan struct{})
	close(ready)

	calls := 0
	typ := value.FuncTypeOf(nil, []value.Kind{value.KindI32})
	slow, err := NewFunc(c, typ, func(_ *Caller, _, results []value.Val) error {
		calls++
		if calls == 1 {
			return Pending(ready)
		}
		results[0] = value.I32(int32(calls))
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}

	results := make([]value.Val, 1)
	if err := slow.Call(context.Background(), c, nil, results); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if calls != 2 || results[0].I32() != 2 {
		t.Fatalf("host invoked %d times with result %d, want 2", calls, results[0].I32())
	}
}

func TestCallUncheckedGuest(t *testing.T) {
	s, c := newTestStore(t, nil)
	m := compileModule(t, s.Engine(), addWasm())
	inst := instantiate(t, c, m, nil)
	add := exportFunc(t, c, inst, "add")

	buf := make([]value.Raw, 2)
	buf[0].SetI32(19)
	buf[1].SetI32(23)
	if err := add.CallUnchecked(context.Background(), c, buf); err != nil {
		t.Fatalf("CallUnchecked: %v", err)
	}
	if buf[0].I32() != 42 {
		t.Fatalf("raw result = %d, want 42", buf[0].I32())
	}
}

func TestCallUncheckedHost(t *testing.T) {
	_, c := newTestStore(t, nil)

	typ := value.FuncTypeOf([]value.Kind{value.KindF64}, []value.Kind{value.KindF64})
	negate, err := NewFuncUnchecked(c, typ, func(_ *Caller, buf []value.Raw) error {
		buf[0].SetF64(-buf[0].F64())
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("NewFuncUnchecked: %v", err)
	}

	buf := make([]value.Raw, 1)
	buf[0].SetF64(2.5)
	if err := negate.CallUnchecked(context.Background(), c, buf); err != nil {
		t.Fatalf("CallUnchecked: %v", err)
	}
	if buf[0].F64() != -2.5 {
		t.Fatalf("raw result = %v, want -2.5", buf[0].F64())
	}

	// The raw host func is also reachable through the checked path.
	results := make([]value.Val, 1)
	if err := negate.Call(context.Background(), c, []value.Val{value.F64(4.0)}, results); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if results[0].F64() != -4.0 {
		t.Fatalf("checked result = %v, want -4", results[0].F64())
	}
}

func TestCallUncheckedShortBuffer(t *testing.T) {
	s, c := newTestStore(t, nil)
	m := compileModule(t, s.Engine(), addWasm())
	inst := instantiate(t, c, m, nil)
	add := exportFunc(t, c, inst, "add")

	err := add.CallUnchecked(context.Background(), c, make([]value.Raw, 1))
	wantErrKind(t, err, errors.PhaseCall, errors.KindArityMismatch)
}
