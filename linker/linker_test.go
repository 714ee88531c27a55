package linker

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/internal/wasmbin"
	"github.com/wippyai/wasm-engine/runtime"
	"github.com/wippyai/wasm-engine/value"
)

func newLinkerStore(t *testing.T) (*engine.Engine, *runtime.Store, *runtime.Context) {
	t.Helper()
	e, err := engine.New(context.Background(), nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	s := runtime.NewStore(context.Background(), e, nil, nil)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return e, s, s.Context()
}

func mustModule(t *testing.T, e *engine.Engine, wasm []byte) *runtime.Module {
	t.Helper()
	m, err := runtime.NewModule(context.Background(), e, wasm)
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// addProviderWasm exports "add" (i32, i32) -> i32.
func addProviderWasm() []byte {
	b := wasmbin.NewBuilder()
	sig := b.Type([]byte{wasmbin.TypeI32, wasmbin.TypeI32}, []byte{wasmbin.TypeI32})
	f := b.Func(sig,
		wasmbin.OpLocalGet, 0,
		wasmbin.OpLocalGet, 1,
		wasmbin.OpI32Add,
	)
	b.Export("add", wasmbin.KindFunc, f)
	return b.Bytes()
}

// consumerWasm imports (module, name) as (i32, i32) -> i32 and exports "call".
func consumerWasm(module, name string) []byte {
	b := wasmbin.NewBuilder()
	sig := b.Type([]byte{wasmbin.TypeI32, wasmbin.TypeI32}, []byte{wasmbin.TypeI32})
	imp := b.ImportFunc(module, name, sig)
	f := b.Func(sig,
		wasmbin.OpLocalGet, 0,
		wasmbin.OpLocalGet, 1,
		wasmbin.OpCall, byte(imp),
	)
	b.Export("call", wasmbin.KindFunc, f)
	return b.Bytes()
}

// wasiExitWasm imports wasi proc_exit and exports "run" calling proc_exit(3).
func wasiExitWasm() []byte {
	b := wasmbin.NewBuilder()
	exitSig := b.Type([]byte{wasmbin.TypeI32}, nil)
	voidSig := b.Type(nil, nil)
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", exitSig)
	f := b.Func(voidSig,
		wasmbin.OpI32Const, 3,
		wasmbin.OpCall, byte(exit),
	)
	b.Export("run", wasmbin.KindFunc, f)
	return b.Bytes()
}

func addType() *value.FuncType {
	return value.FuncTypeOf([]value.Kind{value.KindI32, value.KindI32}, []value.Kind{value.KindI32})
}

func hostAdd(_ *runtime.Caller, args, results []value.Val) error {
	results[0] = value.I32(args[0].I32() + args[1].I32())
	return nil
}

func callExport(t *testing.T, c *runtime.Context, inst runtime.Instance, a, b int32) int32 {
	t.Helper()
	ext, ok := inst.ExportGet(c, "call")
	if !ok {
		t.Fatal("call export missing")
	}
	f, _ := ext.AsFunc()
	results := make([]value.Val, 1)
	if err := f.Call(context.Background(), c, []value.Val{value.I32(a), value.I32(b)}, results); err != nil {
		t.Fatalf("Call: %v", err)
	}
	return results[0].I32()
}

func TestDefineAndGet(t *testing.T) {
	e, _, c := newLinkerStore(t)
	l := New(e)

	f, err := runtime.NewFunc(c, addType(), hostAdd, nil)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	if err := l.Define("env", "add", runtime.FuncExtern(f)); err != nil {
		t.Fatalf("Define: %v", err)
	}

	got, ok := l.Get("env", "add")
	if !ok || !got.IsBound() {
		t.Fatal("defined extern not retrievable")
	}
	if _, ok := l.Get("env", "other"); ok {
		t.Fatal("undefined name must not resolve")
	}
}

func TestDefineRejectsUnbound(t *testing.T) {
	e, _, _ := newLinkerStore(t)
	l := New(e)

	err := l.Define("env", "add", runtime.Extern{})
	wantKind(t, err, errors.PhaseLink, errors.KindInvalidInput)
}

func TestDefineDuplicate(t *testing.T) {
	e, _, c := newLinkerStore(t)
	l := New(e)

	if err := l.DefineFunc(c, "env", "add", addType(), hostAdd); err != nil {
		t.Fatalf("DefineFunc: %v", err)
	}
	err := l.DefineFunc(c, "env", "add", addType(), hostAdd)
	wantKind(t, err, errors.PhaseLink, errors.KindDuplicate)

	l.AllowShadowing(true)
	if err := l.DefineFunc(c, "env", "add", addType(), hostAdd); err != nil {
		t.Fatalf("DefineFunc with shadowing: %v", err)
	}
}

func TestInstantiateWithHostFunc(t *testing.T) {
	e, _, c := newLinkerStore(t)
	l := New(e)

	if err := l.DefineFunc(c, "env", "add", addType(), hostAdd); err != nil {
		t.Fatalf("DefineFunc: %v", err)
	}

	m := mustModule(t, e, consumerWasm("env", "add"))
	inst, err := l.Instantiate(context.Background(), c, m)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if got := callExport(t, c, inst, 20, 22); got != 42 {
		t.Fatalf("call = %d, want 42", got)
	}
}

func TestInstantiateMissingImport(t *testing.T) {
	e, _, c := newLinkerStore(t)
	l := New(e)

	m := mustModule(t, e, consumerWasm("env", "add"))
	_, err := l.Instantiate(context.Background(), c, m)
	wantKind(t, err, errors.PhaseLink, errors.KindMissingImport)

	var le *errors.Error
	if !stderrors.As(err, &le) {
		t.Fatalf("expected a structured error, got: %v", err)
	}
	if le.Module != "env" || le.Item != "add" {
		t.Fatalf("error names %s.%s, want env.add", le.Module, le.Item)
	}
}

func TestDefineInstance(t *testing.T) {
	e, _, c := newLinkerStore(t)
	l := New(e)

	provider := mustModule(t, e, addProviderWasm())
	pinst, err := runtime.NewInstance(context.Background(), c, provider, nil)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	if err := l.DefineInstance(c, "calc", pinst); err != nil {
		t.Fatalf("DefineInstance: %v", err)
	}

	m := mustModule(t, e, consumerWasm("calc", "add"))
	inst, err := l.Instantiate(context.Background(), c, m)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if got := callExport(t, c, inst, 40, 2); got != 42 {
		t.Fatalf("call = %d, want 42", got)
	}
}

func TestGetDefault(t *testing.T) {
	e, _, c := newLinkerStore(t)
	l := New(e)

	if _, err := l.GetDefault(c, "env"); err == nil {
		t.Fatal("missing default must fail")
	}

	f, err := runtime.NewFunc(c, addType(), hostAdd, nil)
	if err != nil {
		t.Fatalf("NewFunc: %v", err)
	}
	if err := l.Define("env", "", runtime.FuncExtern(f)); err != nil {
		t.Fatalf("Define: %v", err)
	}

	def, err := l.GetDefault(c, "env")
	if err != nil {
		t.Fatalf("GetDefault: %v", err)
	}
	results := make([]value.Val, 1)
	if err := def.Call(context.Background(), c, []value.Val{value.I32(2), value.I32(3)}, results); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if results[0].I32() != 5 {
		t.Fatalf("default = %d, want 5", results[0].I32())
	}
}

func TestInstantiatePreReuse(t *testing.T) {
	e, _, c := newLinkerStore(t)
	l := New(e)

	if err := l.DefineFunc(c, "env", "add", addType(), hostAdd); err != nil {
		t.Fatalf("DefineFunc: %v", err)
	}

	m := mustModule(t, e, consumerWasm("env", "add"))
	pre, err := l.InstantiatePre(c, m)
	if err != nil {
		t.Fatalf("InstantiatePre: %v", err)
	}
	defer pre.Close(context.Background())

	for i := 0; i < 2; i++ {
		inst, err := pre.Instantiate(context.Background(), c)
		if err != nil {
			t.Fatalf("Instantiate %d: %v", i, err)
		}
		if got := callExport(t, c, inst, 1, int32(i)); got != 1+int32(i) {
			t.Fatalf("call %d = %d", i, got)
		}
	}
}

func TestDefineWASI(t *testing.T) {
	e, s, c := newLinkerStore(t)
	s.SetWASI(runtime.NewWASIConfig())

	l := New(e)
	l.DefineWASI()

	m := mustModule(t, e, wasiExitWasm())
	inst, err := l.Instantiate(context.Background(), c, m)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	ext, ok := inst.ExportGet(c, "run")
	if !ok {
		t.Fatal("run export missing")
	}
	run, _ := ext.AsFunc()
	err = run.Call(context.Background(), c, nil, nil)
	var exit *runtime.ExitError
	if !stderrors.As(err, &exit) || exit.Code != 3 {
		t.Fatalf("expected exit 3, got: %v", err)
	}
}

func TestWASIWithoutDefine(t *testing.T) {
	e, s, c := newLinkerStore(t)
	s.SetWASI(runtime.NewWASIConfig())

	l := New(e)
	m := mustModule(t, e, wasiExitWasm())
	_, err := l.Instantiate(context.Background(), c, m)
	wantKind(t, err, errors.PhaseLink, errors.KindMissingImport)
}

func wantKind(t *testing.T, err error, phase errors.Phase, kind errors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s/%s error, got nil", phase, kind)
	}
	if !stderrors.Is(err, &errors.Error{Phase: phase, Kind: kind}) {
		t.Fatalf("expected %s/%s error, got: %v", phase, kind, err)
	}
}
