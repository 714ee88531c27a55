package runtime

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/internal/wasmbin"
)

func newTestEngine(t *testing.T, cfg *engine.Config) *engine.Engine {
	t.Helper()
	e, err := engine.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func newTestStore(t *testing.T, cfg *engine.Config) (*Store, *Context) {
	t.Helper()
	e := newTestEngine(t, cfg)
	s := NewStore(context.Background(), e, nil, nil)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, s.Context()
}

func compileModule(t *testing.T, e *engine.Engine, wasm []byte) *Module {
	t.Helper()
	m, err := NewModule(context.Background(), e, wasm)
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func instantiate(t *testing.T, c *Context, m *Module, imports []Extern) Instance {
	t.Helper()
	inst, err := NewInstance(context.Background(), c, m, imports)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	return inst
}

func exportFunc(t *testing.T, c *Context, inst Instance, name string) Func {
	t.Helper()
	ext, ok := inst.ExportGet(c, name)
	if !ok {
		t.Fatalf("export %q not found", name)
	}
	f, ok := ext.AsFunc()
	if !ok {
		t.Fatalf("export %q is not a function", name)
	}
	return f
}

func wantErrKind(t *testing.T, err error, phase errors.Phase, kind errors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s/%s error, got nil", phase, kind)
	}
	if !stderrors.Is(err, &errors.Error{Phase: phase, Kind: kind}) {
		t.Fatalf("expected %s/%s error, got: %v", phase, kind, err)
	}
}

func wantTrapCode(t *testing.T, err error, code TrapCode) *Trap {
	t.Helper()
	var trap *Trap
	if !stderrors.As(err, &trap) {
		t.Fatalf("expected a trap, got: %v", err)
	}
	got, ok := trap.Code()
	if !ok {
		t.Fatalf("trap has no code: %v", trap)
	}
	if got != code {
		t.Fatalf("trap code %v, want %v", got, code)
	}
	return trap
}

// addWasm exports "add" (i32, i32) -> i32 plus a one page memory "mem" and a
// mutable i32 global "counter".
func addWasm() []byte {
	b := wasmbin.NewBuilder()
	sig := b.Type([]byte{wasmbin.TypeI32, wasmbin.TypeI32}, []byte{wasmbin.TypeI32})
	f := b.Func(sig,
		wasmbin.OpLocalGet, 0,
		wasmbin.OpLocalGet, 1,
		wasmbin.OpI32Add,
	)
	b.Memory(1)
	g := b.GlobalI32(7, true)
	b.Export("add", wasmbin.KindFunc, f)
	b.Export("mem", wasmbin.KindMemory, 0)
	b.Export("counter", wasmbin.KindGlobal, g)
	return b.Bytes()
}

// importCallWasm imports (module, name) as (i32, i32) -> i32 and exports
// "call" forwarding to it.
func importCallWasm(module, name string) []byte {
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

// countdownWasm imports env.tick () -> () and exports "count" (i32) -> ()
// which calls tick once per level of a recursive countdown.
func countdownWasm() []byte {
	b := wasmbin.NewBuilder()
	voidSig := b.Type(nil, nil)
	sig := b.Type([]byte{wasmbin.TypeI32}, nil)
	tick := b.ImportFunc("env", "tick", voidSig)
	f := b.Func(sig,
		wasmbin.OpLocalGet, 0,
		wasmbin.OpI32Eqz,
		wasmbin.OpIf, wasmbin.BlockVoid,
		wasmbin.OpReturn,
		wasmbin.OpEnd,
		wasmbin.OpCall, byte(tick),
		wasmbin.OpLocalGet, 0,
		wasmbin.OpI32Const, 1,
		wasmbin.OpI32Sub,
		wasmbin.OpCall, 1,
	)
	b.Export("count", wasmbin.KindFunc, f)
	return b.Bytes()
}

// trapWasm exports "div" (i32, i32) -> i32 and "boom" () -> ().
func trapWasm() []byte {
	b := wasmbin.NewBuilder()
	divSig := b.Type([]byte{wasmbin.TypeI32, wasmbin.TypeI32}, []byte{wasmbin.TypeI32})
	voidSig := b.Type(nil, nil)
	div := b.Func(divSig,
		wasmbin.OpLocalGet, 0,
		wasmbin.OpLocalGet, 1,
		wasmbin.OpI32DivS,
	)
	boom := b.Func(voidSig, wasmbin.OpUnreachable)
	b.Export("div", wasmbin.KindFunc, div)
	b.Export("boom", wasmbin.KindFunc, boom)
	return b.Bytes()
}

// startTrapWasm declares a start function that hits unreachable, so
// instantiation itself faults.
func startTrapWasm() []byte {
	b := wasmbin.NewBuilder()
	voidSig := b.Type(nil, nil)
	f := b.Func(voidSig, wasmbin.OpUnreachable)
	b.Start(f)
	return b.Bytes()
}

// identityRefWasm exports "id" (externref) -> externref.
func identityRefWasm() []byte {
	b := wasmbin.NewBuilder()
	sig := b.Type([]byte{wasmbin.TypeExternref}, []byte{wasmbin.TypeExternref})
	f := b.Func(sig, wasmbin.OpLocalGet, 0)
	b.Export("id", wasmbin.KindFunc, f)
	return b.Bytes()
}

// refGlobalWasm exports "slot", a mutable externref global initialized to
// null.
func refGlobalWasm() []byte {
	b := wasmbin.NewBuilder()
	g := b.GlobalRef(wasmbin.TypeExternref, true)
	b.Export("slot", wasmbin.KindGlobal, g)
	return b.Bytes()
}

// procExitWasm imports wasi proc_exit and exports "run" () -> () calling
// proc_exit(7).
func procExitWasm() []byte {
	b := wasmbin.NewBuilder()
	exitSig := b.Type([]byte{wasmbin.TypeI32}, nil)
	voidSig := b.Type(nil, nil)
	exit := b.ImportFunc("wasi_snapshot_preview1", "proc_exit", exitSig)
	f := b.Func(voidSig,
		wasmbin.OpI32Const, 7,
		wasmbin.OpCall, byte(exit),
	)
	b.Export("run", wasmbin.KindFunc, f)
	return b.Bytes()
}

// memPeekWasm imports env.peek () -> (), exports its memory as "mem" and
// "go" () -> () which calls peek.
func memPeekWasm() []byte {
	b := wasmbin.NewBuilder()
	voidSig := b.Type(nil, nil)
	peek := b.ImportFunc("env", "peek", voidSig)
	f := b.Func(voidSig, wasmbin.OpCall, byte(peek))
	b.Memory(1)
	b.Export("mem", wasmbin.KindMemory, 0)
	b.Export("go", wasmbin.KindFunc, f)
	return b.Bytes()
}
