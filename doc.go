// Package wasmengine is an embeddable WebAssembly runtime for Go hosts.
//
// It wraps wazero behind a store-oriented API: an Engine owns compilation
// settings and the shared code cache, a Store owns everything a running
// guest can touch, and handles (Func, Global, Memory, Table, Instance) are
// small store-scoped indices rather than live object pointers.
//
// # Package layout
//
//	engine/    Engine, Config, the epoch counter and fuel metering hooks
//	runtime/   Store, Context, Module, Instance, Func, traps, WASI, futures
//	linker/    Name-based import resolution and instantiation
//	value/     Val, Raw, ExternRef and the wasm type descriptors
//	errors/    Structured errors with phase and kind classification
//	cmd/       The wasm-run command line runner
//
// # Quick start
//
//	e, err := engine.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Close(ctx)
//
//	mod, err := runtime.NewModule(ctx, e, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mod.Close(ctx)
//
//	s := runtime.NewStore(ctx, e, nil, nil)
//	defer s.Close(ctx)
//
//	inst, err := runtime.NewInstance(ctx, s.Context(), mod, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	add, _ := inst.ExportGet(s.Context(), "add")
//	f, _ := add.AsFunc()
//
//	results := make([]value.Val, 1)
//	err = f.Call(ctx, s.Context(), []value.Val{value.I32(1), value.I32(2)}, results)
//
// # Isolation and threading
//
// A Store and all handles created against it belong to a single logical
// owner; the API rejects handles from one store passed to another. Engines
// and Modules are safe for concurrent use across stores. Within one store,
// calls are serialized: a suspended async call blocks synchronous entry
// until its Future completes or is closed.
//
// # Interruption
//
// Guests can be bounded by fuel (deterministic instruction budget) or by
// the engine epoch (cross-thread deadline). Both are opt-in at engine
// creation and per-store armed; see engine.Config and Context.SetFuel,
// Context.SetEpochDeadline.
package wasmengine
