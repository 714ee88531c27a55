package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/wippyai/wasm-engine/errors"
)

// Meter receives a tick on every guest function entry. The store installs
// one per call to charge fuel and check epoch deadlines; a tick that decides
// to stop execution cancels the call context, which wazero
// observes on the next loop back-edge or function entry.
type Meter interface {
	Tick(ctx context.Context)
}

type meterCtxKey struct{}

// WithMeter attaches a per-call meter to ctx. Guest code compiled by an
// engine with fuel or epoch interruption enabled ticks the meter on every
// function entry.
func WithMeter(ctx context.Context, m Meter) context.Context {
	return context.WithValue(ctx, meterCtxKey{}, m)
}

// MeterFrom returns the meter attached to ctx, or nil. Host call paths use
// it to charge fuel for invocations the function-entry hook cannot see.
func MeterFrom(ctx context.Context) Meter {
	m, _ := ctx.Value(meterCtxKey{}).(Meter)
	return m
}

// meterFactory instruments every compiled function with an entry hook.
type meterFactory struct{}

func (meterFactory) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return meterListener{}
}

type meterListener struct{}

func (meterListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	if m := MeterFrom(ctx); m != nil {
		m.Tick(ctx)
	}
}

func (meterListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (meterListener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}

// InstrumentContext attaches the metering hook to a compilation context when
// fuel or epoch interruption is enabled. Stores compile rewritten module
// bytes in their own runtime and must pass the returned context so the hook
// survives the recompile.
func (e *Engine) InstrumentContext(ctx context.Context) context.Context {
	if e.cfg.ConsumeFuel || e.cfg.EpochInterruption {
		return experimental.WithFunctionListenerFactory(ctx, meterFactory{})
	}
	return ctx
}

// Compile compiles wasm bytes into an executable artifact, attaching the
// metering hook when the configuration calls for it. Compilation may use
// multiple worker threads internally; that is opaque to stores.
func (e *Engine) Compile(ctx context.Context, wasmBytes []byte) (wazero.CompiledModule, error) {
	compiled, err := e.rt.CompileModule(e.InstrumentContext(ctx), wasmBytes)
	if err != nil {
		return nil, errors.Compile(err)
	}
	return compiled, nil
}
