package engine

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/errors"
)

// Engine is the shared compilation environment. It is immutable after
// creation, safe to share across threads, and outlives zero or more stores.
type Engine struct {
	rt    wazero.Runtime
	rc    wazero.RuntimeConfig
	cache wazero.CompilationCache
	cfg   Config
	epoch atomic.Uint64
	refs  atomic.Int64
}

// New creates an engine from cfg. A nil cfg uses NewConfig defaults.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rc, cache, err := cfg.runtimeConfig()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		rt:    wazero.NewRuntimeWithConfig(ctx, rc),
		rc:    rc,
		cache: cache,
		cfg:   *cfg,
	}
	e.refs.Store(1)

	Logger().Debug("engine created",
		zap.Bool("fuel", cfg.ConsumeFuel),
		zap.Bool("epoch", cfg.EpochInterruption),
		zap.Bool("async", cfg.AsyncSupport))
	return e, nil
}

// Config returns a copy of the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Runtime exposes the wazero runtime. Intended for stores and the
// linker; embedders normally have no reason to touch it.
func (e *Engine) Runtime() wazero.Runtime {
	return e.rt
}

// NewStoreRuntime creates a fresh runtime sharing the engine's configuration
// and compiled-code cache. Each store owns one, so module instance names
// registered during instantiation never collide across stores.
func (e *Engine) NewStoreRuntime(ctx context.Context) wazero.Runtime {
	return wazero.NewRuntimeWithConfig(ctx, e.rc)
}

// Retain adds a reference. Every store created from the engine holds one.
func (e *Engine) Retain() {
	e.refs.Add(1)
}

// Close releases the caller's reference. The underlying runtime and
// compiled-code cache shut down when the last reference is gone; until then
// Close is cheap and other holders are unaffected.
func (e *Engine) Close(ctx context.Context) error {
	n := e.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		e.refs.Add(1)
		return errors.Closed(errors.PhaseConfig, "engine")
	}

	Logger().Debug("engine shutting down")
	if err := e.rt.Close(ctx); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "close runtime")
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "close compilation cache")
		}
	}
	return nil
}

// IncrementEpoch advances the engine-wide epoch counter by one and returns
// the new value. Any thread may call it, including from a signal handler;
// it is a single atomic add. Stores compare this counter against their
// deadline on guest function entry.
func (e *Engine) IncrementEpoch() uint64 {
	return e.epoch.Add(1)
}

// Epoch reads the current epoch counter.
func (e *Engine) Epoch() uint64 {
	return e.epoch.Load()
}
