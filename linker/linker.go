// Package linker resolves module imports by (module, name) pair and
// instantiates modules in one step. Definitions are store-scoped handles;
// a linker is used with contexts from the store its definitions came from.
package linker

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/runtime"
	"github.com/wippyai/wasm-engine/value"
)

const wasiModuleName = "wasi_snapshot_preview1"

// Linker accumulates named definitions and instantiates modules against
// them. Not safe for concurrent use.
type Linker struct {
	eng       *engine.Engine
	defs      map[string]map[string]runtime.Extern
	shadowing bool
	wasi      bool
}

// New creates an empty linker on the engine.
func New(e *engine.Engine) *Linker {
	return &Linker{
		eng:  e,
		defs: make(map[string]map[string]runtime.Extern),
	}
}

// AllowShadowing controls whether a later definition may replace an earlier
// one under the same (module, name). Off by default.
func (l *Linker) AllowShadowing(allow bool) {
	l.shadowing = allow
}

// Define registers an extern under (module, name).
func (l *Linker) Define(module, name string, ext runtime.Extern) error {
	if !ext.IsBound() {
		return errors.InvalidInput(errors.PhaseLink, "unbound extern")
	}
	ns := l.defs[module]
	if ns == nil {
		ns = make(map[string]runtime.Extern)
		l.defs[module] = ns
	}
	if _, exists := ns[name]; exists && !l.shadowing {
		return errors.Duplicate(module, name)
	}
	ns[name] = ext
	return nil
}

// DefineFunc creates a checked host function in the context's store and
// registers it under (module, name).
func (l *Linker) DefineFunc(c *runtime.Context, module, name string, typ *value.FuncType, impl runtime.HostFunc) error {
	f, err := runtime.NewFunc(c, typ, impl, nil)
	if err != nil {
		return err
	}
	return l.Define(module, name, runtime.FuncExtern(f))
}

// DefineInstance registers every export of an instance under the instance's
// namespace name.
func (l *Linker) DefineInstance(c *runtime.Context, module string, inst runtime.Instance) error {
	mod, err := inst.Module(c)
	if err != nil {
		return err
	}
	for _, exp := range mod.Exports() {
		ext, ok := inst.ExportGet(c, exp.Name)
		if !ok {
			return errors.NotFound(errors.PhaseLink, "export", exp.Name)
		}
		if err := l.Define(module, exp.Name, ext); err != nil {
			return err
		}
	}
	return nil
}

// DefineWASI lets instantiation satisfy wasi_snapshot_preview1 imports from
// the store's WASI configuration.
func (l *Linker) DefineWASI() {
	l.wasi = true
}

// Get looks up a definition.
func (l *Linker) Get(module, name string) (runtime.Extern, bool) {
	ext, ok := l.defs[module][name]
	return ext, ok
}

// GetDefault returns the default export of a namespace: the function defined
// under the empty name. Missing or non-function defaults are a clean
// not_found error.
func (l *Linker) GetDefault(c *runtime.Context, module string) (runtime.Func, error) {
	ext, ok := l.defs[module][""]
	if !ok {
		return runtime.Func{}, errors.NotFound(errors.PhaseLink, "default export", module)
	}
	f, ok := ext.AsFunc()
	if !ok {
		return runtime.Func{}, errors.NotFound(errors.PhaseLink, "default export function", module)
	}
	return f, nil
}

// resolve builds the ordered extern slice for a module's imports. WASI
// imports without an explicit definition are left unbound for the store's
// WASI binding when DefineWASI was called.
func (l *Linker) resolve(m *runtime.Module) ([]runtime.Extern, error) {
	imports := m.Imports()
	externs := make([]runtime.Extern, len(imports))
	for i, imp := range imports {
		if ext, ok := l.defs[imp.Module][imp.Name]; ok {
			externs[i] = ext
			continue
		}
		if l.wasi && imp.Module == wasiModuleName {
			continue // unbound slot, satisfied by the store's WASI binding
		}
		return nil, errors.MissingImport(imp.Module, imp.Name)
	}
	return externs, nil
}

// Instantiate resolves the module's imports against the definitions and
// instantiates it. Outcomes follow runtime.NewInstance: success, *Trap for a
// start-function fault, or a contract error.
func (l *Linker) Instantiate(ctx context.Context, c *runtime.Context, m *runtime.Module) (runtime.Instance, error) {
	externs, err := l.resolve(m)
	if err != nil {
		return runtime.Instance{}, err
	}
	engine.Logger().Debug("linker instantiate", zap.Int("imports", len(externs)))
	return runtime.NewInstance(ctx, c, m, externs)
}

// InstantiatePre resolves the module's imports and captures the validated
// plan for repeated instantiation.
func (l *Linker) InstantiatePre(c *runtime.Context, m *runtime.Module) (*runtime.InstancePre, error) {
	externs, err := l.resolve(m)
	if err != nil {
		return nil, err
	}
	return runtime.NewInstancePre(c, m, externs)
}
