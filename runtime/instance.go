package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/internal/wasmbin"
	"github.com/wippyai/wasm-engine/value"
)

// NewInstance instantiates module in the store with one extern per import,
// in declared import order.
//
// The operation has three outcomes: success; a guest fault while the start
// function or active segments ran, returned as *Trap with the store still
// usable; or a failure before any guest code ran (type mismatch, missing
// import, resource limit), returned as a contract error.
//
// An unbound (zero) Extern is allowed only for wasi_snapshot_preview1
// imports on a store with a WASI configuration; those resolve through the
// store's WASI binding.
func NewInstance(ctx context.Context, c *Context, m *Module, imports []Extern) (Instance, error) {
	if c.s.closed {
		return Instance{}, errors.Closed(errors.PhaseInstantiate, "store")
	}
	if err := c.validateImports(m, imports); err != nil {
		return Instance{}, err
	}
	return c.s.instantiate(ctx, m, imports)
}

// validateImports performs the resolving step: arity, per-position kind and
// type checks, with nothing executed.
func (c *Context) validateImports(m *Module, imports []Extern) error {
	if len(imports) != len(m.imports) {
		return errors.ArityMismatch(errors.PhaseInstantiate, "imports", len(imports), len(m.imports))
	}
	for i, want := range m.imports {
		got := imports[i]
		if !got.IsBound() {
			if want.Module == wasiModuleName && c.s.wasi != nil {
				continue
			}
			return errors.MissingImport(want.Module, want.Name)
		}
		if err := c.checkImport(want, got, i); err != nil {
			return err
		}
	}
	return nil
}

const wasiModuleName = "wasi_snapshot_preview1"

func (c *Context) checkImport(want ImportType, got Extern, pos int) error {
	mismatch := func(detail string, args ...any) error {
		return errors.New(errors.PhaseInstantiate, errors.KindTypeMismatch).
			Module(want.Module).Item(want.Name).Detail(detail, args...).Build()
	}

	if got.Kind() != want.Type.Kind() {
		return mismatch("import %d requires a %s, got a %s", pos, want.Type.Kind(), got.Kind())
	}

	switch want.Type.Kind() {
	case value.ExternFunc:
		f, _ := got.AsFunc()
		ft, err := f.Type(c)
		if err != nil {
			return err
		}
		if !ft.Equal(want.Type.Func()) {
			return mismatch("function signature %s, want %s", ft, want.Type.Func())
		}
	case value.ExternGlobal:
		g, _ := got.AsGlobal()
		gt, err := g.Type(c)
		if err != nil {
			return err
		}
		w := want.Type.Global()
		if gt.Content().Kind() != w.Content().Kind() || gt.Mutable() != w.Mutable() {
			return mismatch("global type mismatch")
		}
	case value.ExternTable:
		t, _ := got.AsTable()
		tt, err := t.Type(c)
		if err != nil {
			return err
		}
		w := want.Type.Table()
		if tt.Element().Kind() != w.Element().Kind() {
			return mismatch("table element type mismatch")
		}
		if err := checkLimits(uint64(tt.Minimum()), u64max(tt.Maximum()), uint64(w.Minimum()), u64max(w.Maximum())); err != nil {
			return mismatch("table limits incompatible")
		}
	case value.ExternMemory:
		mh, _ := got.AsMemory()
		mt, err := mh.Type(c)
		if err != nil {
			return err
		}
		w := want.Type.Memory()
		gotMax, gotHas := mt.Maximum()
		wantMax, wantHas := w.Maximum()
		if err := checkLimits(mt.Minimum(), limitOf(gotMax, gotHas), w.Minimum(), limitOf(wantMax, wantHas)); err != nil {
			return mismatch("memory limits incompatible")
		}
	}
	return nil
}

type limit struct {
	v   uint64
	has bool
}

func limitOf(v uint64, has bool) limit { return limit{v: v, has: has} }

func u64max(v uint32, has bool) limit { return limit{v: uint64(v), has: has} }

// checkLimits applies the import subtyping rule: the provided entity must be
// at least as large as required and no larger than the required maximum.
func checkLimits(gotMin uint64, gotMax limit, wantMin uint64, wantMax limit) error {
	if gotMin < wantMin {
		return errors.InvalidInput(errors.PhaseInstantiate, "minimum too small")
	}
	if wantMax.has && (!gotMax.has || gotMax.v > wantMax.v) {
		return errors.InvalidInput(errors.PhaseInstantiate, "maximum too large")
	}
	return nil
}

// instantiate runs the initialization step. Imports are assumed validated.
//
// The execution engine resolves imports by module name, so each binding gets
// synthetic names: imports backed by store entities are renamed to the
// registered name of their owning instance, host functions are gathered into
// one freshly built host module, and WASI passthrough slots keep their
// original names for the store's WASI binding to satisfy.
func (s *Store) instantiate(ctx context.Context, m *Module, imports []Extern) (Instance, error) {
	if err := s.admit(m.info); err != nil {
		return Instance{}, err
	}
	ok := false
	defer func() {
		if !ok {
			s.refund(m.info)
		}
	}()

	hostName := s.bindName("host")
	type target struct{ mod, name string }
	targets := make([]target, len(imports))
	var hostFuncs []int

	for i, imp := range imports {
		decl := m.info.Imports[i]
		if !imp.IsBound() {
			targets[i] = target{mod: decl.Module, name: decl.Name}
			continue
		}
		switch imp.Kind() {
		case value.ExternFunc:
			e := s.funcs[imp.fn.index-1]
			if e.owner != "" {
				targets[i] = target{mod: e.owner, name: e.exportName}
			} else {
				targets[i] = target{mod: hostName, name: fmt.Sprintf("f%d", i)}
				hostFuncs = append(hostFuncs, i)
			}
		case value.ExternGlobal:
			e := s.globals[imp.gl.index-1]
			targets[i] = target{mod: e.owner, name: e.exportName}
		case value.ExternTable:
			e := s.tables[imp.tb.index-1]
			targets[i] = target{mod: e.owner, name: e.exportName}
		case value.ExternMemory:
			e := s.memories[imp.mem.index-1]
			targets[i] = target{mod: e.owner, name: e.exportName}
		}
	}

	rewritten, err := wasmbin.RewriteImports(m.wasm, func(i int, _, _ string) (string, string) {
		return targets[i].mod, targets[i].name
	})
	if err != nil {
		return Instance{}, err
	}

	var hostMod api.Module
	if len(hostFuncs) > 0 {
		hb := s.rt.NewHostModuleBuilder(hostName)
		for _, pos := range hostFuncs {
			f, _ := imports[pos].AsFunc()
			entry := s.funcs[f.index-1]
			pt, rt, terr := apiTypes(entry.typ)
			if terr != nil {
				return Instance{}, terr
			}
			fn := entry
			hb = hb.NewFunctionBuilder().
				WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
					s.invokeHost(ctx, fn, mod, stack)
				}), pt, rt).
				Export(fmt.Sprintf("f%d", pos))
		}
		hostMod, err = hb.Instantiate(ctx)
		if err != nil {
			return Instance{}, errors.Wrap(errors.PhaseInstantiate, errors.KindInvalidInput, err, "bind host functions")
		}
	}

	cleanup := func() {
		if hostMod != nil {
			_ = hostMod.Close(ctx)
		}
	}

	wasiNeeded := false
	for i := range imports {
		if !imports[i].IsBound() {
			wasiNeeded = true
			break
		}
	}
	if wasiNeeded {
		if err := s.ensureWASI(ctx); err != nil {
			cleanup()
			return Instance{}, err
		}
	}

	compiled, err := s.rt.CompileModule(s.eng.InstrumentContext(ctx), rewritten)
	if err != nil {
		cleanup()
		return Instance{}, errors.Compile(err)
	}

	name := s.bindName("inst")
	mcfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions()
	entry := &instanceEntry{}
	if s.wasi != nil && wasiNeeded {
		cfg, cls, werr := s.wasi.apply(mcfg)
		if werr != nil {
			cleanup()
			_ = compiled.Close(ctx)
			return Instance{}, werr
		}
		mcfg = cfg
		entry.closers = cls
		ctx = s.wasi.sockCtx(ctx)
	}

	runCtx, cancel := s.beginCall(ctx, nil)
	defer cancel(nil)
	mod, err := s.rt.InstantiateModule(runCtx, compiled, mcfg)
	var fault error
	if err == nil {
		// A forced termination the engine did not observe (straight-line
		// start code) leaves the recorded fault as the outcome.
		fault = s.takeFault()
	}
	if err != nil || fault != nil {
		cleanup()
		if mod != nil {
			_ = mod.Close(ctx)
		}
		_ = compiled.Close(ctx)
		for _, cl := range entry.closers {
			_ = cl.Close()
		}
		if err != nil {
			return Instance{}, s.resolveFault(runCtx, err)
		}
		return Instance{}, fault
	}

	entry.mod = mod
	entry.hostMod = hostMod
	entry.compiled = compiled
	entry.module = m
	entry.name = name
	entry.exports = make(map[string]Extern)
	m.Retain()

	ok = true
	h := s.addInstance(entry)
	engine.Logger().Debug("module instantiated",
		zap.Uint64("store", s.id), zap.String("instance", name))
	return h, nil
}

func (s *Store) refund(info *wasmbin.Info) {
	if s.limits == nil {
		return
	}
	s.usage.instances--
	s.usage.memories -= int64(len(info.Memories))
	s.usage.tables -= int64(len(info.Tables))
	for _, m := range info.Memories {
		s.usage.memoryBytes -= int64(m.Min) * pageSize
	}
	for _, t := range info.Tables {
		s.usage.tableElements -= int64(t.Limits.Min)
	}
}

func (s *Store) ensureWASI(ctx context.Context) error {
	if s.wasiBound {
		return nil
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, s.rt); err != nil {
		return errors.Wrap(errors.PhaseWASI, errors.KindInvalidInput, err, "bind wasi host module")
	}
	s.wasiBound = true
	return nil
}

func apiTypes(ft *value.FuncType) ([]api.ValueType, []api.ValueType, error) {
	params := make([]api.ValueType, len(ft.Params()))
	results := make([]api.ValueType, len(ft.Results()))
	for i, p := range ft.Params() {
		vt, ok := value.KindToAPI(p.Kind())
		if !ok {
			return nil, nil, errors.TypeMismatch(errors.PhaseInstantiate, "unsupported parameter kind")
		}
		params[i] = vt
	}
	for i, r := range ft.Results() {
		vt, ok := value.KindToAPI(r.Kind())
		if !ok {
			return nil, nil, errors.TypeMismatch(errors.PhaseInstantiate, "unsupported result kind")
		}
		results[i] = vt
	}
	return params, results, nil
}

// ExportGet resolves an export by name. Handles are materialized lazily and
// memoized per instance.
func (i Instance) ExportGet(c *Context, name string) (Extern, bool) {
	e, err := c.instanceEntry(i)
	if err != nil || e.closed {
		return Extern{}, false
	}
	if ext, ok := e.exports[name]; ok {
		return ext, true
	}

	var desc *ExportType
	for idx := range e.module.exports {
		if e.module.exports[idx].Name == name {
			desc = &e.module.exports[idx]
			break
		}
	}
	if desc == nil {
		return Extern{}, false
	}

	s := c.s
	var ext Extern
	switch desc.Type.Kind() {
	case value.ExternFunc:
		fn := e.mod.ExportedFunction(name)
		if fn == nil {
			return Extern{}, false
		}
		ext = FuncExtern(s.addFunc(&funcEntry{
			typ: desc.Type.Func(), fn: fn, owner: e.name, exportName: name,
		}))
	case value.ExternGlobal:
		g := e.mod.ExportedGlobal(name)
		if g == nil {
			return Extern{}, false
		}
		ext = GlobalExtern(s.addGlobal(&globalEntry{
			g: g, typ: desc.Type.Global(), owner: e.name, exportName: name,
		}))
	case value.ExternMemory:
		mem := e.mod.ExportedMemory(name)
		if mem == nil {
			return Extern{}, false
		}
		ext = MemoryExtern(s.addMemory(&memoryEntry{
			mem: mem, typ: desc.Type.Memory(), owner: e.name, exportName: name,
		}))
	case value.ExternTable:
		ext = TableExtern(s.addTable(&tableEntry{
			typ: desc.Type.Table(), owner: e.name, exportName: name,
		}))
	default:
		return Extern{}, false
	}
	e.exports[name] = ext
	return ext, true
}

// ExportNth resolves the n-th export in declared order.
func (i Instance) ExportNth(c *Context, n int) (string, Extern, bool) {
	e, err := c.instanceEntry(i)
	if err != nil || n < 0 || n >= len(e.module.exports) {
		return "", Extern{}, false
	}
	name := e.module.exports[n].Name
	ext, ok := i.ExportGet(c, name)
	return name, ext, ok
}

// Module returns the module this instance was created from.
func (i Instance) Module(c *Context) (*Module, error) {
	e, err := c.instanceEntry(i)
	if err != nil {
		return nil, err
	}
	return e.module, nil
}

// Close tears the instance down ahead of store close. Handles resolved from
// it become invalid.
func (i Instance) Close(ctx context.Context, c *Context) error {
	e, err := c.instanceEntry(i)
	if err != nil {
		return err
	}
	e.close(ctx)
	return nil
}

// InstancePre is a validated instantiation plan: module plus resolved
// imports with the resolving step already done. Instantiate runs only the
// initialization step and may be called repeatedly. An InstancePre must be
// closed.
type InstancePre struct {
	store   uint64
	module  *Module
	imports []Extern
	closed  bool
}

// NewInstancePre validates module's imports against the given externs and
// captures the plan without running any guest code.
func NewInstancePre(c *Context, m *Module, imports []Extern) (*InstancePre, error) {
	if c.s.closed {
		return nil, errors.Closed(errors.PhaseInstantiate, "store")
	}
	if err := c.validateImports(m, imports); err != nil {
		return nil, err
	}
	m.Retain()
	return &InstancePre{
		store:   c.s.id,
		module:  m,
		imports: append([]Extern(nil), imports...),
	}, nil
}

// Module returns the plan's module.
func (p *InstancePre) Module() *Module {
	return p.module
}

// Instantiate runs the initialization step of the plan.
func (p *InstancePre) Instantiate(ctx context.Context, c *Context) (Instance, error) {
	if p.closed {
		return Instance{}, errors.Closed(errors.PhaseInstantiate, "instance pre")
	}
	if err := c.check(p.store, "instance pre"); err != nil {
		return Instance{}, err
	}
	return c.s.instantiate(ctx, p.module, p.imports)
}

// Close releases the plan.
func (p *InstancePre) Close(ctx context.Context) error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.module.Close(ctx)
}
