package runtime

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/value"
)

var storeIDs atomic.Uint64

// Store owns every runtime entity created through it: instances, functions,
// globals, tables, memories and external references. A store is the unit of
// isolation; nothing created in one store is visible from another, even on
// the same engine.
//
// Stores are not safe for concurrent use. Ownership may move between
// goroutines as long as accesses are serialized.
type Store struct {
	id  uint64
	eng *engine.Engine
	rt  wazero.Runtime
	ctx Context

	data    any
	dataFin func(any)

	limits    *Limits
	usage     resourceUsage
	wasi      *WASIConfig
	wasiBound bool

	funcs     []*funcEntry
	globals   []*globalEntry
	tables    []*tableEntry
	memories  []*memoryEntry
	instances []*instanceEntry

	externs     []*externEntry
	freeExterns []uint32

	fuel      fuelState
	epoch     epochState
	future    *Future // outstanding future, at most one
	activeFut *Future // future whose call is currently executing
	fault     error

	nextBind uint64
	closed   bool
}

type funcEntry struct {
	typ        *value.FuncType
	fn         api.Function // guest function, nil for host entries
	owner      string       // registered name of the owning wazero module
	exportName string
	host       HostFunc
	hostRaw    RawHostFunc
	fin        func()
}

type globalEntry struct {
	g          api.Global
	typ        *value.GlobalType
	owner      string
	exportName string
}

type tableEntry struct {
	typ        *value.TableType
	owner      string
	exportName string
}

type memoryEntry struct {
	mem        api.Memory
	typ        *value.MemoryType
	owner      string
	exportName string
}

type instanceEntry struct {
	mod      api.Module
	hostMod  api.Module
	compiled wazero.CompiledModule // per-binding rewritten artifact
	module   *Module
	name     string
	exports  map[string]Extern
	closers  []io.Closer
	closed   bool
}

// externEntry is one slot of the store's externref root set. The entry owns
// one reference to the cell; callPins blocks gc while a call that marshalled
// the slot is still in flight.
type externEntry struct {
	ref      *value.ExternRef
	callPins int
}

type fuelState struct {
	remaining uint64
	refill    uint64
	set       bool
}

type epochState struct {
	deadline uint64
	armed    bool
	callback func(*Context) EpochDecision
}

// NewStore creates a store on the engine. data is arbitrary host state
// retrievable through Context.Data; finalizer, if non-nil, runs exactly once
// on whatever data the store holds when it closes.
func NewStore(ctx context.Context, e *engine.Engine, data any, finalizer func(any)) *Store {
	e.Retain()
	s := &Store{
		id:      storeIDs.Add(1),
		eng:     e,
		rt:      e.NewStoreRuntime(ctx),
		data:    data,
		dataFin: finalizer,
	}
	s.ctx.s = s
	return s
}

// ID returns the store's process-unique nonzero id.
func (s *Store) ID() uint64 {
	return s.id
}

// Engine returns the engine the store was created on.
func (s *Store) Engine() *engine.Engine {
	return s.eng
}

// Context returns the store's capability object. All store-scoped operations
// go through it; the pointer stays valid until Close.
func (s *Store) Context() *Context {
	return &s.ctx
}

// SetLimiter installs resource caps checked when instantiation creates
// memories, tables and instances. A negative field means no cap.
func (s *Store) SetLimiter(l Limits) {
	s.limits = &l
}

// SetWASI installs the WASI configuration snapshot consumed when an
// instantiation binds wasi_snapshot_preview1 imports.
func (s *Store) SetWASI(cfg *WASIConfig) {
	s.wasi = cfg
}

// SetEpochDeadlineCallback installs the decision hook invoked when a guest
// call crosses the store's epoch deadline. Without a callback a breach traps
// with TrapInterrupt.
func (s *Store) SetEpochDeadlineCallback(fn func(*Context) EpochDecision) {
	s.epoch.callback = fn
}

// Close tears the store down: the outstanding future (if any) is abandoned,
// instances close in reverse creation order, every extern root is dropped
// (running finalizers for cells reaching zero), the user-data finalizer runs,
// and the engine reference is released. Close is idempotent.
func (s *Store) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.future != nil {
		s.future.Close()
	}

	for i := len(s.instances) - 1; i >= 0; i-- {
		s.instances[i].close(ctx)
	}

	// Closing the store runtime tears down host modules and anything the
	// instance loop missed.
	if err := s.rt.Close(ctx); err != nil {
		engine.Logger().Warn("store runtime close", zap.Uint64("store", s.id), zap.Error(err))
	}

	for i, e := range s.externs {
		if e != nil && e.ref != nil {
			e.ref.Release()
			s.externs[i] = nil
		}
	}

	for _, fe := range s.funcs {
		if fe.fin != nil {
			fe.fin()
			fe.fin = nil
		}
	}

	if s.dataFin != nil {
		s.dataFin(s.data)
		s.dataFin = nil
	}

	engine.Logger().Debug("store closed", zap.Uint64("store", s.id))
	return s.eng.Close(ctx)
}

func (e *instanceEntry) close(ctx context.Context) {
	if e.closed {
		return
	}
	e.closed = true
	if e.mod != nil {
		_ = e.mod.Close(ctx)
	}
	if e.hostMod != nil {
		_ = e.hostMod.Close(ctx)
	}
	if e.compiled != nil {
		_ = e.compiled.Close(ctx)
	}
	for _, c := range e.closers {
		_ = c.Close()
	}
	// Drop the module reference instantiate took; e.closed guards the
	// double release between Instance.Close and Store.Close.
	if e.module != nil {
		_ = e.module.Close(ctx)
	}
}

// Context is the store's borrowed capability. Store-scoped operations take a
// Context and validate that every handle belongs to the same store.
type Context struct {
	s *Store
}

// Data returns the store's user data.
func (c *Context) Data() any {
	return c.s.data
}

// SetData replaces the store's user data. The finalizer given at store
// creation applies to whatever data is present when the store closes.
func (c *Context) SetData(v any) {
	c.s.data = v
}

// GC drops the store-root contribution of every externref slot not pinned by
// an in-flight call or held by an externref-typed global the store tracks,
// running finalizers for cells whose count reaches zero. Raw externrefs
// already handed to guest code (outside such globals) become stale. Safe with
// zero instances.
func (c *Context) GC() {
	s := c.s
	var live map[uint64]struct{}
	for _, g := range s.globals {
		if g.g == nil || g.typ.Content().Kind() != value.KindExternRef {
			continue
		}
		if id := g.g.Get(); id != 0 {
			if live == nil {
				live = make(map[uint64]struct{})
			}
			live[id] = struct{}{}
		}
	}
	for i, e := range s.externs {
		if e == nil || e.callPins > 0 {
			continue
		}
		if _, ok := live[uint64(i)+1]; ok {
			continue
		}
		if e.ref != nil {
			e.ref.Release()
		}
		s.externs[i] = nil
		s.freeExterns = append(s.freeExterns, uint32(i))
	}
}

// SetFuel sets the store's remaining fuel. Requires an engine created with
// ConsumeFuel. For async calls the value also becomes the refill quantum
// granted after a fuel yield.
func (c *Context) SetFuel(n uint64) error {
	if !c.s.eng.Config().ConsumeFuel {
		return errors.DisabledFeature("fuel")
	}
	c.s.fuel.remaining = n
	c.s.fuel.refill = n
	c.s.fuel.set = true
	return nil
}

// Fuel returns the store's remaining fuel.
func (c *Context) Fuel() (uint64, error) {
	if !c.s.eng.Config().ConsumeFuel {
		return 0, errors.DisabledFeature("fuel")
	}
	return c.s.fuel.remaining, nil
}

// SetEpochDeadline arms the store's epoch deadline at the engine's current
// epoch plus delta. Requires an engine created with EpochInterruption.
//
// Breaches are detected on guest function entry and host calls, so a guest
// loop that makes no calls is not interrupted until it next enters a
// function.
func (c *Context) SetEpochDeadline(delta uint64) error {
	if !c.s.eng.Config().EpochInterruption {
		return errors.DisabledFeature("epoch interruption")
	}
	c.s.epoch.deadline = c.s.eng.Epoch() + delta
	c.s.epoch.armed = true
	return nil
}

// Handle resolution. Every accessor validates liveness, store identity and
// bounds; the error is a contract error, never a fault.

func errInvalidHandle(what string) error {
	return errors.InvalidInput(errors.PhaseCall, "null "+what+" handle")
}

func (c *Context) check(handleStore uint64, what string) error {
	if handleStore == 0 {
		return errInvalidHandle(what)
	}
	if c.s.closed {
		return errors.Closed(errors.PhaseCall, "store")
	}
	if handleStore != c.s.id {
		return errors.CrossStore(errors.PhaseCall, what, handleStore, c.s.id)
	}
	return nil
}

func (c *Context) funcEntry(f Func) (*funcEntry, error) {
	if err := c.check(f.store, "func"); err != nil {
		return nil, err
	}
	if f.index == 0 || int(f.index) > len(c.s.funcs) {
		return nil, errInvalidHandle("func")
	}
	return c.s.funcs[f.index-1], nil
}

func (c *Context) globalEntry(g Global) (*globalEntry, error) {
	if err := c.check(g.store, "global"); err != nil {
		return nil, err
	}
	if g.index == 0 || int(g.index) > len(c.s.globals) {
		return nil, errInvalidHandle("global")
	}
	return c.s.globals[g.index-1], nil
}

func (c *Context) tableEntry(t Table) (*tableEntry, error) {
	if err := c.check(t.store, "table"); err != nil {
		return nil, err
	}
	if t.index == 0 || int(t.index) > len(c.s.tables) {
		return nil, errInvalidHandle("table")
	}
	return c.s.tables[t.index-1], nil
}

func (c *Context) memoryEntry(m Memory) (*memoryEntry, error) {
	if err := c.check(m.store, "memory"); err != nil {
		return nil, err
	}
	if m.index == 0 || int(m.index) > len(c.s.memories) {
		return nil, errInvalidHandle("memory")
	}
	return c.s.memories[m.index-1], nil
}

func (c *Context) instanceEntry(i Instance) (*instanceEntry, error) {
	if err := c.check(i.store, "instance"); err != nil {
		return nil, err
	}
	if i.index == 0 || int(i.index) > len(c.s.instances) {
		return nil, errInvalidHandle("instance")
	}
	return c.s.instances[i.index-1], nil
}

// Arena allocation. Index 0 is reserved so zero handles stay null.

func (s *Store) addFunc(e *funcEntry) Func {
	s.funcs = append(s.funcs, e)
	return Func{store: s.id, index: uint32(len(s.funcs))}
}

func (s *Store) addGlobal(e *globalEntry) Global {
	s.globals = append(s.globals, e)
	return Global{store: s.id, index: uint32(len(s.globals))}
}

func (s *Store) addTable(e *tableEntry) Table {
	s.tables = append(s.tables, e)
	return Table{store: s.id, index: uint32(len(s.tables))}
}

func (s *Store) addMemory(e *memoryEntry) Memory {
	s.memories = append(s.memories, e)
	return Memory{store: s.id, index: uint32(len(s.memories))}
}

func (s *Store) addInstance(e *instanceEntry) Instance {
	s.instances = append(s.instances, e)
	return Instance{store: s.id, index: uint32(len(s.instances))}
}

// pinExtern roots ref in the store and returns its raw id. The slot holds
// its own reference until GC or store close.
func (s *Store) pinExtern(ref *value.ExternRef) uint64 {
	e := &externEntry{ref: ref.Clone()}
	if n := len(s.freeExterns); n > 0 {
		idx := s.freeExterns[n-1]
		s.freeExterns = s.freeExterns[:n-1]
		s.externs[idx] = e
		return uint64(idx) + 1
	}
	s.externs = append(s.externs, e)
	return uint64(len(s.externs))
}

func (s *Store) externAt(id uint64) *externEntry {
	if id == 0 || id > uint64(len(s.externs)) {
		return nil
	}
	return s.externs[id-1]
}

// bindName returns a store-unique synthetic module name for one
// instantiation's import binding.
func (s *Store) bindName(prefix string) string {
	s.nextBind++
	return fmt.Sprintf("wse:%s%d", prefix, s.nextBind)
}

func (s *Store) takeFault() error {
	f := s.fault
	s.fault = nil
	return f
}
