package runtime

import (
	"context"
	stderrors "errors"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/value"
)

// HostFunc is a checked host function. args are borrowed for the duration of
// the call (Clone to keep a reference); results must be fully written on a
// nil return, and reference results transfer ownership to the runtime.
// Returning a *Trap aborts the in-flight guest call as a guest fault; any
// other error aborts it as a host error.
type HostFunc func(caller *Caller, args []value.Val, results []value.Val) error

// RawHostFunc is an unchecked host function over a single in/out buffer: the
// first len(params) slots hold arguments and must be overwritten with the
// results. No marshalling or validation is performed.
type RawHostFunc func(caller *Caller, buf []value.Raw) error

// NewFunc creates a checked host function in the store. finalizer, if
// non-nil, runs when the store closes.
func NewFunc(c *Context, typ *value.FuncType, impl HostFunc, finalizer func()) (Func, error) {
	if c.s.closed {
		return Func{}, errors.Closed(errors.PhaseCall, "store")
	}
	if typ == nil || impl == nil {
		return Func{}, errors.InvalidInput(errors.PhaseCall, "nil host function type or implementation")
	}
	return c.s.addFunc(&funcEntry{typ: typ, host: impl, fin: finalizer}), nil
}

// NewFuncUnchecked creates a raw host function in the store.
func NewFuncUnchecked(c *Context, typ *value.FuncType, impl RawHostFunc, finalizer func()) (Func, error) {
	if c.s.closed {
		return Func{}, errors.Closed(errors.PhaseCall, "store")
	}
	if typ == nil || impl == nil {
		return Func{}, errors.InvalidInput(errors.PhaseCall, "nil host function type or implementation")
	}
	return c.s.addFunc(&funcEntry{typ: typ, hostRaw: impl, fin: finalizer}), nil
}

// Caller is the transient capability a host function receives. It is valid
// only for the duration of the call.
type Caller struct {
	c   *Context
	mod api.Module // calling instance, nil when the host func is called directly
}

// Context returns the store context of the calling store.
func (ca *Caller) Context() *Context {
	return ca.c
}

// ExportGet resolves an export of the calling instance, typically its linear
// memory. Returns false when there is no calling instance, the export does
// not exist, or its kind is not resolvable through the execution engine
// (tables are not).
func (ca *Caller) ExportGet(name string) (Extern, bool) {
	if ca.mod == nil {
		return Extern{}, false
	}
	s := ca.c.s

	if fn := ca.mod.ExportedFunction(name); fn != nil {
		def := fn.Definition()
		ft, ok := value.FuncTypeFromAPI(def.ParamTypes(), def.ResultTypes())
		if !ok {
			return Extern{}, false
		}
		h := s.addFunc(&funcEntry{typ: ft, fn: fn, owner: ca.mod.Name(), exportName: name})
		return FuncExtern(h), true
	}
	if mem := ca.mod.ExportedMemory(name); mem != nil {
		def := mem.Definition()
		maxPages, hasMax := def.Max()
		mt := value.NewMemoryType(uint64(def.Min()), uint64(maxPages), hasMax, false, false)
		h := s.addMemory(&memoryEntry{mem: mem, typ: mt, owner: ca.mod.Name(), exportName: name})
		return MemoryExtern(h), true
	}
	if g := ca.mod.ExportedGlobal(name); g != nil {
		k, ok := value.KindFromAPI(g.Type())
		if !ok {
			return Extern{}, false
		}
		_, mutable := g.(api.MutableGlobal)
		gt := value.NewGlobalType(value.NewValType(k), mutable)
		h := s.addGlobal(&globalEntry{g: g, typ: gt, owner: ca.mod.Name(), exportName: name})
		return GlobalExtern(h), true
	}
	return Extern{}, false
}

// Pending signals from a host function that its result is not ready. The
// in-flight call suspends; once ready is closed (or receives), the host
// function is invoked again with the same arguments. In a synchronous call
// the runtime blocks on ready instead of suspending.
func Pending(ready <-chan struct{}) error {
	return &pendingError{ready: ready}
}

type pendingError struct {
	ready <-chan struct{}
}

func (p *pendingError) Error() string { return "host call pending" }

// Call invokes the function with checked marshalling. args and results must
// match the signature exactly; validation failures are contract errors and
// leave results untouched. A guest fault is returned as a *Trap. On success
// results are fully written and reference results are owned by the caller.
func (f Func) Call(ctx context.Context, c *Context, args []value.Val, results []value.Val) error {
	e, err := c.funcEntry(f)
	if err != nil {
		return err
	}
	params, rets := e.typ.Params(), e.typ.Results()
	if len(args) != len(params) {
		return errors.ArityMismatch(errors.PhaseCall, "arguments", len(args), len(params))
	}
	if len(results) != len(rets) {
		return errors.ArityMismatch(errors.PhaseCall, "results", len(results), len(rets))
	}
	for i, p := range params {
		if args[i].Kind() != p.Kind() {
			return errors.TypeMismatch(errors.PhaseCall, "argument %d is %s, want %s", i, args[i].Kind(), p.Kind())
		}
	}
	if c.s.activeFut != nil {
		return errors.InvalidInput(errors.PhaseCall, "store is executing an async call")
	}
	return c.s.callEntry(ctx, e, args, results, nil)
}

// callEntry runs a checked call against a resolved entry. fut is non-nil
// when the call runs on a future's fiber.
func (s *Store) callEntry(ctx context.Context, e *funcEntry, args, results []value.Val, fut *Future) error {
	if e.fn == nil {
		return s.callHostDirect(ctx, e, args, results, fut)
	}

	params, rets := e.typ.Params(), e.typ.Results()
	stack := make([]uint64, max(len(params), len(rets)))
	var pins []uint64
	for i := range args {
		bits, err := s.ctx.encodeStackVal(args[i], params[i].Kind(), &pins)
		if err != nil {
			s.unpinCall(pins)
			return err
		}
		stack[i] = bits
	}

	cctx := ctx
	if fut != nil {
		cctx = fut.cctx
	} else {
		var cancel context.CancelCauseFunc
		cctx, cancel = s.beginCall(ctx, nil)
		defer cancel(nil)
	}

	err := e.fn.CallWithStack(cctx, stack)
	s.unpinCall(pins)
	if err != nil {
		return s.resolveFault(cctx, err)
	}
	// A forced termination the engine never observed (no back-edge or call
	// after the breach) still counts as the call's outcome.
	if f := s.takeFault(); f != nil {
		return f
	}

	for i := range rets {
		v, err := s.ctx.decodeStackVal(stack[i], rets[i].Kind())
		if err != nil {
			for j := 0; j < i; j++ {
				results[j].Release()
			}
			return err
		}
		results[i] = v
	}
	return nil
}

// callHostDirect invokes a host function without entering the execution
// engine.
func (s *Store) callHostDirect(ctx context.Context, e *funcEntry, args, results []value.Val, fut *Future) error {
	cctx := ctx
	if fut != nil {
		cctx = fut.cctx
	}
	caller := &Caller{c: &s.ctx}
	if e.host != nil {
		return s.runHost(cctx, e, caller, args, results)
	}

	params, rets := e.typ.Params(), e.typ.Results()
	buf := make([]value.Raw, max(len(params), len(rets)))
	for i := range args {
		r, err := s.ctx.ValToRaw(args[i])
		if err != nil {
			return err
		}
		buf[i] = r
	}
	if err := s.runHostRaw(cctx, e, caller, buf); err != nil {
		return err
	}
	for i := range rets {
		v, err := s.ctx.ValFromRaw(buf[i], rets[i].Kind())
		if err != nil {
			return err
		}
		results[i] = v
	}
	return nil
}

// runHost drives a checked host impl, honoring Pending suspensions.
func (s *Store) runHost(ctx context.Context, e *funcEntry, caller *Caller, args, results []value.Val) error {
	for {
		err := e.host(caller, args, results)
		var p *pendingError
		if stderrors.As(err, &p) {
			if serr := s.suspendHost(ctx, p.ready); serr != nil {
				return serr
			}
			continue
		}
		return err
	}
}

// runHostRaw drives a raw host impl, honoring Pending suspensions.
func (s *Store) runHostRaw(ctx context.Context, e *funcEntry, caller *Caller, buf []value.Raw) error {
	for {
		err := e.hostRaw(caller, buf)
		var p *pendingError
		if stderrors.As(err, &p) {
			if serr := s.suspendHost(ctx, p.ready); serr != nil {
				return serr
			}
			continue
		}
		return err
	}
}

// suspendHost parks the call until ready. On a future's fiber the park is
// surfaced to the poller; a synchronous call blocks.
func (s *Store) suspendHost(ctx context.Context, ready <-chan struct{}) error {
	if fut := s.activeFut; fut != nil {
		fut.park(ready)
		if ctx.Err() != nil {
			return errors.Wrap(errors.PhaseCall, errors.KindCanceled, context.Cause(ctx), "call abandoned while pending")
		}
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.PhaseCall, errors.KindCanceled, context.Cause(ctx), "call canceled while pending")
	}
}

// invokeHost adapts a host funcEntry to a guest call frame. It runs inside
// the execution engine; faults propagate by panic and are recovered by the
// engine, unwinding the guest stack.
func (s *Store) invokeHost(ctx context.Context, e *funcEntry, callerMod api.Module, stack []uint64) {
	// Host transitions are charged one unit of fuel, same as guest entries.
	if m := engine.MeterFrom(ctx); m != nil {
		m.Tick(ctx)
		if ctx.Err() != nil {
			panic(context.Cause(ctx))
		}
	}

	caller := &Caller{c: &s.ctx, mod: callerMod}
	params, rets := e.typ.Params(), e.typ.Results()

	if e.hostRaw != nil {
		buf := make([]value.Raw, max(len(params), len(rets)))
		for i := range params {
			buf[i].SetBits(stack[i])
		}
		if err := s.runHostRaw(ctx, e, caller, buf); err != nil {
			s.hostAbort(err)
		}
		for i := range rets {
			stack[i] = buf[i].Bits()
		}
		return
	}

	args := make(value.ValList, len(params))
	for i := range params {
		v, err := s.ctx.decodeStackVal(stack[i], params[i].Kind())
		if err != nil {
			args[:i].Release()
			s.hostAbort(err)
		}
		args[i] = v
	}
	results := make(value.ValList, len(rets))

	err := s.runHost(ctx, e, caller, args, results)
	args.Release()
	if err != nil {
		s.hostAbort(err)
	}

	var pins []uint64
	for i := range rets {
		bits, err := s.ctx.encodeStackVal(results[i], rets[i].Kind(), &pins)
		if err != nil {
			results.Release()
			s.hostAbort(err)
		}
		stack[i] = bits
	}
	// Result refs handed to the guest stay rooted in the store until GC; the
	// host's own references are dropped here.
	s.unpinCall(pins)
	results.Release()
}

// hostAbort records the host outcome for the in-flight call and unwinds.
func (s *Store) hostAbort(err error) {
	if s.fault == nil {
		s.fault = err
	}
	panic(err)
}

// CallUnchecked invokes the function through a single raw buffer: the first
// len(params) slots are consumed as arguments and overwritten with the
// results. Only arity and the signature's marshallability are checked; slot
// contents are trusted. The buffer must hold max(len(params), len(results))
// slots.
func (f Func) CallUnchecked(ctx context.Context, c *Context, buf []value.Raw) error {
	e, err := c.funcEntry(f)
	if err != nil {
		return err
	}
	params, rets := e.typ.Params(), e.typ.Results()
	need := max(len(params), len(rets))
	if len(buf) < need {
		return errors.ArityMismatch(errors.PhaseCall, "raw slots", len(buf), need)
	}
	if c.s.activeFut != nil {
		return errors.InvalidInput(errors.PhaseCall, "store is executing an async call")
	}

	if e.fn == nil {
		caller := &Caller{c: c}
		if e.hostRaw != nil {
			return c.s.runHostRaw(ctx, e, caller, buf[:need])
		}
		args := make(value.ValList, len(params))
		for i := range params {
			v, verr := c.ValFromRaw(buf[i], params[i].Kind())
			if verr != nil {
				args[:i].Release()
				return verr
			}
			args[i] = v
		}
		results := make(value.ValList, len(rets))
		herr := c.s.runHost(ctx, e, caller, args, results)
		args.Release()
		if herr != nil {
			return herr
		}
		for i := range rets {
			r, verr := c.ValToRaw(results[i])
			if verr != nil {
				results.Release()
				return verr
			}
			buf[i] = r
		}
		results.Release()
		return nil
	}

	for _, p := range params {
		if k := p.Kind(); k == value.KindV128 || k == value.KindFuncRef {
			return errors.Unsupported(errors.PhaseCall, k.String()+" parameters in guest calls")
		}
	}
	for _, r := range rets {
		if k := r.Kind(); k == value.KindV128 || k == value.KindFuncRef {
			return errors.Unsupported(errors.PhaseCall, k.String()+" results in guest calls")
		}
	}

	stack := make([]uint64, need)
	for i := range params {
		stack[i] = buf[i].Bits()
	}
	cctx, cancel := c.s.beginCall(ctx, nil)
	defer cancel(nil)
	if err := e.fn.CallWithStack(cctx, stack); err != nil {
		return c.s.resolveFault(cctx, err)
	}
	if f := c.s.takeFault(); f != nil {
		return f
	}
	for i := range rets {
		buf[i].SetBits(stack[i])
	}
	return nil
}
