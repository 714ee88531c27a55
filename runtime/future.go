package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/value"
)

// Future is an in-flight asynchronous call. The call runs on its own
// goroutine and suspends cooperatively on fuel exhaustion, epoch yields and
// pending host calls; Poll grants it execution time and reports completion.
//
// A store has at most one outstanding Future. The args and results storage
// passed to CallAsync must stay live until the Future completes or is
// closed.
type Future struct {
	s     *Store
	entry *funcEntry

	args    []value.Val
	results []value.Val

	baseCtx context.Context
	cctx    context.Context
	cancel  context.CancelCauseFunc

	parked chan (<-chan struct{})
	resume chan struct{}
	done   chan struct{}

	started   bool
	completed bool
	closed    bool
	hasPark   bool
	pending   <-chan struct{}
	outcome   error
}

// CallAsync begins an asynchronous checked call. Requires an engine created
// with AsyncSupport. Validation failures are reported here; execution starts
// on the first Poll.
func (f Func) CallAsync(ctx context.Context, c *Context, args []value.Val, results []value.Val) (*Future, error) {
	if !c.s.eng.Config().AsyncSupport {
		return nil, errors.DisabledFeature("async calls")
	}
	e, err := c.funcEntry(f)
	if err != nil {
		return nil, err
	}
	params, rets := e.typ.Params(), e.typ.Results()
	if len(args) != len(params) {
		return nil, errors.ArityMismatch(errors.PhaseCall, "arguments", len(args), len(params))
	}
	if len(results) != len(rets) {
		return nil, errors.ArityMismatch(errors.PhaseCall, "results", len(results), len(rets))
	}
	for i, p := range params {
		if args[i].Kind() != p.Kind() {
			return nil, errors.TypeMismatch(errors.PhaseCall, "argument %d is %s, want %s", i, args[i].Kind(), p.Kind())
		}
	}
	if c.s.future != nil {
		return nil, errors.InvalidInput(errors.PhaseCall, "store already has an outstanding future")
	}

	fut := &Future{
		s:       c.s,
		entry:   e,
		args:    args,
		results: results,
		baseCtx: ctx,
		parked:  make(chan (<-chan struct{})),
		resume:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	fut.cctx, fut.cancel = c.s.beginCall(ctx, fut)
	c.s.future = fut
	engine.Logger().Debug("async call created", zap.Uint64("store", c.s.id))
	return fut, nil
}

// park suspends the calling fiber until the poller resumes it. ready, when
// non-nil, gates the resumption on a pending host result. Called from the
// call goroutine only.
func (f *Future) park(ready <-chan struct{}) {
	if f.cctx.Err() != nil {
		return
	}
	select {
	case f.parked <- ready:
	case <-f.cctx.Done():
		return
	}
	select {
	case <-f.resume:
	case <-f.cctx.Done():
	}
}

// Poll drives the call forward. It returns false while the call is
// suspended and true exactly once, when the call has completed; the outcome
// is then available from Result. Polling a completed or closed Future is a
// contract error.
func (f *Future) Poll() (bool, error) {
	if f.closed {
		return false, errors.Closed(errors.PhaseCall, "future")
	}
	if f.completed {
		return false, errors.InvalidInput(errors.PhaseCall, "future already completed")
	}

	if !f.started {
		f.started = true
		f.s.activeFut = f
		go func() {
			f.outcome = f.s.callEntry(f.baseCtx, f.entry, f.args, f.results, f)
			close(f.done)
		}()
	} else if f.hasPark {
		if f.pending != nil {
			select {
			case <-f.pending:
			default:
				return false, nil
			}
		}
		f.hasPark = false
		f.pending = nil
		select {
		case f.resume <- struct{}{}:
		case <-f.done:
			f.finish()
			return true, nil
		}
	}

	select {
	case ready := <-f.parked:
		f.hasPark = true
		f.pending = ready
		return false, nil
	case <-f.done:
		f.finish()
		return true, nil
	}
}

// Result returns the completed call's outcome: nil on success, a *Trap for a
// guest fault, or an error.
func (f *Future) Result() error {
	if !f.completed {
		return errors.InvalidInput(errors.PhaseCall, "future has not completed")
	}
	return f.outcome
}

func (f *Future) finish() {
	f.completed = true
	f.s.activeFut = nil
	f.s.future = nil
	engine.Logger().Debug("async call completed", zap.Uint64("store", f.s.id))
}

// Close abandons the call. A suspended call is torn down without running
// further guest code; its instance is closed by the cancellation. Close is
// idempotent and required even after completion.
func (f *Future) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.cancel(causeAbandoned)
	if f.started && !f.completed {
		// Wake the fiber if it is parked, then wait for it to unwind.
		select {
		case f.resume <- struct{}{}:
		default:
		}
		<-f.done
	}
	if !f.completed {
		f.completed = true
		f.s.activeFut = nil
		f.s.future = nil
		engine.Logger().Debug("async call abandoned", zap.Uint64("store", f.s.id))
	}
	return nil
}
