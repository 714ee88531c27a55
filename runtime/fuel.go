package runtime

import (
	"context"
	stderrors "errors"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
)

// Cancellation causes distinguishing forced terminations from user
// cancellation.
var (
	causeOutOfFuel = stderrors.New("fuel exhausted")
	causeEpoch     = stderrors.New("epoch deadline reached")
	causeAbandoned = stderrors.New("call abandoned")
)

type epochAction int

const (
	epochActContinue epochAction = iota
	epochActYield
	epochActTerminate
)

// EpochDecision is the verdict of a store's epoch deadline callback.
type EpochDecision struct {
	action epochAction
	delta  uint64
	err    error
}

// EpochContinue re-arms the deadline delta epochs ahead and resumes the call.
func EpochContinue(delta uint64) EpochDecision {
	return EpochDecision{action: epochActContinue, delta: delta}
}

// EpochYield suspends an async call and re-arms the deadline delta epochs
// ahead for its resumption. In a synchronous call it behaves like
// EpochContinue, as there is no poller to yield to.
func EpochYield(delta uint64) EpochDecision {
	return EpochDecision{action: epochActYield, delta: delta}
}

// EpochTerminate aborts the call with err, which the caller receives verbatim
// instead of a trap. A nil err aborts with a TrapInterrupt.
func EpochTerminate(err error) EpochDecision {
	return EpochDecision{action: epochActTerminate, err: err}
}

// callMeter charges fuel and enforces the epoch deadline for one call. It
// runs on every guest function entry through the engine's instrumentation
// hook, and on every host call through the invocation path.
type callMeter struct {
	s      *Store
	cancel context.CancelCauseFunc
	fut    *Future
}

func (m *callMeter) Tick(ctx context.Context) {
	s := m.s
	cfg := s.eng.Config()

	if cfg.ConsumeFuel && s.fuel.set {
		if s.fuel.remaining == 0 {
			if m.fut != nil && s.fuel.refill > 0 {
				m.fut.park(nil)
				if ctx.Err() != nil {
					return
				}
				s.fuel.remaining = s.fuel.refill
			} else {
				m.abort(newCodeTrap(TrapOutOfFuel), causeOutOfFuel)
				return
			}
		}
		s.fuel.remaining--
	}

	if cfg.EpochInterruption && s.epoch.armed && s.eng.Epoch() >= s.epoch.deadline {
		cb := s.epoch.callback
		if cb == nil {
			m.abort(newCodeTrap(TrapInterrupt), causeEpoch)
			return
		}
		d := cb(&s.ctx)
		switch d.action {
		case epochActContinue:
			s.epoch.deadline = s.eng.Epoch() + d.delta
		case epochActYield:
			if m.fut != nil {
				m.fut.park(nil)
				if ctx.Err() != nil {
					return
				}
			}
			s.epoch.deadline = s.eng.Epoch() + d.delta
		case epochActTerminate:
			fault := d.err
			if fault == nil {
				fault = newCodeTrap(TrapInterrupt)
			}
			m.abort(fault, causeEpoch)
		}
	}
}

// abort records the caller-visible outcome and cancels the call context. The
// execution engine unwinds the guest on the cancellation.
func (m *callMeter) abort(fault, cause error) {
	if m.s.fault == nil {
		m.s.fault = fault
	}
	m.cancel(cause)
}

// beginCall wraps ctx for one guest execution: a cancellable context carrying
// the store's meter when metering is configured.
func (s *Store) beginCall(ctx context.Context, fut *Future) (context.Context, context.CancelCauseFunc) {
	s.fault = nil
	cctx, cancel := context.WithCancelCause(ctx)
	cfg := s.eng.Config()
	if cfg.ConsumeFuel || cfg.EpochInterruption {
		cctx = engine.WithMeter(cctx, &callMeter{s: s, cancel: cancel, fut: fut})
	}
	return cctx, cancel
}

// resolveFault turns a failed execution into the caller-visible outcome:
// a recorded fault, an explicit guest exit, a forced-termination trap, a
// cancellation error, or a classified trap.
func (s *Store) resolveFault(cctx context.Context, err error) error {
	if f := s.takeFault(); f != nil {
		return f
	}
	if exit, ok := exitFromError(err); ok {
		return exit
	}
	switch cause := context.Cause(cctx); cause {
	case causeOutOfFuel:
		return newCodeTrap(TrapOutOfFuel)
	case causeEpoch:
		return newCodeTrap(TrapInterrupt)
	case causeAbandoned:
		return errors.Wrap(errors.PhaseCall, errors.KindCanceled, cause, "call abandoned")
	default:
		if cause != nil && cctx.Err() != nil {
			return errors.Wrap(errors.PhaseCall, errors.KindCanceled, cause, "call canceled")
		}
	}
	if t, ok := classifyTrap(err); ok {
		return t
	}
	return errors.Wrap(errors.PhaseCall, errors.KindInvalidInput, err, "guest call failed")
}
