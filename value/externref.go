package value

import (
	"sync/atomic"
)

// ExternRef is a host-allocated, reference-counted cell holding opaque
// embedder data. Cells can be embedded in Vals, passed into guest code, and
// stored by the guest in globals and tables.
//
// The count is atomic because the store's collector may drop counts
// asynchronously relative to host code. The finalizer, if any, runs exactly
// once, when the count reaches zero, on whichever goroutine performed the
// final release. Finalizers must not fail; an error inside a finalizer is a
// fatal embedding bug with no recovery path.
type ExternRef struct {
	data      any
	finalizer func(any)
	count     atomic.Int64
}

// NewExternRef allocates a cell with reference count 1. finalizer may be nil.
func NewExternRef(data any, finalizer func(any)) *ExternRef {
	r := &ExternRef{data: data, finalizer: finalizer}
	r.count.Store(1)
	return r
}

// Data returns the embedder data. Valid while at least one reference is held.
func (r *ExternRef) Data() any {
	return r.data
}

// Clone increments the count and returns a second independent owned handle
// to the same cell.
func (r *ExternRef) Clone() *ExternRef {
	r.count.Add(1)
	return r
}

// Release decrements the count, running the finalizer when it reaches zero.
// The caller's reference is gone after Release returns; over-releasing a
// dead cell is an embedder bug and is ignored.
func (r *ExternRef) Release() {
	if n := r.count.Add(-1); n == 0 {
		if r.finalizer != nil {
			r.finalizer(r.data)
		}
	} else if n < 0 {
		r.count.Add(1)
	}
}

// Alive reports whether the cell still holds references. Exposed for tests
// and the store collector.
func (r *ExternRef) Alive() bool {
	return r.count.Load() > 0
}
