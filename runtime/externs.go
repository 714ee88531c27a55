package runtime

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/value"
)

// Type returns the function's signature. The result is caller-owned.
func (f Func) Type(c *Context) (*value.FuncType, error) {
	e, err := c.funcEntry(f)
	if err != nil {
		return nil, err
	}
	return value.NewFuncType(e.typ.Params(), e.typ.Results()), nil
}

// Type returns the global's type descriptor.
func (g Global) Type(c *Context) (*value.GlobalType, error) {
	e, err := c.globalEntry(g)
	if err != nil {
		return nil, err
	}
	return e.typ, nil
}

// Get reads the global's current value. For an externref global the returned
// Val carries a fresh reference owned by the caller.
func (g Global) Get(c *Context) (value.Val, error) {
	e, err := c.globalEntry(g)
	if err != nil {
		return value.Val{}, err
	}
	return c.decodeStackVal(e.g.Get(), e.typ.Content().Kind())
}

// Set writes the global. Immutable globals and kind mismatches are contract
// errors.
func (g Global) Set(c *Context, v value.Val) error {
	e, err := c.globalEntry(g)
	if err != nil {
		return err
	}
	if !e.typ.Mutable() {
		return errors.InvalidInput(errors.PhaseCall, "global is immutable")
	}
	mg, ok := e.g.(api.MutableGlobal)
	if !ok {
		return errors.InvalidInput(errors.PhaseCall, "global is immutable")
	}
	var pins []uint64
	bits, err := c.encodeStackVal(v, e.typ.Content().Kind(), &pins)
	if err != nil {
		c.s.unpinCall(pins)
		return err
	}
	mg.Set(bits)
	// A ref written into a global stays rooted until GC.
	c.s.unpinCall(pins)
	return nil
}

// Type returns the table's type descriptor.
func (t Table) Type(c *Context) (*value.TableType, error) {
	e, err := c.tableEntry(t)
	if err != nil {
		return nil, err
	}
	return e.typ, nil
}

// Type returns the memory's type descriptor.
func (m Memory) Type(c *Context) (*value.MemoryType, error) {
	e, err := c.memoryEntry(m)
	if err != nil {
		return nil, err
	}
	return e.typ, nil
}

// Size returns the memory's current size in bytes.
func (m Memory) Size(c *Context) (uint64, error) {
	e, err := c.memoryEntry(m)
	if err != nil {
		return 0, err
	}
	return uint64(e.mem.Size()), nil
}

// Grow extends the memory by deltaPages 64KiB pages, returning the previous
// page count. Growth past the declared maximum or the engine page limit
// reports ok=false without an error.
func (m Memory) Grow(c *Context, deltaPages uint32) (uint32, bool, error) {
	e, err := c.memoryEntry(m)
	if err != nil {
		return 0, false, err
	}
	prev, ok := e.mem.Grow(deltaPages)
	return prev, ok, nil
}

// Read copies len(buf) bytes from the memory at offset.
func (m Memory) Read(c *Context, offset uint32, buf []byte) error {
	e, err := c.memoryEntry(m)
	if err != nil {
		return err
	}
	view, ok := e.mem.Read(offset, uint32(len(buf)))
	if !ok {
		return errors.InvalidInput(errors.PhaseCall, "memory read out of range")
	}
	copy(buf, view)
	return nil
}

// Write copies data into the memory at offset.
func (m Memory) Write(c *Context, offset uint32, data []byte) error {
	e, err := c.memoryEntry(m)
	if err != nil {
		return err
	}
	if !e.mem.Write(offset, data) {
		return errors.InvalidInput(errors.PhaseCall, "memory write out of range")
	}
	return nil
}
