package runtime

import (
	"github.com/wippyai/wasm-engine/value"
)

// Handles are small copyable values naming an entity inside one store. The
// zero value of each handle type is null. A handle never outlives its store's
// entity table; resolving one through the wrong store's Context is rejected.

// Func refers to a guest or host function owned by a store.
type Func struct {
	store uint64
	index uint32
}

// IsNull reports whether the handle refers to nothing.
func (f Func) IsNull() bool { return f.store == 0 }

// Ref returns the funcref value for this handle.
func (f Func) Ref() value.FuncRef {
	return value.FuncRef{StoreID: f.store, Index: f.index}
}

// FuncFromRef converts a funcref value back into a handle.
func FuncFromRef(r value.FuncRef) Func {
	return Func{store: r.StoreID, index: r.Index}
}

// Global refers to a global owned by a store.
type Global struct {
	store uint64
	index uint32
}

func (g Global) IsNull() bool { return g.store == 0 }

// Table refers to a table owned by a store.
type Table struct {
	store uint64
	index uint32
}

func (t Table) IsNull() bool { return t.store == 0 }

// Memory refers to a linear memory owned by a store.
type Memory struct {
	store uint64
	index uint32
}

func (m Memory) IsNull() bool { return m.store == 0 }

// Instance refers to an instantiated module owned by a store.
type Instance struct {
	store uint64
	index uint32
}

func (i Instance) IsNull() bool { return i.store == 0 }

// Extern is a tagged union over the four importable handle kinds. The zero
// value is an unbound slot; instantiation fills unbound slots only from the
// store's WASI binding.
type Extern struct {
	kind  value.ExternKind
	bound bool
	fn    Func
	gl    Global
	tb    Table
	mem   Memory
}

// FuncExtern wraps a function handle.
func FuncExtern(f Func) Extern {
	return Extern{kind: value.ExternFunc, bound: true, fn: f}
}

// GlobalExtern wraps a global handle.
func GlobalExtern(g Global) Extern {
	return Extern{kind: value.ExternGlobal, bound: true, gl: g}
}

// TableExtern wraps a table handle.
func TableExtern(t Table) Extern {
	return Extern{kind: value.ExternTable, bound: true, tb: t}
}

// MemoryExtern wraps a memory handle.
func MemoryExtern(m Memory) Extern {
	return Extern{kind: value.ExternMemory, bound: true, mem: m}
}

// IsBound reports whether the extern holds a handle.
func (e Extern) IsBound() bool { return e.bound }

// Kind returns the extern's kind. Only meaningful when bound.
func (e Extern) Kind() value.ExternKind { return e.kind }

// AsFunc unwraps a function handle.
func (e Extern) AsFunc() (Func, bool) {
	if !e.bound || e.kind != value.ExternFunc {
		return Func{}, false
	}
	return e.fn, true
}

// AsGlobal unwraps a global handle.
func (e Extern) AsGlobal() (Global, bool) {
	if !e.bound || e.kind != value.ExternGlobal {
		return Global{}, false
	}
	return e.gl, true
}

// AsTable unwraps a table handle.
func (e Extern) AsTable() (Table, bool) {
	if !e.bound || e.kind != value.ExternTable {
		return Table{}, false
	}
	return e.tb, true
}

// AsMemory unwraps a memory handle.
func (e Extern) AsMemory() (Memory, bool) {
	if !e.bound || e.kind != value.ExternMemory {
		return Memory{}, false
	}
	return e.mem, true
}

// Type resolves the extern's type descriptor through its store.
func (e Extern) Type(c *Context) (*value.ExternType, error) {
	if !e.bound {
		return nil, errInvalidHandle("extern")
	}
	switch e.kind {
	case value.ExternFunc:
		ft, err := e.fn.Type(c)
		if err != nil {
			return nil, err
		}
		return value.ExternTypeFunc(ft), nil
	case value.ExternGlobal:
		gt, err := e.gl.Type(c)
		if err != nil {
			return nil, err
		}
		return value.ExternTypeGlobal(gt), nil
	case value.ExternTable:
		tt, err := e.tb.Type(c)
		if err != nil {
			return nil, err
		}
		return value.ExternTypeTable(tt), nil
	case value.ExternMemory:
		mt, err := e.mem.Type(c)
		if err != nil {
			return nil, err
		}
		return value.ExternTypeMemory(mt), nil
	default:
		return nil, errInvalidHandle("extern")
	}
}
