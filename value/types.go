package value

import (
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// wazero's public api package does not export the funcref and v128 value
// type bytes; the binary-format encodings are stable.
const (
	apiFuncref = api.ValueType(0x70)
	apiV128    = api.ValueType(0x7b)
)

// ValType describes a single wasm value type.
type ValType struct {
	kind Kind
}

// NewValType returns a type descriptor for kind.
func NewValType(kind Kind) *ValType {
	return &ValType{kind: kind}
}

func (t *ValType) Kind() Kind {
	return t.kind
}

func (t *ValType) String() string {
	return t.kind.String()
}

// KindFromAPI converts an execution-engine value type to a Kind.
func KindFromAPI(vt api.ValueType) (Kind, bool) {
	switch vt {
	case api.ValueTypeI32:
		return KindI32, true
	case api.ValueTypeI64:
		return KindI64, true
	case api.ValueTypeF32:
		return KindF32, true
	case api.ValueTypeF64:
		return KindF64, true
	case apiV128:
		return KindV128, true
	case apiFuncref:
		return KindFuncRef, true
	case api.ValueTypeExternref:
		return KindExternRef, true
	default:
		return 0, false
	}
}

// KindToAPI converts a Kind to the execution-engine value type.
func KindToAPI(k Kind) (api.ValueType, bool) {
	switch k {
	case KindI32:
		return api.ValueTypeI32, true
	case KindI64:
		return api.ValueTypeI64, true
	case KindF32:
		return api.ValueTypeF32, true
	case KindF64:
		return api.ValueTypeF64, true
	case KindV128:
		return apiV128, true
	case KindFuncRef:
		return apiFuncref, true
	case KindExternRef:
		return api.ValueTypeExternref, true
	default:
		return 0, false
	}
}

// FuncType describes a function signature.
type FuncType struct {
	params  []*ValType
	results []*ValType
}

// NewFuncType builds a signature from parameter and result types.
func NewFuncType(params, results []*ValType) *FuncType {
	return &FuncType{
		params:  append([]*ValType(nil), params...),
		results: append([]*ValType(nil), results...),
	}
}

// FuncTypeOf builds a signature from kinds directly.
func FuncTypeOf(params, results []Kind) *FuncType {
	ft := &FuncType{
		params:  make([]*ValType, len(params)),
		results: make([]*ValType, len(results)),
	}
	for i, k := range params {
		ft.params[i] = NewValType(k)
	}
	for i, k := range results {
		ft.results[i] = NewValType(k)
	}
	return ft
}

// FuncTypeFromAPI builds a signature from the execution engine's definition.
func FuncTypeFromAPI(params, results []api.ValueType) (*FuncType, bool) {
	pk := make([]Kind, len(params))
	rk := make([]Kind, len(results))
	for i, vt := range params {
		k, ok := KindFromAPI(vt)
		if !ok {
			return nil, false
		}
		pk[i] = k
	}
	for i, vt := range results {
		k, ok := KindFromAPI(vt)
		if !ok {
			return nil, false
		}
		rk[i] = k
	}
	return FuncTypeOf(pk, rk), true
}

// Params returns the parameter types in declared order.
func (t *FuncType) Params() []*ValType {
	return t.params
}

// Results returns the result types in declared order.
func (t *FuncType) Results() []*ValType {
	return t.results
}

// Equal reports whether two signatures match exactly.
func (t *FuncType) Equal(o *FuncType) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.params) != len(o.params) || len(t.results) != len(o.results) {
		return false
	}
	for i := range t.params {
		if t.params[i].kind != o.params[i].kind {
			return false
		}
	}
	for i := range t.results {
		if t.results[i].kind != o.results[i].kind {
			return false
		}
	}
	return true
}

func (t *FuncType) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range t.params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") -> (")
	for i, r := range t.results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	b.WriteByte(')')
	return b.String()
}

// GlobalType describes a global's content type and mutability.
type GlobalType struct {
	content *ValType
	mutable bool
}

func NewGlobalType(content *ValType, mutable bool) *GlobalType {
	return &GlobalType{content: content, mutable: mutable}
}

func (t *GlobalType) Content() *ValType {
	return t.content
}

func (t *GlobalType) Mutable() bool {
	return t.mutable
}

// TableType describes a table's element type and limits.
type TableType struct {
	element *ValType
	min     uint32
	max     uint32
	hasMax  bool
}

func NewTableType(element *ValType, min uint32, max uint32, hasMax bool) *TableType {
	return &TableType{element: element, min: min, max: max, hasMax: hasMax}
}

func (t *TableType) Element() *ValType {
	return t.element
}

func (t *TableType) Minimum() uint32 {
	return t.min
}

// Maximum returns the declared maximum element count, if any.
func (t *TableType) Maximum() (uint32, bool) {
	return t.max, t.hasMax
}

// MemoryType describes a linear memory's limits in 64KiB pages.
type MemoryType struct {
	min    uint64
	max    uint64
	hasMax bool
	shared bool
	is64   bool
}

func NewMemoryType(min uint64, max uint64, hasMax, shared, is64 bool) *MemoryType {
	return &MemoryType{min: min, max: max, hasMax: hasMax, shared: shared, is64: is64}
}

func (t *MemoryType) Minimum() uint64 {
	return t.min
}

func (t *MemoryType) Maximum() (uint64, bool) {
	return t.max, t.hasMax
}

func (t *MemoryType) Shared() bool {
	return t.shared
}

func (t *MemoryType) Is64() bool {
	return t.is64
}

// ExternKind identifies which kind of external item a descriptor refers to.
type ExternKind uint8

const (
	ExternFunc ExternKind = iota
	ExternGlobal
	ExternTable
	ExternMemory
)

func (k ExternKind) String() string {
	switch k {
	case ExternFunc:
		return "func"
	case ExternGlobal:
		return "global"
	case ExternTable:
		return "table"
	case ExternMemory:
		return "memory"
	default:
		return "extern"
	}
}

// ExternType is a tagged union over the four extern type descriptors.
type ExternType struct {
	kind   ExternKind
	fn     *FuncType
	global *GlobalType
	table  *TableType
	memory *MemoryType
}

func ExternTypeFunc(ft *FuncType) *ExternType {
	return &ExternType{kind: ExternFunc, fn: ft}
}

func ExternTypeGlobal(gt *GlobalType) *ExternType {
	return &ExternType{kind: ExternGlobal, global: gt}
}

func ExternTypeTable(tt *TableType) *ExternType {
	return &ExternType{kind: ExternTable, table: tt}
}

func ExternTypeMemory(mt *MemoryType) *ExternType {
	return &ExternType{kind: ExternMemory, memory: mt}
}

func (t *ExternType) Kind() ExternKind {
	return t.kind
}

// Func returns the function signature, or nil for non-function externs.
func (t *ExternType) Func() *FuncType {
	return t.fn
}

func (t *ExternType) Global() *GlobalType {
	return t.global
}

func (t *ExternType) Table() *TableType {
	return t.table
}

func (t *ExternType) Memory() *MemoryType {
	return t.memory
}
