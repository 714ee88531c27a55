package wasmbin

// Opcodes used by test fixtures.
const (
	OpUnreachable = 0x00
	OpNop         = 0x01
	OpBlock       = 0x02
	OpLoop        = 0x03
	OpIf          = 0x04
	OpElse        = 0x05
	OpEnd         = 0x0b
	OpBr          = 0x0c
	OpBrIf        = 0x0d
	OpReturn      = 0x0f
	OpCall        = 0x10
	OpDrop        = 0x1a
	OpLocalGet    = 0x20
	OpLocalSet    = 0x21
	OpGlobalGet   = 0x23
	OpGlobalSet   = 0x24
	OpI32Const    = 0x41
	OpI64Const    = 0x42
	OpRefNull     = 0xd0
	OpI32Add      = 0x6a
	OpI32Sub      = 0x6b
	OpI32Mul      = 0x6c
	OpI32DivS     = 0x6d
	OpI32Eqz      = 0x45

	// Block type byte for blocks producing no value.
	BlockVoid = 0x40
)

type builderImport struct {
	imp Import
}

type builderFunc struct {
	typeIdx uint32
	locals  []byte
	body    []byte
}

type builderGlobal struct {
	valType byte
	mutable bool
	init    []byte
}

// Builder assembles small wasm modules for tests. Imports must be declared
// before local entities of the same kind so index spaces line up.
type Builder struct {
	types    []FuncSig
	imports  []builderImport
	funcs    []builderFunc
	tables   []TableDecl
	memories []Limits
	globals  []builderGlobal
	exports  []Export
	start    int
}

func NewBuilder() *Builder {
	return &Builder{start: -1}
}

// Type registers a function signature and returns its index. Duplicate
// signatures are deduplicated.
func (b *Builder) Type(params, results []byte) uint32 {
	for i, t := range b.types {
		if sigEqual(t.Params, params) && sigEqual(t.Results, results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, FuncSig{Params: params, Results: results})
	return uint32(len(b.types) - 1)
}

func sigEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ImportFunc declares a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, typeIdx uint32) uint32 {
	idx := uint32(b.numImports(KindFunc))
	b.imports = append(b.imports, builderImport{imp: Import{
		Module: module, Name: name, Kind: KindFunc, TypeIndex: typeIdx,
	}})
	return idx
}

// ImportMemory declares a memory import.
func (b *Builder) ImportMemory(module, name string, min uint32) {
	b.imports = append(b.imports, builderImport{imp: Import{
		Module: module, Name: name, Kind: KindMemory, Limits: Limits{Min: min},
	}})
}

// ImportGlobal declares a global import and returns its global index.
func (b *Builder) ImportGlobal(module, name string, valType byte, mutable bool) uint32 {
	idx := uint32(b.numImports(KindGlobal))
	b.imports = append(b.imports, builderImport{imp: Import{
		Module: module, Name: name, Kind: KindGlobal, ValType: valType, Mutable: mutable,
	}})
	return idx
}

// ImportTable declares a table import.
func (b *Builder) ImportTable(module, name string, elemType byte, min uint32) {
	b.imports = append(b.imports, builderImport{imp: Import{
		Module: module, Name: name, Kind: KindTable, ElemType: elemType, Limits: Limits{Min: min},
	}})
}

func (b *Builder) numImports(kind byte) int {
	n := 0
	for _, e := range b.imports {
		if e.imp.Kind == kind {
			n++
		}
	}
	return n
}

// Func adds a local function with the given body and returns its function
// index. The end opcode is appended automatically.
func (b *Builder) Func(typeIdx uint32, body ...byte) uint32 {
	return b.FuncWithLocals(typeIdx, nil, body...)
}

// FuncWithLocals is Func with extra declared locals, one value type byte per
// local.
func (b *Builder) FuncWithLocals(typeIdx uint32, locals []byte, body ...byte) uint32 {
	idx := uint32(b.numImports(KindFunc) + len(b.funcs))
	b.funcs = append(b.funcs, builderFunc{typeIdx: typeIdx, locals: locals, body: body})
	return idx
}

// Memory adds a local memory with min pages and no maximum.
func (b *Builder) Memory(min uint32) {
	b.memories = append(b.memories, Limits{Min: min})
}

// MemoryMax adds a local memory with explicit bounds.
func (b *Builder) MemoryMax(min, max uint32) {
	b.memories = append(b.memories, Limits{Min: min, Max: max, HasMax: true})
}

// Table adds a local funcref table.
func (b *Builder) Table(min uint32) {
	b.tables = append(b.tables, TableDecl{ElemType: TypeFuncref, Limits: Limits{Min: min}})
}

// GlobalI32 adds an i32 global and returns its global index.
func (b *Builder) GlobalI32(v int32, mutable bool) uint32 {
	idx := uint32(b.numImports(KindGlobal) + len(b.globals))
	init := append(AppendS32([]byte{OpI32Const}, v), OpEnd)
	b.globals = append(b.globals, builderGlobal{valType: TypeI32, mutable: mutable, init: init})
	return idx
}

// GlobalI64 adds an i64 global and returns its global index.
func (b *Builder) GlobalI64(v int64, mutable bool) uint32 {
	idx := uint32(b.numImports(KindGlobal) + len(b.globals))
	init := append(AppendS64([]byte{OpI64Const}, v), OpEnd)
	b.globals = append(b.globals, builderGlobal{valType: TypeI64, mutable: mutable, init: init})
	return idx
}

// GlobalRef adds a reference-typed global initialized to null and returns
// its global index. valType is TypeExternref or TypeFuncref.
func (b *Builder) GlobalRef(valType byte, mutable bool) uint32 {
	idx := uint32(b.numImports(KindGlobal) + len(b.globals))
	b.globals = append(b.globals, builderGlobal{
		valType: valType, mutable: mutable, init: []byte{OpRefNull, valType, OpEnd},
	})
	return idx
}

// Export adds an export entry.
func (b *Builder) Export(name string, kind byte, index uint32) {
	b.exports = append(b.exports, Export{Name: name, Kind: kind, Index: index})
}

// Start marks the function at index as the start function.
func (b *Builder) Start(funcIdx uint32) {
	b.start = int(funcIdx)
}

// Bytes assembles the module.
func (b *Builder) Bytes() []byte {
	out := append([]byte(nil), header...)

	if len(b.types) > 0 {
		body := AppendU32(nil, uint32(len(b.types)))
		for _, t := range b.types {
			body = append(body, 0x60)
			body = AppendU32(body, uint32(len(t.Params)))
			body = append(body, t.Params...)
			body = AppendU32(body, uint32(len(t.Results)))
			body = append(body, t.Results...)
		}
		out = section(out, secType, body)
	}

	if len(b.imports) > 0 {
		body := AppendU32(nil, uint32(len(b.imports)))
		for _, e := range b.imports {
			body = appendName(body, e.imp.Module)
			body = appendName(body, e.imp.Name)
			switch e.imp.Kind {
			case KindFunc:
				body = append(body, KindFunc)
				body = AppendU32(body, e.imp.TypeIndex)
			case KindTable:
				body = append(body, KindTable, e.imp.ElemType)
				body = appendLimits(body, e.imp.Limits)
			case KindMemory:
				body = append(body, KindMemory)
				body = appendLimits(body, e.imp.Limits)
			case KindGlobal:
				body = append(body, KindGlobal, e.imp.ValType, mutByte(e.imp.Mutable))
			}
		}
		out = section(out, secImport, body)
	}

	if len(b.funcs) > 0 {
		body := AppendU32(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			body = AppendU32(body, f.typeIdx)
		}
		out = section(out, secFunction, body)
	}

	if len(b.tables) > 0 {
		body := AppendU32(nil, uint32(len(b.tables)))
		for _, t := range b.tables {
			body = append(body, t.ElemType)
			body = appendLimits(body, t.Limits)
		}
		out = section(out, secTable, body)
	}

	if len(b.memories) > 0 {
		body := AppendU32(nil, uint32(len(b.memories)))
		for _, m := range b.memories {
			body = appendLimits(body, m)
		}
		out = section(out, secMemory, body)
	}

	if len(b.globals) > 0 {
		body := AppendU32(nil, uint32(len(b.globals)))
		for _, g := range b.globals {
			body = append(body, g.valType, mutByte(g.mutable))
			body = append(body, g.init...)
		}
		out = section(out, secGlobal, body)
	}

	if len(b.exports) > 0 {
		body := AppendU32(nil, uint32(len(b.exports)))
		for _, e := range b.exports {
			body = appendName(body, e.Name)
			body = append(body, e.Kind)
			body = AppendU32(body, e.Index)
		}
		out = section(out, secExport, body)
	}

	if b.start >= 0 {
		out = section(out, secStart, AppendU32(nil, uint32(b.start)))
	}

	if len(b.funcs) > 0 {
		body := AppendU32(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			entry := AppendU32(nil, uint32(len(f.locals)))
			for _, l := range f.locals {
				entry = AppendU32(entry, 1)
				entry = append(entry, l)
			}
			entry = append(entry, f.body...)
			entry = append(entry, OpEnd)
			body = AppendU32(body, uint32(len(entry)))
			body = append(body, entry...)
		}
		out = section(out, 10, body)
	}

	return out
}

func section(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = AppendU32(out, uint32(len(body)))
	return append(out, body...)
}

func appendName(out []byte, s string) []byte {
	out = AppendU32(out, uint32(len(s)))
	return append(out, s...)
}

func appendLimits(out []byte, l Limits) []byte {
	var flags byte
	if l.HasMax {
		flags |= 0x01
	}
	if l.Shared {
		flags |= 0x02
	}
	out = append(out, flags)
	out = AppendU32(out, l.Min)
	if l.HasMax {
		out = AppendU32(out, l.Max)
	}
	return out
}

func mutByte(mutable bool) byte {
	if mutable {
		return 0x01
	}
	return 0x00
}
