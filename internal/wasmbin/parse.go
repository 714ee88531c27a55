package wasmbin

import (
	"github.com/wippyai/wasm-engine/errors"
)

// Wasm value type bytes.
const (
	TypeI32       = 0x7f
	TypeI64       = 0x7e
	TypeF32       = 0x7d
	TypeF64       = 0x7c
	TypeV128      = 0x7b
	TypeFuncref   = 0x70
	TypeExternref = 0x6f
)

// Extern kind bytes as they appear in import and export descriptors.
const (
	KindFunc   = 0x00
	KindTable  = 0x01
	KindMemory = 0x02
	KindGlobal = 0x03
)

// Section IDs.
const (
	secCustom   = 0
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secStart    = 8
)

// FuncSig is a function signature with raw wasm value type bytes.
type FuncSig struct {
	Params  []byte
	Results []byte
}

// Limits describes table and memory size bounds in their native units.
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
	Shared bool
}

// Import is one entry of the import section with its resolved descriptor.
type Import struct {
	Module string
	Name   string
	Kind   byte

	TypeIndex uint32 // KindFunc: index into Info.Types
	ValType   byte   // KindGlobal
	Mutable   bool   // KindGlobal
	ElemType  byte   // KindTable
	Limits    Limits // KindTable, KindMemory
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// GlobalDecl is a locally defined global.
type GlobalDecl struct {
	ValType byte
	Mutable bool
}

// TableDecl is a locally defined table.
type TableDecl struct {
	ElemType byte
	Limits   Limits
}

// Info holds the declarations the runtime needs for linking and limit
// accounting. Code and data sections are not decoded.
type Info struct {
	Types    []FuncSig
	Imports  []Import
	Funcs    []uint32 // type indices of locally defined functions
	Tables   []TableDecl
	Memories []Limits
	Globals  []GlobalDecl
	Exports  []Export
	HasStart bool
}

// NumImported counts imports of the given kind.
func (m *Info) NumImported(kind byte) int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Kind == kind {
			n++
		}
	}
	return n
}

// FuncSigAt resolves the signature of the function at the module-wide index
// space (imports first, then local functions).
func (m *Info) FuncSigAt(idx uint32) (FuncSig, bool) {
	for _, imp := range m.Imports {
		if imp.Kind != KindFunc {
			continue
		}
		if idx == 0 {
			if int(imp.TypeIndex) >= len(m.Types) {
				return FuncSig{}, false
			}
			return m.Types[imp.TypeIndex], true
		}
		idx--
	}
	if int(idx) >= len(m.Funcs) {
		return FuncSig{}, false
	}
	ti := m.Funcs[idx]
	if int(ti) >= len(m.Types) {
		return FuncSig{}, false
	}
	return m.Types[ti], true
}

// GlobalAt resolves the global at the module-wide index space.
func (m *Info) GlobalAt(idx uint32) (GlobalDecl, bool) {
	for _, imp := range m.Imports {
		if imp.Kind != KindGlobal {
			continue
		}
		if idx == 0 {
			return GlobalDecl{ValType: imp.ValType, Mutable: imp.Mutable}, true
		}
		idx--
	}
	if int(idx) >= len(m.Globals) {
		return GlobalDecl{}, false
	}
	return m.Globals[idx], true
}

// TableAt resolves the table at the module-wide index space.
func (m *Info) TableAt(idx uint32) (TableDecl, bool) {
	for _, imp := range m.Imports {
		if imp.Kind != KindTable {
			continue
		}
		if idx == 0 {
			return TableDecl{ElemType: imp.ElemType, Limits: imp.Limits}, true
		}
		idx--
	}
	if int(idx) >= len(m.Tables) {
		return TableDecl{}, false
	}
	return m.Tables[idx], true
}

// MemoryAt resolves the memory at the module-wide index space.
func (m *Info) MemoryAt(idx uint32) (Limits, bool) {
	for _, imp := range m.Imports {
		if imp.Kind != KindMemory {
			continue
		}
		if idx == 0 {
			return imp.Limits, true
		}
		idx--
	}
	if int(idx) >= len(m.Memories) {
		return Limits{}, false
	}
	return m.Memories[idx], true
}

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func malformed(detail string) error {
	return errors.InvalidInput(errors.PhaseCompile, detail)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) len() int { return len(r.buf) - r.pos }

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, malformed("unexpected end of module")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	v, n, err := DecodeU32(r.buf[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += n
	return v, nil
}

func (r *reader) bytes(n uint32) ([]byte, error) {
	if uint64(n) > uint64(r.len()) {
		return nil, malformed("unexpected end of module")
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) limits() (Limits, error) {
	flags, err := r.byte()
	if err != nil {
		return Limits{}, err
	}
	if flags > 0x03 {
		return Limits{}, malformed("unsupported limits flags")
	}
	var l Limits
	l.Shared = flags&0x02 != 0
	l.HasMax = flags&0x01 != 0
	if l.Min, err = r.u32(); err != nil {
		return Limits{}, err
	}
	if l.HasMax {
		if l.Max, err = r.u32(); err != nil {
			return Limits{}, err
		}
	}
	return l, nil
}

func (r *reader) valTypes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	b, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// skipConstExpr consumes a constant expression including its end opcode.
// Constant expressions are flat, so this walks opcode by opcode rather than
// scanning for the end byte, which can appear inside LEB128 immediates.
func (r *reader) skipConstExpr() error {
	for {
		op, err := r.byte()
		if err != nil {
			return err
		}
		switch op {
		case 0x0b: // end
			return nil
		case 0x41: // i32.const
			if _, _, err := r.sleb(); err != nil {
				return err
			}
		case 0x42: // i64.const
			if _, _, err := r.sleb(); err != nil {
				return err
			}
		case 0x43: // f32.const
			if _, err := r.bytes(4); err != nil {
				return err
			}
		case 0x44: // f64.const
			if _, err := r.bytes(8); err != nil {
				return err
			}
		case 0x23, 0xd2: // global.get, ref.func
			if _, err := r.u32(); err != nil {
				return err
			}
		case 0xd0: // ref.null
			if _, err := r.byte(); err != nil {
				return err
			}
		case 0xfd: // v128.const
			if sub, err := r.u32(); err != nil {
				return err
			} else if sub != 0x0c {
				return malformed("unsupported vector opcode in constant expression")
			}
			if _, err := r.bytes(16); err != nil {
				return err
			}
		default:
			return malformed("unsupported opcode in constant expression")
		}
	}
}

func (r *reader) sleb() (int64, int, error) {
	v, n, err := DecodeS64(r.buf[r.pos:])
	if err != nil {
		return 0, 0, err
	}
	r.pos += n
	return v, n, nil
}

// Parse extracts module declarations from wasm binary bytes.
func Parse(wasm []byte) (*Info, error) {
	if len(wasm) < len(header) {
		return nil, malformed("module too short")
	}
	for i, b := range header {
		if wasm[i] != b {
			return nil, malformed("bad magic or version")
		}
	}

	info := &Info{}
	r := &reader{buf: wasm, pos: len(header)}

	for r.len() > 0 {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(size)
		if err != nil {
			return nil, err
		}
		sec := &reader{buf: body}

		switch id {
		case secType:
			if err := parseTypes(sec, info); err != nil {
				return nil, err
			}
		case secImport:
			if err := parseImports(sec, info); err != nil {
				return nil, err
			}
		case secFunction:
			if err := parseFunctions(sec, info); err != nil {
				return nil, err
			}
		case secTable:
			if err := parseTables(sec, info); err != nil {
				return nil, err
			}
		case secMemory:
			if err := parseMemories(sec, info); err != nil {
				return nil, err
			}
		case secGlobal:
			if err := parseGlobals(sec, info); err != nil {
				return nil, err
			}
		case secExport:
			if err := parseExports(sec, info); err != nil {
				return nil, err
			}
		case secStart:
			info.HasStart = true
		default:
			// Code, data, element and custom sections are opaque here.
		}
	}
	return info, nil
}

func parseTypes(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	info.Types = make([]FuncSig, 0, n)
	for i := uint32(0); i < n; i++ {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return malformed("unsupported type form")
		}
		var sig FuncSig
		if sig.Params, err = r.valTypes(); err != nil {
			return err
		}
		if sig.Results, err = r.valTypes(); err != nil {
			return err
		}
		info.Types = append(info.Types, sig)
	}
	return nil
}

func parseImports(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	info.Imports = make([]Import, 0, n)
	for i := uint32(0); i < n; i++ {
		var imp Import
		if imp.Module, err = r.name(); err != nil {
			return err
		}
		if imp.Name, err = r.name(); err != nil {
			return err
		}
		if imp.Kind, err = r.byte(); err != nil {
			return err
		}
		switch imp.Kind {
		case KindFunc:
			if imp.TypeIndex, err = r.u32(); err != nil {
				return err
			}
		case KindTable:
			if imp.ElemType, err = r.byte(); err != nil {
				return err
			}
			if imp.Limits, err = r.limits(); err != nil {
				return err
			}
		case KindMemory:
			if imp.Limits, err = r.limits(); err != nil {
				return err
			}
		case KindGlobal:
			if imp.ValType, err = r.byte(); err != nil {
				return err
			}
			mut, err := r.byte()
			if err != nil {
				return err
			}
			imp.Mutable = mut == 0x01
		default:
			return malformed("unknown import kind")
		}
		info.Imports = append(info.Imports, imp)
	}
	return nil
}

func parseFunctions(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	info.Funcs = make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		ti, err := r.u32()
		if err != nil {
			return err
		}
		info.Funcs = append(info.Funcs, ti)
	}
	return nil
}

func parseTables(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	info.Tables = make([]TableDecl, 0, n)
	for i := uint32(0); i < n; i++ {
		var t TableDecl
		if t.ElemType, err = r.byte(); err != nil {
			return err
		}
		if t.Limits, err = r.limits(); err != nil {
			return err
		}
		info.Tables = append(info.Tables, t)
	}
	return nil
}

func parseMemories(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	info.Memories = make([]Limits, 0, n)
	for i := uint32(0); i < n; i++ {
		l, err := r.limits()
		if err != nil {
			return err
		}
		info.Memories = append(info.Memories, l)
	}
	return nil
}

func parseGlobals(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	info.Globals = make([]GlobalDecl, 0, n)
	for i := uint32(0); i < n; i++ {
		var g GlobalDecl
		if g.ValType, err = r.byte(); err != nil {
			return err
		}
		mut, err := r.byte()
		if err != nil {
			return err
		}
		g.Mutable = mut == 0x01
		if err := r.skipConstExpr(); err != nil {
			return err
		}
		info.Globals = append(info.Globals, g)
	}
	return nil
}

func parseExports(r *reader, info *Info) error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	info.Exports = make([]Export, 0, n)
	for i := uint32(0); i < n; i++ {
		var e Export
		if e.Name, err = r.name(); err != nil {
			return err
		}
		if e.Kind, err = r.byte(); err != nil {
			return err
		}
		if e.Kind > KindGlobal {
			return malformed("unknown export kind")
		}
		if e.Index, err = r.u32(); err != nil {
			return err
		}
		info.Exports = append(info.Exports, e)
	}
	return nil
}
