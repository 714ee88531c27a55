package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/internal/wasmbin"
	"github.com/wippyai/wasm-engine/value"
)

// ImportType describes one required import in declared order.
type ImportType struct {
	Module string
	Name   string
	Type   *value.ExternType
}

// ExportType describes one export in declared order.
type ExportType struct {
	Name string
	Type *value.ExternType
}

// Module is a validated, compiled wasm module. Modules are engine-scoped and
// store-independent: one module instantiates into any number of stores.
// Modules are reference counted; Retain/Close pair across shares, and the
// compiled artifact is released when the last reference closes.
type Module struct {
	eng      *engine.Engine
	wasm     []byte
	compiled wazero.CompiledModule
	info     *wasmbin.Info
	imports  []ImportType
	exports  []ExportType
	refs     atomic.Int64
}

// NewModule validates and compiles wasm bytes on the engine. The bytes are
// copied; the caller keeps ownership of its buffer.
func NewModule(ctx context.Context, e *engine.Engine, wasm []byte) (*Module, error) {
	own := append([]byte(nil), wasm...)

	compiled, err := e.Compile(ctx, own)
	if err != nil {
		return nil, err
	}

	info, err := wasmbin.Parse(own)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}

	m := &Module{eng: e, wasm: own, compiled: compiled, info: info}
	if err := m.buildDescriptors(); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	m.refs.Store(1)
	return m, nil
}

func (m *Module) buildDescriptors() error {
	m.imports = make([]ImportType, 0, len(m.info.Imports))
	for _, imp := range m.info.Imports {
		t, err := importTypeOf(m.info, imp)
		if err != nil {
			return err
		}
		m.imports = append(m.imports, ImportType{Module: imp.Module, Name: imp.Name, Type: t})
	}

	m.exports = make([]ExportType, 0, len(m.info.Exports))
	for _, exp := range m.info.Exports {
		t, err := exportTypeOf(m.info, exp)
		if err != nil {
			return err
		}
		m.exports = append(m.exports, ExportType{Name: exp.Name, Type: t})
	}
	return nil
}

// Retain adds a reference for sharing the module across owners.
func (m *Module) Retain() {
	m.refs.Add(1)
}

// Close releases the caller's reference, freeing the compiled artifact when
// it is the last one.
func (m *Module) Close(ctx context.Context) error {
	n := m.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		m.refs.Add(1)
		return errors.Closed(errors.PhaseCompile, "module")
	}
	return m.compiled.Close(ctx)
}

// Imports returns the module's required imports in declared order. The slice
// is shared; treat it as read-only.
func (m *Module) Imports() []ImportType {
	return m.imports
}

// Exports returns the module's exports in declared order. The slice is
// shared; treat it as read-only.
func (m *Module) Exports() []ExportType {
	return m.exports
}

// ExportType looks up an export descriptor by name.
func (m *Module) ExportType(name string) (*value.ExternType, bool) {
	for _, e := range m.exports {
		if e.Name == name {
			return e.Type, true
		}
	}
	return nil, false
}

// ImageRange returns the [start, end) host addresses of the module's wasm
// bytes. Informational; the range is owned by the module.
func (m *Module) ImageRange() (uintptr, uintptr) {
	if len(m.wasm) == 0 {
		return 0, 0
	}
	start := uintptr(unsafe.Pointer(&m.wasm[0]))
	return start, start + uintptr(len(m.wasm))
}

// Serialization envelope: magic, format version, engine feature mask, then
// the module bytes. Deserialization recompiles through the engine's
// compiled-code cache, so a warm cache makes it cheap.
var serialMagic = []byte("WENG1")

const serialVersion = 1

// Serialize encodes the module for later DeserializeModule on an engine with
// the same feature configuration.
func (m *Module) Serialize() ([]byte, error) {
	out := make([]byte, 0, len(serialMagic)+1+8+len(m.wasm))
	out = append(out, serialMagic...)
	out = append(out, serialVersion)
	out = binary.LittleEndian.AppendUint64(out, featureBits(m.eng.Config()))
	return append(out, m.wasm...), nil
}

// DeserializeModule rebuilds a module from a Serialize envelope. The input
// must come from a trusted source; the envelope is validated but the module
// bytes are trusted to be the ones originally serialized.
func DeserializeModule(ctx context.Context, e *engine.Engine, blob []byte) (*Module, error) {
	if len(blob) < len(serialMagic)+1+8 || !bytes.Equal(blob[:len(serialMagic)], serialMagic) {
		return nil, errors.InvalidInput(errors.PhaseSerialize, "not a serialized module")
	}
	rest := blob[len(serialMagic):]
	if rest[0] != serialVersion {
		return nil, errors.InvalidInput(errors.PhaseSerialize, "unsupported serialization version")
	}
	mask := binary.LittleEndian.Uint64(rest[1:9])
	if mask != featureBits(e.Config()) {
		return nil, errors.InvalidInput(errors.PhaseSerialize, "engine feature configuration does not match the serialized module")
	}
	return NewModule(ctx, e, rest[9:])
}

// DeserializeModuleFromFile reads a Serialize envelope from path.
func DeserializeModuleFromFile(ctx context.Context, e *engine.Engine, path string) (*Module, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSerialize, errors.KindInvalidInput, err, "read module file")
	}
	return DeserializeModule(ctx, e, blob)
}

func featureBits(cfg engine.Config) uint64 {
	var m uint64
	for i, on := range []bool{
		cfg.ReferenceTypes, cfg.SIMD, cfg.BulkMemory, cfg.MultiValue,
		cfg.MultiMemory, cfg.Threads, cfg.Memory64, cfg.RelaxedSIMD,
	} {
		if on {
			m |= 1 << uint(i)
		}
	}
	return m
}

// Descriptor type mapping.

func kindFromByte(b byte) (value.Kind, error) {
	k, ok := value.KindFromAPI(api.ValueType(b))
	if !ok {
		return 0, errors.InvalidInput(errors.PhaseCompile, "unknown value type in descriptor")
	}
	return k, nil
}

func sigToFuncType(sig wasmbin.FuncSig) (*value.FuncType, error) {
	params := make([]value.Kind, len(sig.Params))
	results := make([]value.Kind, len(sig.Results))
	for i, b := range sig.Params {
		k, err := kindFromByte(b)
		if err != nil {
			return nil, err
		}
		params[i] = k
	}
	for i, b := range sig.Results {
		k, err := kindFromByte(b)
		if err != nil {
			return nil, err
		}
		results[i] = k
	}
	return value.FuncTypeOf(params, results), nil
}

func globalTypeOf(d wasmbin.GlobalDecl) (*value.GlobalType, error) {
	k, err := kindFromByte(d.ValType)
	if err != nil {
		return nil, err
	}
	return value.NewGlobalType(value.NewValType(k), d.Mutable), nil
}

func tableTypeOf(d wasmbin.TableDecl) (*value.TableType, error) {
	k, err := kindFromByte(d.ElemType)
	if err != nil {
		return nil, err
	}
	return value.NewTableType(value.NewValType(k), d.Limits.Min, d.Limits.Max, d.Limits.HasMax), nil
}

func memoryTypeOf(l wasmbin.Limits) *value.MemoryType {
	return value.NewMemoryType(uint64(l.Min), uint64(l.Max), l.HasMax, l.Shared, false)
}

func importTypeOf(info *wasmbin.Info, imp wasmbin.Import) (*value.ExternType, error) {
	switch imp.Kind {
	case wasmbin.KindFunc:
		if int(imp.TypeIndex) >= len(info.Types) {
			return nil, errors.InvalidInput(errors.PhaseCompile, "import type index out of range")
		}
		ft, err := sigToFuncType(info.Types[imp.TypeIndex])
		if err != nil {
			return nil, err
		}
		return value.ExternTypeFunc(ft), nil
	case wasmbin.KindGlobal:
		gt, err := globalTypeOf(wasmbin.GlobalDecl{ValType: imp.ValType, Mutable: imp.Mutable})
		if err != nil {
			return nil, err
		}
		return value.ExternTypeGlobal(gt), nil
	case wasmbin.KindTable:
		tt, err := tableTypeOf(wasmbin.TableDecl{ElemType: imp.ElemType, Limits: imp.Limits})
		if err != nil {
			return nil, err
		}
		return value.ExternTypeTable(tt), nil
	case wasmbin.KindMemory:
		return value.ExternTypeMemory(memoryTypeOf(imp.Limits)), nil
	default:
		return nil, errors.InvalidInput(errors.PhaseCompile, "unknown import kind")
	}
}

func exportTypeOf(info *wasmbin.Info, exp wasmbin.Export) (*value.ExternType, error) {
	switch exp.Kind {
	case wasmbin.KindFunc:
		sig, ok := info.FuncSigAt(exp.Index)
		if !ok {
			return nil, errors.InvalidInput(errors.PhaseCompile, "export function index out of range")
		}
		ft, err := sigToFuncType(sig)
		if err != nil {
			return nil, err
		}
		return value.ExternTypeFunc(ft), nil
	case wasmbin.KindGlobal:
		d, ok := info.GlobalAt(exp.Index)
		if !ok {
			return nil, errors.InvalidInput(errors.PhaseCompile, "export global index out of range")
		}
		gt, err := globalTypeOf(d)
		if err != nil {
			return nil, err
		}
		return value.ExternTypeGlobal(gt), nil
	case wasmbin.KindTable:
		d, ok := info.TableAt(exp.Index)
		if !ok {
			return nil, errors.InvalidInput(errors.PhaseCompile, "export table index out of range")
		}
		tt, err := tableTypeOf(d)
		if err != nil {
			return nil, err
		}
		return value.ExternTypeTable(tt), nil
	case wasmbin.KindMemory:
		l, ok := info.MemoryAt(exp.Index)
		if !ok {
			return nil, errors.InvalidInput(errors.PhaseCompile, "export memory index out of range")
		}
		return value.ExternTypeMemory(memoryTypeOf(l)), nil
	default:
		return nil, errors.InvalidInput(errors.PhaseCompile, "unknown export kind")
	}
}
