package runtime

import (
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/internal/wasmbin"
)

const pageSize = 65536

// Limits caps the resources instantiation may create in a store. A negative
// field means no cap. Caps are checked synchronously before guest code runs;
// a breach is a resource_limit contract error. Growth during execution is
// bounded by each entity's declared maximum and the engine's page limit.
type Limits struct {
	MemoryBytes   int64
	TableElements int64
	Instances     int64
	Tables        int64
	Memories      int64
}

// DefaultLimits returns Limits with every cap disabled.
func DefaultLimits() Limits {
	return Limits{MemoryBytes: -1, TableElements: -1, Instances: -1, Tables: -1, Memories: -1}
}

type resourceUsage struct {
	memoryBytes   int64
	tableElements int64
	instances     int64
	tables        int64
	memories      int64
}

// admit checks one module's declared entities against the store caps and, on
// success, charges them to the store's usage.
func (s *Store) admit(info *wasmbin.Info) error {
	if s.limits == nil {
		return nil
	}
	l := s.limits

	var memBytes, tableElems int64
	for _, m := range info.Memories {
		memBytes += int64(m.Min) * pageSize
	}
	for _, t := range info.Tables {
		tableElems += int64(t.Limits.Min)
	}

	next := s.usage
	next.instances++
	next.memories += int64(len(info.Memories))
	next.tables += int64(len(info.Tables))
	next.memoryBytes += memBytes
	next.tableElements += tableElems

	switch {
	case l.Instances >= 0 && next.instances > l.Instances:
		return errors.ResourceLimit("instance count %d exceeds store limit %d", next.instances, l.Instances)
	case l.Memories >= 0 && next.memories > l.Memories:
		return errors.ResourceLimit("memory count %d exceeds store limit %d", next.memories, l.Memories)
	case l.Tables >= 0 && next.tables > l.Tables:
		return errors.ResourceLimit("table count %d exceeds store limit %d", next.tables, l.Tables)
	case l.MemoryBytes >= 0 && next.memoryBytes > l.MemoryBytes:
		return errors.ResourceLimit("memory size %d bytes exceeds store limit %d", next.memoryBytes, l.MemoryBytes)
	case l.TableElements >= 0 && next.tableElements > l.TableElements:
		return errors.ResourceLimit("table size %d elements exceeds store limit %d", next.tableElements, l.TableElements)
	}

	s.usage = next
	return nil
}
