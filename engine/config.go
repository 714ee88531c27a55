package engine

import (
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/wippyai/wasm-engine/errors"
)

// Config holds engine creation options. Use NewConfig for the defaults,
// which enable the mature post-MVP proposals; the zero value disables every
// post-MVP feature.
type Config struct {
	// Feature toggles. ReferenceTypes, SIMD, BulkMemory and MultiValue are
	// enabled by NewConfig; Threads, Memory64 and RelaxedSIMD are off.
	ReferenceTypes bool
	SIMD           bool
	BulkMemory     bool
	MultiValue     bool
	MultiMemory    bool
	Threads        bool
	Memory64       bool
	RelaxedSIMD    bool

	// ConsumeFuel enables per-store fuel metering. Stores created from an
	// engine without this flag reject SetFuel with a disabled_feature error.
	ConsumeFuel bool

	// EpochInterruption enables epoch-deadline checks on guest function
	// entry. Without it SetEpochDeadline is rejected.
	EpochInterruption bool

	// AsyncSupport allows stores to issue CallAsync. AsyncStackSize is
	// advisory: the suspended call runs on a goroutine whose stack the Go
	// runtime sizes itself.
	AsyncSupport   bool
	AsyncStackSize int

	// Interpreter selects wazero's interpreter instead of
	// native code generation.
	Interpreter bool

	// MemoryLimitPages caps every linear memory at the given 64KiB page
	// count. 0 means the wazero default (65536 pages, 4GiB).
	MemoryLimitPages uint32

	// CacheDir, when set, persists compiled code across processes via the
	// wazero file cache.
	CacheDir string

	// DebugInfo retains DWARF sections for better trap stack traces.
	DebugInfo bool
}

// NewConfig returns a Config with the mature post-MVP proposals enabled.
func NewConfig() *Config {
	return &Config{
		ReferenceTypes: true,
		SIMD:           true,
		BulkMemory:     true,
		MultiValue:     true,
	}
}

// validate rejects toggles the wazero runtime cannot honor. The
// contract for unsupported features is a config error at engine creation,
// never silent acceptance.
func (c *Config) validate() error {
	if c.Memory64 {
		return errors.Unsupported(errors.PhaseConfig, "memory64 is not supported by the execution engine")
	}
	if c.RelaxedSIMD {
		return errors.Unsupported(errors.PhaseConfig, "relaxed SIMD is not supported by the execution engine")
	}
	if c.MultiMemory {
		return errors.Unsupported(errors.PhaseConfig, "multi-memory is not supported by the execution engine")
	}
	return nil
}

// features maps the toggles onto wazero's feature set.
func (c *Config) features() api.CoreFeatures {
	// Mutable globals, sign extension and non-trapping conversions shipped
	// with the MVP baseline every toolchain assumes.
	f := api.CoreFeatureMutableGlobal |
		api.CoreFeatureSignExtensionOps |
		api.CoreFeatureNonTrappingFloatToIntConversion
	if c.ReferenceTypes {
		f |= api.CoreFeatureReferenceTypes
	}
	if c.SIMD {
		f |= api.CoreFeatureSIMD
	}
	if c.BulkMemory {
		f |= api.CoreFeatureBulkMemoryOperations
	}
	if c.MultiValue {
		f |= api.CoreFeatureMultiValue
	}
	if c.Threads {
		f |= experimental.CoreFeaturesThreads
	}
	return f
}

// runtimeConfig builds the wazero runtime configuration.
func (c *Config) runtimeConfig() (wazero.RuntimeConfig, wazero.CompilationCache, error) {
	var rc wazero.RuntimeConfig
	if c.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	} else {
		rc = wazero.NewRuntimeConfig()
	}

	rc = rc.WithCoreFeatures(c.features())

	// Forced termination (fuel exhaustion, epoch breach, future teardown)
	// is delivered by canceling the call context.
	rc = rc.WithCloseOnContextDone(true)

	if c.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(c.MemoryLimitPages)
	}
	if c.DebugInfo {
		rc = rc.WithDebugInfoEnabled(true)
	}

	// Every runtime created from this config shares one compiled-code cache,
	// so a module compiled once instantiates cheaply in every store.
	var cache wazero.CompilationCache
	if c.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(c.CacheDir)
		if err != nil {
			return nil, nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "open compilation cache")
		}
	} else {
		cache = wazero.NewCompilationCache()
	}
	rc = rc.WithCompilationCache(cache)

	return rc, cache, nil
}
