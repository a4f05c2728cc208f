package jitmem

import (
	"go.uber.org/zap"

	"github.com/tetratelabs/jitmem/internal/codecache"
	"github.com/tetratelabs/jitmem/internal/memseg"
	"github.com/tetratelabs/jitmem/internal/platform"
)

const (
	// MinCodeCacheSize is the smallest code cache WithCodeCacheSize accepts.
	MinCodeCacheSize = 128 << 10
	// MaxCodeCacheSize is the largest code cache WithCodeCacheSize accepts.
	MaxCodeCacheSize = 32 << 20

	defaultMaxCompilationThreads = 8
)

// TrampolineMode selects whether code caches carry a trampoline area.
type TrampolineMode = codecache.TrampolineMode

const (
	// TrampolinesAuto uses trampolines when the platform needs them.
	TrampolinesAuto = codecache.TrampolinesAuto
	// TrampolinesOn forces trampolines, for example to test them on a platform
	// which does not need them.
	TrampolinesOn = codecache.TrampolinesOn
	// TrampolinesOff disables trampolines.
	TrampolinesOff = codecache.TrampolinesOff
)

// Config controls the code caches of a Session, with the default
// implementation as NewConfig.
//
// Config is immutable: each WithXXX function returns a new instance
// including the corresponding change.
type Config struct {
	manager               codecache.Config
	maxCompilationThreads int
	logger                *zap.Logger
	backend               memseg.Backend
}

// NewConfig returns the default configuration for the current platform.
func NewConfig() *Config {
	cfg := codecache.DefaultConfig()
	cfg.Placement = codecache.PolicyFor(platform.Probe())
	return &Config{
		manager:               cfg,
		maxCompilationThreads: defaultMaxCompilationThreads,
		logger:                zap.NewNop(),
	}
}

// clone ensures all fields are copied even if nil.
func (c *Config) clone() *Config {
	ret := *c
	ret.manager.RuntimeHelpers = append([]uintptr(nil), c.manager.RuntimeHelpers...)
	return &ret
}

// WithTotalSize sets the size of all code caches together. Defaults to 128MiB.
//
// Note: The code cache size is reduced to this value when it is larger.
func (c *Config) WithTotalSize(bytes int) *Config {
	ret := c.clone()
	ret.manager.TotalSize = bytes
	return ret
}

// WithCodeCacheSize sets the size of one code cache. Defaults to 2MiB.
//
// The value is clamped to [MinCodeCacheSize, MaxCodeCacheSize] and rounded up
// to the page size when the Session starts.
func (c *Config) WithCodeCacheSize(bytes int) *Config {
	ret := c.clone()
	ret.manager.CacheSize = min(max(bytes, MinCodeCacheSize), MaxCodeCacheSize)
	return ret
}

// WithPadding reserves bytes of address space after a consolidated
// repository without committing them. Defaults to zero.
func (c *Config) WithPadding(bytes int) *Config {
	ret := c.clone()
	ret.manager.Padding = bytes
	return ret
}

// WithLargePageSize requests code caches to be mapped with large pages of
// the given size. Defaults to zero, which means regular pages.
//
// Note: This is a request. The platform falls back to regular pages when
// the size is not available.
func (c *Config) WithLargePageSize(bytes int) *Config {
	ret := c.clone()
	ret.manager.LargePageSize = bytes
	return ret
}

// WithTrampolines overrides whether code caches carry trampolines. Defaults
// to TrampolinesAuto.
func (c *Config) WithTrampolines(mode TrampolineMode) *Config {
	ret := c.clone()
	ret.manager.Trampolines = mode
	return ret
}

// WithNumTrampolines sets the number of method trampolines per code cache.
// Defaults to one per 4KiB of code cache.
func (c *Config) WithNumTrampolines(n int) *Config {
	ret := c.clone()
	ret.manager.NumTrampolines = n
	return ret
}

// WithRuntimeHelpers sets the addresses of runtime helpers reachable from
// every code cache through a helper trampoline. Helper i is looked up with
// Manager.FindHelperTrampoline(i, callSite).
func (c *Config) WithRuntimeHelpers(helpers ...uintptr) *Config {
	ret := c.clone()
	ret.manager.RuntimeHelpers = append([]uintptr(nil), helpers...)
	return ret
}

// WithLowCodeCacheThreshold sets the free space under which a code cache is
// considered exhausted. Defaults to 64KiB.
func (c *Config) WithLowCodeCacheThreshold(bytes int) *Config {
	ret := c.clone()
	ret.manager.LowCodeCacheThreshold = bytes
	return ret
}

// WithHighOccupancyPercentage sets the usage of the total size above which
// the code caches count as highly occupied. Defaults to 80.
func (c *Config) WithHighOccupancyPercentage(percent int) *Config {
	ret := c.clone()
	ret.manager.HighOccupancyPercentage = percent
	return ret
}

// WithSafeReservePhysicalMemory sets the free physical memory new code caches
// never consume. Defaults to 32MiB.
func (c *Config) WithSafeReservePhysicalMemory(bytes uint64) *Config {
	ret := c.clone()
	ret.manager.SafeReservePhysicalMemory = bytes
	return ret
}

// WithAllowSwap lets code caches grow beyond free physical memory when the
// system has swap. Defaults to false.
func (c *Config) WithAllowSwap(allow bool) *Config {
	ret := c.clone()
	ret.manager.AllowSwap = allow
	return ret
}

// WithDisclaim enables returning unused code cache pages to the OS.
// Defaults to false.
func (c *Config) WithDisclaim(enabled bool) *Config {
	ret := c.clone()
	ret.manager.DisclaimEnabled = enabled
	return ret
}

// WithGrowth controls whether code caches are created after startup.
// Defaults to true.
func (c *Config) WithGrowth(allow bool) *Config {
	ret := c.clone()
	ret.manager.AllowGrowth = allow
	return ret
}

// WithCodeCachesAtStartup sets the number of code caches created by
// NewSession. Defaults to 1.
func (c *Config) WithCodeCachesAtStartup(n int) *Config {
	ret := c.clone()
	ret.manager.NumCodeCachesAtStartup = n
	return ret
}

// WithFreeBlockRecycling controls whether reclaimed code is reused by later
// allocations. Defaults to true.
func (c *Config) WithFreeBlockRecycling(enabled bool) *Config {
	ret := c.clone()
	ret.manager.FreeBlockRecycling = enabled
	return ret
}

// WithConsolidation reserves the address space of all code caches at
// startup, as one repository. Defaults to false.
func (c *Config) WithConsolidation(enabled bool) *Config {
	ret := c.clone()
	ret.manager.Consolidate = enabled
	return ret
}

// WithCodeAlignment sets the alignment of code allocations, a power of two.
// Defaults to 32.
func (c *Config) WithCodeAlignment(align int) *Config {
	ret := c.clone()
	ret.manager.CodeAlignment = align
	return ret
}

// WithPCLookupCacheSize sets the number of pages remembered by
// Manager.FindCodeCacheFromPC. Defaults to 1024.
func (c *Config) WithPCLookupCacheSize(n int) *Config {
	ret := c.clone()
	ret.manager.PCLookupCacheSize = n
	return ret
}

// WithMaxCompilationThreads sets the number of compilation threads, which
// use ThreadID 0 to n-1. Defaults to 8.
func (c *Config) WithMaxCompilationThreads(n int) *Config {
	ret := c.clone()
	if n > 0 {
		ret.maxCompilationThreads = n
	}
	return ret
}

// WithLogger sets the logger of the Session. Defaults to zap.NewNop.
func (c *Config) WithLogger(logger *zap.Logger) *Config {
	ret := c.clone()
	if logger == nil {
		logger = zap.NewNop()
	}
	ret.logger = logger
	return ret
}

// MaxCompilationThreads returns the number of compilation threads.
func (c *Config) MaxCompilationThreads() int {
	return c.maxCompilationThreads
}

// ManagerConfig returns the configuration passed to the code cache manager.
// Derived values, such as the trampoline size, are filled by the manager.
func (c *Config) ManagerConfig() codecache.Config {
	ret := c.clone().manager
	if ret.TotalSize > 0 && ret.CacheSize > ret.TotalSize {
		ret.CacheSize = ret.TotalSize
	}
	return ret
}

func (c *Config) memoryBackend() memseg.Backend {
	if c.backend != nil {
		return c.backend
	}
	return platform.NewBackend()
}
