package codecache

import (
	"fmt"
	"runtime"

	"github.com/tetratelabs/jitmem/internal/memseg"
	"github.com/tetratelabs/jitmem/internal/trampoline"
)

// TrampolineMode selects whether code caches carry a trampoline area.
type TrampolineMode int

const (
	// TrampolinesAuto follows PlacementPolicy.NeedsTrampolines.
	TrampolinesAuto TrampolineMode = iota
	// TrampolinesOn forces trampolines.
	TrampolinesOn
	// TrampolinesOff disables trampolines.
	TrampolinesOff
)

// String implements fmt.Stringer.
func (m TrampolineMode) String() string {
	switch m {
	case TrampolinesAuto:
		return "auto"
	case TrampolinesOn:
		return "on"
	case TrampolinesOff:
		return "off"
	}
	return fmt.Sprintf("TrampolineMode(%d)", int(m))
}

// ParseTrampolineMode is the inverse of TrampolineMode.String.
func ParseTrampolineMode(s string) (TrampolineMode, error) {
	switch s {
	case "", "auto":
		return TrampolinesAuto, nil
	case "on":
		return TrampolinesOn, nil
	case "off":
		return TrampolinesOff, nil
	}
	return 0, fmt.Errorf("invalid trampoline mode %q", s)
}

// Config is the configuration of a Manager. Sizes are in bytes.
type Config struct {
	// TotalSize is the size of all code caches together.
	TotalSize int
	// CacheSize is the size of one code cache, rounded up to the page size.
	CacheSize int
	// Padding is address space reserved after the caches of a consolidated
	// repository without being committed.
	Padding int
	// LargePageSize is the page size requested for code caches. Zero means
	// regular pages.
	LargePageSize int

	// Placement is the placement strategy of code caches.
	Placement PlacementPolicy

	// Trampolines overrides Placement.NeedsTrampolines.
	Trampolines TrampolineMode
	// Arch is the GOARCH trampolines are encoded for.
	Arch string
	// TrampolineCodeSize is the size of one trampoline stub. Zero means the
	// largest stub the encoder produces for Arch.
	TrampolineCodeSize int
	// NumTrampolines is the number of method trampolines per code cache. Zero
	// means one per 4KiB of code cache.
	NumTrampolines int
	// RuntimeHelpers are the addresses of the runtime helpers which get a
	// trampoline at the top of every code cache.
	RuntimeHelpers []uintptr

	// LowCodeCacheThreshold is the free space below which a code cache counts
	// as exhausted for AlmostOutOfCodeCache.
	LowCodeCacheThreshold int
	// HighOccupancyPercentage is the usage of TotalSize above which
	// IsCodeCacheOccupancyHigh returns true.
	HighOccupancyPercentage int
	// SafeReservePhysicalMemory is the free physical memory growth never eats
	// into when swapping is not permitted.
	SafeReservePhysicalMemory uint64
	// AllowSwap permits growth beyond free physical memory when swap is configured.
	AllowSwap bool
	// DisclaimEnabled enables DisclaimAllCodeCaches.
	DisclaimEnabled bool

	// AllowGrowth permits creating code caches after startup.
	AllowGrowth bool
	// MaxCaches is the maximum number of code caches. Zero means
	// TotalSize / CacheSize.
	MaxCaches int
	// NumCodeCachesAtStartup is the number of code caches created by NewManager.
	NumCodeCachesAtStartup int
	// FreeBlockRecycling lets allocations reuse reclaimed blocks.
	FreeBlockRecycling bool
	// Consolidate reserves all code caches as one repository at startup.
	Consolidate bool
	// CodeAlignment is the alignment of allocations, a power of two.
	CodeAlignment int
	// PCLookupCacheSize is the capacity of the memo of FindCodeCacheFromPC.
	PCLookupCacheSize int

	needsTrampolines bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		TotalSize:                 128 << 20,
		CacheSize:                 2 << 20,
		Arch:                      runtime.GOARCH,
		LowCodeCacheThreshold:     64 << 10,
		HighOccupancyPercentage:   80,
		SafeReservePhysicalMemory: 32 << 20,
		AllowGrowth:               true,
		NumCodeCachesAtStartup:    1,
		FreeBlockRecycling:        true,
		CodeAlignment:             32,
		PCLookupCacheSize:         1024,
	}
}

// NeedsTrampolines returns true if code caches carry trampolines. Only valid
// on a normalized Config.
func (c Config) NeedsTrampolines() bool {
	return c.needsTrampolines
}

// normalize validates c and fills the derived values. The code cache size is
// rounded up to pageSize, and to the large page size when larger, before
// anything is derived from it.
func (c Config) normalize(pageSize int) (Config, error) {
	if c.CacheSize <= 0 {
		return c, fmt.Errorf("invalid code cache size %d", c.CacheSize)
	}
	c.CacheSize = memseg.AlignUp(c.CacheSize, pageSize)
	if c.LargePageSize > c.CacheSize {
		c.CacheSize = c.LargePageSize
	}
	if c.TotalSize < c.CacheSize {
		return c, fmt.Errorf("total size %d smaller than code cache size %d", c.TotalSize, c.CacheSize)
	}
	if c.Padding < 0 {
		return c, fmt.Errorf("invalid padding %d", c.Padding)
	}
	if c.CodeAlignment == 0 {
		c.CodeAlignment = 32
	}
	if c.CodeAlignment < 0 || c.CodeAlignment&(c.CodeAlignment-1) != 0 {
		return c, fmt.Errorf("code alignment %d is not a power of two", c.CodeAlignment)
	}
	if c.HighOccupancyPercentage <= 0 || c.HighOccupancyPercentage > 100 {
		c.HighOccupancyPercentage = 80
	}
	if c.PCLookupCacheSize <= 0 {
		c.PCLookupCacheSize = 1024
	}

	if c.MaxCaches <= 0 {
		c.MaxCaches = c.TotalSize / c.CacheSize
	}
	if c.NumCodeCachesAtStartup < 1 {
		c.NumCodeCachesAtStartup = 1
	}
	if c.NumCodeCachesAtStartup > c.MaxCaches {
		c.NumCodeCachesAtStartup = c.MaxCaches
	}

	switch c.Trampolines {
	case TrampolinesAuto:
		c.needsTrampolines = c.Placement.NeedsTrampolines
	case TrampolinesOn:
		c.needsTrampolines = true
	case TrampolinesOff:
		c.needsTrampolines = false
	default:
		return c, fmt.Errorf("invalid trampoline mode %d", c.Trampolines)
	}

	if !c.needsTrampolines {
		c.TrampolineCodeSize, c.NumTrampolines = 0, 0
		return c, nil
	}
	if c.Arch == "" {
		c.Arch = runtime.GOARCH
	}
	stubSize, err := trampoline.Size(c.Arch)
	if err != nil {
		return c, err
	}
	if c.TrampolineCodeSize < stubSize {
		c.TrampolineCodeSize = stubSize
	}
	if c.NumTrampolines <= 0 {
		c.NumTrampolines = c.CacheSize >> 12
		if c.NumTrampolines == 0 {
			c.NumTrampolines = 1
		}
	}
	area := (c.NumTrampolines + len(c.RuntimeHelpers)) * c.trampolineSlotSize()
	if area > c.CacheSize/2 {
		return c, fmt.Errorf("trampoline area of %d bytes exceeds half of the code cache size %d", area, c.CacheSize)
	}
	return c, nil
}

func (c Config) trampolineSlotSize() int {
	if !c.needsTrampolines {
		return 0
	}
	return (c.TrampolineCodeSize + 7) &^ 7
}
