package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/tetratelabs/jitmem"
	"github.com/tetratelabs/jitmem/internal/codecache"
)

// fileConfig is the TOML form of jitmem.Config.
type fileConfig struct {
	TotalSize                 int    `toml:"total_size"`
	CacheSize                 int    `toml:"cache_size"`
	Padding                   int    `toml:"padding"`
	LargePageSize             int    `toml:"large_page_size"`
	Trampolines               string `toml:"trampolines"`
	NumTrampolines            int    `toml:"num_trampolines"`
	LowCodeCacheThreshold     int    `toml:"low_code_cache_threshold"`
	HighOccupancyPercentage   int    `toml:"high_occupancy_percentage"`
	SafeReservePhysicalMemory uint64 `toml:"safe_reserve_physical_memory"`
	AllowSwap                 bool   `toml:"allow_swap"`
	Disclaim                  bool   `toml:"disclaim"`
	Growth                    bool   `toml:"growth"`
	CodeCachesAtStartup       int    `toml:"code_caches_at_startup"`
	FreeBlockRecycling        bool   `toml:"free_block_recycling"`
	Consolidate               bool   `toml:"consolidate"`
	CodeAlignment             int    `toml:"code_alignment"`
	PCLookupCacheSize         int    `toml:"pc_lookup_cache_size"`
	MaxCompilationThreads     int    `toml:"max_compilation_threads"`
}

func fileConfigOf(c *jitmem.Config) fileConfig {
	mc := c.ManagerConfig()
	return fileConfig{
		TotalSize:                 mc.TotalSize,
		CacheSize:                 mc.CacheSize,
		Padding:                   mc.Padding,
		LargePageSize:             mc.LargePageSize,
		Trampolines:               mc.Trampolines.String(),
		NumTrampolines:            mc.NumTrampolines,
		LowCodeCacheThreshold:     mc.LowCodeCacheThreshold,
		HighOccupancyPercentage:   mc.HighOccupancyPercentage,
		SafeReservePhysicalMemory: mc.SafeReservePhysicalMemory,
		AllowSwap:                 mc.AllowSwap,
		Disclaim:                  mc.DisclaimEnabled,
		Growth:                    mc.AllowGrowth,
		CodeCachesAtStartup:       mc.NumCodeCachesAtStartup,
		FreeBlockRecycling:        mc.FreeBlockRecycling,
		Consolidate:               mc.Consolidate,
		CodeAlignment:             mc.CodeAlignment,
		PCLookupCacheSize:         mc.PCLookupCacheSize,
		MaxCompilationThreads:     c.MaxCompilationThreads(),
	}
}

func (f fileConfig) apply(c *jitmem.Config) (*jitmem.Config, error) {
	mode, err := codecache.ParseTrampolineMode(f.Trampolines)
	if err != nil {
		return nil, err
	}
	return c.WithTotalSize(f.TotalSize).
		WithCodeCacheSize(f.CacheSize).
		WithPadding(f.Padding).
		WithLargePageSize(f.LargePageSize).
		WithTrampolines(mode).
		WithNumTrampolines(f.NumTrampolines).
		WithLowCodeCacheThreshold(f.LowCodeCacheThreshold).
		WithHighOccupancyPercentage(f.HighOccupancyPercentage).
		WithSafeReservePhysicalMemory(f.SafeReservePhysicalMemory).
		WithAllowSwap(f.AllowSwap).
		WithDisclaim(f.Disclaim).
		WithGrowth(f.Growth).
		WithCodeCachesAtStartup(f.CodeCachesAtStartup).
		WithFreeBlockRecycling(f.FreeBlockRecycling).
		WithConsolidation(f.Consolidate).
		WithCodeAlignment(f.CodeAlignment).
		WithPCLookupCacheSize(f.PCLookupCacheSize).
		WithMaxCompilationThreads(f.MaxCompilationThreads), nil
}

// loadConfig returns the defaults overridden by the TOML file at path, if
// any. Unknown keys are an error.
func loadConfig(path string) (*jitmem.Config, error) {
	c := jitmem.NewConfig()
	if path == "" {
		return c, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fc := fileConfigOf(c)
	d := toml.NewDecoder(f)
	d.DisallowUnknownFields()
	if err = d.Decode(&fc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fc.apply(c)
}

func marshalConfig(c *jitmem.Config) ([]byte, error) {
	return toml.Marshal(fileConfigOf(c))
}
