package codecache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitmem/internal/trampoline"
)

func TestTrampolineMode(t *testing.T) {
	for _, m := range []TrampolineMode{TrampolinesAuto, TrampolinesOn, TrampolinesOff} {
		parsed, err := ParseTrampolineMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}

	parsed, err := ParseTrampolineMode("")
	require.NoError(t, err)
	require.Equal(t, TrampolinesAuto, parsed)

	_, err = ParseTrampolineMode("sometimes")
	require.EqualError(t, err, `invalid trampoline mode "sometimes"`)
	require.Equal(t, "TrampolineMode(7)", TrampolineMode(7).String())
}

func TestConfig_normalize(t *testing.T) {
	amd64Stub, err := trampoline.Size("amd64")
	require.NoError(t, err)

	t.Run("defaults", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Trampolines = TrampolinesOff
		cfg.CodeAlignment, cfg.HighOccupancyPercentage, cfg.PCLookupCacheSize = 0, 0, 0
		cfg.NumCodeCachesAtStartup = 0

		n, err := cfg.normalize(testPageSize)
		require.NoError(t, err)
		require.Equal(t, 64, n.MaxCaches)
		require.Equal(t, 1, n.NumCodeCachesAtStartup)
		require.Equal(t, 32, n.CodeAlignment)
		require.Equal(t, 80, n.HighOccupancyPercentage)
		require.Equal(t, 1024, n.PCLookupCacheSize)
		require.False(t, n.NeedsTrampolines())
		require.Zero(t, n.trampolineSlotSize())
	})

	t.Run("startup caches clamped", func(t *testing.T) {
		cfg := testConfig()
		cfg.NumCodeCachesAtStartup = 10
		n, err := cfg.normalize(testPageSize)
		require.NoError(t, err)
		require.Equal(t, 2, n.MaxCaches)
		require.Equal(t, 2, n.NumCodeCachesAtStartup)
	})

	t.Run("trampolines follow placement", func(t *testing.T) {
		cfg := testConfig()
		cfg.Trampolines = TrampolinesAuto
		cfg.Arch = "arm64"

		n, err := cfg.normalize(testPageSize)
		require.NoError(t, err)
		require.False(t, n.NeedsTrampolines())

		cfg.Placement.NeedsTrampolines = true
		n, err = cfg.normalize(testPageSize)
		require.NoError(t, err)
		require.True(t, n.NeedsTrampolines())
	})

	t.Run("trampoline defaults", func(t *testing.T) {
		n, err := trampolineConfig().normalize(testPageSize)
		require.NoError(t, err)
		require.True(t, n.NeedsTrampolines())
		require.Equal(t, amd64Stub, n.TrampolineCodeSize)
		require.Equal(t, testCacheSize>>12, n.NumTrampolines)
		require.Equal(t, (amd64Stub+7)&^7, n.trampolineSlotSize())
	})

	t.Run("stub size never below the encoding", func(t *testing.T) {
		cfg := trampolineConfig()
		cfg.TrampolineCodeSize = 1
		n, err := cfg.normalize(testPageSize)
		require.NoError(t, err)
		require.Equal(t, amd64Stub, n.TrampolineCodeSize)

		cfg.TrampolineCodeSize = 64
		n, err = cfg.normalize(testPageSize)
		require.NoError(t, err)
		require.Equal(t, 64, n.TrampolineCodeSize)
	})

	t.Run("at least one trampoline", func(t *testing.T) {
		cfg := trampolineConfig()
		cfg.CacheSize, cfg.TotalSize = 2048, 2048
		n, err := cfg.normalize(1024)
		require.NoError(t, err)
		require.Equal(t, 1, n.NumTrampolines)
	})

	t.Run("cache size rounded before deriving", func(t *testing.T) {
		cfg := testConfig()
		cfg.TotalSize = 4 * testCacheSize
		cfg.CacheSize = testCacheSize - 100
		n, err := cfg.normalize(testPageSize)
		require.NoError(t, err)
		require.Equal(t, testCacheSize, n.CacheSize)
		require.Equal(t, 4, n.MaxCaches)

		cfg.CacheSize = testCacheSize
		cfg.LargePageSize = 2 * testCacheSize
		n, err = cfg.normalize(testPageSize)
		require.NoError(t, err)
		require.Equal(t, 2*testCacheSize, n.CacheSize)
		require.Equal(t, 2, n.MaxCaches)
		require.LessOrEqual(t, n.MaxCaches*n.CacheSize, cfg.TotalSize)
	})

	t.Run("trampolines sized for the rounded cache", func(t *testing.T) {
		cfg := trampolineConfig()
		cfg.TotalSize = 4 * testCacheSize
		cfg.LargePageSize = 2 * testCacheSize
		n, err := cfg.normalize(testPageSize)
		require.NoError(t, err)
		require.Equal(t, 2*testCacheSize>>12, n.NumTrampolines)
	})

	for _, tc := range []struct {
		name        string
		modify      func(*Config)
		expectedErr string
	}{
		{
			name:        "zero cache size",
			modify:      func(c *Config) { c.CacheSize = 0 },
			expectedErr: "invalid code cache size 0",
		},
		{
			name:        "total smaller than cache",
			modify:      func(c *Config) { c.TotalSize = 1024 },
			expectedErr: "total size 1024 smaller than code cache size 16384",
		},
		{
			name: "large page larger than total",
			modify: func(c *Config) {
				c.LargePageSize = 4 * testCacheSize
			},
			expectedErr: "total size 32768 smaller than code cache size 65536",
		},
		{
			name:        "negative padding",
			modify:      func(c *Config) { c.Padding = -1 },
			expectedErr: "invalid padding -1",
		},
		{
			name:        "alignment not a power of two",
			modify:      func(c *Config) { c.CodeAlignment = 24 },
			expectedErr: "code alignment 24 is not a power of two",
		},
		{
			name:        "invalid trampoline mode",
			modify:      func(c *Config) { c.Trampolines = 5 },
			expectedErr: "invalid trampoline mode 5",
		},
		{
			name: "unsupported arch",
			modify: func(c *Config) {
				c.Trampolines = TrampolinesOn
				c.Arch = "riscv64"
			},
			expectedErr: "trampolines unsupported for architecture: riscv64",
		},
		{
			name: "trampoline area too large",
			modify: func(c *Config) {
				c.Trampolines = TrampolinesOn
				c.Arch = "amd64"
				c.NumTrampolines = testCacheSize
			},
			expectedErr: "exceeds half of the code cache size 16384",
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.modify(&cfg)
			_, err := cfg.normalize(testPageSize)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.expectedErr)
		})
	}
}
