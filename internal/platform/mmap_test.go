package platform

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackend(t *testing.T) {
	requireSupportedOSArch(t)
	b := NewBackend()
	size := 4 * b.PageSize()

	t.Run("anywhere", func(t *testing.T) {
		r, err := b.Reserve(size, 0, 0)
		require.NoError(t, err)
		require.Equal(t, size, len(r.Mem))
		require.NoError(t, b.Commit(r, size))

		// The mapping is writable once committed.
		r.Mem[0], r.Mem[size-1] = 0xcc, 0xc3
		require.Equal(t, byte(0xcc), r.Mem[0])
		require.NoError(t, b.Release(r))
	})

	t.Run("hinted", func(t *testing.T) {
		// Find a free range by mapping and unmapping it.
		probe, err := b.Reserve(size, 0, 0)
		require.NoError(t, err)
		hint := probe.Base
		require.NoError(t, b.Release(probe))

		r, err := b.Reserve(size, hint, 0)
		require.NoError(t, err)
		defer func() {
			require.NoError(t, b.Release(r))
		}()
		require.NoError(t, b.Commit(r, b.PageSize()))
		r.Mem[0] = 1
		require.Equal(t, byte(1), r.Mem[0])
	})

	t.Run("panic on zero length", func(t *testing.T) {
		require.PanicsWithError(t, "BUG: zero length mapping", func() {
			_, _ = b.Reserve(0, 0, 0)
		})
	})
}

func TestProbe(t *testing.T) {
	caps := Probe()
	require.Equal(t, runtime.GOOS, caps.OS)
	require.Equal(t, runtime.GOARCH, caps.Arch)
	require.NotZero(t, caps.PageSize)
}

// requireSupportedOSArch is duplicated also in the codecache package to ensure no cyclic dependency.
func requireSupportedOSArch(t *testing.T) {
	switch runtime.GOOS {
	case "linux", "freebsd", "windows":
	default:
		t.Skip()
	}
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skip()
	}
}
