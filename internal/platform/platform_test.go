package platform

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbe_capabilities(t *testing.T) {
	caps := Probe()
	require.Equal(t, runtime.GOOS, caps.OS)
	require.Equal(t, runtime.GOARCH, caps.Arch)
	require.Equal(t, os.Getpagesize(), caps.PageSize)
	require.Equal(t, os.Getpagesize(), NewBackend().PageSize())

	for i := 1; i < len(caps.LargePageSizes); i++ {
		require.True(t, caps.LargePageSizes[i-1] > caps.LargePageSizes[i])
	}

	switch runtime.GOOS {
	case "linux":
		require.True(t, caps.CanHint)
		require.True(t, caps.CanAdviseHugePages)
		require.True(t, caps.CanDisclaim)
	case "windows":
		require.True(t, caps.CanHint)
		require.False(t, caps.CanAdviseHugePages)
	}
}
