//go:build !linux

package platform

// FreePhysicalMemory is unknown outside Linux.
func FreePhysicalMemory() (uint64, bool) {
	return 0, false
}

// SwapConfigured is unknown outside Linux, which is reported as no swap.
func SwapConfigured() bool {
	return false
}
