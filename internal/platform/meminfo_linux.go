package platform

import "golang.org/x/sys/unix"

// FreePhysicalMemory returns the free physical memory in bytes. The value is
// queried on every call.
func FreePhysicalMemory() (uint64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}
	return uint64(info.Freeram) * uint64(info.Unit), true
}

// SwapConfigured returns true if the system has any swap space.
func SwapConfigured() bool {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return false
	}
	return info.Totalswap > 0
}
