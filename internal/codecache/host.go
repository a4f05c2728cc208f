package codecache

import "github.com/tetratelabs/jitmem/internal/monitor"

// Host is the runtime embedding the code cache manager.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// FreePhysicalMemory returns the current free physical memory in bytes.
	// ok is false when the platform cannot tell.
	FreePhysicalMemory() (free uint64, ok bool)

	// SwapConfigured returns true if the system has swap space.
	SwapConfigured() bool

	// AcquireExclusiveAccess stops every thread running managed code. Sweeps
	// of the code caches are only safe while exclusive access is held.
	AcquireExclusiveAccess()

	// ReleaseExclusiveAccess resumes the threads stopped by
	// AcquireExclusiveAccess.
	ReleaseExclusiveAccess()

	// CurrentlyCompilingMethod returns the method compilation thread tid is
	// compiling. It is used for diagnostics only.
	CurrentlyCompilingMethod(tid monitor.ThreadID) (MethodID, bool)

	// OnCodeCacheCreated is called once per new code cache with its address
	// range, so that the host can map program counters to methods.
	OnCodeCacheCreated(base, end uintptr)
}
