package jitmem

import (
	"sync"

	"github.com/tetratelabs/jitmem/internal/codecache"
	"github.com/tetratelabs/jitmem/internal/monitor"
	"github.com/tetratelabs/jitmem/internal/platform"
)

// Host is what a Session needs from the runtime embedding it.
type Host = codecache.Host

// CodeRange is the address range [Base, End) of a code cache.
type CodeRange struct {
	Base, End uintptr
}

// ProcessHost is a Host for runtimes without their own notion of exclusive
// access. Exclusive access is the write side of a sync.RWMutex whose read side
// mutator threads hold with AcquireSharedAccess while they run compiled code.
type ProcessHost struct {
	exclusive sync.RWMutex

	mux       sync.Mutex
	compiling map[monitor.ThreadID]codecache.MethodID
	ranges    []CodeRange
}

// NewProcessHost returns a ProcessHost reading physical memory from the OS.
func NewProcessHost() *ProcessHost {
	return &ProcessHost{compiling: map[monitor.ThreadID]codecache.MethodID{}}
}

// FreePhysicalMemory implements Host.FreePhysicalMemory.
func (h *ProcessHost) FreePhysicalMemory() (uint64, bool) {
	return platform.FreePhysicalMemory()
}

// SwapConfigured implements Host.SwapConfigured.
func (h *ProcessHost) SwapConfigured() bool {
	return platform.SwapConfigured()
}

// AcquireExclusiveAccess implements Host.AcquireExclusiveAccess.
func (h *ProcessHost) AcquireExclusiveAccess() {
	h.exclusive.Lock()
}

// ReleaseExclusiveAccess implements Host.ReleaseExclusiveAccess.
func (h *ProcessHost) ReleaseExclusiveAccess() {
	h.exclusive.Unlock()
}

// AcquireSharedAccess blocks while another goroutine has exclusive access.
func (h *ProcessHost) AcquireSharedAccess() {
	h.exclusive.RLock()
}

// ReleaseSharedAccess releases AcquireSharedAccess.
func (h *ProcessHost) ReleaseSharedAccess() {
	h.exclusive.RUnlock()
}

// StartCompiling records that tid compiles method, for diagnostics.
func (h *ProcessHost) StartCompiling(tid monitor.ThreadID, method codecache.MethodID) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.compiling[tid] = method
}

// StopCompiling clears StartCompiling.
func (h *ProcessHost) StopCompiling(tid monitor.ThreadID) {
	h.mux.Lock()
	defer h.mux.Unlock()
	delete(h.compiling, tid)
}

// CurrentlyCompilingMethod implements Host.CurrentlyCompilingMethod.
func (h *ProcessHost) CurrentlyCompilingMethod(tid monitor.ThreadID) (codecache.MethodID, bool) {
	h.mux.Lock()
	defer h.mux.Unlock()
	m, ok := h.compiling[tid]
	return m, ok
}

// OnCodeCacheCreated implements Host.OnCodeCacheCreated.
func (h *ProcessHost) OnCodeCacheCreated(base, end uintptr) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.ranges = append(h.ranges, CodeRange{Base: base, End: end})
}

// CodeRanges returns the ranges of the code caches created so far, for
// example to register them with a profiler.
func (h *ProcessHost) CodeRanges() []CodeRange {
	h.mux.Lock()
	defer h.mux.Unlock()
	return append([]CodeRange(nil), h.ranges...)
}
