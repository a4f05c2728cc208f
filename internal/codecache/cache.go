package codecache

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tetratelabs/jitmem/internal/memseg"
	"github.com/tetratelabs/jitmem/internal/monitor"
	"github.com/tetratelabs/jitmem/internal/trampoline"
)

// CodeCache is one arena of executable memory.
//
// The layout of a code cache over [Base, End) is
//
//	base           warmAlloc ->       <- coldAlloc  trampolineBase           helperBase     end
//	| warm code    |     free gap     | cold code   | method trampolines <-  | helper stubs |
//
// Warm code grows up from the base and cold code grows down from the
// trampoline area, so that the free gap stays contiguous. Method trampolines
// are handed out downward from helperBase, and one helper trampoline per
// runtime helper sits at the top.
//
// A compilation thread reserves a code cache with Reserve and is then the only
// thread allocating from it until Unreserve. Sweeps (OnClassUnloading and
// friends) must only run while the host holds exclusive access.
type CodeCache struct {
	manager *Manager
	logger  *zap.Logger
	id      int

	// segment is the mapping holding the cache. It is shared by all caches of a
	// consolidated repository.
	segment *memseg.Segment
	// base and end bound the cache within segment.
	base, end uintptr
	// mem is the memory of [base, end).
	mem []byte

	// alignment is the alignment of allocations.
	alignment uintptr
	// recycling is true if allocations may reuse free blocks.
	recycling bool

	// reservedBy is the monitor.ThreadID holding the reservation, or
	// monitor.NoThread.
	reservedBy atomic.Int64
	// full is set when an allocation did not fit. A full cache is not offered
	// for reservation until a free block is added.
	full atomic.Bool

	// mux guards the fields below. The reservation holder is the only writer of
	// the allocation pointers, but the manager reads them while scanning.
	mux       sync.Mutex
	warmAlloc uintptr
	coldAlloc uintptr
	free      freeList

	// trampolineBase is the bottom of the method trampoline area.
	trampolineBase uintptr
	// trampolineAlloc is the lowest method trampoline handed out so far.
	trampolineAlloc uintptr
	// helperBase is the address of the first helper trampoline.
	helperBase uintptr
	// trampolineSize is the size of one trampoline slot. Zero when trampolines
	// are not needed.
	trampolineSize uintptr
	// freeTrampolines are slots returned by sweeps.
	freeTrampolines []uintptr
	arch            string
	helpers         []uintptr

	resolved map[MethodID]*ResolvedMethod
	// pendingTrampolines are retargets not yet written to their stub.
	pendingTrampolines map[MethodID]uintptr

	// next links the caches of the manager, guarded by the list monitor.
	next *CodeCache
}

// newCodeCache lays out a code cache over [base, base+size) of segment and
// writes its helper trampolines.
func newCodeCache(m *Manager, id int, segment *memseg.Segment, base uintptr, size int) (*CodeCache, error) {
	cfg := &m.config
	off := int(base - segment.Base())
	c := &CodeCache{
		manager:            m,
		logger:             m.logger.With(zap.Int("cache", id)),
		id:                 id,
		segment:            segment,
		base:               base,
		end:                base + uintptr(size),
		mem:                segment.Bytes()[off : off+size : off+size],
		alignment:          uintptr(cfg.CodeAlignment),
		recycling:          cfg.FreeBlockRecycling,
		trampolineSize:     uintptr(cfg.trampolineSlotSize()),
		arch:               cfg.Arch,
		resolved:           map[MethodID]*ResolvedMethod{},
		pendingTrampolines: map[MethodID]uintptr{},
	}
	c.reservedBy.Store(int64(monitor.NoThread))

	c.helperBase = c.end
	c.trampolineBase = c.end
	if c.trampolineSize != 0 {
		c.helperBase = alignDown(c.end-uintptr(len(cfg.RuntimeHelpers))*c.trampolineSize, c.alignment)
		c.trampolineBase = alignDown(c.helperBase-uintptr(cfg.NumTrampolines)*c.trampolineSize, c.alignment)
	}
	if c.trampolineBase <= c.base+c.alignment {
		return nil, fmt.Errorf("code cache of %d bytes has no room for code", size)
	}
	c.trampolineAlloc = c.helperBase
	c.warmAlloc = c.base
	c.coldAlloc = c.trampolineBase

	c.helpers = make([]uintptr, len(cfg.RuntimeHelpers))
	for i, target := range cfg.RuntimeHelpers {
		if c.trampolineSize == 0 {
			c.helpers[i] = target
			continue
		}
		slot := c.helperBase + uintptr(i)*c.trampolineSize
		if err := c.writeTrampolineLocked(slot, target); err != nil {
			return nil, err
		}
		c.helpers[i] = slot
	}
	return c, nil
}

// ID returns the index of the cache in creation order.
func (c *CodeCache) ID() int {
	return c.id
}

// Base returns the address of the first byte of the cache.
func (c *CodeCache) Base() uintptr {
	return c.base
}

// End returns the address one past the last byte of the cache.
func (c *CodeCache) End() uintptr {
	return c.end
}

// Contains returns true if pc lies within the cache.
func (c *CodeCache) Contains(pc uintptr) bool {
	return pc >= c.base && pc < c.end
}

// Reserve makes tid the only thread allocating from the cache. It returns
// false if the cache is reserved by another thread or full.
func (c *CodeCache) Reserve(tid monitor.ThreadID) bool {
	if tid == monitor.NoThread {
		panic(fmt.Errorf("BUG: code cache %d reserved without a compilation thread", c.id))
	}
	if c.ReservedBy() == tid {
		panic(fmt.Errorf("BUG: thread %d reserves code cache %d twice", tid, c.id))
	}
	if c.full.Load() {
		return false
	}
	return c.reservedBy.CAS(int64(monitor.NoThread), int64(tid))
}

// Unreserve ends the reservation and lets the manager hand the cache out
// again.
func (c *CodeCache) Unreserve() {
	if tid := c.reservedBy.Swap(int64(monitor.NoThread)); tid == int64(monitor.NoThread) {
		panic(fmt.Errorf("BUG: unreserving code cache %d which is not reserved", c.id))
	}
	c.manager.onCacheReleased(c)
}

// IsReserved returns true if a thread holds the reservation.
func (c *CodeCache) IsReserved() bool {
	return c.reservedBy.Load() != int64(monitor.NoThread)
}

// ReservedBy returns the thread holding the reservation, or monitor.NoThread.
func (c *CodeCache) ReservedBy() monitor.ThreadID {
	return monitor.ThreadID(c.reservedBy.Load())
}

// IsFull returns true if an allocation did not fit since the last free block
// was added.
func (c *CodeCache) IsFull() bool {
	return c.full.Load()
}

func (c *CodeCache) requireHolder(tid monitor.ThreadID) {
	if holder := c.ReservedBy(); holder != tid {
		panic(fmt.Errorf("BUG: thread %d allocates in code cache %d reserved by thread %d", tid, c.id, holder))
	}
}

// AllocateBytes returns n bytes of warm code, rounded up to the code
// alignment. Only the reservation holder tid may allocate. When the cache
// cannot fit n bytes it is marked full and ErrCacheFull is returned.
func (c *CodeCache) AllocateBytes(tid monitor.ThreadID, n int) (CodeBlock, error) {
	c.requireHolder(tid)
	if n <= 0 {
		return CodeBlock{}, fmt.Errorf("invalid allocation size %d", n)
	}
	size := alignUp(uintptr(n), c.alignment)

	c.mux.Lock()
	defer c.mux.Unlock()
	if c.recycling {
		if start, ok := c.free.take(size); ok {
			return c.blockLocked(start, size), nil
		}
	}
	if c.coldAlloc-c.warmAlloc < size {
		return CodeBlock{}, c.markFullLocked(tid, n)
	}
	start := c.warmAlloc
	c.warmAlloc += size
	return c.blockLocked(start, size), nil
}

// AllocateColdBytes returns n bytes of cold code, rounded up to the code
// alignment, allocated downward from the trampoline area.
func (c *CodeCache) AllocateColdBytes(tid monitor.ThreadID, n int) (CodeBlock, error) {
	c.requireHolder(tid)
	if n <= 0 {
		return CodeBlock{}, fmt.Errorf("invalid allocation size %d", n)
	}
	size := alignUp(uintptr(n), c.alignment)

	c.mux.Lock()
	defer c.mux.Unlock()
	if c.coldAlloc-c.warmAlloc < size {
		return CodeBlock{}, c.markFullLocked(tid, n)
	}
	c.coldAlloc -= size
	return c.blockLocked(c.coldAlloc, size), nil
}

func (c *CodeCache) markFullLocked(tid monitor.ThreadID, n int) error {
	if !c.full.Swap(true) {
		fields := []zap.Field{zap.Int("request", n), zap.Uint64("free", uint64(c.coldAlloc-c.warmAlloc))}
		if method, ok := c.manager.host.CurrentlyCompilingMethod(tid); ok {
			fields = append(fields, zap.Uint64("method", uint64(method)))
		}
		c.logger.Warn("code cache full", fields...)
	}
	return fmt.Errorf("%w: cache %d cannot fit %d bytes", ErrCacheFull, c.id, n)
}

func (c *CodeCache) blockLocked(start, size uintptr) CodeBlock {
	off := start - c.base
	return CodeBlock{Start: start, Code: c.mem[off : off+size : off+size]}
}

// WarmAlloc returns the high-water mark of warm code. It never decreases.
func (c *CodeCache) WarmAlloc() uintptr {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.warmAlloc
}

// ColdAlloc returns the low-water mark of cold code. It never increases.
func (c *CodeCache) ColdAlloc() uintptr {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.coldAlloc
}

// Capacity returns the size of the code area, excluding trampolines.
func (c *CodeCache) Capacity() int {
	return int(c.trampolineBase - c.base)
}

// FreeSpace returns the bytes available to allocations: the gap between warm
// and cold code plus the free blocks when they are recycled.
func (c *CodeCache) FreeSpace() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	free := c.coldAlloc - c.warmAlloc
	if c.recycling {
		free += c.free.total
	}
	return int(free)
}

// LargestFreeBlock returns the largest contiguous allocation possible.
func (c *CodeCache) LargestFreeBlock() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	largest := c.coldAlloc - c.warmAlloc
	if c.recycling {
		if b := c.free.largest(); b > largest {
			largest = b
		}
	}
	return int(largest)
}

// AddFreeBlock returns [addr, addr+size) to the cache. The range is shrunk to
// the code alignment and must lie within allocated code. Adding a block clears
// the full flag, unless free blocks are not recycled.
func (c *CodeCache) AddFreeBlock(addr uintptr, size int) {
	if size <= 0 {
		return
	}
	start := alignUp(addr, c.alignment)
	end := alignDown(addr+uintptr(size), c.alignment)
	if end <= start {
		return
	}

	c.addFreeBlock(start, end)
	if !c.recycling {
		return
	}
	if c.full.Swap(false) {
		c.logger.Debug("code cache no longer full", zap.Uint64("freed", uint64(end-start)))
	}
	c.manager.onFreeBlockAdded()
}

func (c *CodeCache) addFreeBlock(start, end uintptr) {
	c.mux.Lock()
	defer c.mux.Unlock()
	inWarm := start >= c.base && end <= c.warmAlloc
	inCold := start >= c.coldAlloc && end <= c.trampolineBase
	if !inWarm && !inCold {
		panic(fmt.Errorf("BUG: free block [%#x, %#x) outside of allocated code of cache %d", start, end, c.id))
	}
	c.free.add(start, end)
}

// FreeBlocks returns the number of free blocks.
func (c *CodeCache) FreeBlocks() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.free.len()
}

// FindOrAddResolvedMethod returns the slot of ref.Method, adding it with the
// given entry point when absent. When the cache uses trampolines the new slot
// owns a stub forwarding to entry.
func (c *CodeCache) FindOrAddResolvedMethod(ref MethodRef, entry uintptr) (*ResolvedMethod, error) {
	if ref.Method == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMethod, ref)
	}

	c.mux.Lock()
	defer c.mux.Unlock()
	if r, ok := c.resolved[ref.Method]; ok {
		return r, nil
	}
	r := &ResolvedMethod{ref: ref}
	r.entry.Store(uint64(entry))
	if c.trampolineSize != 0 {
		slot, ok := c.allocateTrampolineLocked()
		if !ok {
			return nil, fmt.Errorf("%w: cache %d", ErrTrampolinesFull, c.id)
		}
		if err := c.writeTrampolineLocked(slot, entry); err != nil {
			c.freeTrampolines = append(c.freeTrampolines, slot)
			return nil, err
		}
		r.trampoline = slot
	}
	c.resolved[ref.Method] = r
	return r, nil
}

// FindResolvedMethod returns the slot of method, if resolved.
func (c *CodeCache) FindResolvedMethod(method MethodID) (*ResolvedMethod, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	r, ok := c.resolved[method]
	return r, ok
}

// ResolvedCount returns the number of resolved call targets.
func (c *CodeCache) ResolvedCount() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.resolved)
}

func (c *CodeCache) allocateTrampolineLocked() (uintptr, bool) {
	if n := len(c.freeTrampolines); n > 0 {
		slot := c.freeTrampolines[n-1]
		c.freeTrampolines = c.freeTrampolines[:n-1]
		return slot, true
	}
	if c.trampolineAlloc-c.trampolineBase < c.trampolineSize {
		return 0, false
	}
	c.trampolineAlloc -= c.trampolineSize
	return c.trampolineAlloc, true
}

func (c *CodeCache) writeTrampolineLocked(slot, target uintptr) error {
	code, err := trampoline.Encode(c.arch, target)
	if err != nil {
		return err
	}
	if uintptr(len(code)) > c.trampolineSize {
		return fmt.Errorf("trampoline of %d bytes exceeds slot size %d", len(code), c.trampolineSize)
	}
	copy(c.mem[slot-c.base:slot-c.base+c.trampolineSize], code)
	return nil
}

// RetargetTrampoline queues a new entry point for method. The stub is
// rewritten by the next SyncTrampolines. It returns false if method is not
// resolved in this cache.
func (c *CodeCache) RetargetTrampoline(method MethodID, entry uintptr) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	if _, ok := c.resolved[method]; !ok {
		return false
	}
	c.pendingTrampolines[method] = entry
	return true
}

// SyncTrampolines applies every queued retarget and returns their count.
func (c *CodeCache) SyncTrampolines() (int, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	n := 0
	for method, entry := range c.pendingTrampolines {
		delete(c.pendingTrampolines, method)
		r, ok := c.resolved[method]
		if !ok {
			continue
		}
		if r.trampoline != 0 {
			if err := c.writeTrampolineLocked(r.trampoline, entry); err != nil {
				return n, err
			}
		}
		r.entry.Store(uint64(entry))
		n++
	}
	return n, nil
}

// PendingTrampolines returns the number of queued retargets.
func (c *CodeCache) PendingTrampolines() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.pendingTrampolines)
}

// FindHelperTrampoline returns the address code in this cache calls to reach
// runtime helper number helper.
func (c *CodeCache) FindHelperTrampoline(helper int) (uintptr, error) {
	if helper < 0 || helper >= len(c.helpers) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownHelper, helper)
	}
	return c.helpers[helper], nil
}

// OnClassUnloading purges the call targets loaded by loader and returns their
// count. The host must hold exclusive access.
func (c *CodeCache) OnClassUnloading(loader LoaderID) int {
	return c.purge(func(ref MethodRef) bool { return ref.Loader == loader })
}

// OnClassRedefinition purges the call targets of oldClass and returns their
// count. The host must hold exclusive access.
func (c *CodeCache) OnClassRedefinition(oldClass, _ ClassID) int {
	return c.purge(func(ref MethodRef) bool { return ref.Class == oldClass })
}

// OnFSDDecompile purges every call target, as full speed debug invalidates all
// compiled code. The host must hold exclusive access.
func (c *CodeCache) OnFSDDecompile() int {
	return c.purge(func(MethodRef) bool { return true })
}

func (c *CodeCache) purge(stale func(MethodRef) bool) (n int) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for method, r := range c.resolved {
		if !stale(r.ref) {
			continue
		}
		delete(c.resolved, method)
		delete(c.pendingTrampolines, method)
		if r.trampoline != 0 {
			c.freeTrampolines = append(c.freeTrampolines, r.trampoline)
		}
		n++
	}
	return
}

// disclaim advises the OS that the whole pages of the free gap are unused.
func (c *CodeCache) disclaim() (bool, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	off := int(c.warmAlloc - c.segment.Base())
	return c.segment.Disclaim(off, int(c.coldAlloc-c.warmAlloc))
}
