// Package codecache manages the executable memory of the JIT.
//
// A Manager owns a list of CodeCache arenas carved from OS virtual memory.
// Compilation threads reserve a code cache, write code into it without further
// locking and release it when done. The Manager grows the list on demand,
// subject to the configured limits and to the free physical memory, and
// sweeps the caches when classes are unloaded or redefined.
package codecache

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/elastic/go-freelru"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tetratelabs/jitmem/internal/memseg"
	"github.com/tetratelabs/jitmem/internal/monitor"
)

// Manager is the collection of code caches of a process.
//
// There is one Manager per process, owned by the session which created it.
// All methods are safe for concurrent use unless documented otherwise.
type Manager struct {
	config  Config
	backend memseg.Backend
	host    Host
	logger  *zap.Logger

	// self is the address locality is measured from.
	self uintptr

	// listMonitor guards the list of caches and repository carving.
	listMonitor *monitor.Monitor
	head, tail  *CodeCache
	numCaches   atomic.Int32
	// repository is the segment all caches are carved from when the
	// configuration is consolidated, otherwise nil.
	repository *memseg.Segment

	// codeCacheFull is set when a reservation failed with no other cache
	// reserved. It is cleared when a free block is added.
	codeCacheFull atomic.Bool
	// lowSpace is set once AlmostOutOfCodeCache returned true and never cleared.
	lowSpace atomic.Bool
	closed   atomic.Bool

	// released is closed and replaced each time a cache is unreserved.
	releasedMux sync.Mutex
	released    chan struct{}

	// pcCache maps page numbers to the code cache holding them.
	pcCache *freelru.SyncedLRU[uintptr, *CodeCache]

	faintMux  sync.Mutex
	faintHead *FaintCacheBlock
	numFaint  int
}

// NewManager creates the code caches configured to exist at startup. It fails
// if not even the first code cache can be created.
func NewManager(config Config, backend memseg.Backend, host Host, monitors *monitor.Table, logger *zap.Logger) (*Manager, error) {
	return newManager(config, backend, host, monitors, logger, selfAddress())
}

// selfAddress returns the address of the manager's own code, a proxy for
// where the compiler is loaded.
func selfAddress() uintptr {
	return reflect.ValueOf((*Manager).ChooseStartAddress).Pointer()
}

func newManager(config Config, backend memseg.Backend, host Host, monitors *monitor.Table, logger *zap.Logger, self uintptr) (*Manager, error) {
	cfg, err := config.normalize(backend.PageSize())
	if err != nil {
		return nil, fmt.Errorf("invalid code cache configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pcCache, err := freelru.NewSynced[uintptr, *CodeCache](uint32(cfg.PCLookupCacheSize), hashPage)
	if err != nil {
		return nil, fmt.Errorf("creating pc lookup cache: %w", err)
	}

	m := &Manager{
		config:      cfg,
		backend:     backend,
		host:        host,
		logger:      logger.Named("codecache"),
		self:        self,
		listMonitor: monitors.CodeCacheListMonitor(),
		released:    make(chan struct{}),
		pcCache:     pcCache,
	}

	if cfg.Consolidate {
		size := cfg.MaxCaches * cfg.CacheSize
		start, _ := m.ChooseStartAddress(size + cfg.Padding)
		if m.repository, err = m.allocateCodeCacheSegment(size+cfg.Padding, size, start); err != nil {
			return nil, fmt.Errorf("reserving code cache repository: %w", err)
		}
	}

	m.listMonitor.Enter(monitor.NoThread)
	for i := 0; i < cfg.NumCodeCachesAtStartup; i++ {
		if _, err = m.addCodeCacheLocked(); err == nil {
			continue
		}
		if i == 0 {
			m.listMonitor.Exit(monitor.NoThread)
			_ = m.Close()
			return nil, fmt.Errorf("creating first code cache: %w", err)
		}
		m.logger.Warn("fewer code caches at startup than configured", zap.Int("created", i), zap.Error(err))
		break
	}
	m.listMonitor.Exit(monitor.NoThread)
	return m, nil
}

func hashPage(page uintptr) uint32 {
	p := uint64(page)
	p ^= p >> 33
	p *= 0xff51afd7ed558ccd
	p ^= p >> 33
	return uint32(p)
}

// Config returns the normalized configuration.
func (m *Manager) Config() Config {
	return m.config
}

// ChooseStartAddress returns the preferred address of a repository of
// repositorySize bytes, near the code of the manager itself. ok is false when
// the platform gains nothing from locality.
func (m *Manager) ChooseStartAddress(repositorySize int) (start uintptr, ok bool) {
	return m.config.Placement.StartAddress(m.self, repositorySize)
}

// IsSufficientPhysicalMemoryAvailable returns false if creating requestedSize
// bytes of code cache would eat into the safe reserve of physical memory.
// The check is skipped when swapping is permitted and swap is configured.
func (m *Manager) IsSufficientPhysicalMemoryAvailable(requestedSize uint64) bool {
	if m.config.AllowSwap && m.host.SwapConfigured() {
		return true
	}
	free, ok := m.host.FreePhysicalMemory()
	if !ok {
		return true
	}
	reserve := m.config.SafeReservePhysicalMemory
	return free >= reserve && free-reserve >= requestedSize
}

// allocateCodeCacheSegment reserves size bytes at preferred, or anywhere when
// that fails, and commits the first commitSize bytes.
func (m *Manager) allocateCodeCacheSegment(size, commitSize int, preferred uintptr) (*memseg.Segment, error) {
	var seg *memseg.Segment
	var err error
	if preferred != 0 {
		if seg, err = memseg.Acquire(m.backend, size, preferred, m.config.LargePageSize); err != nil {
			m.logger.Info("code cache placement refused", zap.Uintptr("preferred", preferred), zap.Error(err))
		}
	}
	if seg == nil {
		if seg, err = memseg.Acquire(m.backend, size, 0, m.config.LargePageSize); err != nil {
			return nil, err
		}
	}
	if err = seg.Commit(commitSize); err != nil {
		return nil, multierr.Append(fmt.Errorf("committing code cache: %w", err), seg.Release())
	}
	if m.config.Placement.HugePages {
		if err = seg.AdviseHugePages(); err != nil {
			m.logger.Warn("huge page hint failed", zap.Uintptr("base", seg.Base()), zap.Error(err))
		}
	}
	return seg, nil
}

// addCodeCacheLocked creates a code cache and appends it to the list. The
// caller holds the list monitor exclusively.
func (m *Manager) addCodeCacheLocked() (*CodeCache, error) {
	id := int(m.numCaches.Load())
	size := m.config.CacheSize

	var seg *memseg.Segment
	var base uintptr
	if m.repository != nil {
		off := id * size
		if off+size > m.repository.Committed() {
			return nil, fmt.Errorf("code cache repository exhausted after %d caches", id)
		}
		seg, base = m.repository, m.repository.Base()+uintptr(off)
	} else {
		var hint uintptr
		if m.tail == nil {
			hint, _ = m.ChooseStartAddress(m.config.MaxCaches * size)
		} else if m.config.Placement.MaxUsefulDistance != 0 {
			hint = m.tail.End()
		}
		var err error
		if seg, err = m.allocateCodeCacheSegment(size, size, hint); err != nil {
			return nil, err
		}
		base = seg.Base()
	}

	c, err := newCodeCache(m, id, seg, base, size)
	if err != nil {
		if m.repository == nil {
			err = multierr.Append(err, seg.Release())
		}
		return nil, err
	}
	if m.tail == nil {
		m.head = c
	} else {
		m.tail.next = c
	}
	m.tail = c
	m.numCaches.Inc()

	m.host.OnCodeCacheCreated(c.Base(), c.End())
	m.logger.Debug("code cache created", zap.Int("cache", id),
		zap.Uintptr("base", c.Base()), zap.Uintptr("end", c.End()))
	return c, nil
}

// canGrow returns true if another code cache may be created.
func (m *Manager) canGrow() bool {
	return m.config.AllowGrowth &&
		int(m.numCaches.Load()) < m.config.MaxCaches &&
		m.IsSufficientPhysicalMemoryAvailable(uint64(m.config.CacheSize))
}

// ReserveCodeCache reserves a code cache with at least sizeEstimate bytes free
// for thread tid, contiguous when contiguityRequired. A new code cache is
// created when none qualifies and growth is allowed.
//
// On failure nil is returned with the number of code caches currently
// reserved: when positive, the caller may retry after one is released,
// otherwise the code cache is full.
func (m *Manager) ReserveCodeCache(contiguityRequired bool, sizeEstimate int, tid monitor.ThreadID) (*CodeCache, int) {
	if m.closed.Load() {
		return nil, 0
	}
	m.listMonitor.Enter(tid)
	defer m.listMonitor.Exit(tid)

	reserved := 0
	for c := m.head; c != nil; c = c.next {
		if c.IsReserved() {
			reserved++
			continue
		}
		if c.IsFull() {
			continue
		}
		available := c.FreeSpace()
		if contiguityRequired {
			available = c.LargestFreeBlock()
		}
		if available >= sizeEstimate && c.Reserve(tid) {
			return c, 0
		}
	}

	// Every cache has the capacity of the first, so a new one cannot serve a
	// larger request.
	if m.head != nil && sizeEstimate <= m.head.Capacity() && m.canGrow() {
		c, err := m.addCodeCacheLocked()
		if err != nil {
			m.logger.Warn("code cache growth failed", zap.Error(err))
		} else if c.LargestFreeBlock() >= sizeEstimate && c.Reserve(tid) {
			return c, 0
		}
	}

	if reserved == 0 && !m.codeCacheFull.Swap(true) {
		m.logger.Warn("code cache full", zap.Int("caches", int(m.numCaches.Load())), zap.Int("request", sizeEstimate))
	}
	return nil, reserved
}

// ReserveCodeCacheWait is like ReserveCodeCache, but waits for another thread
// to release a code cache instead of failing while one is reserved. It returns
// ErrCodeCacheFull when nothing is reserved and no code cache qualifies.
func (m *Manager) ReserveCodeCacheWait(ctx context.Context, contiguityRequired bool, sizeEstimate int, tid monitor.ThreadID) (*CodeCache, error) {
	for {
		released := m.releaseSignal()
		if m.closed.Load() {
			return nil, ErrClosed
		}
		c, reserved := m.ReserveCodeCache(contiguityRequired, sizeEstimate, tid)
		if c != nil {
			return c, nil
		}
		if reserved == 0 {
			return nil, ErrCodeCacheFull
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-released:
		}
	}
}

func (m *Manager) releaseSignal() <-chan struct{} {
	m.releasedMux.Lock()
	defer m.releasedMux.Unlock()
	return m.released
}

func (m *Manager) broadcastRelease() {
	m.releasedMux.Lock()
	defer m.releasedMux.Unlock()
	close(m.released)
	m.released = make(chan struct{})
}

// onCacheReleased is called by CodeCache.Unreserve.
func (m *Manager) onCacheReleased(c *CodeCache) {
	if c.FreeSpace() < m.config.LowCodeCacheThreshold {
		m.AlmostOutOfCodeCache()
	}
	m.broadcastRelease()
}

// onFreeBlockAdded is called by CodeCache.AddFreeBlock.
func (m *Manager) onFreeBlockAdded() {
	if m.codeCacheFull.Swap(false) {
		m.logger.Info("code cache space reclaimed")
	}
}

// CodeCacheFull returns true if the last reservation found no code cache,
// until space is reclaimed. The host backs off compilations meanwhile.
func (m *Manager) CodeCacheFull() bool {
	return m.codeCacheFull.Load()
}

// LowSpace returns true once AlmostOutOfCodeCache returned true.
func (m *Manager) LowSpace() bool {
	return m.lowSpace.Load()
}

// AlmostOutOfCodeCache returns true if no code cache can be created and none
// has LowCodeCacheThreshold bytes free. The first true result is sticky.
func (m *Manager) AlmostOutOfCodeCache() bool {
	if m.lowSpace.Load() {
		return true
	}
	if m.canGrow() {
		return false
	}

	m.listMonitor.EnterRead()
	for c := m.head; c != nil; c = c.next {
		if c.FreeSpace() >= m.config.LowCodeCacheThreshold {
			m.listMonitor.ExitRead()
			return false
		}
	}
	m.listMonitor.ExitRead()

	if m.lowSpace.CAS(false, true) {
		m.logger.Warn("code cache low on space", zap.Int("threshold", m.config.LowCodeCacheThreshold))
	}
	return true
}

// forEach calls fn on every code cache under the list monitor.
func (m *Manager) forEach(fn func(*CodeCache)) {
	m.listMonitor.EnterRead()
	defer m.listMonitor.ExitRead()
	for c := m.head; c != nil; c = c.next {
		fn(c)
	}
}

// syncTrampolines applies the queued trampoline retargets of every cache.
func (m *Manager) syncTrampolines() {
	if !m.config.needsTrampolines {
		return
	}
	m.forEach(func(c *CodeCache) {
		if _, err := c.SyncTrampolines(); err != nil {
			m.logger.Error("trampoline sync failed", zap.Int("cache", c.ID()), zap.Error(err))
		}
	})
}

// OnClassUnloading purges the call targets and faint blocks of loader. The
// host must hold exclusive access.
func (m *Manager) OnClassUnloading(loader LoaderID) {
	m.syncTrampolines()
	purged := 0
	m.forEach(func(c *CodeCache) { purged += c.OnClassUnloading(loader) })
	faint := m.purgeFaintBlocks(loader)
	m.logger.Debug("class loader unloaded", zap.Uint64("loader", uint64(loader)),
		zap.Int("resolved", purged), zap.Int("faint", faint))
}

// OnClassRedefinition purges the call targets of oldClass. The host must hold
// exclusive access.
func (m *Manager) OnClassRedefinition(oldClass, newClass ClassID) {
	m.syncTrampolines()
	purged := 0
	m.forEach(func(c *CodeCache) { purged += c.OnClassRedefinition(oldClass, newClass) })
	m.logger.Debug("class redefined", zap.Uint64("old", uint64(oldClass)),
		zap.Uint64("new", uint64(newClass)), zap.Int("resolved", purged))
}

// OnFSDDecompile purges every call target. The host must hold exclusive access.
func (m *Manager) OnFSDDecompile() {
	m.syncTrampolines()
	purged := 0
	m.forEach(func(c *CodeCache) { purged += c.OnFSDDecompile() })
	m.logger.Debug("full speed debug decompile", zap.Int("resolved", purged))
}

// DisclaimAllCodeCaches advises the OS that the free gap of every code cache
// may be evicted, and returns the number of caches disclaimed.
func (m *Manager) DisclaimAllCodeCaches() int {
	if !m.config.DisclaimEnabled {
		return 0
	}
	n := 0
	m.forEach(func(c *CodeCache) {
		ok, err := c.disclaim()
		switch {
		case err != nil:
			m.logger.Debug("disclaim failed", zap.Int("cache", c.ID()), zap.Error(err))
		case ok:
			n++
		}
	})
	m.logger.Debug("code caches disclaimed", zap.Int("count", n))
	return n
}

// FindCodeCacheFromPC returns the code cache containing pc, or nil.
func (m *Manager) FindCodeCacheFromPC(pc uintptr) *CodeCache {
	page := pc / uintptr(m.backend.PageSize())
	if c, ok := m.pcCache.Get(page); ok && c.Contains(pc) {
		return c
	}

	m.listMonitor.EnterRead()
	defer m.listMonitor.ExitRead()
	for c := m.head; c != nil; c = c.next {
		if c.Contains(pc) {
			m.pcCache.Add(page, c)
			return c
		}
	}
	return nil
}

// FindHelperTrampoline returns the address code at callSite calls to reach
// runtime helper number helper.
func (m *Manager) FindHelperTrampoline(helper int, callSite uintptr) (uintptr, error) {
	c := m.FindCodeCacheFromPC(callSite)
	if c == nil {
		return 0, fmt.Errorf("%w: %#x", ErrNotInCodeCache, callSite)
	}
	return c.FindHelperTrampoline(helper)
}

// CodeCaches returns the code caches in creation order.
func (m *Manager) CodeCaches() (ret []*CodeCache) {
	m.forEach(func(c *CodeCache) { ret = append(ret, c) })
	return
}

// Close releases the memory of every code cache. Code caches must not be
// used afterwards.
func (m *Manager) Close() (err error) {
	if !m.closed.CAS(false, true) {
		return nil
	}
	m.listMonitor.Enter(monitor.NoThread)
	if m.repository != nil {
		err = m.repository.Release()
	} else {
		for c := m.head; c != nil; c = c.next {
			err = multierr.Append(err, c.segment.Release())
		}
	}
	m.head, m.tail = nil, nil
	m.listMonitor.Exit(monitor.NoThread)

	m.pcCache.Purge()
	m.broadcastRelease()
	if err != nil {
		return fmt.Errorf("releasing code caches: %w", err)
	}
	return nil
}

// IsClosed returns true after Close.
func (m *Manager) IsClosed() bool {
	return m.closed.Load()
}
