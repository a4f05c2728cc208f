package monitor

import (
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Names of the bootstrap monitors every Table creates.
const (
	TableMonitorName                = "JIT-MonitorTableMonitor"
	ClassUnloadMonitorName          = "JIT-ClassUnloadMonitor"
	CodeCacheListMonitorName        = "JIT-CodeCacheListMutex"
	ScratchMemoryPoolMonitorName    = "JIT-ScratchMemoryPoolMonitor"
	ClassTableMonitorName           = "JIT-ClassTableMutex"
	IProfilerPersistenceMonitorName = "JIT-IProfilerPersistenceMonitor"
)

// Table is the registry of every Monitor used by the JIT.
//
// There is one Table per process. It is created and torn down explicitly by
// its owner instead of living in a package variable.
type Table struct {
	logger *zap.Logger

	// tableMonitor guards head and closed.
	tableMonitor *Monitor
	head         *Monitor
	closed       bool

	classUnloadMonitor          *Monitor
	codeCacheListMonitor        *Monitor
	scratchMemoryPoolMonitor    *Monitor
	classTableMonitor           *Monitor
	iprofilerPersistenceMonitor *Monitor

	// classUnloadHolders is the class unload read depth per compilation thread.
	// Each slot is only written by its own thread.
	classUnloadHolders []atomic.Int32
}

// NewTable creates a Table with its bootstrap monitors. maxCompilationThreads
// bounds the ThreadIDs accepted by the class unload read lock.
func NewTable(maxCompilationThreads int, logger *zap.Logger) *Table {
	if maxCompilationThreads <= 0 {
		panic(fmt.Errorf("BUG: invalid maxCompilationThreads %d", maxCompilationThreads))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{
		logger:             logger,
		tableMonitor:       newMonitor(TableMonitorName),
		classUnloadHolders: make([]atomic.Int32, maxCompilationThreads),
	}
	t.head = t.tableMonitor
	t.classUnloadMonitor = t.Create(ClassUnloadMonitorName)
	t.codeCacheListMonitor = t.Create(CodeCacheListMonitorName)
	t.scratchMemoryPoolMonitor = t.Create(ScratchMemoryPoolMonitorName)
	t.classTableMonitor = t.Create(ClassTableMonitorName)
	t.iprofilerPersistenceMonitor = t.Create(IProfilerPersistenceMonitorName)
	return t
}

// ClassUnloadMonitor is held for write while classes are unloaded and for read by
// compilation threads through ReadAcquireClassUnloadMonitor.
func (t *Table) ClassUnloadMonitor() *Monitor { return t.classUnloadMonitor }

// CodeCacheListMonitor guards the code cache list of the code cache manager.
func (t *Table) CodeCacheListMonitor() *Monitor { return t.codeCacheListMonitor }

// ScratchMemoryPoolMonitor guards the compilation scratch memory pool.
func (t *Table) ScratchMemoryPoolMonitor() *Monitor { return t.scratchMemoryPoolMonitor }

// ClassTableMonitor guards the persistent class table.
func (t *Table) ClassTableMonitor() *Monitor { return t.classTableMonitor }

// IProfilerPersistenceMonitor guards persisting interpreter profiling data.
func (t *Table) IProfilerPersistenceMonitor() *Monitor { return t.iprofilerPersistenceMonitor }

// MaxCompilationThreads returns the number of class unload read counters.
func (t *Table) MaxCompilationThreads() int {
	return len(t.classUnloadHolders)
}

// Create returns a new Monitor registered in the table.
func (t *Table) Create(name string) *Monitor {
	m := newMonitor(name)

	t.tableMonitor.Enter(NoThread)
	defer t.tableMonitor.Exit(NoThread)
	if t.closed {
		panic(fmt.Errorf("BUG: creating monitor %s in a closed table", name))
	}
	m.next = t.head
	t.head = m
	t.logger.Debug("monitor created", zap.String("name", name))
	return m
}

// RemoveAndDestroy unlinks m from the table and destroys it. It returns false
// if m is not registered. Bootstrap monitors live as long as the table.
func (t *Table) RemoveAndDestroy(m *Monitor) bool {
	if t.isBootstrap(m) {
		panic(fmt.Errorf("BUG: removing bootstrap monitor %s", m.name))
	}

	t.tableMonitor.Enter(NoThread)
	found := false
	for prev, cur := (*Monitor)(nil), t.head; cur != nil; prev, cur = cur, cur.next {
		if cur != m {
			continue
		}
		if prev == nil {
			t.head = cur.next
		} else {
			prev.next = cur.next
		}
		found = true
		break
	}
	t.tableMonitor.Exit(NoThread)

	if !found {
		return false
	}
	m.next = nil
	m.destroy()
	t.logger.Debug("monitor destroyed", zap.String("name", m.name))
	return true
}

func (t *Table) isBootstrap(m *Monitor) bool {
	switch m {
	case t.tableMonitor, t.classUnloadMonitor, t.codeCacheListMonitor, t.scratchMemoryPoolMonitor,
		t.classTableMonitor, t.iprofilerPersistenceMonitor:
		return true
	}
	return false
}

// Monitors returns the registered monitors, most recently created first.
func (t *Table) Monitors() (ret []*Monitor) {
	t.tableMonitor.Enter(NoThread)
	defer t.tableMonitor.Exit(NoThread)
	for m := t.head; m != nil; m = m.next {
		ret = append(ret, m)
	}
	return
}

func (t *Table) slot(tid ThreadID) *atomic.Int32 {
	if tid < 0 || int(tid) >= len(t.classUnloadHolders) {
		panic(fmt.Errorf("BUG: compilation thread %d out of range [0, %d)", tid, len(t.classUnloadHolders)))
	}
	return &t.classUnloadHolders[tid]
}

// ReadAcquireClassUnloadMonitor takes the class unload monitor for read on
// behalf of compilation thread tid and returns the new read depth.
//
// The underlying lock is only taken on the first acquisition, so a
// compilation thread may nest acquisitions even though the lock itself is not
// re-entrant. NoThread takes the lock without counting and returns 0.
func (t *Table) ReadAcquireClassUnloadMonitor(tid ThreadID) int {
	if tid == NoThread {
		t.classUnloadMonitor.EnterRead()
		return 0
	}
	holders := t.slot(tid)
	if holders.Load() == 0 {
		t.classUnloadMonitor.EnterRead()
	}
	return int(holders.Inc())
}

// ReadReleaseClassUnloadMonitor undoes one ReadAcquireClassUnloadMonitor of
// tid and returns the remaining read depth. The lock is released when the
// depth drops to zero. Releasing without a read hold panics.
func (t *Table) ReadReleaseClassUnloadMonitor(tid ThreadID) int {
	if tid == NoThread {
		t.classUnloadMonitor.ExitRead()
		return 0
	}
	holders := t.slot(tid)
	if holders.Load() <= 0 {
		panic(fmt.Errorf("BUG: compilation thread %d does not hold the class unload monitor", tid))
	}
	remaining := holders.Dec()
	if remaining == 0 {
		t.classUnloadMonitor.ExitRead()
	}
	return int(remaining)
}

// ClassUnloadReadDepth returns the class unload read depth of tid.
func (t *Table) ClassUnloadReadDepth(tid ThreadID) int {
	if tid == NoThread {
		return 0
	}
	return int(t.slot(tid).Load())
}

// AcquireClassUnloadMonitorForWrite blocks until no compilation thread holds
// the class unload monitor for read, then holds it exclusively.
func (t *Table) AcquireClassUnloadMonitorForWrite(tid ThreadID) {
	if t.ClassUnloadReadDepth(tid) > 0 {
		panic(fmt.Errorf("BUG: thread %d upgrades its class unload read hold", tid))
	}
	t.classUnloadMonitor.Enter(tid)
}

// ReleaseClassUnloadMonitorForWrite releases AcquireClassUnloadMonitorForWrite.
func (t *Table) ReleaseClassUnloadMonitorForWrite(tid ThreadID) {
	t.classUnloadMonitor.Exit(tid)
}

// MonitorHeldByThread returns the first registered monitor tid holds
// exclusively, or nil. NoThread is shared by every goroutine which is not a
// compilation thread, so it never holds a monitor as far as this query goes.
func (t *Table) MonitorHeldByThread(tid ThreadID) *Monitor {
	if tid == NoThread {
		return nil
	}
	t.tableMonitor.Enter(NoThread)
	defer t.tableMonitor.Exit(NoThread)
	for m := t.head; m != nil; m = m.next {
		if m != t.tableMonitor && m.heldBy(tid) {
			return m
		}
	}
	return nil
}

// IsThreadInSafeMonitorState returns false if tid holds any registered
// monitor, including a class unload read hold. It is always true for NoThread.
func (t *Table) IsThreadInSafeMonitorState(tid ThreadID) bool {
	if tid == NoThread {
		return true
	}
	if t.ClassUnloadReadDepth(tid) > 0 {
		return false
	}
	return t.MonitorHeldByThread(tid) == nil
}

// Close destroys every monitor. The table cannot be used afterwards.
func (t *Table) Close() {
	t.tableMonitor.Enter(NoThread)
	if t.closed {
		t.tableMonitor.Exit(NoThread)
		return
	}
	t.closed = true
	head := t.head
	t.head = nil
	t.tableMonitor.Exit(NoThread)

	for m := head; m != nil; {
		next := m.next
		m.next = nil
		if m != t.tableMonitor {
			m.destroy()
		}
		m = next
	}
	t.logger.Debug("monitor table closed")
}
