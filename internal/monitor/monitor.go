// Package monitor is the registry of the JIT's named locks.
//
// Every lock the JIT takes while compiling is a Monitor registered in a
// Table, so that a thread can be checked for holding none of them before an
// operation that must not run under a lock. The Table also implements the
// re-entrant class unload read lock used by compilation threads.
package monitor

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// ThreadID identifies a compilation thread in [0, MaxCompilationThreads).
type ThreadID int

// NoThread is the ThreadID of threads which are not compilation threads, and
// the owner of an unowned Monitor.
const NoThread ThreadID = -1

// Monitor is a named reader-writer lock.
//
// Exclusive acquisition records the owner so that Table can answer which
// monitor a thread holds. Shared acquisition is anonymous.
type Monitor struct {
	name string
	rw   sync.RWMutex

	// owner is the ThreadID holding the monitor exclusively.
	owner atomic.Int64
	// locked is true while the monitor is held exclusively, independent of owner
	// as NoThread may hold it too.
	locked    atomic.Bool
	destroyed atomic.Bool

	// next links the monitors of a Table, guarded by the table lock.
	next *Monitor
}

func newMonitor(name string) *Monitor {
	m := &Monitor{name: name}
	m.owner.Store(int64(NoThread))
	return m
}

// Name returns the name the monitor was created with.
func (m *Monitor) Name() string {
	return m.name
}

// String implements fmt.Stringer.
func (m *Monitor) String() string {
	return m.name
}

// Enter acquires the monitor exclusively on behalf of tid.
func (m *Monitor) Enter(tid ThreadID) {
	if m.destroyed.Load() {
		panic(fmt.Errorf("BUG: enter of destroyed monitor %s", m.name))
	}
	m.rw.Lock()
	m.owner.Store(int64(tid))
	m.locked.Store(true)
}

// Exit releases the exclusive hold of tid.
func (m *Monitor) Exit(tid ThreadID) {
	if !m.locked.Load() {
		panic(fmt.Errorf("BUG: exit of monitor %s which is not held", m.name))
	}
	if owner := ThreadID(m.owner.Load()); owner != tid {
		panic(fmt.Errorf("BUG: thread %d exits monitor %s owned by thread %d", tid, m.name, owner))
	}
	m.locked.Store(false)
	m.owner.Store(int64(NoThread))
	m.rw.Unlock()
}

// EnterRead acquires the monitor in shared mode. Shared mode is not re-entrant:
// a pending writer blocks a second EnterRead of the same thread.
func (m *Monitor) EnterRead() {
	if m.destroyed.Load() {
		panic(fmt.Errorf("BUG: enter of destroyed monitor %s", m.name))
	}
	m.rw.RLock()
}

// ExitRead releases a shared hold.
func (m *Monitor) ExitRead() {
	m.rw.RUnlock()
}

// Owner returns the thread holding the monitor exclusively.
func (m *Monitor) Owner() (ThreadID, bool) {
	if !m.locked.Load() {
		return NoThread, false
	}
	return ThreadID(m.owner.Load()), true
}

// heldBy returns true if tid holds the monitor exclusively.
func (m *Monitor) heldBy(tid ThreadID) bool {
	owner, ok := m.Owner()
	return ok && owner == tid
}

func (m *Monitor) destroy() {
	if m.locked.Load() {
		panic(fmt.Errorf("BUG: destroying monitor %s while it is held", m.name))
	}
	m.destroyed.Store(true)
}
