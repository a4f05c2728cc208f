package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTable(t *testing.T, maxThreads int) *Table {
	table := NewTable(maxThreads, zaptest.NewLogger(t))
	t.Cleanup(table.Close)
	return table
}

func TestNewTable(t *testing.T) {
	table := newTestTable(t, 4)
	require.Equal(t, 4, table.MaxCompilationThreads())

	var names []string
	for _, m := range table.Monitors() {
		names = append(names, m.Name())
	}
	require.ElementsMatch(t, []string{
		TableMonitorName,
		ClassUnloadMonitorName,
		CodeCacheListMonitorName,
		ScratchMemoryPoolMonitorName,
		ClassTableMonitorName,
		IProfilerPersistenceMonitorName,
	}, names)

	require.Equal(t, ClassUnloadMonitorName, table.ClassUnloadMonitor().Name())
	require.Equal(t, CodeCacheListMonitorName, table.CodeCacheListMonitor().Name())
	require.Equal(t, ScratchMemoryPoolMonitorName, table.ScratchMemoryPoolMonitor().Name())
	require.Equal(t, ClassTableMonitorName, table.ClassTableMonitor().Name())
	require.Equal(t, IProfilerPersistenceMonitorName, table.IProfilerPersistenceMonitor().Name())

	require.Panics(t, func() { NewTable(0, nil) })
}

func TestTable_CreateRemoveAndDestroy(t *testing.T) {
	table := newTestTable(t, 1)
	before := len(table.Monitors())

	a := table.Create("a")
	b := table.Create("b")
	require.Equal(t, before+2, len(table.Monitors()))

	require.True(t, table.RemoveAndDestroy(a))
	require.False(t, table.RemoveAndDestroy(a))
	require.Equal(t, before+1, len(table.Monitors()))
	require.NotContains(t, table.Monitors(), a)
	require.Contains(t, table.Monitors(), b)

	t.Run("destroyed monitor cannot be entered", func(t *testing.T) {
		require.Panics(t, func() { a.Enter(0) })
	})
	t.Run("held monitor cannot be destroyed", func(t *testing.T) {
		b.Enter(0)
		require.Panics(t, func() { table.RemoveAndDestroy(b) })
		b.Exit(0)
	})
	t.Run("bootstrap monitor cannot be removed", func(t *testing.T) {
		require.Panics(t, func() { table.RemoveAndDestroy(table.CodeCacheListMonitor()) })
	})
}

func TestMonitor_EnterExit(t *testing.T) {
	table := newTestTable(t, 2)
	m := table.Create("m")

	_, held := m.Owner()
	require.False(t, held)

	m.Enter(1)
	owner, held := m.Owner()
	require.True(t, held)
	require.Equal(t, ThreadID(1), owner)

	require.PanicsWithError(t, "BUG: thread 0 exits monitor m owned by thread 1", func() { m.Exit(0) })
	m.Exit(1)
	require.PanicsWithError(t, "BUG: exit of monitor m which is not held", func() { m.Exit(1) })
}

func TestTable_IsThreadInSafeMonitorState(t *testing.T) {
	table := newTestTable(t, 2)
	m := table.Create("m")

	require.True(t, table.IsThreadInSafeMonitorState(0))
	require.Nil(t, table.MonitorHeldByThread(0))

	m.Enter(0)
	require.False(t, table.IsThreadInSafeMonitorState(0))
	require.Equal(t, m, table.MonitorHeldByThread(0))
	require.True(t, table.IsThreadInSafeMonitorState(1))
	m.Exit(0)
	require.True(t, table.IsThreadInSafeMonitorState(0))

	table.ReadAcquireClassUnloadMonitor(1)
	require.False(t, table.IsThreadInSafeMonitorState(1))
	require.Nil(t, table.MonitorHeldByThread(1))
	table.ReadReleaseClassUnloadMonitor(1)
	require.True(t, table.IsThreadInSafeMonitorState(1))

	// A monitor entered outside of compilation threads is not attributed to
	// any of them.
	list := table.CodeCacheListMonitor()
	list.Enter(NoThread)
	require.Nil(t, table.MonitorHeldByThread(NoThread))
	require.True(t, table.IsThreadInSafeMonitorState(NoThread))
	require.True(t, table.IsThreadInSafeMonitorState(0))
	list.Exit(NoThread)
}

func TestTable_ClassUnloadMonitorReadDepth(t *testing.T) {
	const k = 5
	table := newTestTable(t, 2)

	for i := 1; i <= k; i++ {
		require.Equal(t, i, table.ReadAcquireClassUnloadMonitor(0))
	}
	require.Equal(t, k, table.ClassUnloadReadDepth(0))

	// A disjoint thread is not blocked by the nested read holds of thread 0.
	done := make(chan int)
	go func() {
		depth := table.ReadAcquireClassUnloadMonitor(1)
		table.ReadReleaseClassUnloadMonitor(1)
		done <- depth
	}()
	select {
	case depth := <-done:
		require.Equal(t, 1, depth)
	case <-time.After(5 * time.Second):
		t.Fatal("thread 1 blocked on the class unload monitor")
	}

	for i := k - 1; i >= 0; i-- {
		require.Equal(t, i, table.ReadReleaseClassUnloadMonitor(0))
	}
	require.Equal(t, 0, table.ClassUnloadReadDepth(0))
	require.Equal(t, 0, table.ClassUnloadReadDepth(1))

	// The read lock was really released: a writer gets through.
	table.AcquireClassUnloadMonitorForWrite(NoThread)
	table.ReleaseClassUnloadMonitorForWrite(NoThread)
}

func TestTable_ClassUnloadMonitorWriterExcludesReaders(t *testing.T) {
	table := newTestTable(t, 1)

	table.AcquireClassUnloadMonitorForWrite(NoThread)
	acquired := make(chan struct{})
	go func() {
		table.ReadAcquireClassUnloadMonitor(0)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("reader got through while the writer holds the monitor")
	case <-time.After(50 * time.Millisecond):
	}

	table.ReleaseClassUnloadMonitorForWrite(NoThread)
	<-acquired
	require.Equal(t, 0, table.ReadReleaseClassUnloadMonitor(0))
}

func TestTable_ClassUnloadMonitorMisuse(t *testing.T) {
	table := newTestTable(t, 2)

	require.PanicsWithError(t, "BUG: compilation thread 0 does not hold the class unload monitor", func() {
		table.ReadReleaseClassUnloadMonitor(0)
	})
	require.PanicsWithError(t, "BUG: compilation thread 2 out of range [0, 2)", func() {
		table.ReadAcquireClassUnloadMonitor(2)
	})

	table.ReadAcquireClassUnloadMonitor(1)
	require.PanicsWithError(t, "BUG: thread 1 upgrades its class unload read hold", func() {
		table.AcquireClassUnloadMonitorForWrite(1)
	})
	table.ReadReleaseClassUnloadMonitor(1)
}

func TestTable_ClassUnloadMonitorConcurrentPairs(t *testing.T) {
	const threads, k = 4, 100
	table := newTestTable(t, threads)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		tid := ThreadID(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < k; j++ {
				table.ReadAcquireClassUnloadMonitor(tid)
				table.ReadAcquireClassUnloadMonitor(tid)
				table.ReadReleaseClassUnloadMonitor(tid)
				table.ReadReleaseClassUnloadMonitor(tid)
			}
		}()
	}
	// Writers interleave with the readers.
	for j := 0; j < 10; j++ {
		table.AcquireClassUnloadMonitorForWrite(NoThread)
		table.ReleaseClassUnloadMonitorForWrite(NoThread)
	}
	wg.Wait()

	for i := 0; i < threads; i++ {
		require.Equal(t, 0, table.ClassUnloadReadDepth(ThreadID(i)))
	}
}

func TestTable_Close(t *testing.T) {
	table := NewTable(1, nil)
	m := table.Create("m")
	table.Close()
	table.Close()
	require.Panics(t, func() { m.Enter(0) })
	require.Panics(t, func() { table.Create("n") })
}
