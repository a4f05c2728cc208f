package codecache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tetratelabs/jitmem/internal/monitor"
	"github.com/tetratelabs/jitmem/internal/testing/fakemem"
)

const (
	testPageSize  = 4096
	testCacheSize = 16 << 10
	// testSelf stands in for the address of the manager's code.
	testSelf = uintptr(0x5555_0000_1234)
	// testThreads is the number of compilation threads of test monitor tables.
	testThreads = 16
)

// fakeHost implements Host.
type fakeHost struct {
	mux        sync.Mutex
	free       uint64
	freeKnown  bool
	swap       bool
	created    [][2]uintptr
	compiling  map[monitor.ThreadID]MethodID
	exclusive  sync.Mutex
	exclusives int
}

func newFakeHost() *fakeHost {
	return &fakeHost{compiling: map[monitor.ThreadID]MethodID{}}
}

func (h *fakeHost) setFreePhysicalMemory(free uint64, known bool) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.free, h.freeKnown = free, known
}

// FreePhysicalMemory implements Host.FreePhysicalMemory.
func (h *fakeHost) FreePhysicalMemory() (uint64, bool) {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.free, h.freeKnown
}

// SwapConfigured implements Host.SwapConfigured.
func (h *fakeHost) SwapConfigured() bool {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.swap
}

// AcquireExclusiveAccess implements Host.AcquireExclusiveAccess.
func (h *fakeHost) AcquireExclusiveAccess() {
	h.exclusive.Lock()
	h.exclusives++
}

// ReleaseExclusiveAccess implements Host.ReleaseExclusiveAccess.
func (h *fakeHost) ReleaseExclusiveAccess() {
	h.exclusive.Unlock()
}

// CurrentlyCompilingMethod implements Host.CurrentlyCompilingMethod.
func (h *fakeHost) CurrentlyCompilingMethod(tid monitor.ThreadID) (MethodID, bool) {
	h.mux.Lock()
	defer h.mux.Unlock()
	m, ok := h.compiling[tid]
	return m, ok
}

// OnCodeCacheCreated implements Host.OnCodeCacheCreated.
func (h *fakeHost) OnCodeCacheCreated(base, end uintptr) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.created = append(h.created, [2]uintptr{base, end})
}

func (h *fakeHost) createdCaches() [][2]uintptr {
	h.mux.Lock()
	defer h.mux.Unlock()
	return append([][2]uintptr(nil), h.created...)
}

// testConfig returns a configuration of two small code caches without
// trampolines, of which one exists at startup.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TotalSize = 2 * testCacheSize
	cfg.CacheSize = testCacheSize
	cfg.Trampolines = TrampolinesOff
	cfg.LowCodeCacheThreshold = 1 << 10
	cfg.SafeReservePhysicalMemory = 0
	return cfg
}

// trampolineConfig returns testConfig with amd64 trampolines, which encode on
// any host.
func trampolineConfig() Config {
	cfg := testConfig()
	cfg.Trampolines = TrampolinesOn
	cfg.Arch = "amd64"
	return cfg
}

type testManager struct {
	*Manager
	backend *fakemem.Backend
	host    *fakeHost
	table   *monitor.Table
}

func newTestManager(t *testing.T, cfg Config) *testManager {
	tm, err := tryNewTestManager(t, cfg, fakemem.New(testPageSize))
	require.NoError(t, err)
	return tm
}

func tryNewTestManager(t *testing.T, cfg Config, backend *fakemem.Backend) (*testManager, error) {
	host := newFakeHost()
	table := monitor.NewTable(testThreads, zaptest.NewLogger(t))
	m, err := newManager(cfg, backend, host, table, zaptest.NewLogger(t), testSelf)
	if err != nil {
		table.Close()
		return nil, err
	}
	t.Cleanup(func() {
		require.NoError(t, m.Close())
		table.Close()
	})
	return &testManager{Manager: m, backend: backend, host: host, table: table}, nil
}

// firstCache returns the first code cache of m.
func (m *testManager) firstCache(t *testing.T) *CodeCache {
	caches := m.CodeCaches()
	require.NotEmpty(t, caches)
	return caches[0]
}

// readCode returns size bytes of the code cache at addr.
func readCode(c *CodeCache, addr uintptr, size int) []byte {
	off := addr - c.base
	return append([]byte(nil), c.mem[off:off+uintptr(size)]...)
}
