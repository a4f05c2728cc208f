// Package hammer runs concurrency tests where each goroutine plays a
// compilation thread.
package hammer

import (
	"runtime"
	"sync"
	"testing"

	"github.com/tetratelabs/jitmem/internal/monitor"
)

// Hammer invokes a test concurrently in P goroutines N times per goroutine.
// Goroutine p acts as compilation thread monitor.ThreadID(p), so the monitor
// table under test needs at least P compilation threads.
//
// Here's an example:
//
//	P := 8               // max count of goroutines
//	N := 1000            // work per goroutine
//	if testing.Short() { // Adjust down if `-test.short`
//		P = 4
//		N = 100
//	}
//
//	hammer.NewHammer(t, P, N).Run(func(tid monitor.ThreadID, n int) {
//		c, _ := manager.ReserveCodeCache(false, 64, tid)
//		// ...
//	}, nil)
//
//	if t.Failed() {
//		return // At least one test failed, so return now.
//	}
type Hammer interface {
	// Run invokes a concurrency test.
	//
	// * test is concurrently run in P goroutines, each looping N times.
	// * onRunning is any function to run after all goroutines are running, but before test executes.
	//
	// On completion, return early if there's a failure like this:
	//	if t.Failed() {
	//		return
	//	}
	Run(test func(tid monitor.ThreadID, n int), onRunning func())
}

// NewHammer returns a Hammer initialized to indicated count of goroutines (P) and iterations per goroutine (N).
func NewHammer(t *testing.T, P, N int) Hammer {
	return &hammer{t: t, P: P, N: N}
}

// hammer implements Hammer
type hammer struct {
	// t is the calling test
	t *testing.T
	// P is the max count of goroutines
	P int
	// N is the work per goroutine
	N int
}

// Run implements Hammer.Run
func (h *hammer) Run(test func(tid monitor.ThreadID, n int), onRunning func()) {
	procs := h.P / 2
	if procs < 1 {
		procs = 1
	}
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(procs)) // Ensure goroutines have to switch cores.

	running := make(chan struct{})
	// unblock needs to happen atomically, so we need to use a WaitGroup
	var unblocked sync.WaitGroup
	finished := make(chan struct{})

	unblocked.Add(h.P) // P goroutines will be unblocked by the current goroutine.
	for p := 0; p < h.P; p++ {
		tid := monitor.ThreadID(p)

		go func() {
			defer func() { // Ensure each require.XX failure is visible on hammer test fail.
				if recovered := recover(); recovered != nil {
					h.t.Error(recovered)
				}
				finished <- struct{}{}
			}()
			running <- struct{}{}

			unblocked.Wait()
			for n := 0; n < h.N; n++ {
				test(tid, n)
			}
		}()
	}

	// Block until P goroutines are running.
	for i := 0; i < h.P; i++ {
		<-running
	}

	if onRunning != nil {
		onRunning()
	}

	// Release all goroutines at the same time.
	unblocked.Add(-h.P)

	// Block until P goroutines finish.
	for i := 0; i < h.P; i++ {
		<-finished
	}
}
