// Package fakemem is a heap-backed memseg.Backend for tests.
//
// Addresses are simulated: Backend hands out address ranges from a fake
// address space while the bytes live on the Go heap. This makes placement
// decisions deterministic and lets tests refuse hints or exhaust memory.
package fakemem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/jitmem/internal/memseg"
)

// ErrOutOfAddressSpace is returned by Reserve when the backend was told to fail.
var ErrOutOfAddressSpace = errors.New("fakemem: out of address space")

// DefaultUnconstrainedBase is where unhinted reservations start.
const DefaultUnconstrainedBase = uintptr(0x7f00_0000_0000)

type mapping struct {
	base, end  uintptr
	committed  int
	disclaimed int
}

// Backend implements memseg.Backend over Go heap memory.
type Backend struct {
	pageSize int

	mux          sync.Mutex
	next         uintptr
	refuseHints  bool
	fail         bool
	hugePageErr  error
	releaseErr   error
	hugePageHint int
	live         map[uintptr]*mapping
	reserves     int
	releases     int
	disclaims    int
}

// New returns a Backend with the given page size.
func New(pageSize int) *Backend {
	return &Backend{pageSize: pageSize, next: DefaultUnconstrainedBase, live: map[uintptr]*mapping{}}
}

// RefuseHints makes the backend ignore placement hints, as an OS does when the
// preferred range is occupied.
func (b *Backend) RefuseHints(refuse bool) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.refuseHints = refuse
}

// FailReservations makes every Reserve fail with ErrOutOfAddressSpace.
func (b *Backend) FailReservations(fail bool) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.fail = fail
}

// FailHugePages makes AdviseHugePages return err.
func (b *Backend) FailHugePages(err error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.hugePageErr = err
}

// FailReleases makes Release return err and keep the mapping.
func (b *Backend) FailReleases(err error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.releaseErr = err
}

// PageSize implements memseg.Backend.PageSize.
func (b *Backend) PageSize() int {
	return b.pageSize
}

// Reserve implements memseg.Backend.Reserve.
func (b *Backend) Reserve(size int, hint uintptr, _ int) (memseg.Region, error) {
	b.mux.Lock()
	defer b.mux.Unlock()
	if b.fail {
		return memseg.Region{}, ErrOutOfAddressSpace
	}

	base := b.next
	if hint != 0 && !b.refuseHints && !b.overlapsLocked(hint, hint+uintptr(size)) {
		base = hint
	} else {
		for b.overlapsLocked(base, base+uintptr(size)) {
			base += uintptr(size)
		}
		b.next = base + uintptr(size)
	}
	b.live[base] = &mapping{base: base, end: base + uintptr(size)}
	b.reserves++
	return memseg.Region{Base: base, Mem: make([]byte, size)}, nil
}

func (b *Backend) overlapsLocked(start, end uintptr) bool {
	for _, m := range b.live {
		if start < m.end && m.base < end {
			return true
		}
	}
	return false
}

// Commit implements memseg.Backend.Commit.
func (b *Backend) Commit(r memseg.Region, size int) error {
	b.mux.Lock()
	defer b.mux.Unlock()
	m, ok := b.live[r.Base]
	if !ok {
		return fmt.Errorf("fakemem: commit of unknown mapping %#x", r.Base)
	}
	m.committed = size
	return nil
}

// Release implements memseg.Backend.Release.
func (b *Backend) Release(r memseg.Region) error {
	b.mux.Lock()
	defer b.mux.Unlock()
	if _, ok := b.live[r.Base]; !ok {
		return fmt.Errorf("fakemem: release of unknown mapping %#x", r.Base)
	}
	if b.releaseErr != nil {
		return b.releaseErr
	}
	delete(b.live, r.Base)
	b.releases++
	return nil
}

// AdviseHugePages implements memseg.Backend.AdviseHugePages.
func (b *Backend) AdviseHugePages(memseg.Region) error {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.hugePageHint++
	return b.hugePageErr
}

// Disclaim implements memseg.Backend.Disclaim.
func (b *Backend) Disclaim(r memseg.Region, offset, size int) error {
	b.mux.Lock()
	defer b.mux.Unlock()
	m, ok := b.live[r.Base]
	if !ok {
		return fmt.Errorf("fakemem: disclaim of unknown mapping %#x", r.Base)
	}
	if offset%b.pageSize != 0 || size%b.pageSize != 0 {
		return fmt.Errorf("fakemem: unaligned disclaim [%d, +%d)", offset, size)
	}
	m.disclaimed += size
	b.disclaims++
	return nil
}

// Stats is a snapshot of the backend counters.
type Stats struct {
	Live, Reserves, Releases, Disclaims, HugePageHints int
}

// Stats returns the current counters.
func (b *Backend) Stats() Stats {
	b.mux.Lock()
	defer b.mux.Unlock()
	return Stats{
		Live:          len(b.live),
		Reserves:      b.reserves,
		Releases:      b.releases,
		Disclaims:     b.disclaims,
		HugePageHints: b.hugePageHint,
	}
}

// Committed returns the committed size of the mapping at base, or -1.
func (b *Backend) Committed(base uintptr) int {
	b.mux.Lock()
	defer b.mux.Unlock()
	if m, ok := b.live[base]; ok {
		return m.committed
	}
	return -1
}
