// Package platform includes the OS specific code needed to map, commit and
// advise executable memory for code caches, and to query physical memory.
//
// Everything OS dependent is probed once into Capabilities so that callers
// select a strategy at startup instead of branching on GOOS/GOARCH.
package platform

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/tetratelabs/jitmem/internal/memseg"
)

// ErrUnsupported is returned for operations the current OS cannot perform.
var ErrUnsupported = fmt.Errorf("unsupported on GOOS=%s GOARCH=%s", runtime.GOOS, runtime.GOARCH)

// errZeroLength is a caller bug rather than an environmental failure.
var errZeroLength = errors.New("BUG: zero length mapping")

// Capabilities describes what the platform offers to the code cache manager.
type Capabilities struct {
	// OS and Arch are runtime.GOOS and runtime.GOARCH.
	OS, Arch string
	// PageSize is the regular page size.
	PageSize int
	// LargePageSizes lists the huge page sizes usable for mappings, largest first.
	LargePageSizes []int
	// CanHint is true when Reserve honors address hints.
	CanHint bool
	// CanAdviseHugePages is true when a mapping can be hinted to use transparent huge pages.
	CanAdviseHugePages bool
	// CanDisclaim is true when unused pages can be advised out of memory.
	CanDisclaim bool
}

// Probe returns the Capabilities of the running platform.
func Probe() Capabilities {
	return Capabilities{
		OS:                 runtime.GOOS,
		Arch:               runtime.GOARCH,
		PageSize:           os.Getpagesize(),
		LargePageSizes:     largePageSizes(),
		CanHint:            canHint,
		CanAdviseHugePages: canAdviseHugePages,
		CanDisclaim:        canDisclaim,
	}
}

// NewBackend returns the memseg.Backend mapping memory from the OS.
func NewBackend() memseg.Backend {
	return &backend{pageSize: os.Getpagesize()}
}

// backend implements memseg.Backend with the OS specific functions in
// mmap_*.go.
type backend struct {
	pageSize int
}

// PageSize implements memseg.Backend.PageSize.
func (b *backend) PageSize() int {
	return b.pageSize
}

// Reserve implements memseg.Backend.Reserve.
func (b *backend) Reserve(size int, hint uintptr, largePageSize int) (memseg.Region, error) {
	if size == 0 {
		panic(errZeroLength)
	}
	if hint == 0 {
		return mapAnywhere(size)
	}
	return reserveAt(size, hint, largePageSize)
}

// Commit implements memseg.Backend.Commit.
func (b *backend) Commit(r memseg.Region, size int) error {
	return commit(r, size)
}

// Release implements memseg.Backend.Release.
func (b *backend) Release(r memseg.Region) error {
	if len(r.Mem) == 0 {
		panic(errZeroLength)
	}
	return release(r)
}

// AdviseHugePages implements memseg.Backend.AdviseHugePages.
func (b *backend) AdviseHugePages(r memseg.Region) error {
	return adviseHugePages(r.Mem)
}

// Disclaim implements memseg.Backend.Disclaim.
func (b *backend) Disclaim(r memseg.Region, offset, size int) error {
	return disclaim(r.Mem[offset : offset+size])
}
