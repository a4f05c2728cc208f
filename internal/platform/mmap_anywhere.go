//go:build linux || darwin || freebsd || netbsd || openbsd || windows

package platform

import (
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/tetratelabs/jitmem/internal/memseg"
)

// mapAnywhere maps size bytes of anonymous RWX memory wherever the OS likes.
// The mapping is resident on demand, so commit is a no-op for it.
func mapAnywhere(size int) (memseg.Region, error) {
	m, err := mmap.MapRegion(nil, size, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return memseg.Region{}, err
	}
	return memseg.Region{Base: uintptr(unsafe.Pointer(&m[0])), Mem: m, Handle: m}, nil
}

func commit(r memseg.Region, size int) error {
	if _, ok := r.Handle.(mmap.MMap); ok {
		return nil
	}
	return commitReserved(r, size)
}

func release(r memseg.Region) error {
	if m, ok := r.Handle.(mmap.MMap); ok {
		return m.Unmap()
	}
	return releaseReserved(r)
}
