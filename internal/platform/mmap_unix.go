//go:build linux || darwin || freebsd || netbsd || openbsd

package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tetratelabs/jitmem/internal/memseg"
)

const canHint = true

// reserveAt maps size bytes of inaccessible address space, asking the kernel
// for hint. Without MAP_FIXED the kernel may pick another address, which the
// caller detects by comparing the returned base.
func reserveAt(size int, hint uintptr, largePageSize int) (memseg.Region, error) {
	// Anonymous as this is not an actual file, but a memory,
	// Private as this is in-process memory region.
	flags := unix.MAP_ANON | unix.MAP_PRIVATE | reserveFlags

	if huge := hugePageFlag(size, largePageSize); huge != 0 {
		p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size), unix.PROT_NONE, flags|huge)
		if err == nil {
			return regionOf(p, size), nil
		}
	}

	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size), unix.PROT_NONE, flags)
	if err != nil {
		return memseg.Region{}, err
	}
	return regionOf(p, size), nil
}

func regionOf(p unsafe.Pointer, size int) memseg.Region {
	return memseg.Region{Base: uintptr(p), Mem: unsafe.Slice((*byte)(p), size)}
}

// commitReserved makes the prefix RWX: RW for writing native code, X for
// executing it.
func commitReserved(r memseg.Region, size int) error {
	return unix.Mprotect(r.Mem[:size], unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}

func releaseReserved(r memseg.Region) error {
	return unix.MunmapPtr(unsafe.Pointer(&r.Mem[0]), uintptr(len(r.Mem)))
}
