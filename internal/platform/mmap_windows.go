package platform

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/tetratelabs/jitmem/internal/memseg"
)

const (
	canHint            = true
	canAdviseHugePages = false
	canDisclaim        = false
)

func reserveAt(size int, hint uintptr, _ int) (memseg.Region, error) {
	p, err := windows.VirtualAlloc(hint, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return memseg.Region{}, err
	}
	return memseg.Region{Base: p, Mem: unsafe.Slice((*byte)(unsafe.Pointer(p)), size)}, nil
}

func commitReserved(r memseg.Region, size int) error {
	_, err := windows.VirtualAlloc(r.Base, uintptr(size), windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	return err
}

func releaseReserved(r memseg.Region) error {
	// size must be 0 because we're using MEM_RELEASE.
	// See https://docs.microsoft.com/en-us/windows/win32/api/memoryapi/nf-memoryapi-virtualfree
	return windows.VirtualFree(r.Base, 0, windows.MEM_RELEASE)
}

func largePageSizes() []int {
	return nil
}

func adviseHugePages([]byte) error {
	return ErrUnsupported
}

func disclaim([]byte) error {
	return ErrUnsupported
}
