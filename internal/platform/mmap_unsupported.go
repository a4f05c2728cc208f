//go:build !(linux || darwin || freebsd || netbsd || openbsd || windows)

package platform

import "github.com/tetratelabs/jitmem/internal/memseg"

const (
	canHint            = false
	canAdviseHugePages = false
	canDisclaim        = false
)

func mapAnywhere(int) (memseg.Region, error) {
	return memseg.Region{}, ErrUnsupported
}

func reserveAt(int, uintptr, int) (memseg.Region, error) {
	return memseg.Region{}, ErrUnsupported
}

func commit(memseg.Region, int) error {
	return ErrUnsupported
}

func release(memseg.Region) error {
	return ErrUnsupported
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
