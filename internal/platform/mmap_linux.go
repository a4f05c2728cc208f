package platform

import (
	"math/bits"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// https://man7.org/linux/man-pages/man2/mmap.2.html
	__MAP_HUGE_SHIFT = 26

	canAdviseHugePages = true
	canDisclaim        = true

	// reserveFlags keeps inaccessible reservations from being charged
	// against the commit limit.
	reserveFlags = unix.MAP_NORESERVE
)

var hugePageConfigs []hugePageConfig

type hugePageConfig struct {
	size int
	flag int
}

func init() {
	dirents, err := os.ReadDir("/sys/kernel/mm/hugepages/")
	if err != nil {
		return
	}

	for _, dirent := range dirents {
		name := dirent.Name()
		if !strings.HasPrefix(name, "hugepages-") {
			continue
		}
		if !strings.HasSuffix(name, "kB") {
			continue
		}
		n, err := strconv.ParseUint(name[10:len(name)-2], 10, 64)
		if err != nil {
			continue
		}
		if bits.OnesCount64(n) != 1 {
			continue
		}
		n *= 1024
		hugePageConfigs = append(hugePageConfigs, hugePageConfig{
			size: int(n),
			flag: int(bits.TrailingZeros64(n)<<__MAP_HUGE_SHIFT) | unix.MAP_HUGETLB,
		})
	}

	sort.Slice(hugePageConfigs, func(i, j int) bool {
		return hugePageConfigs[i].size > hugePageConfigs[j].size
	})
}

func largePageSizes() (sizes []int) {
	for _, c := range hugePageConfigs {
		sizes = append(sizes, c.size)
	}
	return
}

// hugePageFlag returns the mmap flag selecting largePageSize pages, or zero
// when the size is not available or does not divide size.
func hugePageFlag(size, largePageSize int) int {
	for _, c := range hugePageConfigs {
		if c.size != largePageSize {
			continue
		}
		if size&(c.size-1) != 0 {
			return 0
		}
		return c.flag
	}
	return 0
}

func adviseHugePages(b []byte) error {
	return unix.Madvise(b, unix.MADV_HUGEPAGE)
}

// disclaim prefers MADV_PAGEOUT, which keeps the contents by writing them to
// swap. Kernels before 5.4 reject it, in which case the pages are dropped.
func disclaim(b []byte) error {
	err := unix.Madvise(b, unix.MADV_PAGEOUT)
	if err == unix.EINVAL {
		err = unix.Madvise(b, unix.MADV_DONTNEED)
	}
	return err
}
