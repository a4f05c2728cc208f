package codecache

import (
	"fmt"
	"sort"
)

// freeBlock is a reclaimed range [start, end) of a code cache.
type freeBlock struct {
	start, end uintptr
}

func (b freeBlock) size() uintptr {
	return b.end - b.start
}

// freeList is the address ordered list of free blocks of a code cache.
// Adjacent blocks are coalesced on insertion, so no two blocks touch.
type freeList struct {
	blocks []freeBlock
	total  uintptr
}

// add inserts [start, end). Overlapping an existing block is a bug: the same
// bytes would be handed out twice.
func (l *freeList) add(start, end uintptr) {
	i := sort.Search(len(l.blocks), func(i int) bool { return l.blocks[i].start >= start })
	if i > 0 && l.blocks[i-1].end > start {
		panic(fmt.Errorf("BUG: free block [%#x, %#x) overlaps [%#x, %#x)", start, end, l.blocks[i-1].start, l.blocks[i-1].end))
	}
	if i < len(l.blocks) && l.blocks[i].start < end {
		panic(fmt.Errorf("BUG: free block [%#x, %#x) overlaps [%#x, %#x)", start, end, l.blocks[i].start, l.blocks[i].end))
	}
	l.total += end - start

	mergePrev := i > 0 && l.blocks[i-1].end == start
	mergeNext := i < len(l.blocks) && l.blocks[i].start == end
	switch {
	case mergePrev && mergeNext:
		l.blocks[i-1].end = l.blocks[i].end
		l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
	case mergePrev:
		l.blocks[i-1].end = end
	case mergeNext:
		l.blocks[i].start = start
	default:
		l.blocks = append(l.blocks, freeBlock{})
		copy(l.blocks[i+1:], l.blocks[i:])
		l.blocks[i] = freeBlock{start: start, end: end}
	}
}

// take removes size bytes from the lowest block large enough.
func (l *freeList) take(size uintptr) (uintptr, bool) {
	for i := range l.blocks {
		b := &l.blocks[i]
		if b.size() < size {
			continue
		}
		start := b.start
		if b.size() == size {
			l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
		} else {
			b.start += size
		}
		l.total -= size
		return start, true
	}
	return 0, false
}

func (l *freeList) largest() (ret uintptr) {
	for _, b := range l.blocks {
		if b.size() > ret {
			ret = b.size()
		}
	}
	return
}

// contains returns true if addr is free.
func (l *freeList) contains(addr uintptr) bool {
	i := sort.Search(len(l.blocks), func(i int) bool { return l.blocks[i].end > addr })
	return i < len(l.blocks) && l.blocks[i].start <= addr
}

func (l *freeList) len() int {
	return len(l.blocks)
}
