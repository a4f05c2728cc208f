// Package memseg owns the virtual memory mappings which back code caches.
//
// A Segment wraps exactly one mapping obtained from a Backend. Failures are
// returned as plain errors so that callers can pick a fallback strategy, for
// example retrying a placement without an address hint.
package memseg

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPlacementRefused is returned by Acquire when a placement hint was given
	// but the backend mapped the memory elsewhere or refused the address.
	ErrPlacementRefused = errors.New("placement hint refused")

	// ErrReleased is returned when operating on a released Segment.
	ErrReleased = errors.New("segment released")
)

// Region is one contiguous mapping handed out by a Backend.
type Region struct {
	// Base is the address of Mem[0].
	Base uintptr
	// Mem is the whole mapping, including the reserved but not yet committed tail.
	Mem []byte
	// Handle is private to the Backend which created the Region.
	Handle interface{}
}

// End returns the address one past the last byte of the region.
func (r Region) End() uintptr {
	return r.Base + uintptr(len(r.Mem))
}

// Backend abstracts the OS virtual memory primitives a Segment needs.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// PageSize is the granularity of Reserve and Commit.
	PageSize() int

	// Reserve maps size bytes of address space. When hint is non-zero the
	// backend should try to place the mapping at hint, but it may place it
	// elsewhere. largePageSize is a preference only; zero means regular pages.
	Reserve(size int, hint uintptr, largePageSize int) (Region, error)

	// Commit makes the first size bytes of r resident and executable.
	Commit(r Region, size int) error

	// Release unmaps r.
	Release(r Region) error

	// AdviseHugePages asks the OS to back r with huge pages.
	AdviseHugePages(r Region) error

	// Disclaim advises the OS that [offset, offset+size) of r is unused and
	// may be evicted.
	Disclaim(r Region, offset, size int) error
}

// Segment owns one mapping of a Backend.
type Segment struct {
	backend Backend
	region  Region
	// pageSize is the page size the segment was rounded to.
	pageSize int

	mux       sync.Mutex
	committed int
	released  bool
}

// Acquire reserves at least sizeHint bytes from backend, rounded up to the
// page size (or largePageSize when larger). When placementHint is non-zero and
// the backend did not honor it, the mapping is released again and
// ErrPlacementRefused is returned.
func Acquire(backend Backend, sizeHint int, placementHint uintptr, largePageSize int) (*Segment, error) {
	if sizeHint <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", sizeHint)
	}
	pageSize := backend.PageSize()
	if largePageSize > pageSize {
		pageSize = largePageSize
	}
	size := AlignUp(sizeHint, pageSize)

	r, err := backend.Reserve(size, placementHint, largePageSize)
	if err != nil {
		if placementHint != 0 {
			return nil, fmt.Errorf("%w: %v", ErrPlacementRefused, err)
		}
		return nil, err
	}
	if placementHint != 0 && r.Base != placementHint {
		if err = backend.Release(r); err != nil {
			return nil, fmt.Errorf("releasing misplaced mapping at %#x: %w", r.Base, err)
		}
		return nil, fmt.Errorf("%w: wanted %#x, got %#x", ErrPlacementRefused, placementHint, r.Base)
	}
	return &Segment{backend: backend, region: r, pageSize: pageSize}, nil
}

// Base returns the address of the first byte of the segment.
func (s *Segment) Base() uintptr {
	return s.region.Base
}

// End returns the address one past the last byte of the segment.
func (s *Segment) End() uintptr {
	return s.region.End()
}

// Size returns the reserved size in bytes.
func (s *Segment) Size() int {
	return len(s.region.Mem)
}

// PageSize returns the page size the segment was rounded to.
func (s *Segment) PageSize() int {
	return s.pageSize
}

// Bytes returns the whole mapping. Only the committed prefix may be touched.
func (s *Segment) Bytes() []byte {
	return s.region.Mem
}

// Contains returns true if addr lies within [Base, End).
func (s *Segment) Contains(addr uintptr) bool {
	return addr >= s.region.Base && addr < s.region.End()
}

// Committed returns the size of the resident prefix.
func (s *Segment) Committed() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.committed
}

// Commit makes the first prefixSize bytes resident. This is used when the
// reservation was padded with more address space than is backed by memory.
func (s *Segment) Commit(prefixSize int) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.released {
		return ErrReleased
	}
	prefixSize = AlignUp(prefixSize, s.pageSize)
	if prefixSize > len(s.region.Mem) {
		return fmt.Errorf("commit of %d bytes exceeds reservation of %d bytes", prefixSize, len(s.region.Mem))
	}
	if prefixSize <= s.committed {
		return nil
	}
	if err := s.backend.Commit(s.region, prefixSize); err != nil {
		return err
	}
	s.committed = prefixSize
	return nil
}

// AdviseHugePages forwards a huge page hint for the whole mapping.
func (s *Segment) AdviseHugePages() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.released {
		return ErrReleased
	}
	return s.backend.AdviseHugePages(s.region)
}

// Disclaim advises the OS that [offset, offset+size) is unused. The range is
// shrunk to whole pages; a range covering no full page is a no-op.
func (s *Segment) Disclaim(offset, size int) (disclaimed bool, err error) {
	start := AlignUp(offset, s.pageSize)
	end := AlignDown(offset+size, s.pageSize)
	if end <= start {
		return false, nil
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if s.released {
		return false, ErrReleased
	}
	if end > s.committed {
		return false, fmt.Errorf("disclaim range [%d, %d) beyond committed %d", start, end, s.committed)
	}
	if err = s.backend.Disclaim(s.region, start, end-start); err != nil {
		return false, err
	}
	return true, nil
}

// Release unmaps the segment. Calling Release more than once is a no-op.
func (s *Segment) Release() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	return s.backend.Release(s.region)
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// AlignDown rounds n down to a multiple of align, which must be a power of two.
func AlignDown(n, align int) int {
	if align <= 1 {
		return n
	}
	return n &^ (align - 1)
}
