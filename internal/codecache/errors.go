package codecache

import "errors"

var (
	// ErrCacheFull is returned when a code cache has no room left for an
	// allocation. The cache is marked full and is not offered for reservation
	// until space is reclaimed.
	ErrCacheFull = errors.New("code cache full")

	// ErrTrampolinesFull is returned when the trampoline area of a code cache
	// has no free slot.
	ErrTrampolinesFull = errors.New("trampoline area full")

	// ErrCodeCacheFull is returned by Manager.ReserveCodeCacheWait when no code
	// cache can be reserved and none will be released.
	ErrCodeCacheFull = errors.New("no code cache available")

	// ErrClosed is returned when using a closed Manager.
	ErrClosed = errors.New("code cache manager closed")

	// ErrUnknownHelper is returned for a runtime helper index without a trampoline.
	ErrUnknownHelper = errors.New("unknown runtime helper")

	// ErrNotInCodeCache is returned for an address outside of every code cache.
	ErrNotInCodeCache = errors.New("address not in a code cache")

	// ErrInvalidMethod is returned for a MethodRef with a zero Method.
	ErrInvalidMethod = errors.New("invalid method")
)
