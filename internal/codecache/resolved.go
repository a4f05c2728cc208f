package codecache

import (
	"go.uber.org/atomic"
)

// ResolvedMethod is the slot of a resolved call target in a code cache. The
// same MethodID always resolves to the same slot of a given cache until the
// slot is purged by a sweep.
type ResolvedMethod struct {
	ref MethodRef
	// entry is the address calls currently land on.
	entry atomic.Uint64
	// trampoline is the address of the stub forwarding to entry, or zero when
	// the cache has no trampolines.
	trampoline uintptr
}

// Ref returns the call target identity.
func (r *ResolvedMethod) Ref() MethodRef {
	return r.ref
}

// Entry returns the entry point of the target.
func (r *ResolvedMethod) Entry() uintptr {
	return uintptr(r.entry.Load())
}

// Trampoline returns the address of the stub forwarding to Entry, or zero when
// the code cache does not use trampolines.
func (r *ResolvedMethod) Trampoline() uintptr {
	return r.trampoline
}

// CallTarget returns the address code in the cache should call: the
// trampoline when there is one, otherwise the entry point itself.
func (r *ResolvedMethod) CallTarget() uintptr {
	if r.trampoline != 0 {
		return r.trampoline
	}
	return r.Entry()
}
