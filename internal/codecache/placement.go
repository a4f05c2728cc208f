package codecache

import "github.com/tetratelabs/jitmem/internal/platform"

const (
	hugePageAlignment = 2 << 20

	// amd64BranchReach is the reach of a rel32 call.
	amd64BranchReach = 1<<31 - 1
	// arm64BranchReach is the reach of BL, a signed 26-bit word offset.
	arm64BranchReach = 128<<20 - 4
)

// PlacementPolicy decides where code caches are mapped relative to the
// compiler's own code. It is selected once at startup with PolicyFor.
type PlacementPolicy struct {
	// Alignment of the preferred start address. Zero means no alignment.
	Alignment uintptr

	// MaxUsefulDistance is the distance from the compiler's code beyond which
	// calls need trampolines anyway. Zero means locality gains nothing and no
	// start address is preferred.
	MaxUsefulDistance uintptr

	// HugePages is true if code caches should be hinted to use huge pages.
	HugePages bool

	// NeedsTrampolines is true if calls between code caches, or from a code
	// cache to the runtime, may be out of reach of a direct branch.
	NeedsTrampolines bool
}

// PolicyFor returns the PlacementPolicy for the given platform.
func PolicyFor(caps platform.Capabilities) PlacementPolicy {
	var p PlacementPolicy
	switch caps.Arch {
	case "amd64":
		p = PlacementPolicy{Alignment: hugePageAlignment, MaxUsefulDistance: amd64BranchReach, NeedsTrampolines: true}
	case "arm64":
		p = PlacementPolicy{Alignment: hugePageAlignment, MaxUsefulDistance: arm64BranchReach, NeedsTrampolines: true}
	default:
		return p
	}
	if !caps.CanHint {
		// Placement cannot be influenced, but calls still need trampolines.
		p.Alignment, p.MaxUsefulDistance = 0, 0
	}
	p.HugePages = caps.CanAdviseHugePages || len(caps.LargePageSizes) > 0
	return p
}

// StartAddress returns the preferred start of a repository of size bytes so
// that the whole repository lies within MaxUsefulDistance of self. The
// repository goes right below self when it fits there, otherwise right above.
// ok is false when there is no preference.
func (p PlacementPolicy) StartAddress(self uintptr, size int) (start uintptr, ok bool) {
	if p.MaxUsefulDistance == 0 || size <= 0 {
		return 0, false
	}
	n := uintptr(size)
	if n > p.MaxUsefulDistance {
		return 0, false
	}

	// Below: the lowest address, start, is the farthest from self.
	if self > n {
		start = alignDown(self-n, p.Alignment)
		if start != 0 && start+n <= self && self-start <= p.MaxUsefulDistance {
			return start, true
		}
	}

	// Above: the end of the repository is the farthest from self.
	if self < ^uintptr(0)-n-p.Alignment {
		start = alignUp(self+1, p.Alignment)
		if end := start + n; end > start && end-self <= p.MaxUsefulDistance {
			return start, true
		}
	}
	return 0, false
}

func alignUp(addr, align uintptr) uintptr {
	if align <= 1 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}

func alignDown(addr, align uintptr) uintptr {
	if align <= 1 {
		return addr
	}
	return addr &^ (align - 1)
}
