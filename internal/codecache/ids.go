package codecache

import "fmt"

// MethodID is an opaque handle of a method owned by the host. Zero is invalid.
type MethodID uint64

// ClassID is an opaque handle of a class owned by the host. Zero is invalid.
type ClassID uint64

// LoaderID is an opaque handle of a class loader owned by the host. Zero is invalid.
type LoaderID uint64

// MethodRef identifies the target of a call. Resolved targets are keyed by
// Method, while Class and Loader select the entries purged by unload and
// redefinition sweeps.
type MethodRef struct {
	Method MethodID
	Class  ClassID
	Loader LoaderID
}

// String implements fmt.Stringer.
func (r MethodRef) String() string {
	return fmt.Sprintf("method %d (class %d, loader %d)", r.Method, r.Class, r.Loader)
}

// MethodMetadata describes the compiled body of a method.
type MethodMetadata struct {
	Ref MethodRef
	// Cache is the code cache holding the body.
	Cache *CodeCache
	// Start is the address of the first byte of the body.
	Start uintptr
	// Size is the size of the body in bytes.
	Size int
}

// CodeBlock is memory handed out by CodeCache.AllocateBytes and
// CodeCache.AllocateColdBytes.
type CodeBlock struct {
	// Start is the address of Code[0].
	Start uintptr
	// Code is writable by the reservation holder until the cache is
	// unreserved.
	Code []byte
}

// Size returns the size of the block in bytes.
func (b CodeBlock) Size() int {
	return len(b.Code)
}
