package memory

import "errors"

// ErrOutOfMemory is returned when an allocation cannot be satisfied; callers
// above the allocator (kmem, process creation) turn this into a recoverable
// failure rather than a kernel panic.
var ErrOutOfMemory = errors.New("memory: out of memory")

// ErrDoubleFree marks one of the two invariant violations IsFatal treats as
// fatal: freeing a page or sub-page block that is not currently allocated.
var ErrDoubleFree = errors.New("memory: double free detected")

// ErrCorruptHeap is returned by Kmalloc when its walk of the sub-page block
// list finds a zero-size block. Coalesce stops its walk at such a block
// without returning an error.
var ErrCorruptHeap = errors.New("memory: corrupt heap metadata")

// IsFatal reports whether err is one of the kernel-invariant violations
// spec.md §7 requires to halt the hart rather than be treated as a
// recoverable failure. ErrOutOfMemory is deliberately excluded: running out
// of memory is an ordinary condition callers are expected to handle.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDoubleFree) || errors.Is(err, ErrCorruptHeap)
}
