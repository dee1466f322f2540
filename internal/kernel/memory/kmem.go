package memory

import (
	"fmt"
	"log/slog"
	"sync"
)

// allocListTaken marks a sub-page block as in-use; the rest of the 64-bit
// header word holds the block size (header included), exactly as
// original_source/kmem.rs packs flags_size.
const allocListTaken = uint64(1) << 63

// headerSize is sizeof(AllocList) in the Rust source: one usize.
const headerSize = 8

// Heap is the sub-page first-fit allocator that sits on top of the page
// allocator, matching original_source/kmem.rs: a single arena of whole pages
// carved into a singly-linked list of size-prefixed blocks.
type Heap struct {
	mu     sync.Mutex
	region *Region
	head   PhysAddr
	size   uint64
	log    *slog.Logger
}

// NewHeap constructs a Heap that will read/write block headers through
// region; call Init to carve out its backing pages from pages.
func NewHeap(region *Region, log *slog.Logger) *Heap {
	if log == nil {
		log = slog.Default()
	}
	return &Heap{region: region, log: log}
}

// Init reserves `pages` whole pages from the page allocator (64 in
// original_source/kmem.rs) and seeds a single free block spanning them.
func (h *Heap) Init(pages *PageAllocator, numPages int) error {
	addr, err := pages.Zalloc(numPages)
	if err != nil {
		return fmt.Errorf("memory: kmem init: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.head = addr
	h.size = uint64(numPages) * PageSize
	if err := h.writeHeader(h.head, false, h.size); err != nil {
		return err
	}
	h.log.Debug("kernel heap initialized", "pages", numPages, "bytes", h.size, "head", fmt.Sprintf("0x%x", h.head))
	return nil
}

func (h *Heap) readHeader(addr PhysAddr) (taken bool, size uint64, err error) {
	raw, err := h.region.ReadUint64(addr)
	if err != nil {
		return false, 0, err
	}
	return raw&allocListTaken != 0, raw &^ allocListTaken, nil
}

func (h *Heap) writeHeader(addr PhysAddr, taken bool, size uint64) error {
	raw := size &^ allocListTaken
	if taken {
		raw |= allocListTaken
	}
	return h.region.WriteUint64(addr, raw)
}

func (h *Heap) tail() PhysAddr {
	return h.head + PhysAddr(h.size)
}

// Kmalloc allocates a sub-page block of at least size bytes, first-fit over
// the free list, splitting the found block when the remainder is large
// enough to host another header.
func (h *Heap) Kmalloc(size uint64) (PhysAddr, error) {
	want := alignVal(size, 3) + headerSize

	h.mu.Lock()
	defer h.mu.Unlock()

	head := h.head
	tail := h.tail()
	for head < tail {
		taken, chunkSize, err := h.readHeader(head)
		if err != nil {
			return 0, err
		}
		if chunkSize == 0 {
			return 0, fmt.Errorf("%w: zero-size block at 0x%x", ErrCorruptHeap, head)
		}
		if !taken && want <= chunkSize {
			rem := chunkSize - want
			if rem > headerSize {
				next := head + PhysAddr(want)
				if err := h.writeHeader(next, false, rem); err != nil {
					return 0, err
				}
				if err := h.writeHeader(head, true, want); err != nil {
					return 0, err
				}
			} else if err := h.writeHeader(head, true, chunkSize); err != nil {
				return 0, err
			}
			return head + headerSize, nil
		}
		head += PhysAddr(chunkSize)
	}

	return 0, ErrOutOfMemory
}

// Kzmalloc allocates like Kmalloc and zeroes the returned block.
func (h *Heap) Kzmalloc(size uint64) (PhysAddr, error) {
	ptr, err := h.Kmalloc(size)
	if err != nil {
		return 0, err
	}
	aligned := alignVal(size, 3)
	if err := h.region.Zero(ptr, int(aligned)); err != nil {
		return 0, err
	}
	return ptr, nil
}

// Kfree releases a block returned by Kmalloc/Kzmalloc and coalesces
// adjacent free blocks. Freeing an address whose header isn't marked taken
// is the double-free invariant violation spec.md treats as fatal.
func (h *Heap) Kfree(ptr PhysAddr) error {
	if ptr == 0 {
		return nil
	}

	h.mu.Lock()
	hdr := ptr - headerSize
	taken, size, err := h.readHeader(hdr)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if !taken {
		h.mu.Unlock()
		return fmt.Errorf("%w: block at 0x%x already free", ErrDoubleFree, hdr)
	}
	if err := h.writeHeader(hdr, false, size); err != nil {
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	return h.Coalesce()
}

// Coalesce merges adjacent free blocks, matching original_source/kmem.rs's
// defensive walk: it stops rather than faulting if it finds a zero-size
// block or a block whose size runs past the arena.
func (h *Heap) Coalesce() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	head := h.head
	tail := h.tail()
	for head < tail {
		_, size, err := h.readHeader(head)
		if err != nil {
			return err
		}
		if size == 0 {
			break
		}
		next := head + PhysAddr(size)
		if next >= tail {
			break
		}

		headTaken, headSize, err := h.readHeader(head)
		if err != nil {
			return err
		}
		nextTaken, nextSize, err := h.readHeader(next)
		if err != nil {
			return err
		}
		if !headTaken && !nextTaken {
			if err := h.writeHeader(head, false, headSize+nextSize); err != nil {
				return err
			}
			continue // re-check the same head, now larger, against its new neighbor
		}

		head += PhysAddr(size)
	}
	return nil
}

// Bytes is a debugging aid reporting the arena size in bytes.
func (h *Heap) Bytes() uint64 { return h.size }
