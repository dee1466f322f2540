package memory

import (
	"fmt"
	"log/slog"
	"sync"
)

// pageFlag bits packed into one descriptor byte per physical page, the same
// layout as original_source/page.rs's PageBits.
type pageFlag byte

const (
	pageEmpty pageFlag = 0
	pageTaken pageFlag = 1 << 0
	pageLast  pageFlag = 1 << 1
)

// alignVal rounds val up to a multiple of 1<<order.
func alignVal(val uint64, order uint) uint64 {
	o := (uint64(1) << order) - 1
	return (val + o) & ^o
}

// PageAllocator is the whole-page bump/bitmap allocator described in
// spec.md §4.1: one descriptor byte per physical page, found by linear scan,
// with a "Last" bit marking the final page of a multi-page allocation so
// Dealloc knows where the run ends.
type PageAllocator struct {
	mu         sync.Mutex
	region     *Region
	numPages   int
	allocStart PhysAddr
	log        *slog.Logger
}

// NewPageAllocator constructs an allocator over region. Init must be called
// before Alloc/Dealloc.
func NewPageAllocator(region *Region, log *slog.Logger) *PageAllocator {
	if log == nil {
		log = slog.Default()
	}
	return &PageAllocator{region: region, log: log}
}

// Init clears the descriptor table and computes the first page-aligned
// address after it, mirroring original_source/page.rs's init().
func (p *PageAllocator) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	numPages := int(p.region.Size() / PageSize)
	if numPages == 0 {
		return fmt.Errorf("memory: region too small for any page")
	}
	if err := p.region.Zero(p.region.Base(), numPages); err != nil {
		return fmt.Errorf("memory: init descriptor table: %w", err)
	}
	p.numPages = numPages
	p.allocStart = PhysAddr(alignVal(uint64(p.region.Base())+uint64(numPages), 12))
	p.log.Debug("page allocator initialized", "pages", numPages, "alloc_start", fmt.Sprintf("0x%x", p.allocStart))
	return nil
}

func (p *PageAllocator) descAddr(i int) PhysAddr {
	return p.region.Base() + PhysAddr(i)
}

func (p *PageAllocator) flagsAt(i int) (pageFlag, error) {
	b, err := p.region.ReadByte(p.descAddr(i))
	return pageFlag(b), err
}

func (p *PageAllocator) setFlagsAt(i int, f pageFlag) error {
	return p.region.WriteByte(p.descAddr(i), byte(f))
}

// Alloc reserves `pages` contiguous physical pages and returns the address
// of the first one. It returns ErrOutOfMemory if no run of that length is
// free, mirroring original_source/page.rs's alloc() returning a null
// pointer.
func (p *PageAllocator) Alloc(pages int) (PhysAddr, error) {
	if pages <= 0 {
		return 0, fmt.Errorf("memory: alloc requires pages > 0, got %d", pages)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i <= p.numPages-pages; i++ {
		flags, err := p.flagsAt(i)
		if err != nil {
			return 0, err
		}
		if flags&pageTaken != 0 {
			continue
		}

		found := true
		for j := i; j < i+pages; j++ {
			f, err := p.flagsAt(j)
			if err != nil {
				return 0, err
			}
			if f&pageTaken != 0 {
				found = false
				break
			}
		}
		if !found {
			continue
		}

		for k := i; k < i+pages-1; k++ {
			if err := p.setFlagsAt(k, pageTaken); err != nil {
				return 0, err
			}
		}
		if err := p.setFlagsAt(i+pages-1, pageTaken|pageLast); err != nil {
			return 0, err
		}
		return p.allocStart + PhysAddr(PageSize*i), nil
	}

	return 0, ErrOutOfMemory
}

// Zalloc behaves like Alloc but zeroes the returned pages first.
func (p *PageAllocator) Zalloc(pages int) (PhysAddr, error) {
	addr, err := p.Alloc(pages)
	if err != nil {
		return 0, err
	}
	if err := p.region.Zero(addr, pages*PageSize); err != nil {
		return 0, err
	}
	return addr, nil
}

// Dealloc frees the page run starting at ptr, walking descriptors until the
// Last-marked page. Freeing an address whose descriptor isn't Taken is the
// double-free invariant violation spec.md marks fatal.
func (p *PageAllocator) Dealloc(ptr PhysAddr) error {
	if ptr == 0 {
		return fmt.Errorf("memory: dealloc of nil address")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ptr < p.allocStart {
		return fmt.Errorf("%w: address 0x%x below managed arena", ErrDoubleFree, ptr)
	}
	idx := int(ptr-p.allocStart) / PageSize
	if idx < 0 || idx >= p.numPages {
		return fmt.Errorf("%w: address 0x%x outside managed arena", ErrDoubleFree, ptr)
	}

	i := idx
	for {
		flags, err := p.flagsAt(i)
		if err != nil {
			return err
		}
		if flags&pageTaken == 0 {
			return fmt.Errorf("%w: page %d already free", ErrDoubleFree, i)
		}
		if flags&pageLast != 0 {
			return p.setFlagsAt(i, pageEmpty)
		}
		if err := p.setFlagsAt(i, pageEmpty); err != nil {
			return err
		}
		i++
		if i >= p.numPages {
			return fmt.Errorf("%w: run never hit a Last page", ErrDoubleFree)
		}
	}
}

// AllocStart returns the first address available for page allocation.
func (p *PageAllocator) AllocStart() PhysAddr { return p.allocStart }

// NumPages returns the total page count managed by the allocator.
func (p *PageAllocator) NumPages() int { return p.numPages }
