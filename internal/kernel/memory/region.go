// Package memory implements the physical page allocator and the sub-page
// kernel heap that sit under the MMU and every other kernel subsystem.
package memory

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// PhysAddr is a physical address inside a Region.
type PhysAddr uint64

const PageSize = 1 << 12

// byteOrder matches the little-endian RV64 ABI this kernel targets.
var byteOrder = binary.LittleEndian

// Region is a flat byte-addressable span of physical memory. The heap and
// kernel page tables all live inside one Region, the same way a real RV64
// kernel's HEAP_START..HEAP_START+HEAP_SIZE is one contiguous span of DRAM.
//
// The backing bytes come from an anonymous golang.org/x/sys/unix.Mmap
// mapping rather than a plain make([]byte, ...) slice. Every access goes
// through Slice, which rejects any range outside the mapping with an error.
type Region struct {
	base PhysAddr
	data []byte
}

// NewRegion mmaps size bytes of anonymous memory and labels it as starting
// at physical address base.
func NewRegion(base PhysAddr, size int) (*Region, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %d bytes: %w", size, err)
	}
	return &Region{base: base, data: data}, nil
}

// Close unmaps the region's backing memory.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}

func (r *Region) Base() PhysAddr { return r.base }
func (r *Region) Size() uint64   { return uint64(len(r.data)) }

func (r *Region) contains(addr PhysAddr, n int) bool {
	if addr < r.base {
		return false
	}
	off := uint64(addr - r.base)
	return off+uint64(n) <= uint64(len(r.data))
}

// Slice returns the live byte range [addr, addr+n) for direct manipulation.
// Callers must not retain the slice past a Region.Close.
func (r *Region) Slice(addr PhysAddr, n int) ([]byte, error) {
	if !r.contains(addr, n) {
		return nil, fmt.Errorf("memory: out of bounds access at 0x%x len %d", addr, n)
	}
	off := addr - r.base
	return r.data[off : off+PhysAddr(n)], nil
}

func (r *Region) ReadUint64(addr PhysAddr) (uint64, error) {
	b, err := r.Slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint64(b), nil
}

func (r *Region) WriteUint64(addr PhysAddr, v uint64) error {
	b, err := r.Slice(addr, 8)
	if err != nil {
		return err
	}
	byteOrder.PutUint64(b, v)
	return nil
}

func (r *Region) ReadByte(addr PhysAddr) (byte, error) {
	b, err := r.Slice(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Region) WriteByte(addr PhysAddr, v byte) error {
	b, err := r.Slice(addr, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// Zero clears n bytes starting at addr.
func (r *Region) Zero(addr PhysAddr, n int) error {
	b, err := r.Slice(addr, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
