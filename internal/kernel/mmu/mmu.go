// Package mmu implements the Sv39 three-level page table walker described
// in spec.md §4.3, grounded on original_source/mmu.rs.
package mmu

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/riscv-kernel/internal/kernel/cpu"
	"github.com/tinyrange/riscv-kernel/internal/kernel/memory"
)

// EntryBits are the permission/state bits of a Sv39 PTE, matching
// original_source/mmu.rs's EntryBits.
type EntryBits uint64

const (
	EntryNone    EntryBits = 0
	EntryValid   EntryBits = 1 << 0
	EntryRead    EntryBits = 1 << 1
	EntryWrite   EntryBits = 1 << 2
	EntryExecute EntryBits = 1 << 3
	EntryUser    EntryBits = 1 << 4
	EntryGlobal  EntryBits = 1 << 5
	EntryAccess  EntryBits = 1 << 6
	EntryDirty   EntryBits = 1 << 7

	EntryReadWrite        = EntryRead | EntryWrite
	EntryReadExecute      = EntryRead | EntryExecute
	EntryReadWriteExecute = EntryRead | EntryWrite | EntryExecute

	EntryUserReadWrite        = EntryRead | EntryWrite | EntryUser
	EntryUserReadExecute      = EntryRead | EntryExecute | EntryUser
	EntryUserReadWriteExecute = EntryRead | EntryWrite | EntryExecute | EntryUser
)

// Table is the address of one page-sized (512-entry) page table.
type Table memory.PhysAddr

// MMU owns the page allocator backing new page tables and the region their
// entries are read/written through.
type MMU struct {
	region *memory.Region
	pages  *memory.PageAllocator
	log    *slog.Logger
}

func New(region *memory.Region, pages *memory.PageAllocator, log *slog.Logger) *MMU {
	if log == nil {
		log = slog.Default()
	}
	return &MMU{region: region, pages: pages, log: log}
}

// NewTable allocates and zeroes a fresh root (or branch) page table.
func (m *MMU) NewTable() (Table, error) {
	addr, err := m.pages.Zalloc(1)
	if err != nil {
		return 0, fmt.Errorf("mmu: allocate page table: %w", err)
	}
	return Table(addr), nil
}

func entryAddr(t Table, idx int) memory.PhysAddr {
	return memory.PhysAddr(t) + memory.PhysAddr(idx*8)
}

func (m *MMU) readEntry(t Table, idx int) (uint64, error) {
	return m.region.ReadUint64(entryAddr(t, idx))
}

func (m *MMU) writeEntry(t Table, idx int, v uint64) error {
	return m.region.WriteUint64(entryAddr(t, idx), v)
}

func isValid(e uint64) bool { return e&uint64(EntryValid) != 0 }
func isLeaf(e uint64) bool  { return e&0xe != 0 }

func vpnOf(vaddr uint64) [3]uint64 {
	return [3]uint64{
		(vaddr >> 12) & 0x1ff,
		(vaddr >> 21) & 0x1ff,
		(vaddr >> 30) & 0x1ff,
	}
}

func ppnOf(paddr uint64) [3]uint64 {
	return [3]uint64{
		(paddr >> 12) & 0x1ff,
		(paddr >> 21) & 0x1ff,
		(paddr >> 30) & 0x3ff_ffff,
	}
}

// Map installs a vaddr -> paddr translation in root, allocating any
// intermediate branch tables that don't exist yet. level stops the descent
// early (0 maps a normal 4KiB page, matching every call site in this repo).
func (m *MMU) Map(root Table, vaddr, paddr uint64, bits EntryBits, level int) error {
	if bits&(EntryRead|EntryWrite|EntryExecute) == 0 {
		return fmt.Errorf("mmu: map requires at least one of R/W/X")
	}

	vpn := vpnOf(vaddr)
	ppn := ppnOf(paddr)

	table := root
	idx := int(vpn[2])
	for i := 1; i >= level; i-- {
		entry, err := m.readEntry(table, idx)
		if err != nil {
			return err
		}
		if !isValid(entry) {
			page, err := m.pages.Zalloc(1)
			if err != nil {
				return fmt.Errorf("mmu: allocate branch table: %w", err)
			}
			entry = (uint64(page) >> 2) | uint64(EntryValid)
			if err := m.writeEntry(table, idx, entry); err != nil {
				return err
			}
		}
		table = Table((entry &^ 0x3ff) << 2)
		idx = int(vpn[i])
	}

	leaf := (ppn[2] << 28) | (ppn[1] << 19) | (ppn[0] << 10) | uint64(bits) | uint64(EntryValid)
	return m.writeEntry(table, idx, leaf)
}

// Unmap walks every entry in root and frees the branch tables (and, for the
// level-0 tables, the leaf pages they point to are left untouched — spec.md
// doesn't call for reclaiming the mapped data itself, only the paging
// structure), matching original_source/mmu.rs's unmap().
func (m *MMU) Unmap(root Table) error {
	for lv2 := 0; lv2 < 512; lv2++ {
		e2, err := m.readEntry(root, lv2)
		if err != nil {
			return err
		}
		if !isValid(e2) || isLeaf(e2) {
			continue
		}
		lv1 := Table((e2 &^ 0x3ff) << 2)
		for i := 0; i < 512; i++ {
			e1, err := m.readEntry(lv1, i)
			if err != nil {
				return err
			}
			if !isValid(e1) || isLeaf(e1) {
				continue
			}
			lv0 := memory.PhysAddr((e1 &^ 0x3ff) << 2)
			if err := m.pages.Dealloc(lv0); err != nil {
				return err
			}
		}
		if err := m.pages.Dealloc(memory.PhysAddr(lv1)); err != nil {
			return err
		}
	}
	return nil
}

// VirtToPhys translates vaddr through root, returning ok=false on an
// invalid entry (syscall.Dispatcher then treats the user pointer as
// untranslatable).
func (m *MMU) VirtToPhys(root Table, vaddr uint64) (phys uint64, ok bool, err error) {
	vpn := vpnOf(vaddr)

	table := root
	idx := int(vpn[2])
	for i := 2; i >= 0; i-- {
		entry, err := m.readEntry(table, idx)
		if err != nil {
			return 0, false, err
		}
		if !isValid(entry) {
			return 0, false, nil
		}
		if isLeaf(entry) {
			offsetMask := (uint64(1) << uint(12+i*9)) - 1
			vOff := vaddr & offsetMask
			addr := ((entry &^ 0x3ff) << 2) &^ offsetMask
			return addr | vOff, true, nil
		}
		table = Table((entry &^ 0x3ff) << 2)
		if i > 0 {
			idx = int(vpn[i-1])
		}
	}
	return 0, false, nil
}

// IdMapRange maps every page covering [start, end) to itself, matching
// original_source/mmu.rs's id_map_range — used for the kernel heap and
// every MMIO window (UART, CLINT, PLIC, virtio) this kernel identity-maps
// at boot.
func (m *MMU) IdMapRange(root Table, start, end uint64, bits EntryBits) error {
	memaddr := start &^ (memory.PageSize - 1)
	numPages := (alignVal(end, 12) - memaddr) / memory.PageSize
	for i := uint64(0); i < numPages; i++ {
		if err := m.Map(root, memaddr, memaddr, bits, 0); err != nil {
			return err
		}
		memaddr += memory.PageSize
	}
	return nil
}

func alignVal(val uint64, order uint) uint64 {
	o := (uint64(1) << order) - 1
	return (val + o) & ^o
}

// IdentityRegion is one [Start, End) span MapKernel identity-maps with the
// given permission bits — the kernel text/rodata/data/bss/stack, the
// sub-page heap's backing pages, and every MMIO window (UART, CLINT, PLIC,
// virtio) spec.md §4.3's map_kernel() lists.
type IdentityRegion struct {
	Start, End uint64
	Bits       EntryBits
}

// MapKernel identity-maps every region into root and returns the satp
// value map_kernel() would program into the CSR (Sv39 mode, ASID 0, root's
// physical page number) — this repository has no boot assembly to execute
// an sfence.vma/mret with that value (spec.md §1 places the boot stub out
// of scope), so the caller (kernel.New) is responsible for whatever the
// hosted harness does with the returned number.
func (m *MMU) MapKernel(root Table, regions []IdentityRegion) (satp uint64, err error) {
	for _, r := range regions {
		if err := m.IdMapRange(root, r.Start, r.End, r.Bits); err != nil {
			return 0, fmt.Errorf("mmu: map_kernel: identity map 0x%x-0x%x: %w", r.Start, r.End, err)
		}
	}
	return cpu.BuildSatp(cpu.SatpModeSv39, 0, uint64(root)), nil
}
