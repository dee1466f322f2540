package mmu

import (
	"testing"

	"github.com/tinyrange/riscv-kernel/internal/kernel/cpu"
	"github.com/tinyrange/riscv-kernel/internal/kernel/memory"
)

func newTestMMU(t *testing.T) (*memory.Region, *memory.PageAllocator, *MMU) {
	t.Helper()
	r, err := memory.NewRegion(0x8000_0000, 256*memory.PageSize)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	pa := memory.NewPageAllocator(r, nil)
	if err := pa.Init(); err != nil {
		t.Fatalf("page Init: %v", err)
	}
	return r, pa, New(r, pa, nil)
}

func TestMapWalkEquivalence(t *testing.T) {
	_, pa, m := newTestMMU(t)

	root, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	phys, err := pa.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	const vaddr = uint64(0x1000_0000)
	if err := m.Map(root, vaddr, uint64(phys), EntryUserReadWrite, 0); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, ok, err := m.VirtToPhys(root, vaddr+0x123)
	if err != nil {
		t.Fatalf("VirtToPhys: %v", err)
	}
	if !ok {
		t.Fatalf("expected mapped address to translate")
	}
	if want := uint64(phys) + 0x123; got != want {
		t.Fatalf("translated 0x%x, want 0x%x", got, want)
	}
}

func TestVirtToPhysUnmappedFaults(t *testing.T) {
	_, _, m := newTestMMU(t)

	root, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	if _, ok, err := m.VirtToPhys(root, 0xdead_0000); err != nil {
		t.Fatalf("VirtToPhys: %v", err)
	} else if ok {
		t.Fatalf("expected unmapped address to fail translation")
	}
}

func TestIdMapRangeIdentity(t *testing.T) {
	_, _, m := newTestMMU(t)

	root, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	const start = uint64(0x1000_0000)
	const end = start + 3*memory.PageSize
	if err := m.IdMapRange(root, start, end, EntryReadWrite); err != nil {
		t.Fatalf("IdMapRange: %v", err)
	}

	for addr := start; addr < end; addr += 1024 {
		got, ok, err := m.VirtToPhys(root, addr)
		if err != nil {
			t.Fatalf("VirtToPhys(0x%x): %v", addr, err)
		}
		if !ok || got != addr {
			t.Fatalf("identity map broken at 0x%x: got 0x%x ok=%v", addr, got, ok)
		}
	}
}

func TestMapKernelIdentityMapsEveryRegionAndReturnsSatp(t *testing.T) {
	_, _, m := newTestMMU(t)

	root, err := m.NewTable()
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	const uartBase = uint64(0x1000_0000)
	const clintBase = uint64(0x0200_0000)
	regions := []IdentityRegion{
		{Start: uartBase, End: uartBase + memory.PageSize, Bits: EntryReadWrite},
		{Start: clintBase, End: clintBase + 0x10000, Bits: EntryReadWrite},
	}

	satp, err := m.MapKernel(root, regions)
	if err != nil {
		t.Fatalf("MapKernel: %v", err)
	}

	wantSatp := cpu.BuildSatp(cpu.SatpModeSv39, 0, uint64(root))
	if satp != wantSatp {
		t.Fatalf("expected satp 0x%x, got 0x%x", wantSatp, satp)
	}

	if got, ok, err := m.VirtToPhys(root, uartBase); err != nil || !ok || got != uartBase {
		t.Fatalf("expected UART window identity-mapped, got 0x%x ok=%v err=%v", got, ok, err)
	}
	if got, ok, err := m.VirtToPhys(root, clintBase+0x4000); err != nil || !ok || got != clintBase+0x4000 {
		t.Fatalf("expected CLINT window identity-mapped, got 0x%x ok=%v err=%v", got, ok, err)
	}
}
