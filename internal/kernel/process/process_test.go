package process

import (
	"testing"

	"github.com/tinyrange/riscv-kernel/internal/kernel/memory"
	"github.com/tinyrange/riscv-kernel/internal/kernel/mmu"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	r, err := memory.NewRegion(0x8000_0000, 512*memory.PageSize)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	pa := memory.NewPageAllocator(r, nil)
	if err := pa.Init(); err != nil {
		t.Fatalf("page Init: %v", err)
	}
	m := mmu.New(r, pa, nil)
	return NewTable(pa, m, nil)
}

func TestAddKernelProcessArgs(t *testing.T) {
	tbl := newTestTable(t)

	var got uint64
	pid, err := tbl.AddKernelProcessArgs(func(args uint64) { got = args }, 42)
	if err != nil {
		t.Fatalf("AddKernelProcessArgs: %v", err)
	}
	p := tbl.GetByPID(pid)
	if p == nil {
		t.Fatalf("process %d not found", pid)
	}
	p.EntryPoint(p)
	if got != 42 {
		t.Fatalf("expected args=42, got %d", got)
	}
}

func TestAddUserProcessMapsStack(t *testing.T) {
	tbl := newTestTable(t)

	pid, err := tbl.AddUserProcess(func() {})
	if err != nil {
		t.Fatalf("AddUserProcess: %v", err)
	}
	p := tbl.GetByPID(pid)
	if p == nil {
		t.Fatalf("process %d not found", pid)
	}

	got, ok, err := tbl.mmu.VirtToPhys(p.RootTable, StackAddr)
	if err != nil {
		t.Fatalf("VirtToPhys: %v", err)
	}
	if !ok || got != uint64(p.Stack) {
		t.Fatalf("expected stack identity-ish mapping at 0x%x, got 0x%x ok=%v", StackAddr, got, ok)
	}
}

func TestProcessLifecycle(t *testing.T) {
	tbl := newTestTable(t)

	pid, err := tbl.AddKernelProcess(func() {})
	if err != nil {
		t.Fatalf("AddKernelProcess: %v", err)
	}
	if !tbl.SetWaiting(pid) {
		t.Fatalf("SetWaiting(%d) failed", pid)
	}
	if p := tbl.GetByPID(pid); p.State != StateWaiting {
		t.Fatalf("expected state Waiting, got %v", p.State)
	}
	if !tbl.DeleteProcess(pid) {
		t.Fatalf("DeleteProcess(%d) failed", pid)
	}
	if tbl.GetByPID(pid) != nil {
		t.Fatalf("process %d still present after delete", pid)
	}
}

// TestDeleteProcessEscalatesDoubleFree confirms spec.md §7's "halt the hart"
// policy: a double-free surfaced during process cleanup reaches the
// installed fatal handler instead of only being logged.
func TestDeleteProcessEscalatesDoubleFree(t *testing.T) {
	tbl := newTestTable(t)

	pid, err := tbl.AddKernelProcess(func() {})
	if err != nil {
		t.Fatalf("AddKernelProcess: %v", err)
	}
	p := tbl.GetByPID(pid)

	// Free the stack out from under the process so DeleteProcess's own
	// Dealloc trips the double-free invariant.
	if err := tbl.pages.Dealloc(p.Stack); err != nil {
		t.Fatalf("priming Dealloc: %v", err)
	}

	var gotErr error
	tbl.SetFatalHandler(func(err error) { gotErr = err })

	tbl.DeleteProcess(pid)

	if gotErr == nil {
		t.Fatalf("expected fatal handler to be invoked on double free")
	}
	if !memory.IsFatal(gotErr) {
		t.Fatalf("expected a fatal memory error, got %v", gotErr)
	}
}
