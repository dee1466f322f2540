package kernel

import (
	"testing"

	"github.com/tinyrange/riscv-kernel/internal/kernel/board"
	"github.com/tinyrange/riscv-kernel/internal/kernel/cpu"
	"github.com/tinyrange/riscv-kernel/internal/kernel/process"
	"github.com/tinyrange/riscv-kernel/internal/kernel/trap"
)

type memBackend struct{ data []byte }

func (m *memBackend) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.data[off:]), nil }
func (m *memBackend) WriteAt(p []byte, off int64) (int, error) { return copy(m.data[off:], p), nil }

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := &board.Config{HeapBase: 0x9000_0000, HeapSize: 8 * 1024 * 1024, KmemPages: 8}
	backend := &memBackend{data: make([]byte, 64*1024)}
	k, err := New(cfg, backend, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestNewWiresAnAlwaysRunnableIdleProcess(t *testing.T) {
	k := newTestKernel(t)

	if k.Disk == nil {
		t.Fatalf("expected virtio device to negotiate successfully")
	}
	if k.Procs.Len() != 1 {
		t.Fatalf("expected exactly the idle process, got %d", k.Procs.Len())
	}

	p := k.RunOnce(cpu.FromMs(0))
	if p == nil || p.PID != k.IdlePID {
		t.Fatalf("expected idle process scheduled, got %v", p)
	}
}

func TestPushStdinWakesAWaitingReader(t *testing.T) {
	k := newTestKernel(t)

	pid, err := k.Procs.AddKernelProcess(func() {})
	if err != nil {
		t.Fatalf("AddKernelProcess: %v", err)
	}
	k.Procs.SetWaiting(pid)
	k.Console.Read(make([]byte, 0), pid) // re-register as a waiter on an empty ring
	k.PushStdin('x')

	p := k.Procs.GetByPID(pid)
	if p.State != process.StateRunning {
		t.Fatalf("expected waiting reader woken Running, got %v", p.State)
	}
}

func TestPumpVirtioWakesABlockReader(t *testing.T) {
	k := newTestKernel(t)

	pid, err := k.Procs.AddKernelProcess(func() {})
	if err != nil {
		t.Fatalf("AddKernelProcess: %v", err)
	}
	buf, err := k.Pages.Zalloc(1)
	if err != nil {
		t.Fatalf("Zalloc: %v", err)
	}
	if _, err := k.Disk.SubmitRead(buf, 64, 0, pid); err != nil {
		t.Fatalf("SubmitRead: %v", err)
	}
	k.Procs.SetWaiting(pid)

	if err := k.PumpVirtio(); err != nil {
		t.Fatalf("PumpVirtio: %v", err)
	}
	if _, fatal := k.HandleTrap(nil, cpu.CauseMExternalInt, 0, cpu.FromMs(0)); fatal {
		t.Fatalf("external interrupt must not be fatal")
	}

	if got := k.Procs.GetByPID(pid); got.State != process.StateRunning {
		t.Fatalf("expected block read completion to wake pid %d, got %v", pid, got.State)
	}
}

func TestHandleTrapTimerArmsNextDeadline(t *testing.T) {
	k := newTestKernel(t)

	before := k.Clint.Fired()
	if before {
		t.Fatalf("timer should not have fired at time zero")
	}

	resume, fatal := k.HandleTrap(nil, cpu.CauseMTimerInt, 0, cpu.FromMs(0))
	if fatal {
		t.Fatalf("timer interrupt must not be fatal")
	}
	if resume == nil || resume.PID != k.IdlePID {
		t.Fatalf("expected idle process rescheduled, got %v", resume)
	}
	if want := cpu.FromMs(0).OffsetTicks(trap.SchedulerFrequency); k.Clint.deadline != want {
		t.Fatalf("expected next deadline at %d ticks, got %d", want.Ticks, k.Clint.deadline.Ticks)
	}
}
