// Package kernel wires every subsystem in this repository into the single
// `Kernel` value spec.md §9's "Shared mutable globals" note calls for: the
// source's scattered process-wide singletons (process list, page-allocator
// base, per-hart trap frames, virtio device table) become fields owned
// outright by one struct initialized once at boot, in place of the package-
// level `static mut`s original_source/lib.rs relies on.
package kernel

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tinyrange/riscv-kernel/internal/kernel/board"
	"github.com/tinyrange/riscv-kernel/internal/kernel/console"
	"github.com/tinyrange/riscv-kernel/internal/kernel/cpu"
	"github.com/tinyrange/riscv-kernel/internal/kernel/memory"
	"github.com/tinyrange/riscv-kernel/internal/kernel/mmu"
	"github.com/tinyrange/riscv-kernel/internal/kernel/plic"
	"github.com/tinyrange/riscv-kernel/internal/kernel/process"
	"github.com/tinyrange/riscv-kernel/internal/kernel/scheduler"
	"github.com/tinyrange/riscv-kernel/internal/kernel/syscall"
	"github.com/tinyrange/riscv-kernel/internal/kernel/trap"
	"github.com/tinyrange/riscv-kernel/internal/kernel/virtio"
)

// MMIO physical addresses from spec.md §6, used only as the data recorded in
// identity-mapped page table entries (see New below) — nothing in this
// hosted harness dereferences guest physical memory at these addresses, so
// they don't need to fall inside any backing Region.
const (
	uartBase       = 0x1000_0000
	uartSize       = 0x1000
	clintBase      = 0x0200_0000
	clintSize      = 0x1_0000
	plicBase       = 0x0c00_0000
	plicSize       = 0x0020_0008
	virtioMMIOBase = 0x1000_1000
	virtioMMIOSize = 0x7000 // 0x1000_1000..0x1000_8000
)

// seedVirtioMMIO writes the minimal legacy register bank (magic, host
// features, a QueueNumMax large enough for virtio.RingSize) a real QEMU
// virtio-blk device would already present at boot, so Device.Negotiate has
// something to read — grounded on the same pattern
// internal/kernel/virtio/virtio_test.go's fakeMMIO helper uses.
func seedVirtioMMIO(region *memory.Region, base memory.PhysAddr, hostFeatures uint32) error {
	write := func(off uint64, v uint32) error {
		b, err := region.Slice(base+memory.PhysAddr(off), 4)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(b, v)
		return nil
	}
	if err := write(virtio.RegMagicValue, virtio.MMIOMagic); err != nil {
		return err
	}
	if err := write(virtio.RegHostFeatures, hostFeatures); err != nil {
		return err
	}
	return write(virtio.RegQueueNumMax, virtio.RingSize)
}

// Clint is the free-running mtime/mtimecmp model this hosted harness
// substitutes for the real CLINT registers at 0x0200_4000/0x0200_bff8
// (spec.md §6): a real boot advances `mtime` on every hart cycle and traps
// when it crosses `mtimecmp`; here the driving loop in cmd/kernel advances
// it explicitly and checks Fired, the same "caller drives the hardware
// step" pattern virtio.Device.ServicePending uses for the block device.
type Clint struct {
	mu       sync.Mutex
	now      cpu.MachineTime
	deadline cpu.MachineTime
}

func newClint() *Clint { return &Clint{} }

// Now returns the current simulated mtime.
func (c *Clint) Now() cpu.MachineTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the simulated mtime forward by ticks and returns the result.
func (c *Clint) Advance(ticks uint64) cpu.MachineTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.OffsetTicks(ticks)
	return c.now
}

// ArmTimer implements trap.Clint: it records the deadline schedule_scheduler
// would program into mtimecmp.
func (c *Clint) ArmTimer(deadline cpu.MachineTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = deadline
}

// Fired reports whether the simulated mtime has reached the armed deadline,
// i.e. whether a CauseMTimerInt would have been raised by now.
func (c *Clint) Fired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now.Before(c.deadline)
}

// HaltFunc handles a kernel-invariant violation spec.md §7 marks fatal
// (double-free, corrupt sub-page heap) by halting. original_source/*.rs
// does this with a bare `loop {}` after logging; the hosted equivalent is
// terminating the process rather than spinning forever inside a test
// binary, and it's a func field so tests can substitute a non-exiting
// stand-in to observe the call instead of killing the test runner.
type HaltFunc func(err error)

func defaultHalt(log *slog.Logger) HaltFunc {
	return func(err error) {
		log.Error("kernel invariant violation, halting", "error", err)
		os.Exit(1)
	}
}

// Kernel is the process-wide singleton: every subsystem's collaborators are
// wired together once here instead of being re-derived or passed down
// through ad hoc globals.
type Kernel struct {
	Board    *board.Config
	Region   *memory.Region
	Pages    *memory.PageAllocator
	Heap     *memory.Heap
	MMU      *mmu.MMU
	Procs    *process.Table
	Sched    *scheduler.Scheduler
	Syscalls *syscall.Dispatcher
	Trap     *trap.Dispatcher
	Console  *console.Console
	PLIC     plic.Controller
	Disk     *virtio.Device
	Clint    *Clint
	Satp     uint64
	IdlePID  uint16

	// Halt is invoked by the process table and virtio device whenever
	// Dealloc/Unmap/Kfree reports ErrDoubleFree or ErrCorruptHeap — spec.md
	// §7's "halt the hart in a wait-for-interrupt loop" policy for kernel
	// invariant violations, as opposed to an ordinary recoverable error
	// such as ErrOutOfMemory.
	Halt HaltFunc

	plicRaise plic.Raiser
	log       *slog.Logger
}

// New boots a Kernel from cfg: it carves the heap Region out of an anonymous
// mmap, initializes the page allocator and kmem heap (C1/C2), negotiates the
// virtio-blk device against backend (spec.md §4.8's "Init (one device)"),
// builds the kernel's Sv39 root table via map_kernel() (§4.3), and spawns the
// always-runnable idle process §4.4 requires for scheduler liveness.
func New(cfg *board.Config, backend virtio.Backend, log *slog.Logger) (*Kernel, error) {
	if log == nil {
		log = slog.Default()
	}

	region, err := memory.NewRegion(memory.PhysAddr(cfg.HeapBase), int(cfg.HeapSize))
	if err != nil {
		return nil, fmt.Errorf("kernel: allocate heap region: %w", err)
	}

	pages := memory.NewPageAllocator(region, log)
	if err := pages.Init(); err != nil {
		return nil, fmt.Errorf("kernel: init page allocator: %w", err)
	}

	heap := memory.NewHeap(region, log)
	if err := heap.Init(pages, cfg.KmemPages); err != nil {
		return nil, fmt.Errorf("kernel: init kmem: %w", err)
	}

	halt := defaultHalt(log)

	m := mmu.New(region, pages, log)
	procs := process.NewTable(pages, m, log)
	procs.SetFatalHandler(func(err error) { halt(err) })
	sched := scheduler.New(procs, log)
	con := console.New(log)

	dev, err := virtio.New(region, pages, heap, backend, cfg.ReadOnly, log)
	if err != nil {
		return nil, fmt.Errorf("kernel: construct virtio device: %w", err)
	}
	dev.SetFatalHandler(func(err error) { halt(err) })

	// The legacy MMIO handshake needs register storage inside the same
	// Region the device's queue lives in (Device.Negotiate reads/writes
	// through d.region); a reserved page stands in for the literal
	// 0x1000_1000 bank spec.md §6 names, which falls outside this Region's
	// bounds. The real address is still recorded in the kernel's page
	// table below, as map_kernel() requires. seedVirtioMMIO pre-populates
	// the bank the way the absent QEMU device would before any driver
	// reads it, matching original_source/virtio.rs's view of hardware
	// that's always already advertising its magic/features/queue size.
	mmioBank, err := pages.Zalloc(1)
	if err != nil {
		return nil, fmt.Errorf("kernel: reserve virtio mmio page: %w", err)
	}
	hostFeatures := uint32(0)
	if cfg.ReadOnly {
		hostFeatures = virtio.BlkFRO
	}
	if err := seedVirtioMMIO(region, mmioBank, hostFeatures); err != nil {
		return nil, fmt.Errorf("kernel: seed virtio mmio bank: %w", err)
	}
	if err := dev.Negotiate(mmioBank); err != nil {
		// spec.md §7's setup-failure policy: log and continue booting
		// without the device rather than failing New outright.
		log.Error("virtio: setup failed, continuing without block device", "error", err)
		dev = nil
	}

	sys := syscall.New(procs, m, region, pages, con, log)
	sys.SetFatalHandler(func(err error) { halt(err) })
	if dev != nil {
		sys.RegisterDevice(0, dev)
	}

	plicCtl, raiser := plic.NewStaticRaiser()
	clint := newClint()

	// cfg may arrive un-normalized (a caller that built a Config literal
	// directly instead of going through board.Load/Default); fall back the
	// same way trap.New itself does rather than arming mtimecmp at now+0.
	schedFreq := cfg.SchedulerFrequencyTicks
	if schedFreq == 0 {
		schedFreq = trap.SchedulerFrequency
	}

	tdisp := trap.New(procs, sched, sys, plicCtl, clint, schedFreq, log)
	if dev != nil {
		tdisp.RegisterVirtio(plic.SourceVirtIO, dev)
	}

	root, err := m.NewTable()
	if err != nil {
		return nil, fmt.Errorf("kernel: allocate root page table: %w", err)
	}
	satp, err := m.MapKernel(root, []mmu.IdentityRegion{
		{Start: cfg.HeapBase, End: cfg.HeapBase + cfg.HeapSize, Bits: mmu.EntryReadWrite},
		{Start: uartBase, End: uartBase + uartSize, Bits: mmu.EntryReadWrite},
		{Start: clintBase, End: clintBase + clintSize, Bits: mmu.EntryReadWrite},
		{Start: plicBase, End: plicBase + plicSize, Bits: mmu.EntryReadWrite},
		{Start: virtioMMIOBase, End: virtioMMIOBase + virtioMMIOSize, Bits: mmu.EntryReadWrite},
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: map_kernel: %w", err)
	}
	log.Info("kernel address space mapped", "satp", fmt.Sprintf("0x%x", satp))

	idlePID, err := procs.AddKernelProcess(func() {})
	if err != nil {
		return nil, fmt.Errorf("kernel: spawn idle process: %w", err)
	}

	clint.ArmTimer(cpu.ZeroTime().OffsetTicks(schedFreq))

	return &Kernel{
		Board:     cfg,
		Region:    region,
		Pages:     pages,
		Heap:      heap,
		MMU:       m,
		Procs:     procs,
		Sched:     sched,
		Syscalls:  sys,
		Trap:      tdisp,
		Console:   con,
		PLIC:      plicCtl,
		plicRaise: raiser,
		Disk:      dev,
		Clint:     clint,
		Satp:      satp,
		IdlePID:   idlePID,
		Halt:      halt,
		log:       log,
	}, nil
}

// SetStdout and SetStderr wire the WRITE syscall's fd=1/fd=2 sinks — the
// UART collaborator spec.md §1 places out of scope, supplied by cmd/kernel.
func (k *Kernel) SetStdout(fn console.WriteFunc) { k.Syscalls.SetStdout(fn) }
func (k *Kernel) SetStderr(fn console.WriteFunc) { k.Syscalls.SetStderr(fn) }

// PushStdin feeds one byte into the console ring, as the out-of-scope UART
// collaborator would on every keystroke, waking a blocked reader if one is
// parked on an empty ring.
func (k *Kernel) PushStdin(b byte) {
	pid, hasWaiter := k.Console.PushByte(b)
	if hasWaiter {
		k.Procs.SetRunning(pid)
	}
}

// RunOnce asks the scheduler for the next runnable process and invokes its
// EntryPoint — the hosted-test-harness substitute for the trap-return
// assembly jumping to Frame.PC (see process.Process's package doc). It
// returns the process that ran, or nil if every process is Sleeping/
// Waiting (impossible in steady state once the idle process is in the
// table, per spec.md §4.4, but surfaced rather than assumed away).
func (k *Kernel) RunOnce(now cpu.MachineTime) *process.Process {
	p := k.Sched.Schedule(now)
	if p == nil {
		return nil
	}
	if p.EntryPoint != nil {
		p.EntryPoint(p)
	}
	return p
}

// PumpVirtio plays the (absent, simulated) device's side of the queue and
// then raises the PLIC external-interrupt source the next
// HandleTrap(..., cpu.CauseMExternalInt, ...) call will claim — the
// hosted-harness substitute for real virtio-MMIO hardware signaling an IRQ.
// The source is raised on every call, whether or not a request completed;
// a claim with no new used-ring entries wakes no process.
func (k *Kernel) PumpVirtio() error {
	if k.Disk == nil {
		return nil
	}
	if err := k.Disk.ServicePending(); err != nil {
		return fmt.Errorf("kernel: service virtio: %w", err)
	}
	k.plicRaise.Raise(plic.SourceVirtIO)
	return nil
}

// HandleTrap delegates to the trap dispatcher (C7), the single entry point
// the (out-of-scope) trap vector would call on every sync/async trap.
func (k *Kernel) HandleTrap(p *process.Process, cause, tval uint64, now cpu.MachineTime) (resume *process.Process, fatal bool) {
	return k.Trap.Handle(p, cause, tval, now)
}

// Close releases the heap region's backing mmap.
func (k *Kernel) Close() error {
	return k.Region.Close()
}
