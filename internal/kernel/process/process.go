// Package process implements the process table and lifecycle operations of
// spec.md §4.7, grounded on original_source/process.rs.
//
// original_source/process.rs jumps to a process by writing a raw function
// address into TrapFrame.pc and letting the trap-return assembly (out of
// scope here, per spec.md §1) land the hart there. This repository has no
// such assembly stub, so each Process additionally carries an EntryPoint
// Go closure the scheduler invokes directly — the hosted-test-harness
// equivalent of "jump to pc" described in spec.md §8. TrapFrame.PC is not
// seeded with the entry address: it starts at zero and changes only when
// the trap dispatcher advances it past an ecall or breakpoint.
package process

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/riscv-kernel/internal/kernel/cpu"
	"github.com/tinyrange/riscv-kernel/internal/kernel/memory"
	"github.com/tinyrange/riscv-kernel/internal/kernel/mmu"
)

const (
	StackPages = 2
	StackAddr  = 0xf_0000_0000
)

type State int

const (
	StateRunning State = iota
	StateSleeping
	StateWaiting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateWaiting:
		return "waiting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Data holds the per-process metadata original_source/process.rs calls
// ProcessData — a stub per spec.md §9's Open Questions, carried but never
// interpreted by this repository (no program loader, no real filesystem
// writes).
type Data struct {
	CWD [128]byte
}

// Process is one schedulable unit of execution.
type Process struct {
	PID        uint16
	Frame      *cpu.TrapFrame
	Stack      memory.PhysAddr
	RootTable  mmu.Table
	State      State
	Data       Data
	SleepUntil cpu.MachineTime
	Brk        uintptr // stub field, see spec.md §9 Open Questions

	// EntryPoint is invoked by the scheduler when this process is chosen
	// to run; it receives Frame.Regs[cpu.RegA0] the way add_kernel_process_args
	// passes its single argument.
	EntryPoint func(p *Process)
}

// Table is the process list plus the allocators needed to create and tear
// down processes, matching original_source/process.rs's
// PROCESS_LIST/PROCESS_LIST_MUTEX pair.
type Table struct {
	mu      sync.Mutex
	procs   []*Process
	nextPID uint16
	pages   *memory.PageAllocator
	mmu     *mmu.MMU
	log     *slog.Logger

	// fatal, if set, is invoked when process cleanup surfaces a
	// kernel-invariant violation (double-free, corrupt heap) — spec.md §7's
	// "halt the hart" policy. Wired in by the Kernel singleton; left nil in
	// standalone unit tests, where DeleteProcess just logs instead.
	fatal func(error)
}

func NewTable(pages *memory.PageAllocator, m *mmu.MMU, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{procs: make([]*Process, 0, 15), nextPID: 1, pages: pages, mmu: m, log: log}
}

func (t *Table) allocBase(entry func(p *Process)) (*Process, error) {
	frameAddr, err := t.pages.Zalloc(1)
	if err != nil {
		return nil, fmt.Errorf("process: allocate trap frame page: %w", err)
	}
	_ = frameAddr // the frame page itself isn't addressed further in the hosted model; see package doc.

	stack, err := t.pages.Alloc(StackPages)
	if err != nil {
		return nil, fmt.Errorf("process: allocate stack: %w", err)
	}

	root, err := t.mmu.NewTable()
	if err != nil {
		return nil, fmt.Errorf("process: allocate root page table: %w", err)
	}

	frame := cpu.ZeroTrapFrame()
	p := &Process{
		PID:        t.nextPID,
		Frame:      &frame,
		Stack:      stack,
		RootTable:  root,
		State:      StateRunning,
		SleepUntil: cpu.ZeroTime(),
		EntryPoint: entry,
	}
	t.nextPID++
	return p, nil
}

// AddKernelProcess creates a machine-mode process whose entry point takes
// no arguments, mirroring add_kernel_process.
func (t *Table) AddKernelProcess(entry func()) (uint16, error) {
	return t.AddKernelProcessArgs(func(uint64) { entry() }, 0)
}

// AddKernelProcessArgs creates a machine-mode process and seeds A0 with
// args before scheduling it, mirroring add_kernel_process_args.
func (t *Table) AddKernelProcessArgs(entry func(args uint64), args uint64) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.allocBase(func(p *Process) { entry(p.Frame.Regs[cpu.RegA0]) })
	if err != nil {
		return 0, err
	}
	p.Frame.Regs[cpu.RegA0] = args
	p.Frame.Regs[cpu.RegSp] = uint64(p.Stack) + uint64(StackPages*memory.PageSize)
	p.Frame.Mode = uint64(cpu.ModeMachine)
	p.Frame.PID = uint64(p.PID)

	t.procs = append(t.procs, p)
	t.log.Debug("kernel process created", "pid", p.PID)
	return p.PID, nil
}

// AddUserProcess creates a user-mode process and maps its stack into its
// own page table, mirroring add_user_process. Because ELF loading is out of
// scope (spec.md Non-goals), entry always refers to kernel-resident code;
// only the stack/isolation bookkeeping is real.
func (t *Table) AddUserProcess(entry func()) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.allocBase(func(p *Process) { entry() })
	if err != nil {
		return 0, err
	}
	p.Frame.Regs[cpu.RegSp] = uint64(StackAddr) + uint64(StackPages*memory.PageSize)
	p.Frame.Mode = uint64(cpu.ModeUser)
	p.Frame.PID = uint64(p.PID)
	p.Frame.Satp = cpu.BuildSatp(cpu.SatpModeSv39, uint64(p.PID), uint64(p.RootTable))

	for i := 0; i < StackPages; i++ {
		off := uint64(i * memory.PageSize)
		if err := t.mmu.Map(p.RootTable, StackAddr+off, uint64(p.Stack)+off, mmu.EntryUserReadWrite, 0); err != nil {
			return 0, fmt.Errorf("process: map user stack: %w", err)
		}
	}

	t.procs = append(t.procs, p)
	t.log.Debug("user process created", "pid", p.PID)
	return p.PID, nil
}

// SetRunning, SetWaiting, and SetSleeping mutate a process's state by pid,
// reporting whether that pid was found — the same boolean contract as
// original_source/process.rs.
func (t *Table) SetRunning(pid uint16) bool { return t.setState(pid, StateRunning, cpu.ZeroTime()) }
func (t *Table) SetWaiting(pid uint16) bool { return t.setState(pid, StateWaiting, cpu.ZeroTime()) }
func (t *Table) SetSleeping(pid uint16, until cpu.MachineTime) bool {
	return t.setState(pid, StateSleeping, until)
}

func (t *Table) setState(pid uint16, s State, sleepUntil cpu.MachineTime) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.PID == pid {
			p.State = s
			if s == StateSleeping {
				p.SleepUntil = sleepUntil
			}
			return true
		}
	}
	return false
}

// SetFatalHandler installs the callback invoked when process cleanup
// surfaces a kernel-invariant violation (spec.md §7).
func (t *Table) SetFatalHandler(fn func(error)) { t.fatal = fn }

// checkFatal escalates err to the installed fatal handler if it is one of
// the violations memory.IsFatal treats as fatal; a nil handler leaves the
// error as an ordinary logged failure, matching standalone unit tests that
// never install one.
func (t *Table) checkFatal(err error) {
	if t.fatal != nil && memory.IsFatal(err) {
		t.fatal(err)
	}
}

// DeleteProcess removes pid from the table, freeing its stack and page
// table the way original_source/process.rs's Drop impl does.
func (t *Table) DeleteProcess(pid uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, p := range t.procs {
		if p.PID != pid {
			continue
		}
		if err := t.pages.Dealloc(p.Stack); err != nil {
			t.log.Error("process cleanup: dealloc stack failed", "pid", pid, "error", err)
			t.checkFatal(err)
		}
		if err := t.mmu.Unmap(p.RootTable); err != nil {
			t.log.Error("process cleanup: unmap root table failed", "pid", pid, "error", err)
			t.checkFatal(err)
		}
		if err := t.pages.Dealloc(memory.PhysAddr(p.RootTable)); err != nil {
			t.log.Error("process cleanup: dealloc root table failed", "pid", pid, "error", err)
			t.checkFatal(err)
		}
		t.procs = append(t.procs[:i], t.procs[i+1:]...)
		return true
	}
	return false
}

// GetByPID returns the process with the given pid, or nil.
func (t *Table) GetByPID(pid uint16) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.PID == pid {
			return p
		}
	}
	return nil
}

// Len reports the number of live processes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// LenLocked is Len for callers that already hold the table lock via Lock
// (the scheduler's scan loop, which must read the count without
// re-entering sync.Mutex).
func (t *Table) LenLocked() int { return len(t.procs) }

// Lock/Unlock/Rotate give the scheduler direct, exclusive access to the
// underlying slice for its rotate-and-scan pass, in place of the source's
// amoswap-based spin lock (see original_source/lock.rs) — sync.Mutex is the
// idiomatic Go replacement the teacher itself uses for shared device state.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// RotateLeft rotates the process list by one, matching the VecDeque
// rotate_left(1) call at the top of every scheduling pass.
func (t *Table) RotateLeft() {
	if len(t.procs) < 2 {
		return
	}
	first := t.procs[0]
	copy(t.procs, t.procs[1:])
	t.procs[len(t.procs)-1] = first
}

// Front returns the current head of the process list without locking;
// callers must hold the Table lock.
func (t *Table) Front() *Process {
	if len(t.procs) == 0 {
		return nil
	}
	return t.procs[0]
}
