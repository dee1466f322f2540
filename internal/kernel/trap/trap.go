// Package trap is the synchronous/asynchronous trap dispatcher of
// spec.md §4.5, grounded on original_source/trap.rs's cause-number switch,
// redesigned per spec.md §4.5/§7 to kill-and-reschedule on faults instead
// of the source's panic!/loop{} and using internal/hv/riscv/rv64/cpu.go's
// Cause* constants as the naming template for cpu.Cause*.
package trap

import (
	"log/slog"

	"github.com/tinyrange/riscv-kernel/internal/kernel/cpu"
	"github.com/tinyrange/riscv-kernel/internal/kernel/plic"
	"github.com/tinyrange/riscv-kernel/internal/kernel/process"
	"github.com/tinyrange/riscv-kernel/internal/kernel/scheduler"
	"github.com/tinyrange/riscv-kernel/internal/kernel/syscall"
	"github.com/tinyrange/riscv-kernel/internal/kernel/virtio"
)

// SchedulerFrequency is how many mtime ticks the next timer interrupt is
// armed for, matching spec.md §4.5's "~1s nominal tick" (10,000,000 ticks
// at the CLINT's 10MHz rate).
const SchedulerFrequency = cpu.TicksPerSec

// Clint is the collaborator contract for arming the next machine-timer
// interrupt, the one piece of CLINT register access (spec.md §6)
// schedule_scheduler() needs.
type Clint interface {
	ArmTimer(deadline cpu.MachineTime)
}

// Dispatcher routes every trap cause spec.md §4.5 lists to the scheduler,
// syscall layer, or process table, matching original_source/trap.rs's
// m_trap function.
type Dispatcher struct {
	procs     *process.Table
	sched     *scheduler.Scheduler
	sys       *syscall.Dispatcher
	plic      plic.Controller
	virtio    map[plic.Source]*virtio.Device
	clint     Clint
	schedFreq uint64
	log       *slog.Logger
}

// New builds a Dispatcher. schedFreqTicks is how many mtime ticks ahead
// each timer interrupt is rearmed — board.Config.SchedulerFrequencyTicks,
// spec.md §4.5's schedule_scheduler() tick. A zero value (a caller that
// doesn't care, such as most unit tests) falls back to SchedulerFrequency.
func New(procs *process.Table, sched *scheduler.Scheduler, sys *syscall.Dispatcher, plicCtl plic.Controller, clint Clint, schedFreqTicks uint64, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if schedFreqTicks == 0 {
		schedFreqTicks = SchedulerFrequency
	}
	return &Dispatcher{
		procs:     procs,
		sched:     sched,
		sys:       sys,
		plic:      plicCtl,
		virtio:    make(map[plic.Source]*virtio.Device),
		clint:     clint,
		schedFreq: schedFreqTicks,
		log:       log,
	}
}

// RegisterVirtio associates a PLIC source id with the virtio device that
// should service it on an external interrupt.
func (d *Dispatcher) RegisterVirtio(src plic.Source, dev *virtio.Device) {
	d.virtio[src] = dev
}

// Handle is called from the (out-of-scope, assembly) trap vector with the
// trapping process, the cause/tval CSR values, and the current mtime. It
// returns the process whose frame should be resumed next, or fatal=true if
// the cause is one spec.md §7 marks as a kernel invariant violation the
// hart must halt for.
func (d *Dispatcher) Handle(p *process.Process, cause, tval uint64, now cpu.MachineTime) (resume *process.Process, fatal bool) {
	var reschedule bool
	if cpu.IsInterrupt(cause) {
		reschedule, fatal = d.handleAsync(cause, now)
	} else {
		reschedule, fatal = d.handleSync(p, cause, tval, now)
	}
	if fatal {
		return nil, true
	}
	if reschedule {
		return d.sched.Schedule(now), false
	}
	return p, false
}

func (d *Dispatcher) handleAsync(cause uint64, now cpu.MachineTime) (reschedule, fatal bool) {
	switch cause {
	case cpu.CauseMSoftwareInt:
		d.log.Info("machine software interrupt")
		return false, false

	case cpu.CauseMTimerInt:
		if d.clint != nil {
			d.clint.ArmTimer(now.OffsetTicks(d.schedFreq))
		}
		return true, false

	case cpu.CauseMExternalInt:
		d.handleExternal()
		return false, false

	default:
		d.log.Error("fatal trap: unhandled async cause", "cause", cause)
		return false, true
	}
}

// handleExternal claims the pending PLIC source and, for virtio, advances
// the driver's completion path so every PID it names is marked Running
// again; UART bytes are the out-of-scope collaborator's concern (spec.md
// §1) — this dispatcher only claims and completes the interrupt on its
// behalf.
func (d *Dispatcher) handleExternal() {
	src := d.plic.Claim()
	defer d.plic.Complete(src)

	dev, ok := d.virtio[src]
	if !ok {
		return
	}
	woken, err := dev.HandleInterrupt()
	if err != nil {
		d.log.Error("virtio: HandleInterrupt failed", "source", src, "error", err)
		return
	}
	for _, pid := range woken {
		d.procs.SetRunning(pid)
	}
}

func (d *Dispatcher) handleSync(p *process.Process, cause, tval uint64, now cpu.MachineTime) (reschedule, fatal bool) {
	switch cause {
	case cpu.CauseIllegalInsn,
		cpu.CauseInsnAddrMisaligned, cpu.CauseInsnAccessFault,
		cpu.CauseLoadAddrMisaligned, cpu.CauseLoadAccessFault,
		cpu.CauseStoreAddrMisaligned, cpu.CauseStoreAccessFault:
		d.killFaulting(p, cause, tval)
		return true, false

	case cpu.CauseBreakpoint:
		p.Frame.PC += 2
		return false, false

	case cpu.CauseEcallFromU, cpu.CauseEcallFromS, cpu.CauseEcallFromM:
		needsResched := d.sys.Dispatch(p, now)
		p.Frame.PC += 4
		return needsResched, false

	case cpu.CauseInsnPageFault, cpu.CauseLoadPageFault, cpu.CauseStorePageFault:
		d.killFaulting(p, cause, tval)
		return true, false

	default:
		d.log.Error("fatal trap: unhandled sync cause", "cause", cause, "tval", tval)
		return false, true
	}
}

func (d *Dispatcher) killFaulting(p *process.Process, cause, tval uint64) {
	d.log.Error("process fault, killing", "pid", p.PID, "cause", cause, "tval", tval)
	d.procs.DeleteProcess(p.PID)
}
