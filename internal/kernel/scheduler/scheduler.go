// Package scheduler implements the cooperative, timer-preemptive
// round-robin scheduler of spec.md §4.4, grounded on
// original_source/scheduler.rs.
package scheduler

import (
	"log/slog"

	"github.com/tinyrange/riscv-kernel/internal/kernel/cpu"
	"github.com/tinyrange/riscv-kernel/internal/kernel/process"
)

// Scheduler picks the next runnable process from a process.Table.
type Scheduler struct {
	procs *process.Table
	log   *slog.Logger
}

func New(procs *process.Table, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{procs: procs, log: log}
}

// Schedule rotates the process list by one and scans for the next Running
// process, waking any Sleeping process whose deadline has passed. It
// returns nil if no process is currently runnable (every process sleeping
// or waiting), matching original_source/scheduler.rs returning a null frame
// address.
func (s *Scheduler) Schedule(now cpu.MachineTime) *process.Process {
	s.procs.Lock()
	defer s.procs.Unlock()

	n := s.procs.LenLocked()
	if n == 0 {
		return nil
	}

	for i := 0; i < n; i++ {
		s.procs.RotateLeft()
		p := s.procs.Front()
		if p == nil {
			continue
		}
		switch p.State {
		case process.StateRunning:
			return p
		case process.StateSleeping:
			if now.Ticks >= p.SleepUntil.Ticks {
				p.State = process.StateRunning
				return p
			}
		default:
			// Waiting or Dead: skip.
		}
	}
	return nil
}

// Len exposes the scheduler's process count for liveness tests.
func (s *Scheduler) Len() int { return s.procs.Len() }
