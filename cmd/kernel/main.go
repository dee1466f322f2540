// Command kernel boots the Kernel singleton against a board manifest and a
// MINIX v3 disk image, the hosted-harness replacement for the boot stub and
// hart loop spec.md §1 places out of scope. It mirrors the
// func main() { if err := run(); err != nil { ... } } shape the rest of this
// module's teacher lineage uses for its command entrypoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tinyrange/riscv-kernel/internal/kernel"
	"github.com/tinyrange/riscv-kernel/internal/kernel/board"
	"github.com/tinyrange/riscv-kernel/internal/kernel/cpu"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kernel:", err)
		os.Exit(1)
	}
}

func run() error {
	boardPath := flag.String("board", "", "path to a board YAML manifest (defaults to the QEMU virt geometry)")
	diskPath := flag.String("disk", "", "override the manifest's diskImage path")
	flag.Parse()

	cfg := board.Default()
	if *boardPath != "" {
		loaded, err := board.Load(*boardPath)
		if err != nil {
			return fmt.Errorf("load board manifest: %w", err)
		}
		cfg = loaded
	}
	if *diskPath != "" {
		cfg.DiskImage = *diskPath
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	disk, err := os.OpenFile(cfg.DiskImage, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open disk image %s: %w", cfg.DiskImage, err)
	}
	defer disk.Close()

	k, err := kernel.New(cfg, disk, log)
	if err != nil {
		return fmt.Errorf("boot kernel: %w", err)
	}
	defer k.Close()

	k.SetStdout(func(b byte) { os.Stdout.Write([]byte{b}) })
	k.SetStderr(func(b byte) { os.Stderr.Write([]byte{b}) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		oldState, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("enable raw terminal mode: %w", err)
		}
		defer term.Restore(stdin, oldState)

		go pumpStdin(ctx, os.Stdin, k)
	}

	log.Info("kernel booted", "disk", cfg.DiskImage, "heapBase", fmt.Sprintf("0x%x", cfg.HeapBase))
	return bootLoop(ctx, k)
}

// pumpStdin feeds raw keystrokes into the console ring one byte at a time,
// the host-side substitute for the out-of-scope UART collaborator
// delivering a character per interrupt.
func pumpStdin(ctx context.Context, r *os.File, k *kernel.Kernel) {
	buf := make([]byte, 1)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if err != nil {
			return
		}
		if n > 0 {
			k.PushStdin(buf[0])
		}
	}
}

// tickQuantum is how far simulated mtime advances per pass of bootLoop,
// standing in for however many hart cycles elapse between scheduler ticks
// on real hardware.
const tickQuantum = 100 * cpu.TicksPerMs

// bootLoop drives the scheduler, CLINT, and virtio device the way the
// (out-of-scope) trap vector and hart loop would: advance mtime and dispatch
// a timer trap when it crosses the armed deadline, service any pending
// virtio completions and dispatch the resulting external interrupt, and run
// whichever process the scheduler picks. It exits cleanly on SIGINT/SIGTERM.
func bootLoop(ctx context.Context, k *kernel.Kernel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		now := k.Clint.Advance(tickQuantum)
		if k.Clint.Fired() {
			if _, fatal := k.HandleTrap(nil, cpu.CauseMTimerInt, 0, now); fatal {
				return errors.New("kernel: fatal trap on timer interrupt")
			}
		}
		if err := k.PumpVirtio(); err != nil {
			return fmt.Errorf("pump virtio: %w", err)
		} else if _, fatal := k.HandleTrap(nil, cpu.CauseMExternalInt, 0, now); fatal {
			return errors.New("kernel: fatal trap on external interrupt")
		}

		k.RunOnce(now)
		time.Sleep(10 * time.Millisecond)
	}
}
