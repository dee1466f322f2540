// Package console models the stdin ring buffer and waiter queue described
// in spec.md §4.6/§6, the in-kernel side of a UART the boot stub feeds one
// byte at a time. Bit-banging the UART registers is an out-of-scope
// external collaborator (spec.md §1); this package only owns the ring
// buffer and the wake-on-data contract the READ syscall relies on,
// grounded on original_source/uart.rs's byte-producer role and
// lib.rs's print!/println! consumer side.
package console

import (
	"log/slog"
	"sync"
)

// ringSize bounds how much unread stdin data this kernel buffers before a
// new byte from the (out-of-scope) UART collaborator is dropped.
const ringSize = 256

// Console is a byte ring fed by the UART collaborator and drained by the
// READ syscall.
type Console struct {
	mu      sync.Mutex
	buf     [ringSize]byte
	head    int
	tail    int
	count   int
	waiters []uint16 // PIDs blocked on an empty stdin, woken in FIFO order
	log     *slog.Logger
}

func New(log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{log: log}
}

// PushByte is called by the UART collaborator whenever a keystroke arrives.
// It reports the PID that should be woken (0 if none was waiting).
func (c *Console) PushByte(b byte) (wakePID uint16, hasWaiter bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == ringSize {
		c.log.Warn("console stdin ring full, dropping byte")
		return 0, false
	}
	c.buf[c.tail] = b
	c.tail = (c.tail + 1) % ringSize
	c.count++

	if len(c.waiters) > 0 {
		wakePID = c.waiters[0]
		c.waiters = c.waiters[1:]
		return wakePID, true
	}
	return 0, false
}

// Read drains up to len(dst) bytes into dst, returning how many were
// copied. If the ring is empty, the caller's PID is recorded as a waiter
// and the syscall layer is expected to call SetWaiting on it.
func (c *Console) Read(dst []byte, pid uint16) (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n < len(dst) && c.count > 0 {
		dst[n] = c.buf[c.head]
		c.head = (c.head + 1) % ringSize
		c.count--
		n++
	}
	if n == 0 {
		c.waiters = append(c.waiters, pid)
	}
	return n
}

// WriteFunc is the out-of-scope UART collaborator's byte sink; WriteOut
// calls it once per byte, matching the source's one-register-at-a-time
// UART contract.
type WriteFunc func(b byte)

// WriteOut emits data through sink (stdout/stderr), returning the number of
// bytes written — the C11 half of the WRITE syscall (spec.md §4.6).
func (c *Console) WriteOut(sink WriteFunc, data []byte) int {
	for _, b := range data {
		sink(b)
	}
	return len(data)
}
