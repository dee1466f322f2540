package virtio

import (
	"errors"
	"testing"

	"github.com/tinyrange/riscv-kernel/internal/kernel/memory"
)

// memBackend is an in-memory Backend standing in for a disk image.
type memBackend struct {
	data []byte
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}

func newTestDevice(t *testing.T, backend Backend, readOnly bool) (*memory.Region, *memory.PageAllocator, *memory.Heap, *Device) {
	t.Helper()
	r, err := memory.NewRegion(0x8000_0000, 4096*memory.PageSize)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	pa := memory.NewPageAllocator(r, nil)
	if err := pa.Init(); err != nil {
		t.Fatalf("page Init: %v", err)
	}

	heap := memory.NewHeap(r, nil)
	if err := heap.Init(pa, 64); err != nil {
		t.Fatalf("heap Init: %v", err)
	}

	dev, err := New(r, pa, heap, backend, readOnly, nil)
	if err != nil {
		t.Fatalf("New device: %v", err)
	}
	return r, pa, heap, dev
}

// TestBlockReadReturnsDiskBytes covers the spec's "sector 0 begins with
// DE AD BE EF..." scenario: submitting a 512-byte read at offset 0 against
// a backend whose sector 0 starts with that pattern must resume the caller
// with those bytes in its buffer and a clean status.
func TestBlockReadReturnsDiskBytes(t *testing.T) {
	disk := make([]byte, 64*1024)
	copy(disk, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	backend := &memBackend{data: disk}

	r, pa, _, dev := newTestDevice(t, backend, false)

	bufAddr, err := pa.Zalloc(1)
	if err != nil {
		t.Fatalf("Zalloc buffer: %v", err)
	}

	head, err := dev.SubmitRead(bufAddr, 512, 0, 7)
	if err != nil {
		t.Fatalf("SubmitRead: %v", err)
	}

	if err := dev.ServicePending(); err != nil {
		t.Fatalf("ServicePending: %v", err)
	}

	status, err := dev.ReadStatus(head)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if status != 0 {
		t.Fatalf("expected status OK (0), got %d", status)
	}

	buf, err := r.Slice(bufAddr, 512)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	for i, b := range want {
		if buf[i] != b {
			t.Fatalf("buffer byte %d: want 0x%x, got 0x%x", i, b, buf[i])
		}
	}

	woken, err := dev.HandleInterrupt()
	if err != nil {
		t.Fatalf("HandleInterrupt: %v", err)
	}
	if len(woken) != 1 || woken[0] != 7 {
		t.Fatalf("expected pid 7 woken, got %v", woken)
	}
}

// TestSubmissionCounting exercises the testable property from spec.md §8:
// after N submissions, avail.idx == N mod 2^16 and N descriptor triples have
// been taken out of the free list (one head/data/status triple per
// request).
func TestSubmissionCounting(t *testing.T) {
	backend := &memBackend{data: make([]byte, 64*1024)}
	_, pa, _, dev := newTestDevice(t, backend, false)

	bufAddr, err := pa.Zalloc(1)
	if err != nil {
		t.Fatalf("Zalloc buffer: %v", err)
	}

	const n = 10
	startFree := len(dev.freeHeads)
	for i := 0; i < n; i++ {
		if _, err := dev.SubmitRead(bufAddr, 64, 0, 1); err != nil {
			t.Fatalf("SubmitRead %d: %v", i, err)
		}
	}

	availIdx, err := dev.readAvailIdx()
	if err != nil {
		t.Fatalf("readAvailIdx: %v", err)
	}
	if availIdx != n {
		t.Fatalf("expected avail.idx=%d, got %d", n, availIdx)
	}
	if got := startFree - len(dev.freeHeads); got != n {
		t.Fatalf("expected %d descriptor triples consumed, got %d", n, got)
	}
}

// TestQueueFullRejectsSubmission confirms the fixed RingSize invariant of
// spec.md §3: once every descriptor triple is in flight, submit rejects
// further requests instead of writing past the queue's allocated pages.
func TestQueueFullRejectsSubmission(t *testing.T) {
	backend := &memBackend{data: make([]byte, 64*1024)}
	_, pa, _, dev := newTestDevice(t, backend, false)

	bufAddr, err := pa.Zalloc(1)
	if err != nil {
		t.Fatalf("Zalloc buffer: %v", err)
	}

	total := RingSize / 3
	for i := 0; i < total; i++ {
		if _, err := dev.SubmitRead(bufAddr, 64, 0, 1); err != nil {
			t.Fatalf("SubmitRead %d: %v", i, err)
		}
	}

	if _, err := dev.SubmitRead(bufAddr, 64, 0, 1); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull once all slots are in flight, got %v", err)
	}
}

// TestHandleInterruptEscalatesDoubleFree confirms spec.md §7's "halt the
// hart" policy: a double-free surfaced while freeing a completed request
// reaches the installed fatal handler instead of only being logged.
func TestHandleInterruptEscalatesDoubleFree(t *testing.T) {
	backend := &memBackend{data: make([]byte, 64*1024)}
	_, pa, heap, dev := newTestDevice(t, backend, false)

	bufAddr, err := pa.Zalloc(1)
	if err != nil {
		t.Fatalf("Zalloc buffer: %v", err)
	}

	head, err := dev.SubmitRead(bufAddr, 512, 0, 7)
	if err != nil {
		t.Fatalf("SubmitRead: %v", err)
	}
	if err := dev.ServicePending(); err != nil {
		t.Fatalf("ServicePending: %v", err)
	}

	// Free the request out from under the device so HandleInterrupt's own
	// Kfree trips the double-free invariant.
	if err := heap.Kfree(dev.headToReq[head]); err != nil {
		t.Fatalf("priming Kfree: %v", err)
	}

	var gotErr error
	dev.SetFatalHandler(func(err error) { gotErr = err })

	if _, err := dev.HandleInterrupt(); err != nil {
		t.Fatalf("HandleInterrupt: %v", err)
	}

	if gotErr == nil {
		t.Fatalf("expected fatal handler to be invoked on double free")
	}
	if !memory.IsFatal(gotErr) {
		t.Fatalf("expected a fatal memory error, got %v", gotErr)
	}
}

func TestWriteRejectedOnReadOnlyDevice(t *testing.T) {
	backend := &memBackend{data: make([]byte, 4096)}
	_, pa, _, dev := newTestDevice(t, backend, true)

	bufAddr, err := pa.Zalloc(1)
	if err != nil {
		t.Fatalf("Zalloc buffer: %v", err)
	}

	if _, err := dev.SubmitWrite(bufAddr, 64, 0, 1); err == nil {
		t.Fatalf("expected SubmitWrite to be rejected on a read-only device")
	}
}

// TestDescriptorChainLinksProperly guards the exact bug spec.md calls out in
// original_source/block.rs's fill_next_descriptor: each descriptor's next
// field must point at the following descriptor in its own head/data/status
// chain, not at whatever slot happens to be written next.
func TestDescriptorChainLinksProperly(t *testing.T) {
	backend := &memBackend{data: make([]byte, 4096)}
	_, pa, _, dev := newTestDevice(t, backend, false)

	bufAddr, err := pa.Zalloc(1)
	if err != nil {
		t.Fatalf("Zalloc buffer: %v", err)
	}

	head, err := dev.SubmitRead(bufAddr, 64, 0, 1)
	if err != nil {
		t.Fatalf("SubmitRead: %v", err)
	}

	_, _, headFlags, dataIdx, err := dev.readDescriptor(head)
	if err != nil {
		t.Fatalf("readDescriptor(head): %v", err)
	}
	if headFlags&DescFNext == 0 || dataIdx != head+1 {
		t.Fatalf("head descriptor must chain to data: flags=%x next=%d", headFlags, dataIdx)
	}

	_, _, dataFlags, statusIdx, err := dev.readDescriptor(dataIdx)
	if err != nil {
		t.Fatalf("readDescriptor(data): %v", err)
	}
	if dataFlags&DescFNext == 0 || statusIdx != head+2 {
		t.Fatalf("data descriptor must chain to status: flags=%x next=%d", dataFlags, statusIdx)
	}

	_, _, statusFlags, statusNext, err := dev.readDescriptor(statusIdx)
	if err != nil {
		t.Fatalf("readDescriptor(status): %v", err)
	}
	if statusFlags&DescFWrite == 0 || statusNext != 0 {
		t.Fatalf("status descriptor must be device-writable and terminal: flags=%x next=%d", statusFlags, statusNext)
	}
}

// fakeMMIO writes a minimal legacy virtio-blk register bank (magic, host
// features, and a QueueNumMax big enough to host RingSize) into region at
// mmioBase, standing in for the real QEMU-mapped registers.
func fakeMMIO(t *testing.T, r *memory.Region, mmioBase memory.PhysAddr, hostFeatures uint32) {
	t.Helper()
	writeAt := func(off uint64, v uint32) {
		b, err := r.Slice(mmioBase+memory.PhysAddr(off), 4)
		if err != nil {
			t.Fatalf("fakeMMIO slice at 0x%x: %v", off, err)
		}
		byteOrder.PutUint32(b, v)
	}
	writeAt(RegMagicValue, MMIOMagic)
	writeAt(RegHostFeatures, hostFeatures)
	writeAt(RegQueueNumMax, RingSize)
}

func TestNegotiateMasksOffReadOnlyFeature(t *testing.T) {
	backend := &memBackend{data: make([]byte, 4096)}
	r, _, _, dev := newTestDevice(t, backend, false)

	mmioBase := r.Base() + 0x2000
	fakeMMIO(t, r, mmioBase, BlkFRO)

	if err := dev.Negotiate(mmioBase); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !dev.ReadOnly() {
		t.Fatalf("expected device to record read_only=true from host features")
	}

	guestFeatures, err := dev.readMMIO32(mmioBase, RegGuestFeatures)
	if err != nil {
		t.Fatalf("readMMIO32(GuestFeatures): %v", err)
	}
	if guestFeatures&BlkFRO != 0 {
		t.Fatalf("expected BlkFRO masked off guest features, got 0x%x", guestFeatures)
	}

	status, err := dev.readMMIO32(mmioBase, RegStatus)
	if err != nil {
		t.Fatalf("readMMIO32(Status): %v", err)
	}
	if status&StatusDriverOK == 0 {
		t.Fatalf("expected DRIVER_OK set after successful negotiation, got 0x%x", status)
	}
}

func TestNegotiateFailsOnBadMagic(t *testing.T) {
	backend := &memBackend{data: make([]byte, 4096)}
	r, _, _, dev := newTestDevice(t, backend, false)

	mmioBase := r.Base() + 0x2000
	fakeMMIO(t, r, mmioBase, 0)
	b, err := r.Slice(mmioBase+RegMagicValue, 4)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	byteOrder.PutUint32(b, 0xdeadbeef)

	if err := dev.Negotiate(mmioBase); err == nil {
		t.Fatalf("expected Negotiate to fail on bad magic")
	}
}

func TestNegotiateFailsOnUndersizedQueue(t *testing.T) {
	backend := &memBackend{data: make([]byte, 4096)}
	r, _, _, dev := newTestDevice(t, backend, false)

	mmioBase := r.Base() + 0x2000
	fakeMMIO(t, r, mmioBase, 0)
	b, err := r.Slice(mmioBase+RegQueueNumMax, 4)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	byteOrder.PutUint32(b, RingSize/2)

	if err := dev.Negotiate(mmioBase); err == nil {
		t.Fatalf("expected Negotiate to fail when QueueNumMax < RingSize")
	}
}
