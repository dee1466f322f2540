// Package virtio implements the legacy virtio-MMIO block driver of
// spec.md §4.8, grounded on original_source/virtio.rs and block.rs, fixing
// the descriptor-chaining bug spec.md §9 calls out: chain links are set
// when each descriptor is written, not derived from a buggy pre-increment.
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/riscv-kernel/internal/kernel/memory"
)

// MMIO register byte offsets, word-scaled per spec.md §6.
const (
	RegMagicValue      = 0x000
	RegVersion         = 0x004
	RegDeviceID        = 0x008
	RegVendorID        = 0x00c
	RegHostFeatures    = 0x010
	RegHostFeaturesSel = 0x014
	RegGuestFeatures   = 0x020
	RegGuestFeatSel    = 0x024
	RegGuestPageSize   = 0x028
	RegQueueSel        = 0x030
	RegQueueNumMax     = 0x034
	RegQueueNum        = 0x038
	RegQueueAlign      = 0x03c
	RegQueuePfn        = 0x040
	RegQueueNotify     = 0x050
	RegInterruptStatus = 0x060
	RegInterruptAck    = 0x064
	RegStatus          = 0x070
	RegConfig          = 0x100
)

const MMIOMagic uint32 = 0x74726976 // "virt" little-endian

// Status negotiation bits.
const (
	StatusAcknowledge    uint32 = 1
	StatusDriver         uint32 = 2
	StatusDriverOK       uint32 = 4
	StatusFeaturesOK     uint32 = 8
	StatusNeedsReset     uint32 = 64
	StatusFailed         uint32 = 128
)

// Descriptor flags.
const (
	DescFNext     uint16 = 1
	DescFWrite    uint16 = 2
	DescFIndirect uint16 = 4
)

const (
	RingSize = 128
	descSize = 16 // addr(8) + len(4) + flags(2) + next(2)
)

const (
	availFixedBytes = 6 // flags(2) + idx(2) + event(2)
	availBytes      = availFixedBytes + 2*RingSize
	usedElemBytes   = 8 // id(4) + len(4)
	usedFixedBytes  = 6 // flags(2) + idx(2) + event(2)
	usedBytes       = usedFixedBytes + usedElemBytes*RingSize

	descTableBytes = descSize * RingSize
	queueHeadBytes = descTableBytes + availBytes
)

func init() {
	if queueHeadBytes > memory.PageSize {
		panic("virtio: descriptor table + available ring no longer fits in one page")
	}
}

// Block request type values.
const (
	BlkTIn  uint32 = 0 // read
	BlkTOut uint32 = 1 // write
)

// BlkFRO is the virtio-blk feature bit a device sets to advertise itself as
// read-only. spec.md §4.8 has the driver mask this bit off of the features
// it acknowledges (so the device always sees a "writable" driver) while
// remembering the bit's original state as local read-only policy.
const BlkFRO uint32 = 1 << 5

var byteOrder = binary.LittleEndian

// ErrSetupFailed is returned by Negotiate when the legacy MMIO handshake
// can't complete (bad magic, features didn't stick, queue too small). The
// caller marks the device Failed and continues booting without it, per
// spec.md §7's setup-failure error kind.
var ErrSetupFailed = errors.New("virtio: device setup failed")

// Backend is the storage behind a block device — a plain file or an
// in-memory image in tests. It stands in for the disk QEMU's virtio-blk
// implementation would serve reads and writes against.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Device is one virtio-blk device: its split virtqueue lives in guest
// memory (so the page allocator and kmem heap back it the same way real
// guest RAM would), and Backend stands in for the host-side disk image.
type Device struct {
	region *memory.Region
	pages  *memory.PageAllocator
	heap   *memory.Heap
	log    *slog.Logger

	queueBase  memory.PhysAddr
	readOnly   bool
	freeHeads  []uint16 // free descriptor triples, head index only
	lastAvail  uint16   // avail.idx already serviced by ServicePending
	ackUsedIdx uint16   // used.idx already consumed by HandleInterrupt

	backend Backend

	// headToPID maps a submitted request's head descriptor index to the
	// PID waiting on it — the cross-identifier spec.md §9 calls for
	// instead of the driver holding a raw process reference.
	headToPID map[uint16]uint16
	// headToReq maps a head descriptor index to the kmem block backing
	// its Request, freed on completion.
	headToReq map[uint16]memory.PhysAddr

	// fatal, if set, is invoked when a completed request's Kfree reports a
	// kernel-invariant violation (spec.md §7). Wired in by the Kernel
	// singleton; left nil in standalone unit tests.
	fatal func(error)
}

// ErrQueueFull is returned by submit when every descriptor triple in the
// fixed RingSize-slot queue is currently in flight.
var ErrQueueFull = errors.New("virtio: descriptor queue full")

// New constructs a block device whose virtqueue is carved out of pages,
// backed by backend for actual data transfer.
func New(region *memory.Region, pages *memory.PageAllocator, heap *memory.Heap, backend Backend, readOnly bool, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}

	totalBytes := memory.PageSize + usedBytes
	numPages := (totalBytes + memory.PageSize - 1) / memory.PageSize
	queueBase, err := pages.Zalloc(numPages)
	if err != nil {
		return nil, fmt.Errorf("virtio: allocate queue (%d pages): %w", numPages, err)
	}

	// Each request consumes a triple of consecutive descriptors (header,
	// data, status); pre-populate the free list with every triple's head
	// index so submit can hand them out and HandleInterrupt can recycle
	// them, matching the fixed RingSize invariant of spec.md §3.
	freeHeads := make([]uint16, 0, RingSize/3)
	for i := uint16(0); i+3 <= RingSize; i += 3 {
		freeHeads = append(freeHeads, i)
	}

	return &Device{
		region:    region,
		pages:     pages,
		heap:      heap,
		log:       log,
		queueBase: queueBase,
		readOnly:  readOnly,
		freeHeads: freeHeads,
		backend:   backend,
		headToPID: make(map[uint16]uint16),
		headToReq: make(map[uint16]memory.PhysAddr),
	}, nil
}

// SetFatalHandler installs the callback invoked when a completed request's
// Kfree reports a kernel-invariant violation (double-free, corrupt
// sub-page heap) — spec.md §7's "halt the hart" policy.
func (d *Device) SetFatalHandler(fn func(error)) { d.fatal = fn }

func (d *Device) usedBase() memory.PhysAddr { return d.queueBase + memory.PageSize }

func (d *Device) descAddr(i uint16) memory.PhysAddr {
	return d.queueBase + memory.PhysAddr(int(i)*descSize)
}

func (d *Device) availIdxAddr() memory.PhysAddr {
	return d.queueBase + descTableBytes + 2
}

func (d *Device) availRingAddr(slot uint16) memory.PhysAddr {
	return d.queueBase + descTableBytes + availFixedBytes + memory.PhysAddr(int(slot)*2)
}

func (d *Device) usedIdxAddr() memory.PhysAddr {
	return d.usedBase() + 2
}

func (d *Device) usedRingAddr(slot uint16) memory.PhysAddr {
	return d.usedBase() + usedFixedBytes + memory.PhysAddr(int(slot)*usedElemBytes)
}

func (d *Device) writeDescriptor(idx uint16, addr memory.PhysAddr, length uint32, flags, next uint16) error {
	base := d.descAddr(idx)
	b, err := d.region.Slice(base, descSize)
	if err != nil {
		return err
	}
	byteOrder.PutUint64(b[0:8], uint64(addr))
	byteOrder.PutUint32(b[8:12], length)
	byteOrder.PutUint16(b[12:14], flags)
	byteOrder.PutUint16(b[14:16], next)
	return nil
}

func (d *Device) readDescriptor(idx uint16) (addr memory.PhysAddr, length uint32, flags, next uint16, err error) {
	base := d.descAddr(idx)
	b, err := d.region.Slice(base, descSize)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	addr = memory.PhysAddr(byteOrder.Uint64(b[0:8]))
	length = byteOrder.Uint32(b[8:12])
	flags = byteOrder.Uint16(b[12:14])
	next = byteOrder.Uint16(b[14:16])
	return
}

func (d *Device) readAvailIdx() (uint16, error) {
	b, err := d.region.Slice(d.availIdxAddr(), 2)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint16(b), nil
}

func (d *Device) writeAvailIdx(v uint16) error {
	b, err := d.region.Slice(d.availIdxAddr(), 2)
	if err != nil {
		return err
	}
	byteOrder.PutUint16(b, v)
	return nil
}

func (d *Device) writeAvailRing(slot, headIdx uint16) error {
	b, err := d.region.Slice(d.availRingAddr(slot), 2)
	if err != nil {
		return err
	}
	byteOrder.PutUint16(b, headIdx)
	return nil
}

func (d *Device) readAvailRing(slot uint16) (uint16, error) {
	b, err := d.region.Slice(d.availRingAddr(slot), 2)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint16(b), nil
}

func (d *Device) readUsedIdx() (uint16, error) {
	b, err := d.region.Slice(d.usedIdxAddr(), 2)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint16(b), nil
}

func (d *Device) writeUsedIdx(v uint16) error {
	b, err := d.region.Slice(d.usedIdxAddr(), 2)
	if err != nil {
		return err
	}
	byteOrder.PutUint16(b, v)
	return nil
}

func (d *Device) writeUsedElem(slot uint16, id, length uint32) error {
	b, err := d.region.Slice(d.usedRingAddr(slot), usedElemBytes)
	if err != nil {
		return err
	}
	byteOrder.PutUint32(b[0:4], id)
	byteOrder.PutUint32(b[4:8], length)
	return nil
}

func (d *Device) readUsedElem(slot uint16) (id, length uint32, err error) {
	b, err := d.region.Slice(d.usedRingAddr(slot), usedElemBytes)
	if err != nil {
		return 0, 0, err
	}
	return byteOrder.Uint32(b[0:4]), byteOrder.Uint32(b[4:8]), nil
}

// requestBytes is the device-visible header+status portion of a Request:
// {u32 type; u32 reserved; u64 sector} followed by one status byte.
const requestHeaderBytes = 16
const requestBytes = requestHeaderBytes + 1

func (d *Device) writeRequestHeader(req memory.PhysAddr, blkType uint32, sector uint64) error {
	b, err := d.region.Slice(req, requestHeaderBytes)
	if err != nil {
		return err
	}
	byteOrder.PutUint32(b[0:4], blkType)
	byteOrder.PutUint32(b[4:8], 0)
	byteOrder.PutUint64(b[8:16], sector)
	return nil
}

func (d *Device) readStatus(req memory.PhysAddr) (byte, error) {
	return d.region.ReadByte(req + requestHeaderBytes)
}

// SubmitRead enqueues a block read of size bytes at offset into buf,
// recording pid so the completion path can wake it.
func (d *Device) SubmitRead(buf memory.PhysAddr, size uint32, offset uint64, pid uint16) (headIdx uint16, err error) {
	return d.submit(buf, size, offset, pid, false)
}

// SubmitWrite enqueues a block write; it errors immediately against a
// read-only device rather than queuing a doomed request.
func (d *Device) SubmitWrite(buf memory.PhysAddr, size uint32, offset uint64, pid uint16) (headIdx uint16, err error) {
	if d.readOnly {
		return 0, fmt.Errorf("virtio: write rejected, device is read-only")
	}
	return d.submit(buf, size, offset, pid, true)
}

func (d *Device) submit(buf memory.PhysAddr, size uint32, offset uint64, pid uint16, write bool) (uint16, error) {
	if len(d.freeHeads) == 0 {
		return 0, fmt.Errorf("%w: all %d slots in flight", ErrQueueFull, RingSize/3)
	}

	req, err := d.heap.Kmalloc(requestBytes)
	if err != nil {
		return 0, fmt.Errorf("virtio: allocate request: %w", err)
	}

	sector := offset / 512
	blkType := BlkTIn
	if write {
		blkType = BlkTOut
	}
	if err := d.writeRequestHeader(req, blkType, sector); err != nil {
		return 0, err
	}
	// Arbitrary sentinel status so a caller can distinguish "not yet
	// serviced" from a real device-written code (0/1/2).
	if err := d.region.WriteByte(req+requestHeaderBytes, 111); err != nil {
		return 0, err
	}

	headIdx := d.freeHeads[0]
	d.freeHeads = d.freeHeads[1:]
	dataIdx := headIdx + 1
	statusIdx := headIdx + 2

	dataFlags := DescFNext
	if !write {
		dataFlags |= DescFWrite
	}

	if err := d.writeDescriptor(headIdx, req, requestHeaderBytes, DescFNext, dataIdx); err != nil {
		return 0, err
	}
	if err := d.writeDescriptor(dataIdx, buf, size, dataFlags, statusIdx); err != nil {
		return 0, err
	}
	if err := d.writeDescriptor(statusIdx, req+requestHeaderBytes, 1, DescFWrite, 0); err != nil {
		return 0, err
	}

	availIdx, err := d.readAvailIdx()
	if err != nil {
		return 0, err
	}
	if err := d.writeAvailRing(availIdx%RingSize, headIdx); err != nil {
		return 0, err
	}
	if err := d.writeAvailIdx(availIdx + 1); err != nil {
		return 0, err
	}

	d.headToPID[headIdx] = pid
	d.headToReq[headIdx] = req
	return headIdx, nil
}

// ServicePending plays the role of the (absent, simulated) QEMU device: it
// walks every avail-ring entry this driver has published but not yet
// serviced, performs the actual backend I/O, writes the status byte, and
// appends a used-ring entry — exactly what real virtio-blk hardware would
// do asynchronously. A production boot would never call this directly;
// it exists because this repository has no real device to drive the other
// side of the queue in its hosted test harness.
func (d *Device) ServicePending() error {
	availIdx, err := d.readAvailIdx()
	if err != nil {
		return err
	}
	for d.lastAvail != availIdx {
		headIdx, err := d.readAvailRing(d.lastAvail % RingSize)
		if err != nil {
			return err
		}
		d.lastAvail++

		if err := d.service(headIdx); err != nil {
			d.log.Error("virtio: servicing request failed", "head", headIdx, "error", err)
		}

		usedIdx, err := d.readUsedIdx()
		if err != nil {
			return err
		}
		if err := d.writeUsedElem(usedIdx%RingSize, uint32(headIdx), 0); err != nil {
			return err
		}
		if err := d.writeUsedIdx(usedIdx + 1); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) service(headIdx uint16) error {
	_, hdrLen, _, dataIdx, err := d.readDescriptor(headIdx)
	if err != nil || hdrLen != requestHeaderBytes {
		return fmt.Errorf("virtio: malformed head descriptor")
	}
	dataAddr, dataLen, dataFlags, statusIdx, err := d.readDescriptor(dataIdx)
	if err != nil {
		return err
	}
	statusAddr, _, _, _, err := d.readDescriptor(statusIdx)
	if err != nil {
		return err
	}

	req := d.headToReq[headIdx]
	hdr, err := d.region.Slice(req, requestHeaderBytes)
	if err != nil {
		return err
	}
	blkType := byteOrder.Uint32(hdr[0:4])
	sector := byteOrder.Uint64(hdr[8:16])
	off := int64(sector) * 512

	dataBuf, err := d.region.Slice(dataAddr, int(dataLen))
	if err != nil {
		return err
	}

	status := byte(0)
	switch blkType {
	case BlkTIn:
		if dataFlags&DescFWrite == 0 {
			status = 2 // UNSUPP: expected a device-writable buffer
		} else if _, err := d.backend.ReadAt(dataBuf, off); err != nil {
			status = 1
		}
	case BlkTOut:
		if _, err := d.backend.WriteAt(dataBuf, off); err != nil {
			status = 1
		}
	default:
		status = 2
	}

	return d.region.WriteByte(statusAddr, status)
}

// HandleInterrupt is the driver-side completion path: it advances
// ackUsedIdx through used.idx, frees each request, and returns the PIDs
// whose I/O just finished so the caller can mark them Running again.
func (d *Device) HandleInterrupt() ([]uint16, error) {
	usedIdx, err := d.readUsedIdx()
	if err != nil {
		return nil, err
	}

	var woken []uint16
	for d.ackUsedIdx != usedIdx {
		id, _, err := d.readUsedElem(d.ackUsedIdx % RingSize)
		if err != nil {
			return woken, err
		}
		d.ackUsedIdx++

		headIdx := uint16(id)
		if pid, ok := d.headToPID[headIdx]; ok {
			woken = append(woken, pid)
			delete(d.headToPID, headIdx)
		}
		if req, ok := d.headToReq[headIdx]; ok {
			if err := d.heap.Kfree(req); err != nil {
				d.log.Error("virtio: freeing completed request failed", "error", err)
				if d.fatal != nil && memory.IsFatal(err) {
					d.fatal(err)
				}
			}
			delete(d.headToReq, headIdx)
		}
		d.freeHeads = append(d.freeHeads, headIdx)
	}
	return woken, nil
}

// ReadStatus reads back the status byte the device wrote for the request
// whose head descriptor is headIdx — used by callers (and tests) that want
// to confirm success (0), IOERR (1), or UNSUPP (2) without waiting on the
// interrupt path.
func (d *Device) ReadStatus(headIdx uint16) (byte, error) {
	req, ok := d.headToReq[headIdx]
	if !ok {
		return 0, fmt.Errorf("virtio: unknown request head %d", headIdx)
	}
	return d.readStatus(req)
}

func (d *Device) ReadOnly() bool { return d.readOnly }

func (d *Device) readMMIO32(mmioBase memory.PhysAddr, reg uint64) (uint32, error) {
	b, err := d.region.Slice(mmioBase+memory.PhysAddr(reg), 4)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint32(b), nil
}

func (d *Device) writeMMIO32(mmioBase memory.PhysAddr, reg uint64, v uint32) error {
	b, err := d.region.Slice(mmioBase+memory.PhysAddr(reg), 4)
	if err != nil {
		return err
	}
	byteOrder.PutUint32(b, v)
	return nil
}

// Negotiate runs the legacy virtio MMIO handshake of spec.md §4.8 against
// the device registers mapped at mmioBase: reset, ACKNOWLEDGE|DRIVER,
// feature negotiation (masking off BlkFRO while remembering it as
// d.readOnly), FEATURES_OK with a sticky re-read, queue 0 sizing against
// this Device's already-allocated virtqueue (see New), and finally
// DRIVER_OK. A bad magic value returns ErrSetupFailed without touching the
// status register; any later failure returns ErrSetupFailed and leaves
// the device's status register holding the Failed bit, matching
// spec.md §7's "setup failure... mark Failed, log, continue booting
// without it" policy — the caller is expected not to register this device.
func (d *Device) Negotiate(mmioBase memory.PhysAddr) error {
	magic, err := d.readMMIO32(mmioBase, RegMagicValue)
	if err != nil {
		return fmt.Errorf("virtio: read magic: %w", err)
	}
	if magic != MMIOMagic {
		return fmt.Errorf("%w: bad magic 0x%x", ErrSetupFailed, magic)
	}

	fail := func(reason string) error {
		_ = d.writeMMIO32(mmioBase, RegStatus, StatusFailed)
		d.log.Error("virtio: setup failed", "reason", reason)
		return fmt.Errorf("%w: %s", ErrSetupFailed, reason)
	}

	if err := d.writeMMIO32(mmioBase, RegStatus, 0); err != nil {
		return fail("reset status")
	}
	if err := d.writeMMIO32(mmioBase, RegStatus, StatusAcknowledge); err != nil {
		return fail("write ACKNOWLEDGE")
	}
	if err := d.writeMMIO32(mmioBase, RegStatus, StatusAcknowledge|StatusDriver); err != nil {
		return fail("write DRIVER")
	}

	hostFeatures, err := d.readMMIO32(mmioBase, RegHostFeatures)
	if err != nil {
		return fail("read host features")
	}
	d.readOnly = hostFeatures&BlkFRO != 0
	guestFeatures := hostFeatures &^ BlkFRO
	if err := d.writeMMIO32(mmioBase, RegGuestFeatures, guestFeatures); err != nil {
		return fail("write guest features")
	}

	if err := d.writeMMIO32(mmioBase, RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK); err != nil {
		return fail("write FEATURES_OK")
	}
	status, err := d.readMMIO32(mmioBase, RegStatus)
	if err != nil || status&StatusFeaturesOK == 0 {
		return fail("FEATURES_OK did not stick")
	}

	if err := d.writeMMIO32(mmioBase, RegQueueSel, 0); err != nil {
		return fail("select queue 0")
	}
	queueMax, err := d.readMMIO32(mmioBase, RegQueueNumMax)
	if err != nil {
		return fail("read queue num max")
	}
	if queueMax < RingSize {
		return fail(fmt.Sprintf("queue too small: max %d < %d", queueMax, RingSize))
	}
	if err := d.writeMMIO32(mmioBase, RegQueueNum, RingSize); err != nil {
		return fail("write queue num")
	}
	if err := d.writeMMIO32(mmioBase, RegGuestPageSize, memory.PageSize); err != nil {
		return fail("write guest page size")
	}
	if err := d.writeMMIO32(mmioBase, RegQueuePfn, uint32(uint64(d.queueBase)/memory.PageSize)); err != nil {
		return fail("write queue pfn")
	}

	if err := d.writeMMIO32(mmioBase, RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK); err != nil {
		return fail("write DRIVER_OK")
	}
	d.log.Info("virtio device negotiated", "read_only", d.readOnly, "queue_pfn", uint64(d.queueBase)/memory.PageSize)
	return nil
}
