// Package minixfs implements the read-only MINIX v3 filesystem reader of
// spec.md §4.9, grounded on original_source/fs.rs's SuperBlock/Inode/
// DirEntry layout and its direct/single/double/triple indirect zone walk.
// Writes, and anything beyond reading an inode's bytes, are out of scope.
package minixfs

import (
	"encoding/binary"
	"fmt"
)

const (
	Magic        uint16 = 0x4d5a
	BlockSize    uint32 = 1024
	InodeSize    uint32 = 64
	DirEntrySize uint32 = 64
	NumIndirect  uint32 = BlockSize / 4 // zone pointers per indirect block

	// IPB is inodes per block: BLOCK_SIZE / sizeof(Inode).
	IPB uint32 = BlockSize / InodeSize
)

// mode bits (only the ones spec.md cares about: directory vs. regular file).
const (
	SIFDIR uint16 = 0o040000
	SIFREG uint16 = 0o100000
)

var byteOrder = binary.LittleEndian

// BlockReader is the block layer's synchronous face to this package: it
// reads size bytes at byteOffset from dev and returns them. This package
// only needs the synchronous result. The syscall layer's implementation
// submits the read to the virtio device and services it in the same call;
// it does not suspend the calling process while the request is in flight.
type BlockReader interface {
	ReadBlock(dev uint64, byteOffset uint64, size uint32) ([]byte, error)
}

// SuperBlock is the MINIX v3 on-disk super block (block 1, right after the
// boot block), laid out per original_source/fs.rs's repr(C) SuperBlock.
type SuperBlock struct {
	NInodes       uint32
	ImapBlocks    uint16
	ZmapBlocks    uint16
	FirstDataZone uint16
	LogZoneSize   uint16
	MaxSize       uint32
	Zones         uint32
	Magic         uint16
	BlockSizeOnFS uint16
	Version       uint8
}

func parseSuperBlock(b []byte) SuperBlock {
	return SuperBlock{
		NInodes:       byteOrder.Uint32(b[0:4]),
		ImapBlocks:    byteOrder.Uint16(b[6:8]),
		ZmapBlocks:    byteOrder.Uint16(b[8:10]),
		FirstDataZone: byteOrder.Uint16(b[10:12]),
		LogZoneSize:   byteOrder.Uint16(b[12:14]),
		MaxSize:       byteOrder.Uint32(b[16:20]),
		Zones:         byteOrder.Uint32(b[20:24]),
		Magic:         byteOrder.Uint16(b[24:26]),
		BlockSizeOnFS: byteOrder.Uint16(b[28:30]),
		Version:       b[30],
	}
}

// Inode is one 64-byte MINIX v3 inode: 10 zone pointers, 0..6 direct, 7
// single indirect, 8 double indirect, 9 triple indirect.
type Inode struct {
	Mode      uint16
	Links     uint16
	UID       uint16
	GID       uint16
	Size      uint32
	Atime     uint32
	Mtime     uint32
	Ctime     uint32
	Zones     [10]uint32
}

func (i Inode) IsDir() bool { return i.Mode&SIFDIR != 0 }

func parseInode(b []byte) Inode {
	var in Inode
	in.Mode = byteOrder.Uint16(b[0:2])
	in.Links = byteOrder.Uint16(b[2:4])
	in.UID = byteOrder.Uint16(b[4:6])
	in.GID = byteOrder.Uint16(b[6:8])
	in.Size = byteOrder.Uint32(b[8:12])
	in.Atime = byteOrder.Uint32(b[12:16])
	in.Mtime = byteOrder.Uint32(b[16:20])
	in.Ctime = byteOrder.Uint32(b[20:24])
	for z := 0; z < 10; z++ {
		off := 24 + z*4
		in.Zones[z] = byteOrder.Uint32(b[off : off+4])
	}
	return in
}

// DirEntry is one 64-byte MINIX v3 directory entry: {u32 inode; u8 name[60]}.
type DirEntry struct {
	Inode uint32
	Name  string
}

func parseDirEntry(b []byte) DirEntry {
	inode := byteOrder.Uint32(b[0:4])
	name := b[4:64]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return DirEntry{Inode: inode, Name: string(name[:n])}
}

// ParseDirBlock splits a raw directory block into its 64-byte entries,
// skipping unused (inode == 0) slots.
func ParseDirBlock(block []byte) []DirEntry {
	var entries []DirEntry
	for off := uint32(0); off+DirEntrySize <= uint32(len(block)); off += DirEntrySize {
		e := parseDirEntry(block[off : off+DirEntrySize])
		if e.Inode != 0 {
			entries = append(entries, e)
		}
	}
	return entries
}

// GetInode reads the super block, validates its magic, and returns the
// inode numbered inodeNum (1-based), following the block-offset formula of
// spec.md §4.9 exactly.
func GetInode(br BlockReader, dev uint64, inodeNum uint32) (Inode, error) {
	sbBlock, err := br.ReadBlock(dev, uint64(BlockSize), BlockSize)
	if err != nil {
		return Inode{}, fmt.Errorf("minixfs: read super block: %w", err)
	}
	sb := parseSuperBlock(sbBlock)
	if sb.Magic != Magic {
		return Inode{}, fmt.Errorf("minixfs: bad super block magic 0x%x", sb.Magic)
	}

	inodeBlockOffset := uint64(2+uint32(sb.ImapBlocks)+uint32(sb.ZmapBlocks))*uint64(BlockSize) +
		uint64((inodeNum-1)/IPB)*uint64(BlockSize)

	block, err := br.ReadBlock(dev, inodeBlockOffset, BlockSize)
	if err != nil {
		return Inode{}, fmt.Errorf("minixfs: read inode block: %w", err)
	}

	slot := (inodeNum - 1) % IPB
	start := slot * InodeSize
	return parseInode(block[start : start+InodeSize]), nil
}

// readState accumulates the copy bookkeeping shared by the direct,
// single-, double-, and triple-indirect zone walks in Read.
type readState struct {
	br          BlockReader
	dev         uint64
	dst         []byte
	offsetBlock uint32
	offsetByte  uint32
	bytesLeft   uint32
	bytesRead   uint32
	blocksSeen  uint32
}

// visitZone copies one data zone's contribution if it falls at or past
// offsetBlock, advances blocksSeen unconditionally (each zone slot, used or
// not past the offset, counts as one logical block per spec.md §4.9), and
// reports whether the whole read is now satisfied.
func (s *readState) visitZone(zone uint32) (done bool, err error) {
	if s.offsetBlock <= s.blocksSeen {
		block, err := s.br.ReadBlock(s.dev, uint64(zone)*uint64(BlockSize), BlockSize)
		if err != nil {
			return false, fmt.Errorf("minixfs: read zone %d: %w", zone, err)
		}

		amount := BlockSize - s.offsetByte
		if amount > s.bytesLeft {
			amount = s.bytesLeft
		}
		copy(s.dst[s.bytesRead:s.bytesRead+amount], block[s.offsetByte:s.offsetByte+amount])

		s.offsetByte = 0
		s.bytesRead += amount
		s.bytesLeft -= amount
		if s.bytesLeft == 0 {
			return true, nil
		}
	}
	s.blocksSeen++
	return false, nil
}

// Read copies up to size bytes of inode's content, starting at offset, into
// dst, walking direct then single/double/triple indirect zones in order.
func Read(br BlockReader, dev uint64, inode Inode, dst []byte, size, offset uint32) (uint32, error) {
	bytesLeft := size
	if bytesLeft > inode.Size {
		bytesLeft = inode.Size
	}

	s := &readState{
		br:          br,
		dev:         dev,
		dst:         dst,
		offsetBlock: offset / BlockSize,
		offsetByte:  offset % BlockSize,
		bytesLeft:   bytesLeft,
	}

	for i := 0; i < 7; i++ {
		if inode.Zones[i] == 0 {
			continue
		}
		done, err := s.visitZone(inode.Zones[i])
		if err != nil {
			return s.bytesRead, err
		}
		if done {
			return s.bytesRead, nil
		}
	}

	if done, err := s.walkSingleIndirect(inode.Zones[7]); err != nil {
		return s.bytesRead, err
	} else if done {
		return s.bytesRead, nil
	}

	if done, err := s.walkDoubleIndirect(inode.Zones[8]); err != nil {
		return s.bytesRead, err
	} else if done {
		return s.bytesRead, nil
	}

	if done, err := s.walkTripleIndirect(inode.Zones[9]); err != nil {
		return s.bytesRead, err
	} else if done {
		return s.bytesRead, nil
	}

	return s.bytesRead, nil
}

func (s *readState) readZonePointers(zone uint32) ([]uint32, error) {
	if zone == 0 {
		return nil, nil
	}
	block, err := s.br.ReadBlock(s.dev, uint64(zone)*uint64(BlockSize), BlockSize)
	if err != nil {
		return nil, fmt.Errorf("minixfs: read indirect block %d: %w", zone, err)
	}
	ptrs := make([]uint32, NumIndirect)
	for i := range ptrs {
		ptrs[i] = byteOrder.Uint32(block[i*4 : i*4+4])
	}
	return ptrs, nil
}

func (s *readState) walkSingleIndirect(zone uint32) (bool, error) {
	ptrs, err := s.readZonePointers(zone)
	if err != nil || ptrs == nil {
		return false, err
	}
	for _, z := range ptrs {
		if z == 0 {
			continue
		}
		done, err := s.visitZone(z)
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

func (s *readState) walkDoubleIndirect(zone uint32) (bool, error) {
	ptrs, err := s.readZonePointers(zone)
	if err != nil || ptrs == nil {
		return false, err
	}
	for _, z := range ptrs {
		if z == 0 {
			continue
		}
		done, err := s.walkSingleIndirect(z)
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

func (s *readState) walkTripleIndirect(zone uint32) (bool, error) {
	ptrs, err := s.readZonePointers(zone)
	if err != nil || ptrs == nil {
		return false, err
	}
	for _, z := range ptrs {
		if z == 0 {
			continue
		}
		done, err := s.walkDoubleIndirect(z)
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}
