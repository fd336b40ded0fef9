// Package diskfs implements the on-disk filesystem layout and bootstrap
// (spec.md §3 "On-disk layout", §4.9 "EasyFileSystem") — superblock, disk
// inode with direct/indirect1/indirect2 block pointers, and directory
// entries, all marshaled little-endian via encoding/binary exactly as the
// teacher's biscuit/src/fs package lays out its own on-disk structures.
// Grounded on original_source/easy-fs/src/layout.rs.
package diskfs

import (
	"encoding/binary"
	"fmt"

	"sv39os/internal/blockcache"
	"sv39os/internal/config"
)

// SuperBlock is the first block of the filesystem image (spec.md §3
// "SuperBlock").
type SuperBlock struct {
	Magic             uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

const superBlockWireSize = 4 * 6

// IsValid reports whether the magic matches (spec.md §4.9 "is_valid").
func (sb *SuperBlock) IsValid() bool { return sb.Magic == config.EFSMagic }

func (sb *SuperBlock) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:], sb.TotalBlocks)
	binary.LittleEndian.PutUint32(buf[8:], sb.InodeBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[12:], sb.InodeAreaBlocks)
	binary.LittleEndian.PutUint32(buf[16:], sb.DataBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[20:], sb.DataAreaBlocks)
}

func (sb *SuperBlock) unmarshal(buf []byte) {
	sb.Magic = binary.LittleEndian.Uint32(buf[0:])
	sb.TotalBlocks = binary.LittleEndian.Uint32(buf[4:])
	sb.InodeBitmapBlocks = binary.LittleEndian.Uint32(buf[8:])
	sb.InodeAreaBlocks = binary.LittleEndian.Uint32(buf[12:])
	sb.DataBitmapBlocks = binary.LittleEndian.Uint32(buf[16:])
	sb.DataAreaBlocks = binary.LittleEndian.Uint32(buf[20:])
}

// ReadSuperBlock reads and validates the superblock from block 0.
func ReadSuperBlock(cache *blockcache.Manager, dev blockcache.Device) (SuperBlock, error) {
	var sb SuperBlock
	blk := cache.Get(0, dev)
	blk.Read(0, func(buf []byte) { sb.unmarshal(buf) })
	cache.Release(0)
	if !sb.IsValid() {
		return sb, fmt.Errorf("diskfs: bad superblock magic %#x", sb.Magic)
	}
	return sb, nil
}

// WriteSuperBlock writes sb to block 0.
func WriteSuperBlock(cache *blockcache.Manager, dev blockcache.Device, sb SuperBlock) {
	blk := cache.Get(0, dev)
	blk.Modify(0, func(buf []byte) bool {
		sb.marshal(buf)
		return true
	})
	cache.Release(0)
}

// Disk inode types (spec.md §3 "DiskInode").
const (
	TypeFile uint32 = 0
	TypeDir  uint32 = 1
)

// DiskInode is the on-disk inode: size, direct block pointers, one
// indirect1 block and one indirect2 block (spec.md §3 "DiskInode",
// §4.9). Wire size is 128 bytes: 4 (size) + 28*4 (direct) + 4
// (indirect1) + 4 (indirect2) + 4 (type) = 128.
type DiskInode struct {
	Size      uint32
	Direct    [config.DiskInodeDirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      uint32
}

// IsDir/IsFile report the inode's type.
func (d *DiskInode) IsDir() bool  { return d.Type == TypeDir }
func (d *DiskInode) IsFile() bool { return d.Type == TypeFile }

// Init sets the inode's type on creation (spec.md §4.9 "init").
func (d *DiskInode) Init(typ uint32) { d.Type = typ }

// MarshalTo writes the inode's 128-byte wire representation into buf.
func (d *DiskInode) MarshalTo(buf []byte) { d.marshal(buf) }

// UnmarshalFrom parses a 128-byte wire representation into the inode.
func (d *DiskInode) UnmarshalFrom(buf []byte) { d.unmarshal(buf) }

func (d *DiskInode) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], d.Size)
	off := 4
	for i := range d.Direct {
		binary.LittleEndian.PutUint32(buf[off:], d.Direct[i])
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], d.Indirect1)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.Indirect2)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.Type)
}

func (d *DiskInode) unmarshal(buf []byte) {
	d.Size = binary.LittleEndian.Uint32(buf[0:])
	off := 4
	for i := range d.Direct {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	d.Indirect1 = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.Indirect2 = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.Type = binary.LittleEndian.Uint32(buf[off:])
}

func readIndirect(cache *blockcache.Manager, dev blockcache.Device, blockID uint32) [config.IndirectEntriesPerBlock]uint32 {
	var ib [config.IndirectEntriesPerBlock]uint32
	blk := cache.Get(int(blockID), dev)
	blk.Read(0, func(buf []byte) {
		for i := range ib {
			ib[i] = binary.LittleEndian.Uint32(buf[i*4:])
		}
	})
	cache.Release(int(blockID))
	return ib
}

func modifyIndirect(cache *blockcache.Manager, dev blockcache.Device, blockID uint32, f func(ib *[config.IndirectEntriesPerBlock]uint32)) {
	blk := cache.Get(int(blockID), dev)
	blk.Modify(0, func(buf []byte) bool {
		var ib [config.IndirectEntriesPerBlock]uint32
		for i := range ib {
			ib[i] = binary.LittleEndian.Uint32(buf[i*4:])
		}
		f(&ib)
		for i := range ib {
			binary.LittleEndian.PutUint32(buf[i*4:], ib[i])
		}
		return true
	})
	cache.Release(int(blockID))
}

// GetBlockID resolves the physical block id backing the innerID'th data
// block of this inode (spec.md §4.9 "get_block_id"), walking through the
// indirect1/indirect2 blocks as needed. Panics if innerID is out of range
// for the supported maximum file size, matching the original's
// out-of-bound assertion.
func (d *DiskInode) GetBlockID(cache *blockcache.Manager, dev blockcache.Device, innerID int) uint32 {
	switch {
	case innerID < config.DirectBound:
		return d.Direct[innerID]
	case innerID < config.Indirect1Bound:
		ib := readIndirect(cache, dev, d.Indirect1)
		return ib[innerID-config.DirectBound]
	case innerID < config.Indirect2Bound:
		idx := innerID - config.Indirect1Bound
		outer := readIndirect(cache, dev, d.Indirect2)
		inner := readIndirect(cache, dev, outer[idx/config.IndirectEntriesPerBlock])
		return inner[idx%config.IndirectEntriesPerBlock]
	default:
		panic(fmt.Sprintf("diskfs: inner block id %d out of bound (max %d)", innerID, config.Indirect2Bound))
	}
}

func dataBlocks(size int) int {
	return (size + config.BlockSize - 1) / config.BlockSize
}

func totalBlocks(size int) int {
	d := dataBlocks(size)
	total := d
	if d > config.DirectBound {
		total++
	}
	if d > config.Indirect1Bound {
		total++
		indirect2Blocks := (d - config.Indirect1Bound + config.IndirectEntriesPerBlock - 1) / config.IndirectEntriesPerBlock
		total += indirect2Blocks
	}
	return total
}

// NumBlocksNeeded reports how many additional blocks growing to newSize
// requires (spec.md §4.9 "num_blocks_needed").
func (d *DiskInode) NumBlocksNeeded(newSize int) int {
	if newSize < int(d.Size) {
		panic("diskfs: NumBlocksNeeded called with newSize < current size")
	}
	return totalBlocks(newSize) - totalBlocks(int(d.Size))
}

// NumBlocksToFree reports how many blocks shrinking to newSize frees
// (spec.md §4.9 "num_blocks_to_free").
func (d *DiskInode) NumBlocksToFree(newSize int) int {
	if newSize > int(d.Size) {
		panic("diskfs: NumBlocksToFree called with newSize > current size")
	}
	return totalBlocks(int(d.Size)) - totalBlocks(newSize)
}

// IncreaseSize grows the inode to newSize, consuming exactly
// NumBlocksNeeded(newSize) freshly allocated block ids from
// dataBlockIDs to populate direct/indirect1/indirect2 pointers (spec.md
// §4.9 "increase_size"). Any indirect block that must itself be created is
// also taken from dataBlockIDs, in the order it is first needed.
func (d *DiskInode) IncreaseSize(cache *blockcache.Manager, dev blockcache.Device, newSize int, dataBlockIDs []uint32) {
	if len(dataBlockIDs) != d.NumBlocksNeeded(newSize) {
		panic("diskfs: IncreaseSize block id count mismatch")
	}
	oldBlocks := dataBlocks(int(d.Size))
	d.Size = uint32(newSize)
	newBlocks := dataBlocks(newSize)
	next := 0
	take := func() uint32 {
		v := dataBlockIDs[next]
		next++
		return v
	}

	block := oldBlocks
	if block < config.DirectBound {
		end := min(newBlocks, config.DirectBound)
		for i := block; i < end; i++ {
			d.Direct[i] = take()
		}
		block = end
	}
	if block >= newBlocks {
		return
	}
	if block < config.Indirect1Bound {
		if d.Indirect1 == 0 {
			d.Indirect1 = take()
		}
		start := block
		end := min(newBlocks, config.Indirect1Bound)
		modifyIndirect(cache, dev, d.Indirect1, func(ib *[config.IndirectEntriesPerBlock]uint32) {
			for i := start; i < end; i++ {
				ib[i-config.DirectBound] = take()
			}
		})
		block = end
	}
	if block >= newBlocks {
		return
	}
	if d.Indirect2 == 0 {
		d.Indirect2 = take()
	}
	start := block - config.Indirect1Bound
	end := min(newBlocks, config.Indirect2Bound) - config.Indirect1Bound
	modifyIndirect(cache, dev, d.Indirect2, func(outer *[config.IndirectEntriesPerBlock]uint32) {
		for start < end {
			blockStartIdx := start / config.IndirectEntriesPerBlock
			blockStart := blockStartIdx * config.IndirectEntriesPerBlock
			blockEnd := (blockStartIdx + 1) * config.IndirectEntriesPerBlock
			realStart := max(start, blockStart)
			realEnd := min(end, blockEnd)
			if realStart == blockStart {
				outer[blockStartIdx] = take()
			}
			modifyIndirect(cache, dev, outer[blockStartIdx], func(inner *[config.IndirectEntriesPerBlock]uint32) {
				innerStart := realStart % config.IndirectEntriesPerBlock
				num := realEnd - realStart
				for i := 0; i < num; i++ {
					inner[innerStart+i] = take()
				}
			})
			start = realEnd
		}
	})
}

// DecreaseSize shrinks the inode to newSize and returns the block ids
// freed, in the order the original frees them (spec.md §4.9
// "decrease_size").
func (d *DiskInode) DecreaseSize(cache *blockcache.Manager, dev blockcache.Device, newSize int) []uint32 {
	var toFree []uint32
	oldBlocks := dataBlocks(int(d.Size))
	d.Size = uint32(newSize)
	newBlocks := dataBlocks(newSize)

	block := newBlocks
	if block < config.DirectBound {
		end := min(oldBlocks, config.DirectBound)
		for i := block; i < end; i++ {
			toFree = append(toFree, d.Direct[i])
			d.Direct[i] = 0
		}
		block = end
	}
	if block >= oldBlocks {
		return toFree
	}
	indirect1 := d.Indirect1
	if block == config.DirectBound {
		toFree = append(toFree, indirect1)
		d.Indirect1 = 0
	}
	start := block
	end := min(oldBlocks, config.Indirect1Bound)
	modifyIndirect(cache, dev, indirect1, func(ib *[config.IndirectEntriesPerBlock]uint32) {
		for i := start; i < end; i++ {
			toFree = append(toFree, ib[i-config.DirectBound])
			ib[i-config.DirectBound] = 0
		}
	})
	block = end
	if block >= oldBlocks {
		return toFree
	}

	indirect2 := d.Indirect2
	if block == config.Indirect1Bound {
		toFree = append(toFree, indirect2)
		d.Indirect2 = 0
	}
	start2 := block - config.Indirect1Bound
	end2 := min(oldBlocks, config.Indirect2Bound) - config.Indirect1Bound
	modifyIndirect(cache, dev, indirect2, func(outer *[config.IndirectEntriesPerBlock]uint32) {
		for start2 < end2 {
			blockStartIdx := start2 / config.IndirectEntriesPerBlock
			blockStart := blockStartIdx * config.IndirectEntriesPerBlock
			blockEnd := (blockStartIdx + 1) * config.IndirectEntriesPerBlock
			realStart := max(start2, blockStart)
			realEnd := min(end2, blockEnd)
			innerBlock := outer[blockStartIdx]
			if realStart == blockStart {
				toFree = append(toFree, innerBlock)
				outer[blockStartIdx] = 0
			}
			modifyIndirect(cache, dev, innerBlock, func(inner *[config.IndirectEntriesPerBlock]uint32) {
				innerStart := realStart % config.IndirectEntriesPerBlock
				num := realEnd - realStart
				for i := 0; i < num; i++ {
					toFree = append(toFree, inner[innerStart+i])
					inner[innerStart+i] = 0
				}
			})
			start2 = realEnd
		}
	})
	return toFree
}

// ReadAt reads into buf starting at offset, bounded by the inode's
// current size, returning the number of bytes actually read (spec.md
// §4.9 "read_at").
func (d *DiskInode) ReadAt(cache *blockcache.Manager, dev blockcache.Device, offset int, buf []byte) int {
	start := offset
	end := min(int(d.Size), offset+len(buf))
	if start >= end {
		return 0
	}
	startBlock := start / config.BlockSize
	read := 0
	for start < end {
		blockEndAddr := min(end, (startBlock+1)*config.BlockSize)
		n := blockEndAddr - start
		blockID := d.GetBlockID(cache, dev, startBlock)
		blk := cache.Get(int(blockID), dev)
		inBlockOff := start % config.BlockSize
		blk.Read(inBlockOff, func(data []byte) {
			copy(buf[read:read+n], data[:n])
		})
		cache.Release(int(blockID))
		read += n
		start += n
		startBlock++
	}
	return read
}

// WriteAt writes buf into the inode starting at offset, bounded by the
// inode's current size, returning the number of bytes actually written
// (spec.md §4.9 "write_at"). Callers must grow the inode first via
// IncreaseSize if the write extends past the current size.
func (d *DiskInode) WriteAt(cache *blockcache.Manager, dev blockcache.Device, offset int, buf []byte) int {
	start := offset
	end := min(int(d.Size), offset+len(buf))
	if start >= end {
		return 0
	}
	startBlock := start / config.BlockSize
	written := 0
	for start < end {
		blockEndAddr := min(end, (startBlock+1)*config.BlockSize)
		n := blockEndAddr - start
		blockID := d.GetBlockID(cache, dev, startBlock)
		blk := cache.Get(int(blockID), dev)
		inBlockOff := start % config.BlockSize
		blk.Modify(inBlockOff, func(data []byte) bool {
			copy(data[:n], buf[written:written+n])
			return true
		})
		cache.Release(int(blockID))
		written += n
		start += n
		startBlock++
	}
	return written
}

// DirEntry is one 32-byte directory entry: a NUL-padded name and the
// inode id it names (spec.md §3 "DirEntry").
type DirEntry struct {
	Name  [config.DirEntryNameLimit + 1]byte
	Inode uint32
}

// NewDirEntry builds a directory entry, panicking if name exceeds the
// name length limit.
func NewDirEntry(name string, inode uint32) DirEntry {
	if len(name) > config.DirEntryNameLimit {
		panic(fmt.Sprintf("diskfs: name %q exceeds limit of %d bytes", name, config.DirEntryNameLimit))
	}
	var de DirEntry
	copy(de.Name[:], name)
	de.Inode = inode
	return de
}

// NameString returns the entry's name, stopping at the first NUL byte.
func (e *DirEntry) NameString() string {
	n := len(e.Name)
	for i, b := range e.Name {
		if b == 0 {
			n = i
			break
		}
	}
	return string(e.Name[:n])
}

func (e *DirEntry) marshal(buf []byte) {
	copy(buf[:len(e.Name)], e.Name[:])
	binary.LittleEndian.PutUint32(buf[len(e.Name):], e.Inode)
}

func (e *DirEntry) unmarshal(buf []byte) {
	copy(e.Name[:], buf[:len(e.Name)])
	e.Inode = binary.LittleEndian.Uint32(buf[len(e.Name):])
}

// Bytes returns the entry's on-disk wire representation.
func (e *DirEntry) Bytes() []byte {
	buf := make([]byte, config.DirEntrySize)
	e.marshal(buf)
	return buf
}

// DirEntryFromBytes parses a wire-format directory entry.
func DirEntryFromBytes(buf []byte) DirEntry {
	var e DirEntry
	e.unmarshal(buf)
	return e
}
