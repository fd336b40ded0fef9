package diskfs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"sv39os/internal/bitmap"
	"sv39os/internal/blockcache"
	"sv39os/internal/config"
)

// EasyFileSystem is the filesystem bootstrap and allocator: it owns the
// inode and data bitmaps and knows the fixed layout (superblock, inode
// bitmap, inode area, data bitmap, data area) laid down by NewEasyFileSystem
// (spec.md §3 "EasyFileSystem", §4.9). Structural mutation (alloc/dealloc)
// must go through a single caller-held lock (DESIGN.md Open Question 3):
// EasyFileSystem itself is not safe for concurrent structural mutation from
// multiple goroutines without external synchronization.
type EasyFileSystem struct {
	Device             blockcache.Device
	Cache              *blockcache.Manager
	InodeBitmap        *bitmap.Bitmap
	DataBitmap         *bitmap.Bitmap
	inodeAreaStartBlock uint32
	dataAreaStartBlock  uint32
}

// NewEasyFileSystem formats a fresh filesystem image over totalBlocks
// blocks, reserving inodeBitmapBlocks blocks for the inode bitmap and
// sizing the data bitmap to cover whatever remains (spec.md §4.9 "new").
func NewEasyFileSystem(cache *blockcache.Manager, dev blockcache.Device, totalBlocks, inodeBitmapBlocks int) *EasyFileSystem {
	inodeBitmap := bitmap.New(1, inodeBitmapBlocks)
	inodeAreaStartBlock := uint32(inodeBitmapBlocks) + 1
	inodeAreaNumBlocks := (inodeBitmap.MaxBits() * config.DiskInodeSize) / config.BlockSize
	dataBitmapStartBlock := inodeAreaStartBlock + uint32(inodeAreaNumBlocks)

	leftBlocks := totalBlocks - int(dataBitmapStartBlock)
	bitsPerBitmapBlock := config.BlockSize * 8
	dataBitmapBlocks := (leftBlocks + bitsPerBitmapBlock) / (bitsPerBitmapBlock + 1)
	dataBitmap := bitmap.New(int(dataBitmapStartBlock), dataBitmapBlocks)
	dataAreaStartBlock := dataBitmapStartBlock + uint32(dataBitmapBlocks)

	fs := &EasyFileSystem{
		Device:              dev,
		Cache:               cache,
		InodeBitmap:         inodeBitmap,
		DataBitmap:          dataBitmap,
		inodeAreaStartBlock: inodeAreaStartBlock,
		dataAreaStartBlock:  dataAreaStartBlock,
	}

	logrus.WithFields(logrus.Fields{
		"total_blocks":          totalBlocks,
		"inode_bitmap_blocks":   inodeBitmapBlocks,
		"inode_area_blocks":     inodeAreaNumBlocks,
		"data_bitmap_blocks":    dataBitmapBlocks,
		"data_area_start_block": dataAreaStartBlock,
	}).Debug("diskfs: formatting filesystem")

	for i := 0; i < totalBlocks; i++ {
		blk := cache.Get(i, dev)
		blk.Modify(0, func(buf []byte) bool {
			for j := range buf[:config.BlockSize] {
				buf[j] = 0
			}
			return true
		})
		cache.Release(i)
	}

	WriteSuperBlock(cache, dev, SuperBlock{
		Magic:             config.EFSMagic,
		TotalBlocks:       uint32(totalBlocks),
		InodeBitmapBlocks: uint32(inodeBitmapBlocks),
		InodeAreaBlocks:   uint32(inodeAreaNumBlocks),
		DataBitmapBlocks:  uint32(dataBitmapBlocks),
		DataAreaBlocks:    uint32(totalBlocks) - dataAreaStartBlock,
	})

	rootID, ok := fs.AllocInode()
	if !ok || rootID != config.RootInodeID {
		panic("diskfs: failed to allocate root inode during format")
	}
	blockID, blockOffset := fs.InodePos(rootID)
	blk := cache.Get(int(blockID), dev)
	blk.Modify(blockOffset, func(buf []byte) bool {
		var di DiskInode
		di.unmarshal(buf)
		di.Init(TypeDir)
		di.marshal(buf)
		return true
	})
	cache.Release(int(blockID))

	cache.SyncAll(context.Background())
	return fs
}

// OpenEasyFileSystem reads an existing filesystem's superblock and
// reconstructs its bitmaps (spec.md §4.9 "open").
func OpenEasyFileSystem(cache *blockcache.Manager, dev blockcache.Device) (*EasyFileSystem, error) {
	sb, err := ReadSuperBlock(cache, dev)
	if err != nil {
		return nil, err
	}
	inodeBitmap := bitmap.New(1, int(sb.InodeBitmapBlocks))
	inodeAreaStartBlock := sb.InodeBitmapBlocks + 1
	dataBitmapStartBlock := inodeAreaStartBlock + sb.InodeAreaBlocks
	dataBitmap := bitmap.New(int(dataBitmapStartBlock), int(sb.DataBitmapBlocks))
	dataAreaStartBlock := dataBitmapStartBlock + sb.DataBitmapBlocks

	return &EasyFileSystem{
		Device:              dev,
		Cache:               cache,
		InodeBitmap:         inodeBitmap,
		DataBitmap:          dataBitmap,
		inodeAreaStartBlock: inodeAreaStartBlock,
		dataAreaStartBlock:  dataAreaStartBlock,
	}, nil
}

// InodePos returns the block id (absolute) and in-block byte offset of
// the given inode id (spec.md §4.9 "inode_pos").
func (fs *EasyFileSystem) InodePos(inodeID uint32) (uint32, int) {
	inodesPerBlock := config.BlockSize / config.DiskInodeSize
	blockInner := int(inodeID) / inodesPerBlock
	offset := (int(inodeID) % inodesPerBlock) * config.DiskInodeSize
	return fs.inodeAreaStartBlock + uint32(blockInner), offset
}

// AllocInode allocates a fresh inode id (spec.md §4.9 "alloc_inode").
func (fs *EasyFileSystem) AllocInode() (uint32, bool) {
	id, ok := fs.InodeBitmap.Alloc(fs.Cache, fs.Device)
	return uint32(id), ok
}

// AllocDataBlock allocates a fresh data block, returning its absolute
// block id (spec.md §4.9 "alloc_data_block").
func (fs *EasyFileSystem) AllocDataBlock() (uint32, bool) {
	id, ok := fs.DataBitmap.Alloc(fs.Cache, fs.Device)
	if !ok {
		return 0, false
	}
	return uint32(id) + fs.dataAreaStartBlock, true
}

// DeallocInode is intentionally unimplemented: the original rCore-Tutorial
// source (easy-fs/src/efs.rs: dealloc_inode) leaves this as a literal
// todo!() because nothing in the teaching OS ever calls it (there is no
// unlink in this filesystem's syscall surface). Calling it is a programmer
// error (DESIGN.md Open Question 1).
func (fs *EasyFileSystem) DeallocInode(inodeID uint32) {
	panic(fmt.Sprintf("diskfs: dealloc_inode(%d) unimplemented — no caller should reach this", inodeID))
}

// DeallocDataBlock frees a data block, optionally zeroing it first
// (spec.md §4.9 "dealloc_data_block").
func (fs *EasyFileSystem) DeallocDataBlock(blockID uint32, clear bool) {
	inner := int(blockID) - int(fs.dataAreaStartBlock)
	fs.DataBitmap.Dealloc(fs.Cache, fs.Device, inner)
	if !clear {
		return
	}
	blk := fs.Cache.Get(int(blockID), fs.Device)
	blk.Modify(0, func(buf []byte) bool {
		for i := range buf[:config.BlockSize] {
			buf[i] = 0
		}
		return true
	})
	fs.Cache.Release(int(blockID))
}
