// Package vfs implements the filesystem's inode handle: the operations
// user code and syscalls actually call (create, find, ls, read_at,
// write_at, resize) layered on top of diskfs's raw disk-inode arithmetic
// (spec.md §4.9 "Inode handle"). Grounded on
// original_source/easy-fs/src/vfs.rs.
package vfs

import (
	"strings"
	"sync"

	"sv39os/internal/config"
	"sv39os/internal/diskfs"
)

// Inode is a handle onto one on-disk inode: its block location plus the
// filesystem it belongs to. Every operation (create/find/ls/read/write/
// resize/clear) runs under fsMu, so operations on inodes sharing that
// mutex are serialized; a read-modify-write spanning several calls is not
// (DESIGN.md Open Question 3).
type Inode struct {
	blockID     uint32
	blockOffset int
	fs          *diskfs.EasyFileSystem
	fsMu        *sync.Mutex
}

// Root returns a handle onto the filesystem's root directory inode
// (spec.md §4.9 "root_inode").
func Root(fs *diskfs.EasyFileSystem, fsMu *sync.Mutex) *Inode {
	blockID, blockOffset := fs.InodePos(0)
	return &Inode{blockID: blockID, blockOffset: blockOffset, fs: fs, fsMu: fsMu}
}

func newInode(blockID uint32, blockOffset int, fs *diskfs.EasyFileSystem, fsMu *sync.Mutex) *Inode {
	return &Inode{blockID: blockID, blockOffset: blockOffset, fs: fs, fsMu: fsMu}
}

func (n *Inode) readDisk(f func(*diskfs.DiskInode)) {
	blk := n.fs.Cache.Get(int(n.blockID), n.fs.Device)
	blk.Read(n.blockOffset, func(buf []byte) {
		var di diskfs.DiskInode
		di.UnmarshalFrom(buf)
		f(&di)
	})
	n.fs.Cache.Release(int(n.blockID))
}

func (n *Inode) modifyDisk(f func(*diskfs.DiskInode)) {
	blk := n.fs.Cache.Get(int(n.blockID), n.fs.Device)
	blk.Modify(n.blockOffset, func(buf []byte) bool {
		var di diskfs.DiskInode
		di.UnmarshalFrom(buf)
		f(&di)
		di.MarshalTo(buf)
		return true
	})
	n.fs.Cache.Release(int(n.blockID))
}

// IsDir/IsFile report the inode's on-disk type.
func (n *Inode) IsDir() (is bool) {
	n.readDisk(func(di *diskfs.DiskInode) { is = di.IsDir() })
	return
}

func (n *Inode) IsFile() (is bool) {
	n.readDisk(func(di *diskfs.DiskInode) { is = di.IsFile() })
	return
}

// Size returns the inode's current byte size.
func (n *Inode) Size() (size int) {
	n.readDisk(func(di *diskfs.DiskInode) { size = int(di.Size) })
	return
}


// Create creates a new file or directory named name inside the directory
// n, returning its handle. Returns nil if n is not a directory (spec.md
// §4.9 "create").
func (n *Inode) Create(name string, isDir bool) *Inode {
	n.fsMu.Lock()
	defer n.fsMu.Unlock()

	if !n.IsDir() {
		return nil
	}

	oldSize := n.Size()
	n.increaseSizeLocked(oldSize + config.DirEntrySize)

	inodeID, ok := n.fs.AllocInode()
	if !ok {
		panic("vfs: out of inodes")
	}
	entry := diskfs.NewDirEntry(name, inodeID)
	n.modifyDisk(func(di *diskfs.DiskInode) {
		written := di.WriteAt(n.fs.Cache, n.fs.Device, oldSize, entry.Bytes())
		if written != config.DirEntrySize {
			panic("vfs: short directory entry write")
		}
	})

	blockID, blockOffset := n.fs.InodePos(inodeID)
	child := newInode(blockID, blockOffset, n.fs, n.fsMu)
	typ := diskfs.TypeFile
	if isDir {
		typ = diskfs.TypeDir
	}
	child.modifyDisk(func(di *diskfs.DiskInode) { di.Init(typ) })
	return child
}

// FindAbsolute walks an absolute, "/"-separated path from the root
// (spec.md §4.9 "find_absolute"). Returns nil if any component is
// missing.
func FindAbsolute(fs *diskfs.EasyFileSystem, fsMu *sync.Mutex, path string) *Inode {
	cur := Root(fs, fsMu)
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		cur = cur.Find(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Find looks up a single path component inside directory n (spec.md
// §4.9 "find").
func (n *Inode) Find(name string) *Inode {
	n.fsMu.Lock()
	defer n.fsMu.Unlock()

	var found *Inode
	n.readDisk(func(di *diskfs.DiskInode) {
		fileCount := int(di.Size) / config.DirEntrySize
		for i := 0; i < fileCount; i++ {
			buf := make([]byte, config.DirEntrySize)
			if di.ReadAt(n.fs.Cache, n.fs.Device, i*config.DirEntrySize, buf) != config.DirEntrySize {
				panic("vfs: short directory entry read")
			}
			entry := diskfs.DirEntryFromBytes(buf)
			if entry.NameString() == name {
				blockID, blockOffset := n.fs.InodePos(entry.Inode)
				found = newInode(blockID, blockOffset, n.fs, n.fsMu)
				return
			}
		}
	})
	return found
}

// Ls lists a directory's entry names, or returns nil if n is not a
// directory (spec.md §4.9 "ls").
func (n *Inode) Ls() []string {
	n.fsMu.Lock()
	defer n.fsMu.Unlock()

	var names []string
	n.readDisk(func(di *diskfs.DiskInode) {
		if !di.IsDir() {
			names = nil
			return
		}
		numEntries := int(di.Size) / config.DirEntrySize
		names = make([]string, 0, numEntries)
		for i := 0; i < numEntries; i++ {
			buf := make([]byte, config.DirEntrySize)
			if di.ReadAt(n.fs.Cache, n.fs.Device, i*config.DirEntrySize, buf) != config.DirEntrySize {
				panic("vfs: short directory entry read")
			}
			entry := diskfs.DirEntryFromBytes(buf)
			names = append(names, entry.NameString())
		}
	})
	return names
}

// ReadAt reads file contents at offset into buf (spec.md §4.9
// "read_at").
func (n *Inode) ReadAt(offset int, buf []byte) int {
	n.fsMu.Lock()
	defer n.fsMu.Unlock()
	var read int
	n.readDisk(func(di *diskfs.DiskInode) {
		read = di.ReadAt(n.fs.Cache, n.fs.Device, offset, buf)
	})
	return read
}

// WriteAt writes buf into the file at offset, growing it first if
// necessary (spec.md §4.9 "write_at").
func (n *Inode) WriteAt(offset int, buf []byte) int {
	n.fsMu.Lock()
	defer n.fsMu.Unlock()

	n.increaseSizeLocked(offset + len(buf))
	var written int
	n.modifyDisk(func(di *diskfs.DiskInode) {
		written = di.WriteAt(n.fs.Cache, n.fs.Device, offset, buf)
	})
	return written
}

// Resize grows or shrinks the file to newSize; blocks freed by a shrink
// are returned to the data bitmap without being zeroed (spec.md §4.9
// "resize").
func (n *Inode) Resize(newSize int) {
	n.fsMu.Lock()
	defer n.fsMu.Unlock()
	if newSize < n.Size() {
		n.decreaseSizeLocked(newSize, false)
	} else {
		n.increaseSizeLocked(newSize)
	}
}

// Clear truncates the file to zero length, returning its data blocks to
// the data bitmap without zeroing them (spec.md §4.9 "clear").
func (n *Inode) Clear() {
	n.fsMu.Lock()
	defer n.fsMu.Unlock()
	n.decreaseSizeLocked(0, false)
}

func (n *Inode) increaseSizeLocked(newSize int) bool {
	if n.Size() >= newSize {
		return false
	}
	var needed int
	n.readDisk(func(di *diskfs.DiskInode) { needed = di.NumBlocksNeeded(newSize) })

	allocated := make([]uint32, 0, needed)
	for i := 0; i < needed; i++ {
		blockID, ok := n.fs.AllocDataBlock()
		if !ok {
			panic("vfs: out of data blocks growing inode")
		}
		allocated = append(allocated, blockID)
	}
	n.modifyDisk(func(di *diskfs.DiskInode) {
		di.IncreaseSize(n.fs.Cache, n.fs.Device, newSize, allocated)
	})
	return true
}

func (n *Inode) decreaseSizeLocked(newSize int, destroy bool) {
	if n.Size() <= newSize {
		return
	}
	var toFree []uint32
	n.modifyDisk(func(di *diskfs.DiskInode) {
		toFree = di.DecreaseSize(n.fs.Cache, n.fs.Device, newSize)
	})
	for _, blockID := range toFree {
		n.fs.DeallocDataBlock(blockID, destroy)
	}
}
