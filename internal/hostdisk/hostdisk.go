// Package hostdisk implements the bounded block device as a fixed-size
// regular file on the host, read and written with pread64/pwrite64 so
// concurrent block-cache requests never need to share (and serialize on) a
// single file offset (spec.md §1 "a bounded block device exporting
// fixed-size block read/write"). Grounded on
// original_source/easy-fs-fuse/src/block_file.rs (BlockFile, which wraps a
// std::fs::File behind a mutex and seeks+reads per block) and biscuit's own
// Blockmem_t (biscuit/src/fs/blk.go), reworked here to use positional I/O
// instead of a seek-then-read/write pair so callers never race each other's
// seeks.
package hostdisk

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"sv39os/internal/config"
)

// File is a blockcache.Device backed by a host file of fixed block
// granularity.
type File struct {
	f           *os.File
	totalBlocks int
}

// Open opens (without creating) an existing disk image of path and
// reports its block count.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostdisk: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hostdisk: stat %s: %w", path, err)
	}
	return &File{f: f, totalBlocks: int(info.Size()) / config.BlockSize}, nil
}

// Create creates a fresh disk image of path sized to exactly totalBlocks
// blocks, truncating any existing file.
func Create(path string, totalBlocks int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("hostdisk: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(totalBlocks) * int64(config.BlockSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostdisk: truncate %s: %w", path, err)
	}
	return &File{f: f, totalBlocks: totalBlocks}, nil
}

// TotalBlocks reports the image's fixed block count.
func (d *File) TotalBlocks() int { return d.totalBlocks }

func (d *File) checkBounds(id int) {
	if id < 0 || id >= d.totalBlocks {
		panic(fmt.Sprintf("hostdisk: block id %d out of range [0,%d)", id, d.totalBlocks))
	}
}

// ReadBlock reads block id into buf, which must be exactly
// config.BlockSize bytes (blockcache.Device).
func (d *File) ReadBlock(id int, buf []byte) {
	d.checkBounds(id)
	off := int64(id) * int64(config.BlockSize)
	n, err := unix.Pread(int(d.f.Fd()), buf[:config.BlockSize], off)
	if err != nil {
		panic(fmt.Sprintf("hostdisk: pread block %d: %v", id, err))
	}
	if n != config.BlockSize {
		panic(fmt.Sprintf("hostdisk: short read of block %d: got %d bytes", id, n))
	}
}

// WriteBlock writes buf (exactly config.BlockSize bytes) to block id
// (blockcache.Device).
func (d *File) WriteBlock(id int, buf []byte) {
	d.checkBounds(id)
	off := int64(id) * int64(config.BlockSize)
	n, err := unix.Pwrite(int(d.f.Fd()), buf[:config.BlockSize], off)
	if err != nil {
		panic(fmt.Sprintf("hostdisk: pwrite block %d: %v", id, err))
	}
	if n != config.BlockSize {
		panic(fmt.Sprintf("hostdisk: short write of block %d: wrote %d bytes", id, n))
	}
}

// Close flushes and closes the underlying file.
func (d *File) Close() error {
	if err := unix.Fsync(int(d.f.Fd())); err != nil {
		d.f.Close()
		return fmt.Errorf("hostdisk: fsync: %w", err)
	}
	return d.f.Close()
}
