// Package bitmap implements the first-fit allocation bitmap spanning a
// contiguous range of 4096-bit blocks (spec.md §3 "Bitmap", §4.8).
// Grounded on original_source/easy-fs/src/bitmap.rs (trailing_ones
// first-fit). math/bits.TrailingZeros64 on the complement of a word stands
// in for Rust's u64::trailing_ones.
package bitmap

import (
	"fmt"
	"math/bits"

	"sv39os/internal/blockcache"
	"sv39os/internal/config"
)

const wordsPerBlock = config.BlockSize / 8 // 64 x u64 = 4096 bits per block
const bitsPerBlock = wordsPerBlock * 64

// Bitmap tracks allocation over the block range
// [startBlock, startBlock+numBlocks) (spec.md §3).
type Bitmap struct {
	startBlock int
	numBlocks  int
	allocated  int
}

// New constructs a bitmap over the given block range.
func New(startBlock, numBlocks int) *Bitmap {
	return &Bitmap{startBlock: startBlock, numBlocks: numBlocks}
}

// MaxBits reports the total number of bits (ids) this bitmap can allocate.
func (b *Bitmap) MaxBits() int { return b.numBlocks * bitsPerBlock }

// Stat reports (total, free) bit counts (spec.md §4.8 "stat()").
func (b *Bitmap) Stat() (total, free int) {
	return b.MaxBits(), b.MaxBits() - b.allocated
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Alloc scans owned blocks in ascending order, finds the first u64 word
// that is not all-ones, picks its lowest clear bit, sets it, and returns
// the global bit index (spec.md §4.8 "alloc(device)"). Returns ok=false if
// every owned block is full.
func (b *Bitmap) Alloc(cache *blockcache.Manager, dev blockcache.Device) (int, bool) {
	for i := 0; i < b.numBlocks; i++ {
		blockID := b.startBlock + i
		blk := cache.Get(blockID, dev)
		var found int = -1
		blk.Modify(0, func(buf []byte) bool {
			for w := 0; w < wordsPerBlock; w++ {
				word := le64(buf[w*8:])
				if word != ^uint64(0) {
					bit := bits.TrailingZeros64(^word)
					word |= uint64(1) << uint(bit)
					putLE64(buf[w*8:], word)
					found = w*64 + bit
					return true
				}
			}
			return false
		})
		cache.Release(blockID)
		if found >= 0 {
			b.allocated++
			return i*bitsPerBlock + found, true
		}
	}
	return 0, false
}

// Dealloc clears the bit for id, which must currently be set (spec.md §4.8
// "dealloc(bit, device)"); clearing an already-clear bit is a programmer
// error and panics (spec.md §3 Bitmap invariant).
func (b *Bitmap) Dealloc(cache *blockcache.Manager, dev blockcache.Device, id int) {
	blockIdx := id / bitsPerBlock
	bitIdx := id % bitsPerBlock
	blockID := b.startBlock + blockIdx
	blk := cache.Get(blockID, dev)
	blk.Modify(0, func(buf []byte) bool {
		w := bitIdx / 64
		bit := uint(bitIdx % 64)
		word := le64(buf[w*8:])
		if word&(uint64(1)<<bit) == 0 {
			panic(fmt.Sprintf("bitmap: dealloc of already-clear bit %d", id))
		}
		word &^= uint64(1) << bit
		putLE64(buf[w*8:], word)
		return true
	})
	cache.Release(blockID)
	b.allocated--
}

// Clear zeroes every block this bitmap owns (spec.md §4.8 "clear(device)").
func (b *Bitmap) Clear(cache *blockcache.Manager, dev blockcache.Device) {
	for i := 0; i < b.numBlocks; i++ {
		blockID := b.startBlock + i
		blk := cache.Get(blockID, dev)
		blk.Modify(0, func(buf []byte) bool {
			for j := range buf[:config.BlockSize] {
				buf[j] = 0
			}
			return true
		})
		cache.Release(blockID)
	}
	b.allocated = 0
}
