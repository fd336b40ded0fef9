// Package blockcache implements the bounded, write-back block cache
// (spec.md §4.7): at most config.BlockCacheCapacity entries, each guarded
// by its own mutex, evicting the first entry with no outstanding external
// holder when full (first-eligible-FIFO, spec.md §9 Open Question 2).
// Grounded on original_source/easy-fs/src/block_cache.rs
// (BlockCacheManagerImpl) and biscuit's Bdev_block_t/Disk_i
// (biscuit/src/fs/blk.go). golang.org/x/sync/semaphore bounds concurrent
// in-flight device requests during bulk operations (sync_all, mkfs).
package blockcache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"sv39os/internal/config"
)

// Device is the block device interface the cache reads through and writes
// back to: fixed config.BlockSize-byte blocks, addressed by block id
// (spec.md §1 "a bounded block device exporting fixed-size block
// read/write").
type Device interface {
	ReadBlock(id int, buf []byte)
	WriteBlock(id int, buf []byte)
}

// Block is a single cached disk block: id, buffer, dirty flag and a
// reference back to its device, guarded by its own mutex (spec.md §3
// "Block cache entry").
type Block struct {
	mu    sync.Mutex
	id    int
	data  [config.BlockSize]byte
	dirty bool
	dev   Device
}

// ID returns the block id this entry caches.
func (b *Block) ID() int { return b.id }

// Read invokes f with a read-only view of the buffer at offset. f must not
// retain the slice past the call.
func (b *Block) Read(offset int, f func(buf []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b.data[offset:])
}

// Modify invokes f with a mutable view of the buffer at offset. f returns
// whether it actually changed the block; only then is the dirty flag set
// (spec.md §4.7: "only a true return sets the dirty flag").
func (b *Block) Modify(offset int, f func(buf []byte) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f(b.data[offset:]) {
		b.dirty = true
	}
}

func (b *Block) writeBack() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return
	}
	b.dev.WriteBlock(b.id, b.data[:])
	b.dirty = false
}

type entry struct {
	blk      *Block
	refcount int
}

// Manager is the bounded block cache manager (spec.md §4.7).
type Manager struct {
	mu       sync.Mutex
	capacity int
	order    []int // insertion order, oldest first — FIFO eviction scan order
	entries  map[int]*entry
	sem      *semaphore.Weighted
}

// NewManager builds a cache manager bounded at capacity entries. sem bounds
// the number of concurrent in-flight device requests issued by SyncAll.
func NewManager(capacity int) *Manager {
	return &Manager{
		capacity: capacity,
		entries:  make(map[int]*entry),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// Get returns the cached block for id, creating (and possibly evicting) as
// needed (spec.md §4.7 "get(block_id, device)"). The caller must call
// Release when done.
func (m *Manager) Get(id int, dev Device) *Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok {
		e.refcount++
		return e.blk
	}

	if len(m.entries) >= m.capacity {
		m.evictLocked()
	}

	blk := &Block{id: id, dev: dev}
	dev.ReadBlock(id, blk.data[:])
	m.entries[id] = &entry{blk: blk, refcount: 1}
	m.order = append(m.order, id)
	return blk
}

// evictLocked removes the first entry (in FIFO order) with no outstanding
// external holder. It panics if none exists — a full cache with every
// entry pinned is a fatal caller-contract violation (spec.md §4.7 "if none
// exists → fatal").
func (m *Manager) evictLocked() {
	for i, id := range m.order {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		if e.refcount == 0 {
			e.blk.writeBack()
			delete(m.entries, id)
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("blockcache: cache full (%d entries), no evictable entry", len(m.entries)))
}

// Release drops one external reference to the block cached for id.
func (m *Manager) Release(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		panic(fmt.Sprintf("blockcache: release of uncached block %d", id))
	}
	if e.refcount == 0 {
		panic(fmt.Sprintf("blockcache: over-release of block %d", id))
	}
	e.refcount--
}

// SyncAll writes back every currently cached dirty entry without evicting
// any of them (spec.md §4.7 "sync_all").
func (m *Manager) SyncAll(ctx context.Context) {
	m.mu.Lock()
	blocks := make([]*Block, 0, len(m.entries))
	for _, e := range m.entries {
		blocks = append(blocks, e.blk)
	}
	m.mu.Unlock()

	for _, b := range blocks {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		b.writeBack()
		m.sem.Release(1)
	}
}
