// Package frame implements the physical frame allocator (spec.md §4.1): a
// linear bump allocator over [start, end) backed by a LIFO free list of
// recycled frames. Grounded on original_source/os/src/mm/frame_allocator.rs
// (StackFrameAllocator) and biscuit's Physmem_t free list
// (biscuit/src/mem/mem.go).
package frame

import (
	"fmt"
	"sync"

	"sv39os/internal/addr"
	"sv39os/internal/config"
)

// Handle owns exactly one physical frame. The frame is zeroed when the
// handle is created and returned to the allocator when the handle is
// dropped (spec.md §3 "Frame").
type Handle struct {
	alloc *Allocator
	ppn   addr.PPN
	// mem backs the frame's bytes; nil once Drop has run.
	mem []byte
}

// PPN returns the physical page number this handle owns.
func (h *Handle) PPN() addr.PPN { return h.ppn }

// Bytes returns the page's backing storage for direct manipulation (e.g.
// writing a page-table page or copying ELF segment data in).
func (h *Handle) Bytes() []byte { return h.mem }

// Drop returns the frame to the allocator. It is the caller's
// responsibility to call Drop exactly once, the way a Rust Drop impl fires
// exactly once when the owning value goes out of scope.
func (h *Handle) Drop() {
	if h.mem == nil {
		return
	}
	h.alloc.dealloc(h.ppn)
	h.mem = nil
}

// Allocator hands out and reclaims 4 KiB physical frames from
// [start, end). Strategy: bump start..end is the "ever allocated" frontier;
// dealloc'd frames go on a LIFO recycle list and are drained before the
// bump cursor advances (spec.md §4.1).
type Allocator struct {
	mu        sync.Mutex
	start     addr.PPN
	end       addr.PPN
	current   addr.PPN // next never-yet-used frame
	recycled  []addr.PPN
	byteStore map[addr.PPN][]byte
}

// New creates an allocator that owns the page range [start, end).
func New(start, end addr.PPN) *Allocator {
	return &Allocator{
		start:     start,
		end:       end,
		current:   start,
		byteStore: make(map[addr.PPN][]byte),
	}
}

// Alloc hands out a frame, or returns ok=false if the range is exhausted.
func (a *Allocator) Alloc() (*Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ppn addr.PPN
	if n := len(a.recycled); n > 0 {
		ppn = a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
	} else {
		if a.current >= a.end {
			return nil, false
		}
		ppn = a.current
		a.current++
	}
	mem := make([]byte, config.PgSize) // zeroed by the Go runtime
	a.byteStore[ppn] = mem
	return &Handle{alloc: a, ppn: ppn, mem: mem}, true
}

// dealloc returns ppn to the free list. It panics — a caller contract
// violation per spec.md §7 — if ppn was never allocated or is already free.
func (a *Allocator) dealloc(ppn addr.PPN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ppn >= a.current {
		panic(fmt.Sprintf("frame: dealloc of never-allocated ppn %#x", ppn))
	}
	for _, r := range a.recycled {
		if r == ppn {
			panic(fmt.Sprintf("frame: double dealloc of ppn %#x", ppn))
		}
	}
	a.recycled = append(a.recycled, ppn)
	delete(a.byteStore, ppn)
}

// Bytes returns the backing storage for a live, allocated ppn. This is the
// allocator's Dmap-equivalent (biscuit's Physmem_t.Dmap): it lets a
// borrowed page-table view dereference a PPN it does not itself own a
// Handle for, e.g. when translating through a foreign satp token.
func (a *Allocator) Bytes(ppn addr.PPN) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.byteStore[ppn]
	return b, ok
}

// Stat reports total frames owned and currently free, for diagnostics
// (cmd/kstat).
func (a *Allocator) Stat() (total, free int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	total = int(a.end - a.start)
	used := int(a.current - a.start)
	free = total - used + len(a.recycled)
	return total, free
}
