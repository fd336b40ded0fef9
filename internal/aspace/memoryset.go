package aspace

import (
	"debug/elf"
	"fmt"

	"sv39os/internal/addr"
	"sv39os/internal/config"
	"sv39os/internal/frame"
	"sv39os/internal/pagetable"
)

// MemorySet is a page table plus an ordered list of map areas — the
// spec.md §3 "Memory set". Invariant: areas never overlap; the trampoline
// is always mapped at config.Trampoline; for user sets the trap-context
// frame sits at config.TrapContextVA (spec.md §3).
type MemorySet struct {
	mem   *frame.Allocator
	Table *pagetable.Table
	Areas []*Area
}

// NewBare returns an empty memory set with a freshly allocated root table.
func NewBare(mem *frame.Allocator) *MemorySet {
	t, ok := pagetable.New(mem)
	if !ok {
		panic("aspace: out of frames allocating root page table")
	}
	return &MemorySet{mem: mem, Table: t}
}

// Push maps area into the set's page table (allocating Framed frames as it
// goes), optionally seeding its content from data, then records it in
// Areas. Push panics if area overlaps an existing one (spec.md §3
// invariant).
func (ms *MemorySet) Push(area *Area, data []byte) {
	for _, existing := range ms.Areas {
		if overlaps(area, existing) {
			panic(fmt.Sprintf("aspace: area [%#x,%#x) overlaps existing [%#x,%#x)",
				area.StartVPN, area.EndVPN, existing.StartVPN, existing.EndVPN))
		}
	}
	area.MapAll(ms.Table, ms.mem)
	if data != nil {
		area.CopyDataIn(config.PgSize, data)
	}
	ms.Areas = append(ms.Areas, area)
}

func overlaps(a, b *Area) bool {
	return a.StartVPN.Sub(b.EndVPN) < 0 && b.StartVPN.Sub(a.EndVPN) < 0
}

// findArea locates the area whose StartVPN equals start.
func (ms *MemorySet) findArea(start addr.VPN) (*Area, int) {
	for i, a := range ms.Areas {
		if a.StartVPN == start {
			return a, i
		}
	}
	return nil, -1
}

// AppendTo grows the area starting at startVA up to newEndVA, mapping the
// newly covered pages (spec.md §4.3).
func (ms *MemorySet) AppendTo(startVA, newEndVA addr.VA) bool {
	a, _ := ms.findArea(startVA.Floor())
	if a == nil {
		return false
	}
	newEnd := newEndVA.Ceil()
	if newEnd.Sub(a.EndVPN) <= 0 {
		return true
	}
	for v := a.EndVPN; v.Sub(newEnd) < 0; v = v.Add(1) {
		if !a.mapOne(ms.Table, ms.mem, v) {
			return false
		}
	}
	a.EndVPN = newEnd
	return true
}

// ShrinkTo shrinks the area starting at startVA down to newEndVA, unmapping
// the now-excluded pages (spec.md §4.3).
func (ms *MemorySet) ShrinkTo(startVA, newEndVA addr.VA) bool {
	a, _ := ms.findArea(startVA.Floor())
	if a == nil {
		return false
	}
	newEnd := newEndVA.Ceil()
	if a.EndVPN.Sub(newEnd) <= 0 {
		return true
	}
	for v := newEnd; v.Sub(a.EndVPN) < 0; v = v.Add(1) {
		ms.Table.Unmap(v)
		if a.Mtype == Framed {
			if h, ok := a.Frames[v]; ok {
				h.Drop()
				delete(a.Frames, v)
			}
		}
	}
	a.EndVPN = newEnd
	return true
}

// Translate delegates to the underlying page table.
func (ms *MemorySet) Translate(vpn addr.VPN) (pagetable.PTE, bool) {
	return ms.Table.Translate(vpn)
}

// Token returns the satp-formatted value for this set's page table.
func (ms *MemorySet) Token() uint64 { return ms.Table.Token() }

// ClearPages drops every area's frames, leaving the page table structure
// (directory frames) behind for Drop to release (spec.md §4.3
// "clear_pages").
func (ms *MemorySet) ClearPages() {
	for _, a := range ms.Areas {
		a.UnmapAll(ms.Table)
	}
	ms.Areas = nil
}

// Drop releases the page table (and, via ClearPages, every area's frames).
// Call ClearPages first if the areas still hold live mappings.
func (ms *MemorySet) Drop() {
	ms.Table.Drop()
}

// pushTrampoline installs the trampoline page — identically mapped at the
// fixed high VA config.Trampoline with R|X, not user-accessible — sharing
// the single physical frame trampPPN across every address space (spec.md
// §9 "Trampoline sharing": "no frame is allocated for it").
func (ms *MemorySet) pushTrampoline(trampPPN addr.PPN) {
	vpn := addr.VA(config.Trampoline).Floor()
	ms.Table.Map(vpn, trampPPN, pagetable.FlagR|pagetable.FlagX)
}

// NewKernel builds the kernel's own memory set: identity-mapped text
// (R|X), rodata (R), data+bss-with-stack (R|W), and the remaining RAM up
// to config.MemoryEnd (R|W), plus the shared trampoline (spec.md §4.3
// "new_kernel"). Section boundaries come from the host-side layout
// descriptor ks, the Go analogue of the linker symbols spec.md §6 expects
// (stext/etext/srodata/... ) since this is a hosted rendition without a
// real linker script.
func NewKernel(mem *frame.Allocator, ks KernelLayout, trampPPN addr.PPN) *MemorySet {
	ms := NewBare(mem)
	ms.Push(NewArea(ks.TextStart.Floor(), ks.TextEnd.Ceil(), Identical, PermR|PermX), nil)
	ms.Push(NewArea(ks.RodataStart.Floor(), ks.RodataEnd.Ceil(), Identical, PermR), nil)
	ms.Push(NewArea(ks.DataStart.Floor(), ks.DataEnd.Ceil(), Identical, PermR|PermW), nil)
	ms.Push(NewArea(ks.BssStart.Floor(), ks.BssEnd.Ceil(), Identical, PermR|PermW), nil)
	ms.Push(NewArea(ks.EKernel.Ceil(), addr.VA(config.MemoryEnd).Floor(), Identical, PermR|PermW), nil)
	ms.pushTrampoline(trampPPN)
	return ms
}

// KernelLayout describes the section boundaries a linker script would
// otherwise provide (spec.md §6 "Linker symbols expected").
type KernelLayout struct {
	TextStart, TextEnd     addr.VA
	RodataStart, RodataEnd addr.VA
	DataStart, DataEnd     addr.VA
	BssStart, BssEnd       addr.VA
	EKernel                addr.VA
}

// FromELF parses an ELF image's LOAD segments into Framed areas (R/W/X per
// the segment, plus U), copies each segment's file bytes into the backing
// frames, then appends a one-page guard, a user stack, an empty heap area
// and the trap-context page (not user-accessible) — spec.md §4.3
// "from_elf". Returns the populated set, the user stack's top VA and the
// entry point.
func FromELF(mem *frame.Allocator, image []byte, trampPPN addr.PPN) (ms *MemorySet, userStackTop addr.VA, entry addr.VA) {
	f, err := elf.NewFile(bytesReaderAt(image))
	if err != nil {
		panic(fmt.Sprintf("aspace: malformed ELF: %v", err))
	}
	ms = NewBare(mem)
	maxEnd := addr.VA(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		start := addr.VA(p.Vaddr).Floor()
		end := addr.VA(p.Vaddr + p.Memsz).Ceil()
		perm := PermU
		if p.Flags&elf.PF_R != 0 {
			perm |= PermR
		}
		if p.Flags&elf.PF_W != 0 {
			perm |= PermW
		}
		if p.Flags&elf.PF_X != 0 {
			perm |= PermX
		}
		area := NewArea(start, end, Framed, perm)
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && p.Filesz > 0 {
			panic(fmt.Sprintf("aspace: reading segment: %v", err))
		}
		// CopyDataIn below expects data offset to start at the area's own
		// first page, but a segment's Vaddr may not be page-aligned; pad
		// the front so the page-by-page copy lands correctly.
		pad := int(addr.VA(p.Vaddr).PageOffset())
		padded := make([]byte, pad+len(data))
		copy(padded[pad:], data)
		ms.Push(area, padded)
		if end.ToVA() > maxEnd {
			maxEnd = end.ToVA()
		}
	}

	guardTop := maxEnd.Floor().Add(1).ToVA()
	stackBottom := guardTop
	stackTop := addr.VA(uint64(stackBottom) + config.UserStackSize)
	ms.Push(NewArea(stackBottom.Floor(), stackTop.Ceil(), Framed, PermR|PermW|PermU), nil)

	// heap starts empty; grown later via Sbrk/AppendTo.
	heapBottom := stackTop.Ceil().ToVA()
	ms.Push(NewArea(heapBottom.Floor(), heapBottom.Floor(), Framed, PermR|PermW|PermU), nil)

	ms.Push(NewArea(addr.VA(config.TrapContextVA).Floor(), addr.VA(config.Trampoline).Floor(), Framed, PermR|PermW), nil)
	ms.pushTrampoline(trampPPN)

	return ms, stackTop, addr.VA(f.Entry)
}

// Fork builds a new memory set with an identical area list to src,
// allocating fresh frames for each Framed area and copying their contents
// (spec.md §4.3 "fork (from_another)").
func Fork(mem *frame.Allocator, src *MemorySet, trampPPN addr.PPN) *MemorySet {
	ms := NewBare(mem)
	for _, a := range src.Areas {
		clone := a.Clone(mem)
		if clone.Mtype == Identical {
			clone.MapAll(ms.Table, mem)
		} else {
			for v, h := range clone.Frames {
				ms.Table.Map(v, h.PPN(), a.Perm.toPTEFlags())
			}
		}
		ms.Areas = append(ms.Areas, clone)
	}
	ms.pushTrampoline(trampPPN)
	return ms
}

// bytesReaderAt adapts a byte slice to io.ReaderAt for debug/elf.
func bytesReaderAt(b []byte) *sliceReaderAt { return &sliceReaderAt{b: b} }

type sliceReaderAt struct{ b []byte }

func (s *sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.b)) {
		return 0, fmt.Errorf("aspace: ReadAt out of range")
	}
	n := copy(p, s.b[off:])
	if n < len(p) {
		return n, fmt.Errorf("aspace: short read")
	}
	return n, nil
}
