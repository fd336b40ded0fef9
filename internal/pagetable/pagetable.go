// Package pagetable implements the SV39 three-level page table (spec.md
// §4.2): find/find_or_create, map/unmap, translate, and a borrowed,
// non-owning view constructed from a foreign satp token for cross-address-
// space translation. Grounded on original_source/os/src/mm/page_table.rs
// (PageTable::find_pte/find_pte_create, BorrowedPageTable::from_token) and
// biscuit's pmap_walk (biscuit/src/vm/as.go, biscuit/src/mem/mem.go).
package pagetable

import (
	"fmt"

	"sv39os/internal/addr"
	"sv39os/internal/config"
	"sv39os/internal/frame"
)

// Flags is the 8-bit flag byte of a page table entry: V R W X U G A D.
type Flags uint8

const (
	FlagV Flags = 1 << 0 // valid
	FlagR Flags = 1 << 1 // readable
	FlagW Flags = 1 << 2 // writable
	FlagX Flags = 1 << 3 // executable
	FlagU Flags = 1 << 4 // user-accessible
	FlagG Flags = 1 << 5 // global
	FlagA Flags = 1 << 6 // accessed
	FlagD Flags = 1 << 7 // dirty
)

// PTE is a single 64-bit SV39 page table entry: a 44-bit PPN at bits
// [10..54) and an 8-bit flag byte at [0..8).
type PTE uint64

func mkPTE(ppn addr.PPN, f Flags) PTE {
	return PTE(uint64(ppn)<<10 | uint64(f))
}

// PPN extracts the physical page number this entry points at.
func (p PTE) PPN() addr.PPN { return addr.PPN((uint64(p) >> 10) & ((1 << config.PpnWidth) - 1)) }

// Flags extracts the flag byte.
func (p PTE) Flags() Flags { return Flags(uint64(p) & 0xff) }

// IsValid reports whether V is set.
func (p PTE) IsValid() bool { return p.Flags()&FlagV != 0 }

// IsLeaf reports whether this entry is a leaf (has R, W or X set) as
// opposed to a directory entry pointing at the next table level.
func (p PTE) IsLeaf() bool { return p.Flags()&(FlagR|FlagW|FlagX) != 0 }

// Table is an SV39 page table: a root frame plus the list of frames owning
// its directory pages. Table.Token() is what satp would hold.
type Table struct {
	mem      *frame.Allocator
	root     addr.PPN
	ownFrame *frame.Handle   // nil for a borrowed table
	owned    []*frame.Handle // directory pages this table allocated and owns
}

// New allocates a fresh root frame from mem and returns an owning table.
func New(mem *frame.Allocator) (*Table, bool) {
	h, ok := mem.Alloc()
	if !ok {
		return nil, false
	}
	return &Table{mem: mem, root: h.PPN(), ownFrame: h}, true
}

// FromToken constructs a non-owning, "borrowed" view over a foreign satp
// token. A borrowed table never allocates or frees frames; it exists only
// to translate VAs in a foreign address space (spec.md §4.2).
func FromToken(mem *frame.Allocator, token uint64) *Table {
	root := addr.PPN(token & ((1 << config.PpnWidth) - 1))
	return &Table{mem: mem, root: root}
}

// Token returns the satp-formatted value for this table.
func (t *Table) Token() uint64 {
	return config.SatpModeSv39<<config.SatpModeShift | uint64(t.root)
}

func (t *Table) tableBytes(ppn addr.PPN) []byte {
	b, ok := t.mem.Bytes(ppn)
	if !ok {
		panic(fmt.Sprintf("pagetable: dereferencing unmapped table frame %#x", ppn))
	}
	return b
}

func (t *Table) entries(ppn addr.PPN) []PTE {
	b := t.tableBytes(ppn)
	out := make([]PTE, 512)
	for i := range out {
		off := i * 8
		v := uint64(0)
		for j := 0; j < 8; j++ {
			v |= uint64(b[off+j]) << (8 * j)
		}
		out[i] = PTE(v)
	}
	return out
}

func (t *Table) writeEntry(ppn addr.PPN, idx int, pte PTE) {
	b := t.tableBytes(ppn)
	off := idx * 8
	v := uint64(pte)
	for j := 0; j < 8; j++ {
		b[off+j] = byte(v >> (8 * j))
	}
}

func (t *Table) readEntry(ppn addr.PPN, idx int) PTE {
	b := t.tableBytes(ppn)
	off := idx * 8
	var v uint64
	for j := 0; j < 8; j++ {
		v |= uint64(b[off+j]) << (8 * j)
	}
	return PTE(v)
}

// Find walks the table read-only and returns the leaf PTE for vpn, or
// ok=false if any intermediate level is invalid.
func (t *Table) Find(vpn addr.VPN) (PTE, bool) {
	idxs := vpn.Indexes()
	cur := t.root
	for level := 0; level < 3; level++ {
		pte := t.readEntry(cur, idxs[level])
		if level == 2 {
			if !pte.IsValid() {
				return 0, false
			}
			return pte, true
		}
		if !pte.IsValid() {
			return 0, false
		}
		cur = pte.PPN()
	}
	panic("unreachable")
}

// FindOrCreate walks the table, allocating directory frames for any invalid
// intermediate level, and returns the (index, table-frame) location of the
// leaf entry so the caller can install it.
func (t *Table) FindOrCreate(vpn addr.VPN) (tableFrame addr.PPN, leafIdx int, ok bool) {
	idxs := vpn.Indexes()
	cur := t.root
	for level := 0; level < 2; level++ {
		pte := t.readEntry(cur, idxs[level])
		if !pte.IsValid() {
			h, aok := t.mem.Alloc()
			if !aok {
				return 0, 0, false
			}
			t.owned = append(t.owned, h)
			newPTE := mkPTE(h.PPN(), FlagV)
			t.writeEntry(cur, idxs[level], newPTE)
			cur = h.PPN()
		} else {
			cur = pte.PPN()
		}
	}
	return cur, idxs[2], true
}

// Map installs ppn at vpn with the given leaf flags (V is added
// automatically). It panics if a mapping already exists there (spec.md
// §4.2 "map(vpn, ppn, flags) asserts the leaf PTE is invalid").
func (t *Table) Map(vpn addr.VPN, ppn addr.PPN, flags Flags) bool {
	tf, idx, ok := t.FindOrCreate(vpn)
	if !ok {
		return false
	}
	if t.readEntry(tf, idx).IsValid() {
		panic(fmt.Sprintf("pagetable: remap of already-mapped vpn %#x", vpn))
	}
	t.writeEntry(tf, idx, mkPTE(ppn, flags|FlagV))
	return true
}

// Unmap clears the leaf PTE for vpn. It panics if no mapping exists there.
func (t *Table) Unmap(vpn addr.VPN) {
	idxs := vpn.Indexes()
	cur := t.root
	var frames [2]addr.PPN
	for level := 0; level < 2; level++ {
		pte := t.readEntry(cur, idxs[level])
		if !pte.IsValid() {
			panic(fmt.Sprintf("pagetable: unmap of unmapped vpn %#x", vpn))
		}
		frames[level] = cur
		cur = pte.PPN()
	}
	if !t.readEntry(cur, idxs[2]).IsValid() {
		panic(fmt.Sprintf("pagetable: unmap of unmapped vpn %#x", vpn))
	}
	t.writeEntry(cur, idxs[2], 0)
}

// Translate returns a copy of the leaf PTE for vpn, or ok=false if
// unmapped.
func (t *Table) Translate(vpn addr.VPN) (PTE, bool) {
	return t.Find(vpn)
}

// Drop releases every directory frame this table owns (root included). A
// borrowed table (constructed via FromToken) owns nothing and Drop is a
// no-op.
func (t *Table) Drop() {
	for _, h := range t.owned {
		h.Drop()
	}
	t.owned = nil
	if t.ownFrame != nil {
		t.ownFrame.Drop()
		t.ownFrame = nil
	}
}
