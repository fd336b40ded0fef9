// Package aspace implements memory sets — a page table plus an ordered
// collection of map areas (spec.md §3 "Memory set", §4.3). Grounded on
// original_source/os/src/mm/memory_set.rs (MapArea, MapType,
// MemorySet::from_elf/append_to/shrink_to) and biscuit's Vm_t/Vmregion_t
// (biscuit/src/vm/as.go).
package aspace

import (
	"fmt"

	"sv39os/internal/addr"
	"sv39os/internal/frame"
	"sv39os/internal/pagetable"
)

// MapType distinguishes an identity mapping (kernel regions, whose VPN
// equals its PPN) from a framed mapping (every other region, backed by
// allocator-owned frames).
type MapType int

const (
	Identical MapType = iota
	Framed
)

// Perm is the R/W/X/U permission subset a map area grants (spec.md §3).
type Perm uint8

const (
	PermR Perm = 1 << 0
	PermW Perm = 1 << 1
	PermX Perm = 1 << 2
	PermU Perm = 1 << 3
)

func (p Perm) toPTEFlags() pagetable.Flags {
	var f pagetable.Flags
	if p&PermR != 0 {
		f |= pagetable.FlagR
	}
	if p&PermW != 0 {
		f |= pagetable.FlagW
	}
	if p&PermX != 0 {
		f |= pagetable.FlagX
	}
	if p&PermU != 0 {
		f |= pagetable.FlagU
	}
	return f
}

// Area is a contiguous [StartVPN, EndVPN) virtual range, a single map type
// and permission set. For Framed areas, Frames holds the owning frame
// handle backing every VPN in range.
type Area struct {
	StartVPN addr.VPN
	EndVPN   addr.VPN
	Mtype    MapType
	Perm     Perm
	Frames   map[addr.VPN]*frame.Handle // Framed only
}

// NewArea constructs an area over [start, end) (VA, rounded to page
// boundaries by the caller) with the given type and permissions.
func NewArea(start, end addr.VPN, mt MapType, perm Perm) *Area {
	a := &Area{StartVPN: start, EndVPN: end, Mtype: mt, Perm: perm}
	if mt == Framed {
		a.Frames = make(map[addr.VPN]*frame.Handle)
	}
	return a
}

// mapOne installs vpn -> ppn in pt per this area's type/permissions.
func (a *Area) mapOne(pt *pagetable.Table, mem *frame.Allocator, vpn addr.VPN) bool {
	switch a.Mtype {
	case Identical:
		ppn := addr.PPN(uint64(vpn))
		return pt.Map(vpn, ppn, a.Perm.toPTEFlags())
	case Framed:
		h, ok := mem.Alloc()
		if !ok {
			return false
		}
		a.Frames[vpn] = h
		return pt.Map(vpn, h.PPN(), a.Perm.toPTEFlags())
	default:
		panic("aspace: unknown map type")
	}
}

// MapAll maps every VPN in this area's range into pt. It panics (a
// programmer error, not a recoverable fault) if allocation fails partway —
// callers are expected to have already reserved enough frames via the
// global frame allocator budget.
func (a *Area) MapAll(pt *pagetable.Table, mem *frame.Allocator) {
	for v := a.StartVPN; v.Sub(a.EndVPN) < 0; v = v.Add(1) {
		if !a.mapOne(pt, mem, v) {
			panic(fmt.Sprintf("aspace: out of frames mapping vpn %#x", v))
		}
	}
}

// UnmapAll removes and drops every mapping this area owns.
func (a *Area) UnmapAll(pt *pagetable.Table) {
	for v := a.StartVPN; v.Sub(a.EndVPN) < 0; v = v.Add(1) {
		pt.Unmap(v)
		if a.Mtype == Framed {
			if h, ok := a.Frames[v]; ok {
				h.Drop()
				delete(a.Frames, v)
			}
		}
	}
}

// CopyDataIn writes data into this area's backing frames page by page,
// starting at the area's first page. A shorter data leaves the tail zero;
// longer data is a programmer error (spec.md §4.3 "push").
func (a *Area) CopyDataIn(pgSize int, data []byte) {
	if a.Mtype != Framed {
		panic("aspace: CopyDataIn on non-framed area")
	}
	if len(data) > (a.EndVPN.Sub(a.StartVPN))*pgSize {
		panic("aspace: data longer than area")
	}
	off := 0
	for v := a.StartVPN; v.Sub(a.EndVPN) < 0 && off < len(data); v = v.Add(1) {
		h := a.Frames[v]
		n := pgSize
		if len(data)-off < n {
			n = len(data) - off
		}
		copy(h.Bytes()[:n], data[off:off+n])
		off += n
	}
}

// Clone deep-copies a Framed area: fresh frames, same content, same
// permissions (spec.md §4.3 "fork").
func (a *Area) Clone(mem *frame.Allocator) *Area {
	out := NewArea(a.StartVPN, a.EndVPN, a.Mtype, a.Perm)
	if a.Mtype != Framed {
		return out
	}
	for v, h := range a.Frames {
		nh, ok := mem.Alloc()
		if !ok {
			panic("aspace: out of frames forking area")
		}
		copy(nh.Bytes(), h.Bytes())
		out.Frames[v] = nh
	}
	return out
}
