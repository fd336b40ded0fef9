package aspace

import (
	"sv39os/internal/addr"
	"sv39os/internal/config"
)

// Mmap inserts a fresh Framed area covering [start, start+length) with
// perm, provided start is page-aligned and no VPN in range is already
// mapped (spec.md §6 "mmap"). Returns false on any validation failure
// instead of panicking — syscall argument errors are reported to user
// space, not treated as caller-contract violations (spec.md §7).
func (ms *MemorySet) Mmap(start addr.VA, length int, perm Perm) bool {
	if uint64(start)%uint64(config.PgSize) != 0 {
		return false
	}
	startVPN := start.Floor()
	endVPN := addr.VA(uint64(start) + uint64(length)).Ceil()
	for v := startVPN; v.Sub(endVPN) < 0; v = v.Add(1) {
		if _, ok := ms.Table.Translate(v); ok {
			return false
		}
	}
	area := NewArea(startVPN, endVPN, Framed, perm)
	for _, existing := range ms.Areas {
		if overlaps(area, existing) {
			return false
		}
	}
	area.MapAll(ms.Table, ms.mem)
	ms.Areas = append(ms.Areas, area)
	return true
}

// Munmap unmaps every VPN covering [start, start+length); returns false
// if start is misaligned or any VPN in range is not currently mapped
// (spec.md §6 "munmap").
func (ms *MemorySet) Munmap(start addr.VA, length int) bool {
	if uint64(start)%uint64(config.PgSize) != 0 {
		return false
	}
	startVPN := start.Floor()
	endVPN := addr.VA(uint64(start) + uint64(length)).Ceil()
	for v := startVPN; v.Sub(endVPN) < 0; v = v.Add(1) {
		if _, ok := ms.Table.Translate(v); !ok {
			return false
		}
	}
	for v := startVPN; v.Sub(endVPN) < 0; v = v.Add(1) {
		ms.Table.Unmap(v)
	}
	for i, a := range ms.Areas {
		if a.StartVPN != startVPN || a.EndVPN != endVPN {
			continue
		}
		if a.Mtype == Framed {
			for v, h := range a.Frames {
				h.Drop()
				delete(a.Frames, v)
			}
		}
		ms.Areas = append(ms.Areas[:i], ms.Areas[i+1:]...)
		break
	}
	return true
}
