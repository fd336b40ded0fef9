// Package addr implements the four semantic address types SV39 needs:
// physical address, physical page number, virtual address and virtual page
// number. Each is a distinct type so the compiler catches the mistake of
// treating one as another, the same discipline biscuit applies with its
// Pa_t newtype (biscuit/src/mem/mem.go) and the original rCore-Tutorial
// applies with PhysAddr/PhysPageNum/VirtAddr/VirtPageNum
// (original_source/os/src/mm/address.rs).
package addr

import "sv39os/internal/config"

// PA is a physical address, masked to config.PaWidth bits.
type PA uint64

// PPN is a physical page number, masked to config.PpnWidth bits.
type PPN uint64

// VA is a virtual address, masked to config.VaWidth bits.
type VA uint64

// VPN is a virtual page number, masked to config.VpnWidth bits.
type VPN uint64

func maskBits(v uint64, width uint) uint64 {
	return v & ((uint64(1) << width) - 1)
}

// NewPA masks v to a valid physical address.
func NewPA(v uint64) PA { return PA(maskBits(v, config.PaWidth)) }

// NewPPN masks v to a valid physical page number.
func NewPPN(v uint64) PPN { return PPN(maskBits(v, config.PpnWidth)) }

// NewVA masks v to a valid virtual address (sign-extension of the top bit
// is the bare-metal CPU's job; the kernel core only ever deals with the
// canonical low range, so a plain mask is sufficient here).
func NewVA(v uint64) VA { return VA(maskBits(v, config.VaWidth)) }

// NewVPN masks v to a valid virtual page number.
func NewVPN(v uint64) VPN { return VPN(maskBits(v, config.VpnWidth)) }

// Floor returns the page number containing pa.
func (pa PA) Floor() PPN { return PPN(uint64(pa) >> config.PgShift) }

// Ceil returns the page number of the first page at or after pa.
func (pa PA) Ceil() PPN {
	if pa == 0 {
		return 0
	}
	return PPN((uint64(pa) + uint64(config.PgSize) - 1) >> config.PgShift)
}

// Offset returns the in-page byte offset of pa.
func (pa PA) Offset() uint64 { return uint64(pa) & config.PgOffsetMask }

// Floor returns the page number containing va.
func (va VA) Floor() VPN { return VPN(uint64(va) >> config.PgShift) }

// Ceil returns the page number of the first page at or after va.
func (va VA) Ceil() VPN {
	if va == 0 {
		return 0
	}
	return VPN((uint64(va) + uint64(config.PgSize) - 1) >> config.PgShift)
}

// PageOffset returns the in-page byte offset of va.
func (va VA) PageOffset() uint64 { return uint64(va) & config.PgOffsetMask }

// ToPA reinterprets ppn as the physical address of its page base.
func (ppn PPN) ToPA() PA { return PA(uint64(ppn) << config.PgShift) }

// ToVA reinterprets vpn as the virtual address of its page base.
func (vpn VPN) ToVA() VA { return VA(uint64(vpn) << config.PgShift) }

// Indexes decomposes vpn into the three 9-bit SV39 page-table indices, most
// significant first: ret[0] selects the root table, ret[2] the leaf.
func (vpn VPN) Indexes() [3]int {
	v := uint64(vpn)
	var idx [3]int
	for i := 2; i >= 0; i-- {
		idx[i] = int(v & config.PteIndexMask)
		v >>= config.PteIndexBits
	}
	return idx
}

// Add returns vpn+n.
func (vpn VPN) Add(n int) VPN { return VPN(uint64(int64(vpn) + int64(n))) }

// Sub returns the page distance from other to vpn.
func (vpn VPN) Sub(other VPN) int { return int(int64(vpn) - int64(other)) }
