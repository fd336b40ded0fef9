// Package userbuf implements cross-address-space access from kernel code:
// gathering a user buffer into page-broken kernel slices, reading a NUL
// terminated user string, and copying a kernel value into user memory
// (spec.md §4.6). Grounded on original_source/os/src/mm/mod.rs
// (translate_user_buffer_mut/translate_user_str/copy_to_user) and
// biscuit's Userdmap8_inner/Userwriten/Userstr
// (biscuit/src/vm/as.go, biscuit/src/vm/userbuf.go).
package userbuf

import (
	"fmt"

	"sv39os/internal/addr"
	"sv39os/internal/config"
	"sv39os/internal/frame"
	"sv39os/internal/pagetable"
)

// Fault is what this package panics with when a user-supplied VA doesn't
// resolve: on real hardware this is exactly what would instead arrive as a
// StoreFault/LoadFault/StorePageFault/LoadPageFault trap (spec.md §4.4).
// internal/trap recovers specifically this type and converts it into
// exit_current_and_run_next(-2); any other panic out of kernel code is a
// genuine programming error and is left to propagate and crash, matching
// trap_handler's "otherwise: panic (fatal)" default.
type Fault struct{ msg string }

func (f Fault) Error() string { return f.msg }

func pageBytes(mem *frame.Allocator, pt *pagetable.Table, vpn addr.VPN) []byte {
	pte, ok := pt.Translate(vpn)
	if !ok {
		panic(Fault{fmt.Sprintf("userbuf: unmapped vpn %#x", vpn)})
	}
	b, ok := mem.Bytes(pte.PPN())
	if !ok {
		panic(Fault{fmt.Sprintf("userbuf: dangling ppn %#x for vpn %#x", pte.PPN(), vpn)})
	}
	return b
}

// TranslateBufferMut produces the ordered list of page-broken kernel-side
// slices covering [ptr, ptr+length) in the address space named by token.
func TranslateBufferMut(mem *frame.Allocator, token uint64, ptr uint64, length int) [][]byte {
	pt := pagetable.FromToken(mem, token)
	start := ptr
	end := ptr + uint64(length)
	var out [][]byte
	for start < end {
		va := addr.VA(start)
		vpn := va.Floor()
		page := pageBytes(mem, pt, vpn)
		startOff := va.PageOffset()
		pageEndVA := vpn.Add(1).ToVA()
		stopVA := end
		if uint64(pageEndVA) < stopVA {
			stopVA = uint64(pageEndVA)
		}
		endOff := addr.VA(stopVA).PageOffset()
		if endOff == 0 {
			out = append(out, page[startOff:])
		} else {
			out = append(out, page[startOff:endOff])
		}
		start = stopVA
	}
	return out
}

// TranslateStr reads bytes starting at ptr in the address space named by
// token until a NUL byte, concatenating page-broken slices, and returns
// the accumulated string (without the NUL).
func TranslateStr(mem *frame.Allocator, token uint64, ptr uint64) string {
	pt := pagetable.FromToken(mem, token)
	var out []byte
	start := ptr
	for {
		va := addr.VA(start)
		vpn := va.Floor()
		page := pageBytes(mem, pt, vpn)
		startOff := va.PageOffset()
		pageEndVA := vpn.Add(1).ToVA()
		var slice []byte
		if addr.VA(pageEndVA).PageOffset() == 0 {
			slice = page[startOff:]
		} else {
			slice = page[startOff:addr.VA(pageEndVA).PageOffset()]
		}
		if i := indexZero(slice); i >= 0 {
			out = append(out, slice[:i]...)
			return string(out)
		}
		out = append(out, slice...)
		start = uint64(pageEndVA)
	}
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// CopyToUser writes src into the address space named by token at virtual
// address dst, splitting the write across page-broken slices as needed.
func CopyToUser(mem *frame.Allocator, token uint64, src []byte, dst uint64) {
	bufs := TranslateBufferMut(mem, token, dst, len(src))
	off := 0
	for _, b := range bufs {
		copy(b, src[off:off+len(b)])
		off += len(b)
	}
}

// CopyFromUser reads length bytes starting at src in the address space
// named by token and returns them concatenated.
func CopyFromUser(mem *frame.Allocator, token uint64, src uint64, length int) []byte {
	bufs := TranslateBufferMut(mem, token, src, length)
	out := make([]byte, 0, length)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// PgSize re-exports config.PgSize for callers that only import userbuf.
const PgSize = config.PgSize
