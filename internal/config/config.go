// Package config centralizes the sizing and numbering constants that span
// every subsystem: SV39 page geometry, the fixed high virtual addresses used
// by the trap trampoline, and the syscall numbers dispatched by the trap
// handler. Centralizing them here mirrors biscuit's mem package, which
// keeps PGSHIFT/PTE_* in one place rather than scattering them across every
// consumer.
package config

const (
	// PgShift is the base-2 exponent of the page size.
	PgShift uint = 12
	// PgSize is the number of bytes in a single page.
	PgSize int = 1 << PgShift
	// PgOffsetMask masks the in-page offset bits of an address.
	PgOffsetMask uint64 = uint64(PgSize) - 1

	// VaWidth is the width, in bits, of an SV39 virtual address.
	VaWidth uint = 39
	// PaWidth is the width, in bits, of a physical address.
	PaWidth uint = 56
	// VpnWidth is the width, in bits, of a virtual page number.
	VpnWidth uint = 27
	// PpnWidth is the width, in bits, of a physical page number.
	PpnWidth uint = 44

	// PteIndexBits is the width of each of the three SV39 index levels.
	PteIndexBits uint = 9
	// PteIndexMask masks a single 9-bit page table index.
	PteIndexMask uint64 = (1 << PteIndexBits) - 1

	// SatpModeSv39 is the mode field written into satp to select SV39.
	SatpModeSv39 uint64 = 8
	// SatpModeShift is where the mode field sits within satp.
	SatpModeShift uint = 60
)

const (
	// Trampoline is the fixed high VA at which the trampoline page (shared,
	// identically mapped, in every address space) lives.
	Trampoline uint64 = (uint64(1) << 38) - uint64(PgSize)
	// TrapContextVA is the fixed VA of a user task's trap-context page.
	TrapContextVA uint64 = Trampoline - uint64(PgSize)
)

const (
	// UserStackSize is the size, in bytes, of a freshly loaded task's user
	// stack (original_source/os/src/config.rs: USER_STACK_SIZE).
	UserStackSize = 4096 * 2
	// KernelStackSize is the size, in bytes, reserved for a task's kernel
	// stack.
	KernelStackSize = 4096 * 2
	// UserMin is the lowest VA user code/data may occupy.
	UserMin = 0x1000
	// MemoryEnd bounds the identity-mapped RAM region pushed by a fresh
	// kernel memory set (spec.md §4.3 new_kernel).
	MemoryEnd uint64 = 0x88000000
)

// Syscall numbers dispatched by the trap handler (spec.md §6).
const (
	SysWrite   = 64
	SysRead    = 63
	SysExit    = 93
	SysYield   = 124
	SysGetTime = 169
	SysGetPID  = 172
	SysMunmap  = 215
	SysMmap    = 214
	SysFork    = 220
	SysExec    = 221
	SysWaitpid = 260
	// SysSbrk is not in spec.md's syscall table; it is a supplemented
	// syscall (SPEC_FULL.md §12) for the heap-brk tracking the original
	// rCore-Tutorial exposes. 200 is an otherwise-unused slot in this
	// kernel's dispatch table.
	SysSbrk = 200
)

// BlockSize is the fixed size, in bytes, of an on-disk filesystem block
// (spec.md §6: "Block size 512").
const BlockSize = 512

// EFSMagic is the on-disk superblock magic (spec.md §6).
const EFSMagic uint32 = 0x5F5F4553

// Filesystem geometry constants (spec.md §3/§4.9).
const (
	DiskInodeDirectCount       = 28
	IndirectEntriesPerBlock    = BlockSize / 4
	DirectBound                = DiskInodeDirectCount
	Indirect1Bound             = DirectBound + IndirectEntriesPerBlock
	Indirect2Bound             = Indirect1Bound + IndirectEntriesPerBlock*IndirectEntriesPerBlock
	DiskInodeSize              = 128
	DirEntrySize               = 32
	DirEntryNameLimit          = 27
	BlockCacheCapacity         = 16
	RootInodeID         uint32 = 0
)
