// Package trapctx defines the trap context: the fixed-layout register
// frame saved on trap entry and restored on trap return (spec.md §3 "Trap
// context", §4.4). Grounded on original_source/os/src/task/context.rs (the
// sibling TaskContext) and the trap-context shape implied throughout
// original_source/os/src/task/task.rs ("trap_cx_ppn").
package trapctx

// TrapContext is the full register set saved by __alltraps and restored by
// __restore (spec.md §4.4). X holds the 32 general-purpose registers
// (x0..x31); by RISC-V convention x10 is a0 (syscall arg0/return value),
// x17 is a7 (syscall number).
type TrapContext struct {
	X             [32]uint64
	Sstatus       uint64
	Sepc          uint64
	KernelSatp    uint64
	KernelSP      uint64
	TrapHandlerVA uint64
}

// Register indices for the RISC-V calling convention this kernel's
// syscall ABI relies on.
const (
	RegA0 = 10
	RegA1 = 11
	RegA2 = 12
	RegA7 = 17
)

// AppInitContext builds a fresh trap context for a task about to enter
// user mode for the first time: entry point in sepc, given stack pointer,
// user sstatus (SPP cleared — this is the bit a real SBI/CSR write would
// set; kept as a plain field here since there is no real CSR), and the
// kernel-side state trap_return needs to get back into the kernel on the
// next trap (spec.md §3 "Created by app_init_context").
func AppInitContext(entry, sp, kernelSatp, kernelSP, trapHandlerVA uint64) TrapContext {
	var tc TrapContext
	tc.X[2] = sp // x2 is the stack pointer (sp)
	tc.Sepc = entry
	tc.KernelSatp = kernelSatp
	tc.KernelSP = kernelSP
	tc.TrapHandlerVA = trapHandlerVA
	return tc
}

// AdvancePastECALL moves sepc past the 4-byte ecall instruction that
// trapped into the kernel (spec.md §4.4 "advance sepc by 4").
func (tc *TrapContext) AdvancePastECALL() { tc.Sepc += 4 }

// SetReturn writes a syscall's result into a0 (spec.md §4.4 "write result
// into x10").
func (tc *TrapContext) SetReturn(v int64) { tc.X[RegA0] = uint64(v) }

// SyscallArgs returns (syscall number, a0, a1, a2) as the dispatcher
// expects (spec.md §4.4 "syscall(x17, [x10,x11,x12])").
func (tc *TrapContext) SyscallArgs() (num uint64, a0, a1, a2 uint64) {
	return tc.X[RegA7], tc.X[RegA0], tc.X[RegA1], tc.X[RegA2]
}

// SetForkChildReturn sets a0 = 0 in a forked child's trap context (spec.md
// §4.5 "the child gets x10=0").
func (tc *TrapContext) SetForkChildReturn() { tc.X[RegA0] = 0 }
