// Package trap implements trap_handler's scause dispatch (spec.md §4.4):
// the single place a trapped task is routed to a syscall, killed for a
// fault, or cooperatively rescheduled off a timer tick. Grounded on
// original_source/os/src/trap/mod.rs (trap_handler's match on scause).
package trap

import (
	"github.com/sirupsen/logrus"

	"sv39os/internal/addr"
	"sv39os/internal/frame"
	"sv39os/internal/pagetable"
	"sv39os/internal/proc"
	"sv39os/internal/sched"
	"sv39os/internal/syscall"
	"sv39os/internal/userbuf"
)

// Scause mirrors the handful of RISC-V trap causes trap_handler actually
// branches on (spec.md §4.4); every other cause is fatal.
type Scause int

const (
	UserEnvCall Scause = iota
	StoreFault
	StorePageFault
	LoadFault
	LoadPageFault
	IllegalInstruction
	SupervisorTimer
)

func (s Scause) String() string {
	switch s {
	case UserEnvCall:
		return "UserEnvCall"
	case StoreFault:
		return "StoreFault"
	case StorePageFault:
		return "StorePageFault"
	case LoadFault:
		return "LoadFault"
	case LoadPageFault:
		return "LoadPageFault"
	case IllegalInstruction:
		return "IllegalInstruction"
	case SupervisorTimer:
		return "SupervisorTimer"
	default:
		return "Unknown"
	}
}

// isFatalFault reports whether s is one of the cause kinds trap_handler
// kills the task for outright (spec.md §4.4's second bullet), as opposed
// to UserEnvCall (dispatched to a syscall) or SupervisorTimer (yielded).
func (s Scause) isFatalFault() bool {
	switch s {
	case StoreFault, StorePageFault, LoadFault, LoadPageFault, IllegalInstruction:
		return true
	default:
		return false
	}
}

// Handler is the hosted stand-in for trap_handler: it owns the syscall
// dispatcher (for UserEnvCall) and the processor (for yielding or exiting
// the trapping task). There is no real trap vector to call this — a
// caller drives a task into ecall-or-fault territory and then invokes
// Handle with the Scause that would have resulted, the same way __alltraps
// would have decoded it off the real scause CSR.
type Handler struct {
	Dispatcher *syscall.Dispatcher
	Processor  *sched.Processor
}

// NewHandler builds a Handler over an already-wired Dispatcher/Processor
// pair.
func NewHandler(d *syscall.Dispatcher, p *sched.Processor) *Handler {
	return &Handler{Dispatcher: d, Processor: p}
}

// Handle routes one trapped cause for task t (spec.md §4.4's trap_handler
// match):
//
//   - UserEnvCall: advance sepc past the ecall, dispatch the syscall named
//     in the trap context, write its result back into x10. A syscall that
//     reaches into user memory through a stale or unmapped VA panics with
//     userbuf.Fault instead of returning — Handle recovers specifically
//     that type and treats it exactly like a StoreFault/LoadFault arriving
//     on the instruction itself, per the next bullet. Any other panic is a
//     genuine kernel bug and is left to propagate.
//   - StoreFault/StorePageFault/LoadFault/LoadPageFault/IllegalInstruction:
//     log a diagnostic and exit the task with code −2.
//   - SupervisorTimer: cooperatively yield; the task stays Ready.
//   - anything else: fatal, matching the kernel's own trap vector, which
//     panics unconditionally on a kernel-mode trap.
func (h *Handler) Handle(t *sched.Task, cause Scause) {
	switch {
	case cause == UserEnvCall:
		h.handleUserEnvCall(t)
	case cause.isFatalFault():
		h.killOnFault(t, cause, nil)
	case cause == SupervisorTimer:
		h.Processor.SuspendCurrentAndRunNext()
	default:
		panic("trap: unhandled scause " + cause.String())
	}
}

func (h *Handler) handleUserEnvCall(t *sched.Task) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fault, ok := r.(userbuf.Fault)
		if !ok {
			panic(r)
		}
		h.killOnFault(t, StoreFault, fault)
	}()

	tc := t.TCB.TrapContext()
	tc.AdvancePastECALL()
	num, a0, a1, a2 := tc.SyscallArgs()
	result := h.Dispatcher.Dispatch(t, num, a0, a1, a2)
	// exec/exit may have rebuilt or parked the trap context; reload rather
	// than reuse tc (spec.md §4.4: "the trap-context pointer may be
	// reloaded after the call").
	t.TCB.TrapContext().SetReturn(result)
}

func (h *Handler) killOnFault(t *sched.Task, cause Scause, err error) {
	fields := logrus.Fields{"pid": t.TCB.Pid.PID(), "cause": cause.String()}
	if err != nil {
		fields["detail"] = err.Error()
	}
	logrus.WithFields(fields).Warn("trap: fatal fault, killing task")
	h.Processor.ExitCurrentAndRunNext(-2, h.Dispatcher.InitTask)
}

// ProbeStore reports the Scause a real CPU would raise for a user-mode
// store to va in task t's own address space, without performing the store
// — StoreFault if va isn't mapped writable, or ok=false if the access is
// actually fine. This is the "synthetic trap vector" a hosted build stands
// in with: a caller wanting to exercise spec.md §8 scenario 6's second
// half drives munmap, then calls ProbeStore on the now-unmapped VA and
// feeds the result straight into Handle instead of a real instruction ever
// trapping.
func ProbeStore(t *proc.TCB, mem *frame.Allocator, va uint64) (Scause, bool) {
	pt := pagetable.FromToken(mem, t.Satp())
	pte, ok := pt.Translate(addr.VA(va).Floor())
	if !ok || pte.Flags()&pagetable.FlagW == 0 {
		return StoreFault, true
	}
	return 0, false
}
