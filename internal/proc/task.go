package proc

import (
	"sv39os/internal/addr"
	"sv39os/internal/aspace"
	"sv39os/internal/config"
	"sv39os/internal/excl"
	"sv39os/internal/frame"
	"sv39os/internal/trapctx"
)

// Status is the task's lifecycle state (spec.md §3 "Task status").
type Status int

const (
	StatusReady Status = iota
	StatusRunning
	StatusZombie
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Kernel bundles the singletons every TCB needs to build or rebuild its
// address space: the frame allocator, the kernel's own memory set (for
// kernel-stack reservations) and the shared trampoline frame.
type Kernel struct {
	Mem           *frame.Allocator
	Set           *aspace.MemorySet
	TrampPPN      addr.PPN
	TrapHandlerVA uint64
}

// Inner is a TCB's mutable state, always accessed through its exclusive
// cell (spec.md §3 "Task control block... Mutable inner").
type Inner struct {
	Cmdline    string
	Status     Status
	MemSet     *aspace.MemorySet
	TrapCx     *trapctx.TrapContext
	Parent     *TCB
	Children   []*TCB
	ExitCode   int32
	BaseSize   int
	HeapBottom addr.VA
	HeapBrk    addr.VA
}

// TCB is a process control block: immutable PID and kernel-stack handles,
// plus an exclusively-guarded mutable inner (spec.md §3 "Task control
// block").
type TCB struct {
	Pid    *Handle
	Kstack *KernelStack
	inner  *excl.Cell[Inner]
}

// Access runs f with exclusive access to t's mutable state.
func (t *TCB) Access(f func(*Inner)) { excl.AccessVoid(t.inner, f) }

// AccessR runs f with exclusive access to t's mutable state and returns
// f's result.
func AccessR[R any](t *TCB, f func(*Inner) R) R { return excl.Access(t.inner, f) }

// Status reports the task's current lifecycle state.
func (t *TCB) Status() (s Status) {
	t.Access(func(in *Inner) { s = in.Status })
	return
}

// SetStatus updates the task's lifecycle state.
func (t *TCB) SetStatus(s Status) { t.Access(func(in *Inner) { in.Status = s }) }

// Satp returns the task's page-table token for satp (spec.md §4.6).
func (t *TCB) Satp() (tok uint64) {
	t.Access(func(in *Inner) { tok = in.MemSet.Token() })
	return
}

// TrapContext exposes the task's trap-context frame for direct
// read/modify by the trap handler.
func (t *TCB) TrapContext() (tc *trapctx.TrapContext) {
	t.Access(func(in *Inner) { tc = in.TrapCx })
	return
}

// NewTCB assembles a TCB from its already-built parts: a PID handle, a
// kernel-stack reservation, an address space and an initial trap context.
// NewInitTask is a thin caller of this (Fork builds its child directly so
// it can also carry over the parent link and heap fields); it is exported
// because any caller that constructs a task's address space by some other
// means than from_elf (tests, a future exec-less spawn path) still needs a
// way to wrap the result into a schedulable TCB.
func NewTCB(pid *Handle, kstack *KernelStack, ms *aspace.MemorySet, tc trapctx.TrapContext) *TCB {
	tcb := &TCB{Pid: pid, Kstack: kstack}
	tcb.inner = excl.New(Inner{
		Status: StatusReady,
		MemSet: ms,
		TrapCx: &tc,
	})
	return tcb
}

// NewInitTask builds the first task: load elfImage into a fresh address
// space, allocate PID 0's... well, whatever PID AllocPID hands out first,
// reserve its kernel stack, and build its initial trap context (spec.md
// §4.3 "from_elf", §3 "app_init_context").
func NewInitTask(k *Kernel, cmdline string, elfImage []byte) *TCB {
	ms, userSP, entry := aspace.FromELF(k.Mem, elfImage, k.TrampPPN)
	pid := AllocPID()
	kstack := NewKernelStack(pid.PID(), k.Set)

	trapCxPPN := trapCxFrame(ms)
	tc := trapctx.AppInitContext(uint64(entry), uint64(userSP), k.Set.Token(), uint64(kstack.SP()), k.TrapHandlerVA)

	tcb := NewTCB(pid, kstack, ms, tc)
	tcb.Access(func(in *Inner) {
		in.Cmdline = cmdline
		in.BaseSize = int(userSP)
		in.HeapBottom = userSP
		in.HeapBrk = userSP
	})
	_ = trapCxPPN
	return tcb
}

// trapCxFrame is a placeholder hook point: in this hosted rendition the
// trap context lives directly behind the TCB (see Inner.TrapCx) rather
// than behind a PPN dereferenced through the trap-context page, since
// there is no real trap assembly reading it off a fixed VA. Kept as a
// named step so Fork/Exec below read the same way a PPN-indirected
// version would.
func trapCxFrame(ms *aspace.MemorySet) addr.PPN {
	vpn := addr.VA(config.TrapContextVA).Floor()
	if pte, ok := ms.Translate(vpn); ok {
		return pte.PPN()
	}
	return 0
}

// Fork duplicates parent into a new child TCB: deep-copied memory set, a
// fresh PID and kernel stack, a rebuilt trap context with x10=0, and
// parent/child bookkeeping (spec.md §4.5 "Fork").
func Fork(k *Kernel, parent *TCB) *TCB {
	var (
		childMS      *aspace.MemorySet
		parentTrapCx trapctx.TrapContext
		baseSize     int
		heapBottom   addr.VA
		heapBrk      addr.VA
	)
	parent.Access(func(in *Inner) {
		childMS = aspace.Fork(k.Mem, in.MemSet, k.TrampPPN)
		parentTrapCx = *in.TrapCx
		baseSize = in.BaseSize
		heapBottom = in.HeapBottom
		heapBrk = in.HeapBrk
	})

	pid := AllocPID()
	kstack := NewKernelStack(pid.PID(), k.Set)

	childTrapCx := parentTrapCx
	childTrapCx.KernelSatp = k.Set.Token()
	childTrapCx.KernelSP = uint64(kstack.SP())
	childTrapCx.SetForkChildReturn()

	child := &TCB{Pid: pid, Kstack: kstack}
	child.inner = excl.New(Inner{
		Status:     StatusReady,
		MemSet:     childMS,
		TrapCx:     &childTrapCx,
		Parent:     parent,
		BaseSize:   baseSize,
		HeapBottom: heapBottom,
		HeapBrk:    heapBrk,
	})

	parent.Access(func(in *Inner) { in.Children = append(in.Children, child) })
	return child
}

// Exec reloads elfImage into t's address space in place: a fresh memory
// set, a rebuilt trap context, the PID and kernel stack unchanged
// (spec.md §4.5 "Exec"). Returns false if elfImage could not be parsed.
func Exec(k *Kernel, t *TCB, cmdline string, elfImage []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	ms, userSP, entry := aspace.FromELF(k.Mem, elfImage, k.TrampPPN)

	t.Access(func(in *Inner) {
		in.MemSet.ClearPages()
		in.MemSet.Drop()
		in.MemSet = ms
		in.Cmdline = cmdline
		in.BaseSize = int(userSP)
		in.HeapBottom = userSP
		in.HeapBrk = userSP
		tc := trapctx.AppInitContext(uint64(entry), uint64(userSP), k.Set.Token(), uint64(t.Kstack.SP()), k.TrapHandlerVA)
		in.TrapCx = &tc
	})
	return true
}

// Sbrk grows (positive increment) or shrinks (negative increment) the
// task's heap area by increment bytes, returning the heap's previous
// break, or ok=false if shrinking past HeapBottom (supplemented syscall,
// SPEC_FULL.md §12; grounded on
// original_source/os/src/task/task.rs-adjacent sbrk plumbing referenced
// from os/src/syscall/process.rs in the upstream tutorial).
func (t *TCB) Sbrk(increment int) (oldBrk addr.VA, ok bool) {
	t.Access(func(in *Inner) {
		oldBrk = in.HeapBrk
		newBrk := addr.VA(int64(in.HeapBrk) + int64(increment))
		if newBrk < in.HeapBottom {
			ok = false
			return
		}
		if increment >= 0 {
			ok = in.MemSet.AppendTo(in.HeapBottom, newBrk)
		} else {
			ok = in.MemSet.ShrinkTo(in.HeapBottom, newBrk)
		}
		if ok {
			in.HeapBrk = newBrk
		}
	})
	return
}

// ExitAndReap marks t Zombie, records exitCode, reparents t's children to
// init, and clears t's owned frames (spec.md §4.5 "Exit"). initTask
// receives every orphaned child; a nil initTask (the init process itself
// exiting) simply drops them, since nothing remains to reap them — and
// since nothing remains to reap t either in that case, t's own PID and
// kernel stack are released right here instead of waiting for a Waitpid
// that will never come (spec.md §5 "Resource lifecycle": "a PID handle
// returns its PID on drop", "a kernel-stack handle removes its
// kernel-space mapping on drop"; §9 "exit can drop the TCB once the parent
// has reaped"). When t does have a parent, that release instead happens
// in Waitpid once the parent reaps t.
func (t *TCB) ExitAndReap(exitCode int32, initTask *TCB) {
	var children []*TCB
	t.Access(func(in *Inner) {
		in.Status = StatusZombie
		in.ExitCode = exitCode
		children = in.Children
		in.Children = nil
		in.MemSet.ClearPages()
	})
	if initTask == nil {
		t.Pid.Release()
		t.Kstack.Drop()
		return
	}
	for _, c := range children {
		c.Access(func(in *Inner) { in.Parent = initTask })
	}
	initTask.Access(func(in *Inner) { in.Children = append(in.Children, children...) })
}

// Waitpid implements the nowait form only (spec.md §4.5 "Waitpid"): scans
// parent's children for a Zombie matching pid (-1 matches any). Returns
// (childPID, exitCode, 0) on success, (0,0,-1) if no matching child
// exists at all, (0,0,-2) if a match exists but hasn't exited yet. A
// reaped child's PID and kernel stack are released right here — this is
// the one point in the lifecycle where the parent is the last remaining
// reference to the Zombie, so its resources can be safely recycled
// (spec.md §5 "Resource lifecycle"; §9 "exit can drop the TCB once the
// parent has reaped").
func Waitpid(parent *TCB, pid int) (childPID int, exitCode int32, status int32) {
	var (
		idx         = -1
		anyMatch    bool
		reapedChild *TCB
		reapedCode  int32
	)
	parent.Access(func(in *Inner) {
		for i, c := range in.Children {
			if pid != -1 && c.Pid.PID() != pid {
				continue
			}
			anyMatch = true
			if c.Status() == StatusZombie {
				idx = i
				reapedChild = c
				c.Access(func(cin *Inner) { reapedCode = cin.ExitCode })
				break
			}
		}
		if idx >= 0 {
			in.Children = append(in.Children[:idx], in.Children[idx+1:]...)
		}
	})
	if !anyMatch {
		return 0, 0, -1
	}
	if idx < 0 {
		return 0, 0, -2
	}
	childPID = reapedChild.Pid.PID()
	reapedChild.Pid.Release()
	reapedChild.Kstack.Drop()
	return childPID, reapedCode, 0
}
