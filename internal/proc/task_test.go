package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sv39os/internal/addr"
	"sv39os/internal/aspace"
	"sv39os/internal/frame"
	"sv39os/internal/trapctx"
)

// newTestTCB builds a bare TCB directly (bypassing NewInitTask's ELF load)
// so the waitpid/sbrk/exit bookkeeping can be exercised without a real
// binary image. Unlike earlier revisions, it does not register a cleanup
// releasing the pid: ExitAndReap/Waitpid now release a task's pid and
// kernel stack themselves once nothing can reap it, and a test that drives
// a TCB through either would otherwise hit a double-release panic at
// cleanup.
func newTestTCB(t *testing.T, mem *frame.Allocator, heapBottom addr.VA) *TCB {
	t.Helper()
	ms := aspace.NewBare(mem)
	kernel := aspace.NewBare(mem)
	pid := AllocPID()
	kstack := NewKernelStack(pid.PID(), kernel)
	tc := trapctx.AppInitContext(0, 0, ms.Token(), uint64(kstack.SP()), 0)

	tcb := NewTCB(pid, kstack, ms, tc)
	tcb.Access(func(in *Inner) {
		in.HeapBottom = heapBottom
		in.HeapBrk = heapBottom
	})
	return tcb
}

func TestPIDAllocAndReuse(t *testing.T) {
	h1 := AllocPID()
	h2 := AllocPID()
	require.NotEqual(t, h1.PID(), h2.PID())

	h1.Release()
	h3 := AllocPID()
	require.Equal(t, h1.PID(), h3.PID(), "a released pid must be the next one handed back out")
	h3.Release()
	h2.Release()
}

func TestPIDDoubleReleasePanics(t *testing.T) {
	h := AllocPID()
	h.Release()
	require.Panics(t, func() { h.Release() })
}

func TestWaitpidNoMatchingChild(t *testing.T) {
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	parent := newTestTCB(t, mem, addr.VA(0x10000))
	_, _, status := Waitpid(parent, 42)
	require.EqualValues(t, -1, status)
}

func TestWaitpidChildNotYetExited(t *testing.T) {
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	parent := newTestTCB(t, mem, addr.VA(0x10000))
	child := newTestTCB(t, mem, addr.VA(0x20000))
	parent.Access(func(in *Inner) { in.Children = append(in.Children, child) })

	_, _, status := Waitpid(parent, child.Pid.PID())
	require.EqualValues(t, -2, status)
}

func TestWaitpidReapsZombieChild(t *testing.T) {
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	parent := newTestTCB(t, mem, addr.VA(0x10000))
	child := newTestTCB(t, mem, addr.VA(0x20000))
	parent.Access(func(in *Inner) { in.Children = append(in.Children, child) })

	child.ExitAndReap(7, parent)
	pid, code, status := Waitpid(parent, -1)
	require.EqualValues(t, 0, status)
	require.Equal(t, child.Pid.PID(), pid)
	require.EqualValues(t, 7, code)

	// reaped once: a second wait for the same pid finds no child at all.
	_, _, status = Waitpid(parent, pid)
	require.EqualValues(t, -1, status)

	// Waitpid must have released the reaped child's pid right away.
	require.Panics(t, child.Pid.Release, "a pid already released by Waitpid must not release again")
}

func TestExitAndReapReparentsChildrenToInit(t *testing.T) {
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	grandparent := newTestTCB(t, mem, addr.VA(0x10000))
	middle := newTestTCB(t, mem, addr.VA(0x20000))
	leaf := newTestTCB(t, mem, addr.VA(0x30000))
	middle.Access(func(in *Inner) { in.Children = append(in.Children, leaf) })

	middle.ExitAndReap(0, grandparent)

	var leafParent *TCB
	leaf.Access(func(in *Inner) { leafParent = in.Parent })
	require.Same(t, grandparent, leafParent)

	var gpChildren []*TCB
	grandparent.Access(func(in *Inner) { gpChildren = in.Children })
	require.Contains(t, gpChildren, leaf)
}

func TestExitAndReapWithNilInitDropsChildren(t *testing.T) {
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	init := newTestTCB(t, mem, addr.VA(0x10000))
	leaf := newTestTCB(t, mem, addr.VA(0x20000))
	init.Access(func(in *Inner) { in.Children = append(in.Children, leaf) })

	require.NotPanics(t, func() { init.ExitAndReap(0, nil) })

	// nothing will ever reap init itself, so it must release its own pid
	// immediately rather than leaking it.
	require.Panics(t, init.Pid.Release, "init must already have released its own pid on exit with no parent")
}

func TestSbrkGrowsAndReturnsOldBreak(t *testing.T) {
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	tcb := newTestTCB(t, mem, addr.VA(0x10000))
	// the empty heap area from_elf would have pushed, which Sbrk grows
	tcb.Access(func(in *Inner) {
		in.MemSet.Push(aspace.NewArea(addr.VA(0x10000).Floor(), addr.VA(0x10000).Floor(), aspace.Framed, aspace.PermR|aspace.PermW|aspace.PermU), nil)
	})

	old, ok := tcb.Sbrk(4096)
	require.True(t, ok)
	require.EqualValues(t, 0x10000, old)

	var brk addr.VA
	tcb.Access(func(in *Inner) { brk = in.HeapBrk })
	require.EqualValues(t, 0x11000, brk)
}

func TestSbrkRejectsShrinkingPastHeapBottom(t *testing.T) {
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	tcb := newTestTCB(t, mem, addr.VA(0x10000))

	_, ok := tcb.Sbrk(-4096)
	require.False(t, ok)
}
