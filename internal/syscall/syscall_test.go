package syscall_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"sv39os/internal/addr"
	"sv39os/internal/aspace"
	"sv39os/internal/config"
	"sv39os/internal/frame"
	"sv39os/internal/pagetable"
	"sv39os/internal/proc"
	"sv39os/internal/sbi"
	"sv39os/internal/sched"
	"sv39os/internal/syscall"
	"sv39os/internal/trapctx"
)

// harness builds a minimal Dispatcher plus one schedulable task with a
// single mmap'd user page at userVA, for exercising syscalls that copy to
// or from user memory.
type harness struct {
	mem    *frame.Allocator
	fw     *sbi.Host
	out    *bytes.Buffer
	disp   *syscall.Dispatcher
	task   *sched.Task
	userVA addr.VA
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	ms := aspace.NewBare(mem)
	pid := proc.AllocPID()
	t.Cleanup(pid.Release)
	kernel := aspace.NewBare(mem)
	kstack := proc.NewKernelStack(pid.PID(), kernel)
	tc := trapctx.AppInitContext(0, 0, ms.Token(), uint64(kstack.SP()), 0)
	tcb := proc.NewTCB(pid, kstack, ms, tc)

	userVA := addr.VA(0x5000_0000)
	require.True(t, ms.Mmap(userVA, config.PgSize, aspace.PermR|aspace.PermW|aspace.PermU))

	var out bytes.Buffer
	fw := sbi.NewHost(&out, bytes.NewReader(nil))

	rq := sched.NewReadyQueue()
	processor := sched.NewProcessor(rq)
	init := tcb
	processor.SetInitTask(init)

	disp := &syscall.Dispatcher{
		Kernel:    &proc.Kernel{Mem: mem, Set: kernel, TrampPPN: 0},
		Firmware:  fw,
		Processor: processor,
		ReadyQ:    rq,
		InitTask:  init,
	}

	task := sched.NewTask(tcb, func(*sched.Task) {})
	return &harness{mem: mem, fw: fw, out: &out, disp: disp, task: task, userVA: userVA}
}

func TestSysWriteCopiesConsoleOutput(t *testing.T) {
	h := newHarness(t)
	token := h.task.TCB.Satp()

	msg := []byte("hello")
	userbufCopy(h, token, msg)

	n := h.disp.Dispatch(h.task, config.SysWrite, 1, uint64(h.userVA), uint64(len(msg)))
	require.EqualValues(t, len(msg), n)
	require.Equal(t, "hello", h.out.String())
}

func TestSysWriteToUnsupportedFdPanics(t *testing.T) {
	h := newHarness(t)
	require.Panics(t, func() {
		h.disp.Dispatch(h.task, config.SysWrite, 2, uint64(h.userVA), 1)
	})
}

func TestSysGetTimeReturnsZero(t *testing.T) {
	h := newHarness(t)
	rc := h.disp.Dispatch(h.task, config.SysGetTime, uint64(h.userVA), 0, 0)
	require.Zero(t, rc)
}

func TestSysSbrkGrowsHeap(t *testing.T) {
	h := newHarness(t)
	heapBottom := addr.VA(0x6000_0000)
	h.task.TCB.Access(func(in *proc.Inner) {
		// A real task's ELF load already carries an empty heap area right
		// past its loaded segments; from_elf's heap area stands in here as
		// a zero-length Framed area at the same start/end VPN, which
		// AppendTo then grows.
		in.MemSet.Push(aspace.NewArea(heapBottom.Floor(), heapBottom.Floor(), aspace.Framed, aspace.PermR|aspace.PermW|aspace.PermU), nil)
		in.HeapBottom = heapBottom
		in.HeapBrk = heapBottom
	})
	old := h.disp.Dispatch(h.task, config.SysSbrk, uint64(config.PgSize), 0, 0)
	require.EqualValues(t, 0x6000_0000, old)
}

func TestSysWaitpidNoChildReturnsMinusOne(t *testing.T) {
	h := newHarness(t)
	rc := h.disp.Dispatch(h.task, config.SysWaitpid, ^uint64(0), 0, 0)
	require.EqualValues(t, -1, rc)
}

// userbufCopy writes data into the harness's mapped user page directly
// through the frame allocator, standing in for a trapped user-space write
// instruction.
func userbufCopy(h *harness, token uint64, data []byte) {
	pt := pagetable.FromToken(h.mem, token)
	vpn := h.userVA.Floor()
	pte, ok := pt.Translate(vpn)
	if !ok {
		panic("test: user page not mapped")
	}
	buf, ok := h.mem.Bytes(pte.PPN())
	if !ok {
		panic("test: dangling frame")
	}
	copy(buf, data)
}
