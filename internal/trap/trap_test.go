package trap_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sv39os/internal/addr"
	"sv39os/internal/aspace"
	"sv39os/internal/config"
	"sv39os/internal/frame"
	"sv39os/internal/proc"
	"sv39os/internal/sbi"
	"sv39os/internal/sched"
	"sv39os/internal/syscall"
	"sv39os/internal/trap"
	"sv39os/internal/trapctx"
)

// fixture bundles one schedulable task plus the Dispatcher/Handler pair
// driving it, with a single mmap'd user page at userVA for the syscall
// fault-path tests.
type fixture struct {
	mem    *frame.Allocator
	rq     *sched.ReadyQueue
	p      *sched.Processor
	disp   *syscall.Dispatcher
	h      *trap.Handler
	out    *bytes.Buffer
	tcb    *proc.TCB
	userVA addr.VA
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	kernel := aspace.NewBare(mem)

	initPid := proc.AllocPID()
	initKstack := proc.NewKernelStack(initPid.PID(), kernel)
	initMS := aspace.NewBare(mem)
	initTC := trapctx.AppInitContext(0, 0, initMS.Token(), uint64(initKstack.SP()), 0)
	init := proc.NewTCB(initPid, initKstack, initMS, initTC)

	ms := aspace.NewBare(mem)
	pid := proc.AllocPID()
	kstack := proc.NewKernelStack(pid.PID(), kernel)
	tc := trapctx.AppInitContext(0, 0, ms.Token(), uint64(kstack.SP()), 0)
	tcb := proc.NewTCB(pid, kstack, ms, tc)

	userVA := addr.VA(0x5000_0000)
	require.True(t, ms.Mmap(userVA, config.PgSize, aspace.PermR|aspace.PermW|aspace.PermU))

	var out bytes.Buffer
	fw := sbi.NewHost(&out, bytes.NewReader(nil))

	rq := sched.NewReadyQueue()
	p := sched.NewProcessor(rq)
	p.SetInitTask(init)

	disp := &syscall.Dispatcher{
		Kernel:    &proc.Kernel{Mem: mem, Set: kernel, TrampPPN: 0},
		Firmware:  fw,
		Processor: p,
		ReadyQ:    rq,
		InitTask:  init,
	}

	return &fixture{
		mem:    mem,
		rq:     rq,
		p:      p,
		disp:   disp,
		h:      trap.NewHandler(disp, p),
		out:    &out,
		tcb:    tcb,
		userVA: userVA,
	}
}

// runToCompletion schedules task and drains the ready queue, failing the
// test if the task never reaches a parked state within the timeout — the
// same pattern internal/sched/sched_test.go uses.
func runToCompletion(t *testing.T, f *fixture, task *sched.Task) {
	t.Helper()
	f.rq.Add(task)
	done := make(chan struct{})
	go func() {
		f.p.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not drain the ready queue")
	}
}

func TestHandleUserEnvCallDispatchesAndAdvancesSepc(t *testing.T) {
	f := newFixture(t)
	task := sched.NewTask(f.tcb, func(*sched.Task) {})

	tc := f.tcb.TrapContext()
	tc.Sepc = 0x1000
	tc.X[trapctx.RegA7] = config.SysGetPID

	f.h.Handle(task, trap.UserEnvCall)

	require.EqualValues(t, 0x1004, tc.Sepc, "UserEnvCall must advance sepc past the 4-byte ecall")
	require.EqualValues(t, f.tcb.Pid.PID(), tc.X[trapctx.RegA0], "the syscall result must be written back into x10")
}

func TestHandleSupervisorTimerYieldsThenTaskExitsCleanly(t *testing.T) {
	f := newFixture(t)
	var resumed bool
	task := sched.NewTask(f.tcb, func(self *sched.Task) {
		f.h.Handle(self, trap.SupervisorTimer)
		resumed = true
		f.p.ExitCurrentAndRunNext(0, f.disp.InitTask)
	})

	runToCompletion(t, f, task)

	require.True(t, resumed, "the task must be resumed after a timer tick, not killed")
	require.Equal(t, proc.StatusZombie, f.tcb.Status())
	var code int32
	f.tcb.Access(func(in *proc.Inner) { code = in.ExitCode })
	require.EqualValues(t, 0, code)
}

func TestHandleFatalFaultExitsTaskWithCodeMinus2(t *testing.T) {
	f := newFixture(t)
	task := sched.NewTask(f.tcb, func(self *sched.Task) {
		f.h.Handle(self, trap.StoreFault)
	})

	runToCompletion(t, f, task)

	require.Equal(t, proc.StatusZombie, f.tcb.Status())
	var code int32
	f.tcb.Access(func(in *proc.Inner) { code = in.ExitCode })
	require.EqualValues(t, -2, code)
}

func TestHandlePanicsOnUnknownCause(t *testing.T) {
	f := newFixture(t)
	task := sched.NewTask(f.tcb, func(*sched.Task) {})
	require.Panics(t, func() { f.h.Handle(task, trap.Scause(99)) })
}

// TestHandleUserEnvCallRecoversUserbufFaultAndExits drives spec.md §8
// scenario 6 end to end: a write through a mapped VA succeeds, the VA is
// then munmap'd, and a second write through the same VA traps — here,
// userbuf.Fault recovered out of the syscall dispatch — and kills the task
// with code -2, all without any real scause CSR or trap vector.
func TestHandleUserEnvCallRecoversUserbufFaultAndExits(t *testing.T) {
	f := newFixture(t)
	task := sched.NewTask(f.tcb, func(self *sched.Task) {
		tc := f.tcb.TrapContext()
		tc.X[trapctx.RegA7] = config.SysWrite
		tc.X[trapctx.RegA0] = 1
		tc.X[trapctx.RegA1] = uint64(f.userVA)
		tc.X[trapctx.RegA2] = 1
		f.h.Handle(self, trap.UserEnvCall)

		f.tcb.Access(func(in *proc.Inner) { in.MemSet.Munmap(f.userVA, config.PgSize) })

		tc2 := f.tcb.TrapContext()
		tc2.X[trapctx.RegA7] = config.SysWrite
		tc2.X[trapctx.RegA0] = 1
		tc2.X[trapctx.RegA1] = uint64(f.userVA)
		tc2.X[trapctx.RegA2] = 1
		f.h.Handle(self, trap.UserEnvCall) // recovers userbuf.Fault, kills the task
	})

	runToCompletion(t, f, task)

	require.Equal(t, proc.StatusZombie, f.tcb.Status())
	var code int32
	f.tcb.Access(func(in *proc.Inner) { code = in.ExitCode })
	require.EqualValues(t, -2, code)
}

func TestProbeStoreOnMappedWritablePage(t *testing.T) {
	f := newFixture(t)
	_, faulted := trap.ProbeStore(f.tcb, f.mem, uint64(f.userVA))
	require.False(t, faulted, "a mapped, writable page must not fault")
}

func TestProbeStoreAfterMunmap(t *testing.T) {
	f := newFixture(t)
	f.tcb.Access(func(in *proc.Inner) { in.MemSet.Munmap(f.userVA, config.PgSize) })

	cause, faulted := trap.ProbeStore(f.tcb, f.mem, uint64(f.userVA))
	require.True(t, faulted)
	require.Equal(t, trap.StoreFault, cause)
}

func TestProbeStoreOnReadOnlyPage(t *testing.T) {
	f := newFixture(t)
	roVA := addr.VA(0x5100_0000)
	f.tcb.Access(func(in *proc.Inner) {
		require.True(t, in.MemSet.Mmap(roVA, config.PgSize, aspace.PermR|aspace.PermU))
	})

	cause, faulted := trap.ProbeStore(f.tcb, f.mem, uint64(roVA))
	require.True(t, faulted, "a read-only page must fault on a store probe")
	require.Equal(t, trap.StoreFault, cause)
}
