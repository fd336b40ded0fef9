package sched_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sv39os/internal/addr"
	"sv39os/internal/aspace"
	"sv39os/internal/frame"
	"sv39os/internal/proc"
	"sv39os/internal/sched"
	"sv39os/internal/trapctx"
)

// buildTCB constructs a bare, schedulable TCB without an ELF image — the
// scheduler itself has no dependency on what a task's address space
// actually contains.
func buildTCB(mem *frame.Allocator) *proc.TCB {
	ms := aspace.NewBare(mem)
	pid := proc.AllocPID()
	kernel := aspace.NewBare(mem)
	kstack := proc.NewKernelStack(pid.PID(), kernel)
	tc := trapctx.AppInitContext(0, 0, ms.Token(), uint64(kstack.SP()), 0)
	return proc.NewTCB(pid, kstack, ms, tc)
}

func TestReadyQueueFIFO(t *testing.T) {
	rq := sched.NewReadyQueue()
	require.True(t, rq.IsEmpty())

	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	a := sched.NewTask(buildTCB(mem), func(*sched.Task) {})
	b := sched.NewTask(buildTCB(mem), func(*sched.Task) {})
	rq.Add(a)
	rq.Add(b)
	require.False(t, rq.IsEmpty())

	first, ok := rq.Fetch()
	require.True(t, ok)
	require.Same(t, a, first)

	second, ok := rq.Fetch()
	require.True(t, ok)
	require.Same(t, b, second)

	_, ok = rq.Fetch()
	require.False(t, ok)
}

func TestRunDrivesTaskToExplicitExit(t *testing.T) {
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	rq := sched.NewReadyQueue()
	p := sched.NewProcessor(rq)
	init := buildTCB(mem)
	p.SetInitTask(init)

	tcb := buildTCB(mem)
	var ranToCompletion bool
	task := sched.NewTask(tcb, func(self *sched.Task) {
		p.SuspendCurrentAndRunNext()
		ranToCompletion = true
		p.ExitCurrentAndRunNext(5, init)
	})
	rq.Add(task)

	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor Run did not drain the ready queue")
	}

	require.True(t, ranToCompletion)
	require.Equal(t, proc.StatusZombie, tcb.Status())
}

func TestRunTreatsFallThroughAsSuccessfulExit(t *testing.T) {
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	rq := sched.NewReadyQueue()
	p := sched.NewProcessor(rq)
	init := buildTCB(mem)
	p.SetInitTask(init)

	tcb := buildTCB(mem)
	task := sched.NewTask(tcb, func(self *sched.Task) {
		// returns without calling ExitCurrentAndRunNext itself
	})
	rq.Add(task)

	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor Run did not drain the ready queue")
	}
	require.Equal(t, proc.StatusZombie, tcb.Status())
}

func TestForkPendingReturnIsConsumedOnce(t *testing.T) {
	mem := frame.New(addr.NewPPN(0), addr.NewPPN(8192))
	task := sched.NewTask(buildTCB(mem), func(*sched.Task) {})

	_, ok := task.ConsumeForkReturn()
	require.False(t, ok, "a task with no pending fork return must report ok=false")

	task.SetPendingForkReturn(0)
	v, ok := task.ConsumeForkReturn()
	require.True(t, ok)
	require.EqualValues(t, 0, v)

	_, ok = task.ConsumeForkReturn()
	require.False(t, ok, "a consumed fork return must not be handed out twice")
}
