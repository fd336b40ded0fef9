// Package sched implements the ready queue and the single-CPU "processor"
// idle loop (spec.md §4.5 "Scheduler & task lifecycle"). Context switch
// (`__switch`) has no assembly counterpart in a hosted Go program; here
// each task is its own goroutine, parked on a channel while not running,
// and the idle loop hands control to exactly one task goroutine at a time
// by signalling its resume channel and blocking on its parked channel —
// the same "only one runs, the rest wait" discipline `__switch` enforces,
// expressed with Go's own concurrency primitives instead of saved
// registers. Grounded on original_source/os/src/task/{manager,processor}.rs.
package sched

import (
	"sv39os/internal/excl"
	"sv39os/internal/proc"
)

// Task is a schedulable unit: a TCB plus the goroutine plumbing used to
// hand control to and take it back from its body.
//
// Fork deserves a note: a real `fork()` duplicates the entire calling
// stack and resumes both parent and child at the same instruction,
// distinguished only by the return value. A Go goroutine cannot be
// duplicated mid-stack, so a forked child instead starts its body
// function fresh from the top — the same function value the parent is
// running, matching real fork's "same code runs in both" shape as long
// as that body branches on the fork call's return value before doing
// anything stateful. pendingForkReturn lets the child's very next call
// into the fork syscall short-circuit straight to the synthetic "I am
// the child" return of 0, rather than actually forking again.
type Task struct {
	TCB               *proc.TCB
	body              func(*Task)
	resume            chan struct{}
	parked            chan struct{}
	started           bool
	pendingForkReturn *int64
}

// NewTask wraps tcb with body, the function standing in for "the user
// program this task runs" (spec.md §1: user programs are an external
// collaborator, out of scope — body is the hook a caller supplies to
// drive a task's execution through syscalls).
func NewTask(tcb *proc.TCB, body func(*Task)) *Task {
	return &Task{
		TCB:    tcb,
		body:   body,
		resume: make(chan struct{}),
		parked: make(chan struct{}, 1),
	}
}

// Body returns the function driving this task's execution, so a forked
// child can be handed the same program its parent runs.
func (t *Task) Body() func(*Task) { return t.body }

// SetPendingForkReturn arranges for this task's next fork call to return
// v immediately instead of performing a real fork.
func (t *Task) SetPendingForkReturn(v int64) { t.pendingForkReturn = &v }

// ConsumeForkReturn reports and clears a pending synthetic fork return,
// if one is set.
func (t *Task) ConsumeForkReturn() (int64, bool) {
	if t.pendingForkReturn == nil {
		return 0, false
	}
	v := *t.pendingForkReturn
	t.pendingForkReturn = nil
	return v, true
}

// Yield hands control back to the idle loop and blocks until the
// scheduler resumes this task — the task-goroutine side of `__switch`
// (spec.md §4.5: "A task's running stretch ends only by calling into
// schedule").
func (t *Task) Yield() {
	t.parked <- struct{}{}
	<-t.resume
}

type readyQueue struct {
	q []*Task
}

// ReadyQueue is the global ready FIFO of task handles (spec.md §3, §4.5).
// Grounded on original_source/os/src/task/manager.rs (TaskManager:
// add_task/fetch/is_empty).
type ReadyQueue struct {
	cell *excl.Cell[readyQueue]
}

// NewReadyQueue returns an empty ready queue.
func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{cell: excl.New(readyQueue{})}
}

// Add enqueues t at the back of the ready FIFO.
func (rq *ReadyQueue) Add(t *Task) {
	excl.AccessVoid(rq.cell, func(r *readyQueue) { r.q = append(r.q, t) })
}

// Fetch pops the front of the ready FIFO, or ok=false if empty.
func (rq *ReadyQueue) Fetch() (t *Task, ok bool) {
	excl.AccessVoid(rq.cell, func(r *readyQueue) {
		if len(r.q) == 0 {
			return
		}
		t = r.q[0]
		r.q = r.q[1:]
		ok = true
	})
	return
}

// IsEmpty reports whether the ready FIFO currently holds no tasks.
func (rq *ReadyQueue) IsEmpty() (empty bool) {
	excl.AccessVoid(rq.cell, func(r *readyQueue) { empty = len(r.q) == 0 })
	return
}

// processorState holds the currently-running task, if any.
type processorState struct {
	current *Task
}

// Processor is the per-CPU scheduling state: the currently-running task
// and the idle loop driving the ready queue (spec.md §4.5 "A per-CPU
// 'processor'"). This kernel is single-CPU, so there is exactly one.
type Processor struct {
	cell *excl.Cell[processorState]
	rq   *ReadyQueue
	init *proc.TCB
}

// NewProcessor builds a processor bound to rq.
func NewProcessor(rq *ReadyQueue) *Processor {
	return &Processor{cell: excl.New(processorState{}), rq: rq}
}

// SetInitTask records the process every orphaned child is reparented to
// on its original parent's exit (spec.md §4.5 "reparents all children to
// the init process"). Must be called once before Run.
func (p *Processor) SetInitTask(init *proc.TCB) { p.init = init }

// Current returns the task currently running on this processor, or nil
// if the idle loop itself is running.
func (p *Processor) Current() (t *Task) {
	excl.AccessVoid(p.cell, func(s *processorState) { t = s.current })
	return
}

func (p *Processor) setCurrent(t *Task) {
	excl.AccessVoid(p.cell, func(s *processorState) { s.current = t })
}

// Run is the idle loop (spec.md §4.5):
//
//	loop:
//	  if ready-queue empty: shutdown
//	  pop a task; mark Running; switch idle -> task
//
// It returns once the ready queue is empty and stays empty across one
// Fetch attempt — the spec's "shutdown" condition.
func (p *Processor) Run() {
	for {
		task, ok := p.rq.Fetch()
		if !ok {
			return
		}
		task.TCB.SetStatus(proc.StatusRunning)
		p.setCurrent(task)

		if !task.started {
			task.started = true
			go func() {
				task.body(task)
				// body returned without calling ExitCurrentAndRunNext
				// itself: treat falling off the end as an implicit
				// successful exit.
				p.ExitCurrentAndRunNext(0, p.init)
			}()
		} else {
			task.resume <- struct{}{}
		}
		<-task.parked
		p.setCurrent(nil)
	}
}

// SuspendCurrentAndRunNext marks the current task Ready, re-enqueues it,
// then yields back to the idle loop (spec.md §4.5
// "suspend_current_and_run_next"). Must be called from inside the
// running task's own body.
func (p *Processor) SuspendCurrentAndRunNext() {
	task := p.Current()
	if task == nil {
		panic("sched: SuspendCurrentAndRunNext called with no current task")
	}
	task.TCB.SetStatus(proc.StatusReady)
	p.rq.Add(task)
	task.Yield()
}

// ExitCurrentAndRunNext zombifies the current task with exitCode,
// reparenting its children to initTask, then yields permanently — the
// task body is expected to return immediately after this call (spec.md
// §4.5 "exit_current_and_run_next": "schedules with a throwaway context
// (never returns)").
func (p *Processor) ExitCurrentAndRunNext(exitCode int32, initTask *proc.TCB) {
	task := p.Current()
	if task == nil {
		panic("sched: ExitCurrentAndRunNext called with no current task")
	}
	task.TCB.ExitAndReap(exitCode, initTask)
	task.parked <- struct{}{}
	select {} // this task goroutine never runs again
}
