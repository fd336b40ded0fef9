// Package proc implements PID allocation, the kernel-stack reservation
// within the kernel address space, and the process/task control block
// with fork/exec/waitpid semantics (spec.md §3 "PID handle", "Task
// control block", §4.5). Grounded on
// original_source/os/src/task/{pid,task,manager}.rs.
package proc

import (
	"fmt"

	"sv39os/internal/addr"
	"sv39os/internal/aspace"
	"sv39os/internal/config"
	"sv39os/internal/excl"
)

// pidAllocator is a bump-plus-LIFO-recycle pool over small integers
// (spec.md §3 "PID handle"), the same shape as frame.Allocator.
type pidAllocator struct {
	current  int
	recycled []int
}

func (p *pidAllocator) alloc() int {
	if n := len(p.recycled); n > 0 {
		pid := p.recycled[n-1]
		p.recycled = p.recycled[:n-1]
		return pid
	}
	pid := p.current
	p.current++
	return pid
}

func (p *pidAllocator) dealloc(pid int) {
	if pid >= p.current {
		panic(fmt.Sprintf("proc: dealloc of never-allocated pid %d", pid))
	}
	for _, r := range p.recycled {
		if r == pid {
			panic(fmt.Sprintf("proc: pid %d has been deallocated already", pid))
		}
	}
	p.recycled = append(p.recycled, pid)
}

var pidPool = excl.New(pidAllocator{})

// Handle is an owning handle over one allocated PID; Release returns the
// PID to the pool and must be called exactly once.
type Handle struct {
	pid      int
	released bool
}

// AllocPID draws a fresh PID from the global pool.
func AllocPID() *Handle {
	pid := excl.Access(pidPool, func(p *pidAllocator) int { return p.alloc() })
	return &Handle{pid: pid}
}

// PID returns the underlying integer.
func (h *Handle) PID() int { return h.pid }

// Release returns the PID to the pool; panics on double-release.
func (h *Handle) Release() {
	if h.released {
		panic(fmt.Sprintf("proc: pid %d released twice", h.pid))
	}
	h.released = true
	excl.AccessVoid(pidPool, func(p *pidAllocator) { p.dealloc(h.pid) })
}

// kernelStackPosition returns the (bottom, top) VAs reserved for pid's
// kernel stack inside the kernel address space, each stack separated from
// its neighbors by one unmapped guard page, counting down from the
// trampoline (original_source/os/src/config.rs: kernel_stack_position).
func kernelStackPosition(pid int) (bottom, top addr.VA) {
	top = addr.VA(config.Trampoline - uint64(pid)*(config.KernelStackSize+uint64(config.PgSize)))
	bottom = addr.VA(uint64(top) - config.KernelStackSize)
	return bottom, top
}

// KernelStack reserves pid's kernel-stack slot as a Framed area in the
// kernel memory set (spec.md §3 "kernel-stack handle"); dropping it
// removes the mapping.
type KernelStack struct {
	pid    int
	kernel *aspace.MemorySet
}

// NewKernelStack maps pid's kernel stack into kernel, returning an owning
// handle.
func NewKernelStack(pid int, kernel *aspace.MemorySet) *KernelStack {
	bottom, top := kernelStackPosition(pid)
	area := aspace.NewArea(bottom.Floor(), top.Ceil(), aspace.Framed, aspace.PermR|aspace.PermW)
	kernel.Push(area, nil)
	return &KernelStack{pid: pid, kernel: kernel}
}

// SP returns the stack's top VA, the initial kernel stack pointer.
func (k *KernelStack) SP() addr.VA {
	_, top := kernelStackPosition(k.pid)
	return top
}

// Drop unmaps the kernel-stack area.
func (k *KernelStack) Drop() {
	bottom, _ := kernelStackPosition(k.pid)
	k.kernel.ShrinkTo(bottom, bottom)
}
