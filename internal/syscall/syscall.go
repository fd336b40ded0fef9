// Package syscall implements the fixed-integer syscall dispatch table
// routed from the trap handler (spec.md §4.4, §6 "Syscall numbers and
// contracts"). Grounded on
// original_source/os/src/syscall/{mod,fs,process,mm}.rs.
package syscall

import (
	"time"

	"github.com/sirupsen/logrus"

	"sv39os/internal/addr"
	"sv39os/internal/aspace"
	"sv39os/internal/config"
	"sv39os/internal/proc"
	"sv39os/internal/sbi"
	"sv39os/internal/sched"
	"sv39os/internal/userbuf"
)

// vaOf narrows a raw 64-bit user-supplied address into the VA newtype.
func vaOf(v uint64) addr.VA { return addr.VA(v) }

// Dispatcher holds every singleton a syscall handler needs to reach:
// the frame allocator (for user-buffer translation), the firmware
// console, the processor/ready-queue pair, the kernel bundle used to
// rebuild address spaces on fork/exec, the init task for reparenting,
// and a loader that resolves a cmdline to an ELF image (exec).
type Dispatcher struct {
	Kernel    *proc.Kernel
	Firmware  sbi.Firmware
	Processor *sched.Processor
	ReadyQ    *sched.ReadyQueue
	InitTask  *proc.TCB
	Loader    func(name string) ([]byte, bool)
}

// Dispatch routes one trapped syscall to its handler (spec.md §6's
// table). num/a0/a1/a2 come from trapctx.TrapContext.SyscallArgs.
func (d *Dispatcher) Dispatch(t *sched.Task, num, a0, a1, a2 uint64) int64 {
	switch num {
	case config.SysWrite:
		return d.sysWrite(t, int(a0), a1, int(a2))
	case config.SysRead:
		return d.sysRead(t, int(a0), a1, int(a2))
	case config.SysExit:
		d.sysExit(t, int32(a0))
		return 0 // unreachable: sysExit never returns
	case config.SysYield:
		d.Processor.SuspendCurrentAndRunNext()
		return 0
	case config.SysGetTime:
		return d.sysGetTime(t, a0)
	case config.SysGetPID:
		return int64(t.TCB.Pid.PID())
	case config.SysMunmap:
		return d.sysMunmap(t, a0, int(a1))
	case config.SysMmap:
		return d.sysMmap(t, a0, int(a1), int(a2))
	case config.SysFork:
		return d.sysFork(t)
	case config.SysExec:
		return d.sysExec(t, a0)
	case config.SysWaitpid:
		return d.sysWaitpid(t, int(a0), a1)
	case config.SysSbrk:
		return d.sysSbrk(t, int(a0))
	default:
		panic("syscall: unknown syscall number")
	}
}

// sysWrite: fd=1 copies buf out to the console; any other fd is fatal
// (spec.md §6: "other fds: fatal").
func (d *Dispatcher) sysWrite(t *sched.Task, fd int, bufPtr uint64, length int) int64 {
	if fd != 1 {
		panic("syscall: write to unsupported fd")
	}
	data := userbuf.CopyFromUser(d.Kernel.Mem, t.TCB.Satp(), bufPtr, length)
	for _, b := range data {
		d.Firmware.ConsolePutchar(b)
	}
	return int64(length)
}

// sysRead: only fd=0, len=1 is supported — block (by cooperative
// yielding) until a character is available (spec.md §6, §5 "Suspension
// points").
func (d *Dispatcher) sysRead(t *sched.Task, fd int, bufPtr uint64, length int) int64 {
	if fd != 0 || length != 1 {
		return -1
	}
	for {
		c, ok := d.Firmware.ConsoleGetchar()
		if ok {
			userbuf.CopyToUser(d.Kernel.Mem, t.TCB.Satp(), []byte{c}, bufPtr)
			return 1
		}
		d.Processor.SuspendCurrentAndRunNext()
	}
}

func (d *Dispatcher) sysExit(t *sched.Task, code int32) {
	logrus.WithFields(logrus.Fields{"pid": t.TCB.Pid.PID(), "code": code}).Debug("syscall: exit")
	d.Processor.ExitCurrentAndRunNext(code, d.InitTask)
}

// timeVal mirrors the two-field struct get_time writes into user memory
// (spec.md §6: "writes seconds/microseconds via user-space copy").
type timeVal struct {
	Sec  int64
	Usec int64
}

func (d *Dispatcher) sysGetTime(t *sched.Task, tvPtr uint64) int64 {
	now := time.Now()
	tv := timeVal{Sec: now.Unix(), Usec: int64(now.Nanosecond() / 1000)}
	buf := make([]byte, 16)
	putLE64(buf[0:], uint64(tv.Sec))
	putLE64(buf[8:], uint64(tv.Usec))
	userbuf.CopyToUser(d.Kernel.Mem, t.TCB.Satp(), buf, tvPtr)
	return 0
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (d *Dispatcher) sysMmap(t *sched.Task, start uint64, length, prot int) int64 {
	if prot&^0x7 != 0 || prot&0x7 == 0 {
		return -1
	}
	var perm aspace.Perm = aspace.PermU
	if prot&0x1 != 0 {
		perm |= aspace.PermR
	}
	if prot&0x2 != 0 {
		perm |= aspace.PermW
	}
	if prot&0x4 != 0 {
		perm |= aspace.PermX
	}
	var ok bool
	t.TCB.Access(func(in *proc.Inner) { ok = in.MemSet.Mmap(vaOf(start), length, perm) })
	if !ok {
		return -1
	}
	return 0
}

func (d *Dispatcher) sysMunmap(t *sched.Task, start uint64, length int) int64 {
	var ok bool
	t.TCB.Access(func(in *proc.Inner) { ok = in.MemSet.Munmap(vaOf(start), length) })
	if !ok {
		return -1
	}
	return 0
}

// sysFork implements fork()'s "returns twice" contract on top of plain
// goroutines: the parent gets the child's pid back from this call, and
// the child — a fresh goroutine running the very same body function —
// gets 0 back from the first fork call it reaches, via a one-shot
// synthetic return recorded on its Task (sched.Task.pendingForkReturn).
// A task that is itself such a child short-circuits here instead of
// forking again.
func (d *Dispatcher) sysFork(t *sched.Task) int64 {
	if v, ok := t.ConsumeForkReturn(); ok {
		return v
	}
	child := proc.Fork(d.Kernel, t.TCB)
	childTask := sched.NewTask(child, t.Body())
	childTask.SetPendingForkReturn(0)
	d.ReadyQ.Add(childTask)
	return int64(child.Pid.PID())
}

func (d *Dispatcher) sysExec(t *sched.Task, pathPtr uint64) int64 {
	name := userbuf.TranslateStr(d.Kernel.Mem, t.TCB.Satp(), pathPtr)
	image, ok := d.Loader(name)
	if !ok {
		return -1
	}
	if !proc.Exec(d.Kernel, t.TCB, name, image) {
		return -1
	}
	return 0
}

func (d *Dispatcher) sysWaitpid(t *sched.Task, pid int, exitCodePtr uint64) int64 {
	childPID, code, status := proc.Waitpid(t.TCB, pid)
	if status != 0 {
		return int64(status)
	}
	if exitCodePtr != 0 {
		buf := make([]byte, 4)
		putLE32(buf, uint32(code))
		userbuf.CopyToUser(d.Kernel.Mem, t.TCB.Satp(), buf, exitCodePtr)
	}
	return int64(childPID)
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (d *Dispatcher) sysSbrk(t *sched.Task, increment int) int64 {
	oldBrk, ok := t.TCB.Sbrk(increment)
	if !ok {
		return -1
	}
	return int64(oldBrk)
}
