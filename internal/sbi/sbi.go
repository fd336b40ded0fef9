// Package sbi defines the tiny interface this kernel expects from the SBI
// firmware (spec.md §6): console_putchar/console_getchar, set_timer and
// shutdown. Per DESIGN NOTE 9 ("Dynamic dispatch... keep the trait tiny"),
// the interface is minimal and has exactly one production implementation
// here — a host-backed stand-in over an io.Writer/io.Reader pair and the
// host clock (SetTimer is a no-op), the same role
// other_examples' rv64/sbi.go plays for a hosted RISC-V hypervisor. A real
// bare-metal port swaps this for actual `ecall`s into OpenSBI/BBL.
package sbi

import (
	"bufio"
	"io"
	"time"
)

// Firmware is the SBI surface the kernel core depends on.
type Firmware interface {
	// ConsolePutchar writes a single output byte.
	ConsolePutchar(c byte)
	// ConsoleGetchar returns the next input byte, or ok=false if none is
	// currently available (spec.md §6: "0 means no byte").
	ConsoleGetchar() (c byte, ok bool)
	// SetTimer arms the next timer interrupt at the given deadline
	// (measured in the same units as Now).
	SetTimer(deadlineCycles uint64)
	// Now returns the current cycle count.
	Now() uint64
	// Shutdown powers the machine off. failure indicates an abnormal
	// shutdown request.
	Shutdown(failure bool)
}

// Host is a Firmware implementation backed by ordinary host I/O: an
// io.Writer for console output, a buffered io.Reader for console input
// (non-blocking: ConsoleGetchar never blocks, returning ok=false when no
// byte is buffered yet — matching spec.md §5's "if no character is
// available, the task yields and is retried"), and a monotonic clock
// standing in for the CPU cycle counter.
type Host struct {
	out      io.Writer
	in       *bufio.Reader
	pending  chan byte
	start    time.Time
	shutdown chan bool
}

// NewHost builds a Host firmware over the given console streams.
func NewHost(out io.Writer, in io.Reader) *Host {
	h := &Host{
		out:      out,
		in:       bufio.NewReader(in),
		pending:  make(chan byte, 4096),
		start:    time.Now(),
		shutdown: make(chan bool, 1),
	}
	go h.pump()
	return h
}

func (h *Host) pump() {
	for {
		b, err := h.in.ReadByte()
		if err != nil {
			return
		}
		h.pending <- b
	}
}

func (h *Host) ConsolePutchar(c byte) { _, _ = h.out.Write([]byte{c}) }

func (h *Host) ConsoleGetchar() (byte, bool) {
	select {
	case b := <-h.pending:
		return b, true
	default:
		return 0, false
	}
}

// SetTimer is a no-op on the host: cooperative yield already drives
// rescheduling, and no real timer interrupt exists off bare metal.
func (h *Host) SetTimer(uint64) {}

// Now returns elapsed nanoseconds since the Host was created, standing in
// for a cycle counter.
func (h *Host) Now() uint64 { return uint64(time.Since(h.start).Nanoseconds()) }

// Shutdown records the shutdown request for a later ShutdownRequested
// call to report.
func (h *Host) Shutdown(failure bool) {
	select {
	case h.shutdown <- failure:
	default:
	}
}

// ShutdownRequested reports whether Shutdown has been called, and with
// what failure flag.
func (h *Host) ShutdownRequested() (requested, failure bool) {
	select {
	case f := <-h.shutdown:
		return true, f
	default:
		return false, false
	}
}
