// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "github.com/libtrack/btrace/unwind"

import (
	"github.com/libtrack/btrace/libpf"
)

// Backtracer is a flat unwind primitive: it stores the return addresses of
// the current call stack into pcs, most recent call first, and returns how
// many entries were written.
type Backtracer interface {
	Backtrace(pcs []uintptr) int
}

// Cursor exposes one frame while a Walker visits the stack.
type Cursor interface {
	// IP returns the instruction pointer of the frame.
	IP() uintptr
	// SP returns the stack pointer of the frame, or zero if unknown.
	SP() uintptr
}

// RegisterCursor is implemented by cursors that can report the link register
// and the first argument registers.
type RegisterCursor interface {
	Cursor
	LR() uintptr
	Reg(n int) uint64
}

// Reason tells a Walker whether to continue.
type Reason int

const (
	Continue Reason = iota
	EndOfStack
)

// Walker is a callback driven unwind primitive. It must call visit once per
// frame, most recent call first, and stop as soon as visit returns
// EndOfStack.
type Walker interface {
	Walk(visit func(Cursor) Reason) error
}

// Unwinder captures native stacks with whichever primitive is configured.
// A Backtracer takes precedence over a Walker.
type Unwinder struct {
	Backtracer Backtracer
	Walker     Walker
	Arch       Arch
	// Verbose records LR and argument registers for cursors that provide them.
	Verbose bool
}

// Available reports whether any primitive is configured.
func (u *Unwinder) Available() bool {
	return u != nil && (u.Backtracer != nil || u.Walker != nil)
}

// Flat reports whether captures go through the flat Backtracer. Flat captures
// carry no stack pointers.
func (u *Unwinder) Flat() bool {
	return u != nil && u.Backtracer != nil
}

// Capture fills out with the current native stack.
func (u *Unwinder) Capture(out *StackCapture) error {
	out.Reset()
	switch {
	case u.Flat():
		var pcs [MaxFrames]uintptr
		n := u.Backtracer.Backtrace(pcs[:])
		n = min(max(n, 0), MaxFrames)
		for i := 0; i < n; i++ {
			out.Frames[i].PC = libpf.Address(pcs[i])
		}
		out.Count = n
		return nil
	case u.Available():
		return u.Walker.Walk(func(c Cursor) Reason {
			return out.visit(c, u.Arch, u.Verbose)
		})
	default:
		return ErrUnavailable
	}
}

// visit records one walked frame. It is the Go rendition of an
// _Unwind_Backtrace trace function.
func (s *StackCapture) visit(c Cursor, arch Arch, verbose bool) Reason {
	ip := c.IP()

	if ip != 0 && s.Skipped < FramesToSkip {
		s.Skipped++
		return Continue
	}
	if s.Count >= MaxFrames {
		return EndOfStack
	}

	frame := &s.Frames[s.Count]

	if arch == ArchARM {
		ip = adjustARM(ip)
	}
	if verbose {
		if rc, ok := c.(RegisterCursor); ok {
			frame.LR = libpf.Address(rc.LR())
			for i := range frame.Regs {
				frame.Regs[i] = rc.Reg(i)
			}
		}
	}
	frame.SP = libpf.Address(c.SP())

	if s.Count > 0 && s.Frames[s.Count-1].PC == libpf.Address(ip) {
		s.Recursion++
		if s.Recursion > MaxRecursiveDepth {
			frame.PC = TruncatedPC
			s.Count++
			return EndOfStack
		}
		// Collapse the recursive call; the slot is reused by the next frame.
		*frame = Frame{}
		return Continue
	}

	frame.PC = libpf.Address(ip)
	s.Recursion = 0
	s.Count++

	if s.Count >= MaxFrames {
		return EndOfStack
	}
	return Continue
}

// adjustARM turns a return address into the address of the branch. A set
// Thumb bit means a 2 byte BLX, otherwise the branch is 4 bytes long.
func adjustARM(ip uintptr) uintptr {
	if ip&1 != 0 {
		return (ip &^ 1) - 2
	}
	return ip - 4
}
