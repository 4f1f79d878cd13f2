// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwind walks the calling thread's native stack into a bounded,
// fixed-size StackCapture.
//
// Two host primitives are supported. A Backtracer fills a flat address array
// in one call and is used as is. A Walker visits one frame at a time; the
// visitor in this package then drops the engine's own entry frames, collapses
// runs of recursive frames and fixes up ARM return addresses so that each
// recorded PC points at the call instruction.
package unwind // import "github.com/libtrack/btrace/unwind"

import (
	"errors"

	"github.com/libtrack/btrace/libpf"
)

const (
	// MaxFrames bounds the number of frames of every native and managed capture.
	MaxFrames = 32

	// FramesToSkip is the number of leading frames produced by the tracer's
	// own entry path when the stack is walked frame by frame.
	FramesToSkip = 2

	// MaxRecursiveDepth is the number of consecutive identical frames that
	// are collapsed before the walk is given up.
	MaxRecursiveDepth = 16
)

// TruncatedPC marks the last frame of a walk that was abandoned because of
// unbounded recursion.
const TruncatedPC = ^libpf.Address(0)

// ErrUnavailable is returned when the host offers no unwind primitive.
var ErrUnavailable = errors.New("no stack unwind primitive available")

// Arch selects architecture specific return address handling.
type Arch int

const (
	// ArchGeneric records instruction pointers unmodified.
	ArchGeneric Arch = iota
	// ArchARM rewinds return addresses to the branch instruction. The Thumb
	// state is carried in the least significant bit of the IP.
	ArchARM
)

// Frame is a single native stack entry.
type Frame struct {
	PC libpf.Address
	SP libpf.Address
	// LR and Regs are only filled when verbose frame information is requested
	// and the cursor can provide registers.
	LR   libpf.Address
	Regs [4]uint64
}

// StackCapture is a full native stack snapshot. It is a value type meant to
// live on the caller's stack, so capturing never allocates.
type StackCapture struct {
	Frames [MaxFrames]Frame
	Count  int

	// Recursion counts the identical frames collapsed since the last
	// distinct frame.
	Recursion int
	// Skipped counts the leading engine frames dropped so far.
	Skipped int
}

// Reset clears the capture for reuse.
func (s *StackCapture) Reset() {
	*s = StackCapture{}
}

// PC returns the program counter of frame i.
func (s *StackCapture) PC(i int) libpf.Address {
	return s.Frames[i].PC
}

// PCs appends the program counters of all recorded frames to dst.
func (s *StackCapture) PCs(dst []libpf.Address) []libpf.Address {
	for i := 0; i < s.Count; i++ {
		dst = append(dst, s.Frames[i].PC)
	}
	return dst
}

// Last returns the last recorded frame or nil for an empty capture.
func (s *StackCapture) Last() *Frame {
	if s.Count == 0 {
		return nil
	}
	return &s.Frames[s.Count-1]
}

// Truncated reports whether the walk was cut short by the recursion guard.
func (s *StackCapture) Truncated() bool {
	return s.Count > 0 && s.Frames[s.Count-1].PC == TruncatedPC
}
