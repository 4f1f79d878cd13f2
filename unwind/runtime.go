// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwind // import "github.com/libtrack/btrace/unwind"

import (
	"runtime"
)

// RuntimeBacktracer is a Backtracer backed by runtime.Callers. It is the
// primitive used when the traced code is Go itself.
type RuntimeBacktracer struct {
	// Skip is passed to runtime.Callers. Zero selects a default that drops
	// runtime.Callers and the Backtrace method.
	Skip int
}

// Compile time check that RuntimeBacktracer satisfies the interface.
var _ Backtracer = RuntimeBacktracer{}

func (rb RuntimeBacktracer) Backtrace(pcs []uintptr) int {
	skip := rb.Skip
	if skip == 0 {
		skip = 2
	}
	return runtime.Callers(skip, pcs)
}

// RuntimeWalker walks the Go stack one frame at a time. Stack pointers are not
// exposed by the Go runtime, so its cursors report zero.
type RuntimeWalker struct {
	Skip int
}

var _ Walker = RuntimeWalker{}

type pcCursor uintptr

func (c pcCursor) IP() uintptr { return uintptr(c) }
func (pcCursor) SP() uintptr   { return 0 }

func (rw RuntimeWalker) Walk(visit func(Cursor) Reason) error {
	skip := rw.Skip
	if skip == 0 {
		skip = 2
	}
	// The visitor drops FramesToSkip frames on its own, so fetch enough to
	// still fill a complete capture.
	var pcs [MaxFrames + FramesToSkip + MaxRecursiveDepth]uintptr
	n := runtime.Callers(skip, pcs[:])
	for _, pc := range pcs[:n] {
		if visit(pcCursor(pc)) == EndOfStack {
			break
		}
	}
	return nil
}
