// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package repeat collapses runs of identical consecutive stack captures.
//
// A Record remembers the last capture seen on a thread together with the
// number of times it has been seen in a row. Native and managed stacks each
// keep their own Record so that the two detectors never influence each other.
package repeat // import "github.com/libtrack/btrace/repeat"

import (
	"github.com/libtrack/btrace/unwind"
)

// Result is the outcome of comparing a capture against the previous one.
type Result struct {
	// Repeat is set when the capture equals the previous one.
	Repeat bool
	// Previous is the repeat count of the run that just ended. It is only
	// meaningful when Repeat is false and is zero for the first capture.
	Previous int
}

// Novel reports whether the capture starts a new run.
func (r Result) Novel() bool {
	return !r.Repeat
}

// EndedRun reports whether a run of more than one identical capture just
// ended, which is when a REPEAT record has to be written.
func (r Result) EndedRun() bool {
	return !r.Repeat && r.Previous > 1
}

// Repeats returns the number of captures of the ended run that were
// suppressed as repeats, which is what a REPEAT record reports.
func (r Result) Repeats() int {
	return max(r.Previous-1, 0)
}

// Record is the last capture seen on a thread. The zero value is an empty
// record that treats any capture, including an empty one, as novel once.
type Record[T comparable] struct {
	depth   int
	count   int
	entries [unwind.MaxFrames]T
}

// Depth returns the number of entries of the remembered capture.
func (r *Record[T]) Depth() int {
	return r.depth
}

// Count returns how many times in a row the remembered capture was seen.
func (r *Record[T]) Count() int {
	return r.count
}

// Entries returns the remembered capture. The slice aliases the record.
func (r *Record[T]) Entries() []T {
	return r.entries[:r.depth]
}

// CompareAndUpdate compares cur with the remembered capture. On a match the
// repeat counter is bumped and the record is left untouched otherwise. On a
// mismatch cur replaces the record and the counter restarts at one. Entries
// beyond unwind.MaxFrames are ignored.
func (r *Record[T]) CompareAndUpdate(cur []T) Result {
	if len(cur) > unwind.MaxFrames {
		cur = cur[:unwind.MaxFrames]
	}

	if r.count > 0 && r.depth == len(cur) && r.same(cur) {
		r.count++
		return Result{Repeat: true}
	}

	previous := r.count
	r.depth = copy(r.entries[:], cur)
	r.count = 1
	return Result{Previous: previous}
}

func (r *Record[T]) same(cur []T) bool {
	for i, e := range cur {
		if r.entries[i] != e {
			return false
		}
	}
	return true
}

// Reset forgets the remembered capture, as done at thread teardown.
func (r *Record[T]) Reset() {
	var zero T
	for i := 0; i < r.depth; i++ {
		r.entries[i] = zero
	}
	r.depth = 0
	r.count = 0
}
