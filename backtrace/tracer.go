// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package backtrace turns intercepted calls into trace records.
//
// A Tracer holds what is shared by the whole process: the unwinder, the
// symbolizer, the managed runtime bridge and the sink factory. Each traced
// thread owns a Thread with its record buffer, line cache and repeat state.
// A Thread is set up lazily on its first call and torn down with Close.
package backtrace // import "github.com/libtrack/btrace/backtrace"

import (
	"errors"

	"github.com/jacobsa/timeutil"
	log "github.com/sirupsen/logrus"

	"github.com/libtrack/btrace/libpf"
	"github.com/libtrack/btrace/managed"
	"github.com/libtrack/btrace/sink"
	"github.com/libtrack/btrace/symbolizer"
	"github.com/libtrack/btrace/unwind"
)

// WrapperStackSize is the stack used by the interception wrapper below the
// stack pointer recorded at interception. It is added to the stack usage
// reported in STACKMEM records.
const WrapperStackSize = 256

// Call describes one intercepted call.
type Call struct {
	// Symbol is the name of the intercepted function.
	Symbol string
	// Args are the raw argument words, if the harness provides them.
	Args []uintptr
	// SP is the stack pointer at interception, zero if unknown.
	SP libpf.Address
}

// SymbolRewriter may rename the intercepted symbol based on the call
// arguments, e.g. "read" to "read_N" for a read from a socket.
type SymbolRewriter func(call *Call) string

// Options configure a Tracer.
type Options struct {
	// Unwinder captures native stacks. Without an available primitive every
	// call is logged as a plain CALL record.
	Unwinder *unwind.Unwinder
	// Symbolizer resolves native frames.
	Symbolizer symbolizer.Symbolizer
	// Bridge correlates native with managed stacks. Optional.
	Bridge *managed.Bridge
	// Rewriter renames the intercepted symbol. Optional.
	Rewriter SymbolRewriter
	// Open creates the sink of a thread.
	Open sink.Factory
	// Clock stamps the records, the real clock if nil.
	Clock timeutil.Clock

	// StackMem writes a STACKMEM record after each unwound trace.
	StackMem bool
	// CacheStats writes line cache statistics every CacheStatsInterval
	// lookups.
	CacheStats bool
	// AggressiveFlush flushes the sink after every record.
	AggressiveFlush bool
}

// CacheStatsInterval is the number of line cache lookups between two
// CACHE_STATS records.
const CacheStatsInterval = 1024

// Tracer is shared by all threads of a process.
type Tracer struct {
	opts Options
}

// ErrNoSink is returned by New when Options.Open is missing.
var ErrNoSink = errors.New("no sink factory configured")

// New returns a Tracer for opts.
func New(opts Options) (*Tracer, error) {
	if opts.Open == nil {
		return nil, ErrNoSink
	}
	if opts.Symbolizer == nil {
		opts.Symbolizer = symbolizer.NewTable(nil)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock()
	}
	if !opts.Unwinder.Available() {
		log.Warnf("No stack unwinder available, calls are logged without stacks")
	}
	return &Tracer{opts: opts}, nil
}

// NewThread returns the trace state of thread tid. Nothing is allocated
// until the first call is traced.
func (tr *Tracer) NewThread(tid int) *Thread {
	return &Thread{
		tracer: tr,
		tid:    tid,
		main:   IsMainThread(tid),
	}
}

// MustInitBridge initializes b for rt. A runtime library lacking one of the
// required entry points terminates the process, every other failure leaves
// the bridge disabled.
func MustInitBridge(b *managed.Bridge, rt managed.Runtime, res managed.Resolver) bool {
	err := b.Init(rt, res)
	if err == nil {
		return true
	}
	var fatal *managed.FatalError
	if errors.As(err, &fatal) {
		log.Fatalf("Managed runtime unusable: %v", fatal)
	}
	log.Warnf("Managed stacks disabled: %v", err)
	return false
}
