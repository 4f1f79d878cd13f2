// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package backtrace // import "github.com/libtrack/btrace/backtrace"

import (
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/libtrack/btrace/libpf"
	"github.com/libtrack/btrace/linecache"
	"github.com/libtrack/btrace/logbuf"
	"github.com/libtrack/btrace/managed"
	"github.com/libtrack/btrace/metrics"
	"github.com/libtrack/btrace/repeat"
	"github.com/libtrack/btrace/sink"
	"github.com/libtrack/btrace/tls"
	"github.com/libtrack/btrace/unwind"
)

// Thread is the trace state of one thread. Its methods other than ID, Active
// and Retired must only be called by the owning thread.
type Thread struct {
	tracer *Tracer
	tid    int
	main   bool

	// settingUp guards against tracing calls made by the setup itself.
	settingUp bool
	// disabled is set when setup failed.
	disabled bool

	// active mirrors buf != nil for readers on other threads.
	active atomic.Bool
	// retired is set once the thread left its Registry. A retired thread is
	// torn down on its next use and never set up again.
	retired atomic.Bool

	sink  sink.Sink
	buf   *logbuf.Writer
	cache *linecache.Cache
	last  repeat.Record[libpf.Address]
	slots tls.Slots

	symbol string

	// Scratch space reused by every capture.
	native  unwind.StackCapture
	managed managed.StackCapture
	pcs     [unwind.MaxFrames]libpf.Address
	line    []byte
	rec     []byte

	// stats accumulates the counters of all setups of the thread, seen holds
	// the raw cache and buffer counters of the current one.
	stats     [metrics.IDMax]metrics.MetricValue
	seen      [metrics.IDMax]metrics.MetricValue
	published [metrics.IDMax]metrics.MetricValue
	flushes   uint64
}

// ID returns the thread ID the state was created for.
func (t *Thread) ID() int {
	return t.tid
}

// Active reports whether the thread currently holds a buffer and a sink.
func (t *Thread) Active() bool {
	return t.active.Load()
}

// Retired reports whether the thread was evicted from its Registry.
func (t *Thread) Retired() bool {
	return t.retired.Load()
}

// retire marks the thread as evicted. Its resources stay in place until the
// owning thread or the Registry tears it down.
func (t *Thread) retire() {
	t.retired.Store(true)
}

// setup allocates the buffer, the cache and the sink on first use. It reports
// whether the thread can be traced.
func (t *Thread) setup() bool {
	if t.buf != nil {
		return true
	}
	if t.disabled || t.settingUp || t.Retired() {
		return false
	}
	t.settingUp = true
	defer func() { t.settingUp = false }()

	s, err := t.tracer.opts.Open(t.tid)
	if err != nil {
		log.Warnf("Tracing disabled for thread %d: %v", t.tid, err)
		t.disabled = true
		return false
	}
	t.sink = s
	t.buf = logbuf.New(s, t.tracer.opts.Clock, t.main)
	t.buf.Aggressive = t.tracer.opts.AggressiveFlush
	t.cache = linecache.Acquire(t.main)
	if t.line == nil {
		t.line = make([]byte, 0, linecache.MaxLineLen)
		t.rec = make([]byte, 0, 2*linecache.MaxLineLen)
	}
	t.flushes = 0
	clear(t.seen[:])
	t.active.Store(true)
	return true
}

// Close flushes all pending records and releases the thread's resources. A
// later Trace sets the thread up again unless it was retired.
func (t *Thread) Close() {
	if t.buf == nil {
		return
	}
	t.buf.Close()
	t.publish()

	if err := t.sink.Close(); err != nil && !errors.Is(err, sink.ErrClosed) {
		log.Warnf("Failed to close trace log of thread %d: %v", t.tid, err)
	}
	t.sink = nil
	t.buf = nil
	t.active.Store(false)

	linecache.Release(t.cache)
	t.cache = nil
	t.last.Reset()
	managed.ReleaseThread(&t.slots)
	t.slots.Clear()
}

// Flush writes all buffered records to the sink.
func (t *Thread) Flush() {
	if t.buf == nil {
		return
	}
	t.buf.Flush()
	if err := t.sink.Flush(); err != nil {
		log.Debugf("Failed to flush trace log of thread %d: %v", t.tid, err)
	}
	t.publish()
}

// Trace writes the records of one intercepted call. A retired thread is torn
// down instead and the call is not traced.
func (t *Thread) Trace(call Call) {
	if t.Retired() {
		t.Close()
		return
	}
	if !t.setup() {
		return
	}

	opts := &t.tracer.opts
	if opts.Rewriter != nil {
		if sym := opts.Rewriter(&call); sym != "" {
			call.Symbol = sym
		}
	}
	t.symbol = call.Symbol
	t.buf.Stamp()

	u := opts.Unwinder
	switch {
	case u.Flat():
		t.flatBacktrace()
	case u.Available():
		t.unwindBacktrace(call.SP)
	default:
		t.bump(metrics.IDUnwindUnavailable, 1)
		t.buf.WriteDirect("CALL", call.Symbol)
	}

	if t.buf.Flushes != t.flushes {
		t.flushes = t.buf.Flushes
		t.publish()
	}
}

// flatBacktrace captures through the flat primitive. Such stacks carry no
// stack pointers, so there is neither repeat detection nor STACKMEM.
func (t *Thread) flatBacktrace() {
	if err := t.tracer.opts.Unwinder.Capture(&t.native); err != nil {
		log.Debugf("Backtrace failed: %v", err)
		return
	}
	t.bump(metrics.IDNativeTraces, 1)
	t.writeNative()
}

func (t *Thread) unwindBacktrace(sp libpf.Address) {
	err := t.tracer.opts.Unwinder.Capture(&t.native)
	if err != nil {
		if t.native.Count == 0 {
			log.Debugf("Unwind failed: %v", err)
			t.bump(metrics.IDUnwindUnavailable, 1)
			t.buf.WriteDirect("CALL", t.symbol)
			return
		}
		log.Debugf("Unwind stopped early: %v", err)
	}

	res := t.last.CompareAndUpdate(t.native.PCs(t.pcs[:0]))
	if res.Repeat {
		// A repeated native stack is taken to imply a repeated managed one.
		t.bump(metrics.IDNativeRepeats, 1)
		return
	}
	if res.EndedRun() {
		r := t.record("BT:REPEAT:")
		r = appendInt(r, int64(res.Repeats()))
		t.emit(append(r, ':'))
	}

	hasManaged := t.extractManaged()
	t.bump(metrics.IDNativeTraces, 1)
	t.writeNative()
	if hasManaged {
		t.writeManaged()
	}

	if t.tracer.opts.StackMem {
		t.writeStackMem(sp)
	}
}

// extractManaged captures the managed stack if the native one runs through
// the runtime.
func (t *Thread) extractManaged() bool {
	b := t.tracer.opts.Bridge
	if !b.Valid() {
		return false
	}
	ok := b.MaybeExtract(&t.native, &t.slots, &t.managed)
	if t.managed.ThreadName != "" {
		r := t.record("I:DalvikThreadName:")
		r = append(r, t.managed.ThreadName...)
		t.emit(append(r, ':'))
	}
	return ok
}

func (t *Thread) writeStackMem(sp libpf.Address) {
	last := t.native.Last()
	if last == nil || last.SP == 0 || sp == 0 {
		return
	}
	used := int64(last.SP) + WrapperStackSize - int64(sp)
	r := t.record("BT:STACKMEM:")
	r = appendInt(r, used)
	t.emit(append(r, ':'))
}

func (t *Thread) bump(id metrics.MetricID, v metrics.MetricValue) {
	t.stats[id] += v
}

// collect adds the growth of a raw counter since the last call to stats.
func (t *Thread) collect(id metrics.MetricID, raw uint64) {
	v := metrics.MetricValue(raw)
	t.stats[id] += v - t.seen[id]
	t.seen[id] = v
}

// publish hands the counters accumulated since the last call to the metrics
// package.
func (t *Thread) publish() {
	if t.cache != nil {
		t.collect(metrics.IDLineCacheHits, t.cache.Hits)
		t.collect(metrics.IDLineCacheMisses, t.cache.Misses)
	}
	if t.buf != nil {
		t.collect(metrics.IDFlushes, t.buf.Flushes)
		t.collect(metrics.IDTruncations, t.buf.Truncations)
		t.collect(metrics.IDSinkWriteErrors, t.buf.WriteErrors)
	}

	var batch [metrics.IDMax]metrics.Metric
	n := 0
	for id := metrics.MetricID(1); id < metrics.IDMax; id++ {
		delta := t.stats[id] - t.published[id]
		if delta == 0 {
			continue
		}
		batch[n] = metrics.Metric{ID: id, Value: delta}
		n++
		t.published[id] = t.stats[id]
	}
	if n > 0 {
		metrics.AddSlice(batch[:n])
	}
}
