// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package managed correlates native stacks with the call stack of a managed
// runtime (Dalvik).
//
// The bridge knows the address ranges of the native trampolines the runtime
// uses to invoke managed methods. When a native capture passes through one of
// them, the managed stack of the calling thread is read through the Runtime
// interface. Missing capabilities never fail the traced call: they only mean
// that no managed stack is reported.
package managed // import "github.com/libtrack/btrace/managed"

import (
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/libtrack/btrace/libpf"
	"github.com/libtrack/btrace/repeat"
	"github.com/libtrack/btrace/tls"
	"github.com/libtrack/btrace/unwind"
)

// StackCapture is one managed stack snapshot, innermost method first.
type StackCapture struct {
	Methods [unwind.MaxFrames]MethodRef
	Count   int

	// ThreadName is set on the first extraction of a thread only, so the
	// caller can announce the name once.
	ThreadName string
}

// Refs returns the captured methods. The slice aliases the capture.
func (s *StackCapture) Refs() []MethodRef {
	return s.Methods[:s.Count]
}

// Thread-local keys shared by all bridges of the process.
var (
	threadNameKey tls.KeySlot
	lastStackKey  tls.KeySlot
)

// Bridge is the process wide managed runtime descriptor. All methods are safe
// for concurrent use once Init returned.
type Bridge struct {
	mu    sync.Mutex
	state atomic.Pointer[bridgeState]
}

type bridgeState struct {
	runtime Runtime
	ranges  []libpf.Range
}

// Init prepares the bridge for rt whose library symbols are available through
// res. Calling Init on a valid bridge is a no-op. A nil runtime leaves the
// bridge disabled. A library lacking one of CoreSymbols yields a *FatalError.
func (b *Bridge) Init(rt Runtime, res Resolver) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Load() != nil {
		return nil
	}
	if rt == nil || res == nil {
		log.Errorf("Could not open managed runtime: %v", ErrInvalid)
		return ErrInvalid
	}

	for _, sym := range CoreSymbols {
		if _, ok := lookup(res, sym); !ok {
			return &FatalError{Symbol: sym}
		}
	}

	ranges := make([]libpf.Range, 0, len(TrampolineSymbols))
	for i, sym := range TrampolineSymbols {
		start, ok := res.Address(sym)
		if !ok {
			// No managed stacks through this entry, but no instability either.
			log.Warnf("Couldn't find trampoline %d (%s) in managed runtime", i, sym)
			continue
		}
		end := FindSymbolEnd(res, start)
		log.Debugf("Managed trampoline %d: [%x-%x]", i, start, end)
		ranges = append(ranges, libpf.Range{Start: start, End: end})
	}

	if _, err := threadNameKey.Key(); err != nil {
		log.Warnf("Managed thread names will not be cached: %v", err)
	}

	b.state.Store(&bridgeState{runtime: rt, ranges: ranges})
	return nil
}

// Valid reports whether the bridge is initialized.
func (b *Bridge) Valid() bool {
	return b != nil && b.state.Load() != nil
}

// Ranges returns the trampoline address ranges.
func (b *Bridge) Ranges() []libpf.Range {
	if st := b.state.Load(); st != nil {
		return st.ranges
	}
	return nil
}

// Close disables the bridge. The per-thread values stored through slots, if
// given, are released as well.
func (b *Bridge) Close(slots *tls.Slots) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.Store(nil)
	ReleaseThread(slots)
}

// ReleaseThread drops the thread-local values the bridge stored in slots.
func ReleaseThread(slots *tls.Slots) {
	for _, ks := range []*tls.KeySlot{&threadNameKey, &lastStackKey} {
		if k, err := ks.Key(); err == nil {
			slots.Set(k, nil)
		}
	}
}

// InTrampoline reports whether any PC of native lies inside a trampoline.
// The scan starts at the oldest frame, as trampolines are entered early.
func (b *Bridge) InTrampoline(native *unwind.StackCapture) bool {
	st := b.state.Load()
	if st == nil {
		return false
	}
	return st.inTrampoline(native)
}

func (st *bridgeState) inTrampoline(native *unwind.StackCapture) bool {
	for i := native.Count - 1; i >= 0; i-- {
		pc := native.PC(i)
		for _, r := range st.ranges {
			if r.Contains(pc) {
				return true
			}
		}
	}
	return false
}

// MaybeExtract fills out with the managed stack of the calling thread if
// native passes through a trampoline. It reports whether a non-empty managed
// stack was captured.
func (b *Bridge) MaybeExtract(native *unwind.StackCapture, slots *tls.Slots,
	out *StackCapture) bool {
	out.Count = 0
	out.ThreadName = ""

	st := b.state.Load()
	if st == nil || !st.inTrampoline(native) {
		return false
	}

	rt := st.runtime
	self, err := rt.ThreadSelf()
	if err != nil || self == 0 {
		// Not attached to the runtime: expected for plain native threads.
		return false
	}
	fp, err := rt.CurrentFrame(self)
	if err != nil {
		logUnsupported("CurrentFrame", err)
		return false
	}

	out.ThreadName = cacheThreadName(rt, self, slots)

	depth, err := rt.ComputeExactFrameDepth(fp)
	if err != nil {
		logUnsupported("ComputeExactFrameDepth", err)
		return false
	}
	depth = min(max(depth, 0), unwind.MaxFrames)
	if err := rt.FillStackTraceArray(fp, out.Methods[:depth]); err != nil {
		logUnsupported("FillStackTraceArray", err)
		return false
	}
	out.Count = depth
	return depth > 0
}

// cacheThreadName stores the runtime's name of self in slots on first use. It
// returns the name only when it was just fetched.
func cacheThreadName(rt Runtime, self ThreadHandle, slots *tls.Slots) string {
	k, err := threadNameKey.Key()
	if err != nil {
		return ""
	}
	if slots.Get(k) != nil {
		return ""
	}
	name, err := rt.ThreadName(self)
	if err != nil {
		logUnsupported("ThreadName", err)
		return ""
	}
	slots.Set(k, name)
	return name
}

// CachedThreadName returns the name stored for the thread owning slots.
func CachedThreadName(slots *tls.Slots) (string, bool) {
	k, err := threadNameKey.Key()
	if err != nil {
		return "", false
	}
	name, ok := slots.Get(k).(string)
	return name, ok
}

// CompareAndUpdate runs repeat detection of cur against the previous managed
// capture of the thread owning slots. The record is allocated on first use.
// Without a usable key every capture is novel.
func CompareAndUpdate(slots *tls.Slots, cur *StackCapture) repeat.Result {
	k, err := lastStackKey.Key()
	if err != nil || slots == nil {
		return repeat.Result{}
	}
	rec, _ := slots.Get(k).(*repeat.Record[MethodRef])
	if rec == nil {
		rec = new(repeat.Record[MethodRef])
		slots.Set(k, rec)
	}
	return rec.CompareAndUpdate(cur.Refs())
}

// MethodName renders m with its signature. Unknown methods render as "??".
func (b *Bridge) MethodName(m MethodRef) string {
	st := b.state.Load()
	if st == nil {
		return "??"
	}
	name, err := st.runtime.HumanReadableMethod(m, true)
	if err != nil {
		logUnsupported("HumanReadableMethod", err)
		return "??"
	}
	return name
}

func logUnsupported(op string, err error) {
	if errors.Is(err, ErrNotSupported) {
		return
	}
	log.Debugf("Managed runtime %s failed: %v", op, err)
}
