// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package backtrace_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libtrack/btrace/backtrace"
	"github.com/libtrack/btrace/libpf"
	"github.com/libtrack/btrace/managed"
	"github.com/libtrack/btrace/sink"
	"github.com/libtrack/btrace/symbolizer"
	"github.com/libtrack/btrace/unwind"
)

const prefix = "1700000000.500000:"

// tid of the traced test threads, never the process main thread.
const tid = 1 << 30

type memSink struct {
	bytes.Buffer
	closed bool
}

func (m *memSink) Flush() error { return nil }

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

// records splits the sink content into records without their timestamps.
func (m *memSink) records(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(strings.TrimSuffix(m.String(), "\n"), "\n") {
		require.True(t, strings.HasPrefix(line, prefix), "record %q", line)
		out = append(out, strings.TrimPrefix(line, prefix))
	}
	return out
}

type sinks struct {
	opened []*memSink
	err    error
}

func (s *sinks) open(int) (sink.Sink, error) {
	if s.err != nil {
		return nil, s.err
	}
	m := &memSink{}
	s.opened = append(s.opened, m)
	return m, nil
}

func (s *sinks) last() *memSink {
	return s.opened[len(s.opened)-1]
}

type cursor struct {
	ip, sp uintptr
}

func (c cursor) IP() uintptr { return c.ip }
func (c cursor) SP() uintptr { return c.sp }

// walker replays one stack per Walk call, preceded by the engine's own
// entry frames. The last stack is repeated once all are used up.
type walker struct {
	stacks [][]libpf.Address
	walks  int
}

func (w *walker) Walk(visit func(unwind.Cursor) unwind.Reason) error {
	stack := w.stacks[min(w.walks, len(w.stacks)-1)]
	w.walks++

	frames := []cursor{{ip: 0xe000}, {ip: 0xe100}}
	for i, pc := range stack {
		frames = append(frames, cursor{ip: uintptr(pc), sp: 0x7000 + uintptr(i)*0x10})
	}
	for _, c := range frames {
		if visit(c) == unwind.EndOfStack {
			break
		}
	}
	return nil
}

func stacks(s ...[]libpf.Address) *walker {
	return &walker{stacks: s}
}

type flat []uintptr

func (f flat) Backtrace(pcs []uintptr) int {
	return copy(pcs, f)
}

func symbols(extra ...libpf.Symbol) *symbolizer.Table {
	m := libpf.NewSymbolMap(8)
	m.Add(libpf.Symbol{Name: "main", Address: 0x0f00, Size: 0x200})
	m.Add(libpf.Symbol{Name: "worker", Address: 0x1f00, Size: 0x200})
	m.Add(libpf.Symbol{Name: "run", Address: 0x2f00, Size: 0x200})
	for _, s := range extra {
		m.Add(s)
	}
	m.Finalize()
	return symbolizer.NewTable(m)
}

func clock() timeutil.Clock {
	clk := &timeutil.SimulatedClock{}
	clk.SetTime(time.Unix(1700000000, 500*int64(time.Millisecond)))
	return clk
}

func newThread(t *testing.T, opts backtrace.Options) (*backtrace.Thread, *sinks) {
	t.Helper()
	s := &sinks{}
	opts.Open = s.open
	if opts.Symbolizer == nil {
		opts.Symbolizer = symbols()
	}
	opts.Clock = clock()
	tr, err := backtrace.New(opts)
	require.NoError(t, err)
	return tr.NewThread(tid), s
}

func call(sym string) backtrace.Call {
	return backtrace.Call{Symbol: sym}
}

func TestNewRequiresSink(t *testing.T) {
	_, err := backtrace.New(backtrace.Options{})
	require.ErrorIs(t, err, backtrace.ErrNoSink)
}

func TestRepeatedStacks(t *testing.T) {
	a := []libpf.Address{0x1000, 0x2000, 0x3000}
	b := []libpf.Address{0x1000, 0x2000, 0x4000}
	th, s := newThread(t, backtrace.Options{
		Unwinder: &unwind.Unwinder{Walker: stacks(a, a, a, b)},
	})

	for range 4 {
		th.Trace(call("read"))
	}
	th.Close()

	require.Len(t, s.opened, 1)
	assert.True(t, s.last().closed)
	assert.Equal(t, []string{
		"BT:START:3:",
		":0:1000:read:+0x100:??(0x0):",
		":1:2000:worker:+0x100:??(0x0):",
		":2:3000:run:+0x100:??(0x0):",
		"BT:REPEAT:2:",
		"BT:START:3:",
		":0:1000:read:+0x100:??(0x0):",
		":1:2000:worker:+0x100:??(0x0):",
		":2:4000:??:+0x4000:??(0x0):",
	}, s.last().records(t))
}

func TestSharedFrameAddress(t *testing.T) {
	// 0x1000 is the call site of fopen and, one level up, the caller of malloc.
	fopen := []libpf.Address{0x1000, 0x2000}
	malloc := []libpf.Address{0x3000, 0x1000}
	th, s := newThread(t, backtrace.Options{
		Unwinder: &unwind.Unwinder{Walker: stacks(fopen, malloc, fopen)},
	})

	th.Trace(call("fopen"))
	th.Trace(call("malloc"))
	th.Trace(call("fopen"))
	th.Close()

	assert.Equal(t, []string{
		"BT:START:2:",
		":0:1000:fopen:+0x100:??(0x0):",
		":1:2000:worker:+0x100:??(0x0):",
		"BT:START:2:",
		":0:3000:malloc:+0x100:??(0x0):",
		":1:1000:main:+0x100:??(0x0):",
		"BT:START:2:",
		":0:1000:fopen:+0x100:??(0x0):",
		":1:2000:worker:+0x100:??(0x0):",
	}, s.last().records(t))
}

func TestStackMem(t *testing.T) {
	th, s := newThread(t, backtrace.Options{
		Unwinder: &unwind.Unwinder{Walker: stacks([]libpf.Address{0x1000, 0x2000, 0x3000})},
		StackMem: true,
	})

	th.Trace(backtrace.Call{Symbol: "write", SP: 0x6f00})
	th.Trace(backtrace.Call{Symbol: "write", SP: 0x6f00})
	th.Close()

	recs := s.last().records(t)
	require.Len(t, recs, 5)
	// Deepest frame SP 0x7020, plus the wrapper's stack, minus the entry SP.
	want := 0x7020 + backtrace.WrapperStackSize - 0x6f00
	assert.Equal(t, fmt.Sprintf("BT:STACKMEM:%d:", want), recs[4])
}

func TestNoUnwinder(t *testing.T) {
	th, s := newThread(t, backtrace.Options{})
	th.Trace(call("open"))
	th.Trace(call("close"))
	th.Close()
	assert.Equal(t, []string{"CALL:open", "CALL:close"}, s.last().records(t))
}

func TestFlatBacktrace(t *testing.T) {
	th, s := newThread(t, backtrace.Options{
		Unwinder: &unwind.Unwinder{Backtracer: flat{0x1000, 0x2000}},
		StackMem: true,
	})
	th.Trace(call("read"))
	th.Trace(call("read"))
	th.Close()

	block := []string{
		"BT:START:2:",
		":0:1000:read:+0x100:??(0x0):",
		":1:2000:worker:+0x100:??(0x0):",
	}
	// No repeat detection and no stack usage without stack pointers.
	assert.Equal(t, append(block, block...), s.last().records(t))
}

func TestSymbolRewriter(t *testing.T) {
	th, s := newThread(t, backtrace.Options{
		Unwinder: &unwind.Unwinder{Backtracer: flat{0x1000}},
		Rewriter: func(c *backtrace.Call) string {
			if len(c.Args) > 0 && c.Args[0] == 3 {
				return c.Symbol + "_N"
			}
			return ""
		},
	})
	th.Trace(backtrace.Call{Symbol: "read", Args: []uintptr{3}})
	th.Trace(backtrace.Call{Symbol: "read", Args: []uintptr{4}})
	th.Close()

	assert.Equal(t, []string{
		"BT:START:1:",
		":0:1000:read_N:+0x100:??(0x0):",
		"BT:START:1:",
		":0:1000:read:+0x100:??(0x0):",
	}, s.last().records(t))
}

func TestVerboseFrames(t *testing.T) {
	th, s := newThread(t, backtrace.Options{
		Unwinder: &unwind.Unwinder{
			Walker:  stacks([]libpf.Address{0x1000}),
			Verbose: true,
		},
	})
	th.Trace(call("read"))
	th.Close()

	assert.Equal(t, []string{
		"BT:START:1:",
		":0:1000:read:+0x100:??(0x0):",
		" : :R0=0x00000000,R1=0x00000000,R2=0x00000000,R3=0x00000000,SP=0x00007000,LR=0x00000000:",
	}, s.last().records(t))
}

func TestCacheStats(t *testing.T) {
	th, s := newThread(t, backtrace.Options{
		Unwinder:   &unwind.Unwinder{Backtracer: flat{0x1000}},
		CacheStats: true,
	})
	for range backtrace.CacheStatsInterval {
		th.Trace(call("read"))
	}
	th.Close()

	var stats []string
	for _, r := range s.last().records(t) {
		if strings.Contains(r, "CACHE_STATS") {
			stats = append(stats, r)
		}
	}
	assert.Equal(t, []string{" :CACHE_STATS:U[1]:H[1023]:M[1]"}, stats)
}

func TestSetupFailure(t *testing.T) {
	s := &sinks{err: errors.New("no space left")}
	tr, err := backtrace.New(backtrace.Options{Open: s.open})
	require.NoError(t, err)

	th := tr.NewThread(tid)
	th.Trace(call("read"))
	th.Trace(call("read"))
	assert.False(t, th.Active())
	assert.Empty(t, s.opened)
}

func TestCloseAndReopen(t *testing.T) {
	th, s := newThread(t, backtrace.Options{
		Unwinder: &unwind.Unwinder{Walker: stacks([]libpf.Address{0x1000})},
	})
	th.Trace(call("read"))
	assert.True(t, th.Active())
	th.Close()
	assert.False(t, th.Active())
	th.Close()

	// The repeat state went with the teardown: the same stack is novel again.
	th.Trace(call("read"))
	th.Close()
	require.Len(t, s.opened, 2)
	assert.Equal(t, s.opened[0].String(), s.opened[1].String())
}

// runtime serves a fixed managed stack and counts calls into it.
type runtime struct {
	methods []managed.MethodRef
	calls   int
}

func (r *runtime) ThreadSelf() (managed.ThreadHandle, error) {
	r.calls++
	return 1, nil
}

func (r *runtime) CurrentFrame(managed.ThreadHandle) (managed.FramePointer, error) {
	return 0xf00, nil
}

func (r *runtime) ComputeExactFrameDepth(managed.FramePointer) (int, error) {
	return len(r.methods), nil
}

func (r *runtime) FillStackTraceArray(_ managed.FramePointer, out []managed.MethodRef) error {
	copy(out, r.methods)
	return nil
}

func (r *runtime) ThreadName(managed.ThreadHandle) (string, error) {
	return "main", nil
}

func (r *runtime) HumanReadableMethod(m managed.MethodRef, _ bool) (string, error) {
	return fmt.Sprintf("Lcom/example/M%x;.run:()V", uint64(m)), nil
}

func runtimeSymbols() *symbolizer.Table {
	syms := make([]libpf.Symbol, 0, len(managed.CoreSymbols)+1)
	for i, name := range managed.CoreSymbols {
		syms = append(syms, libpf.Symbol{
			Name:    libpf.SymbolName(name),
			Address: libpf.Address(0x8000 + i*0x100),
			Size:    0x80,
		})
	}
	syms = append(syms, libpf.Symbol{
		Name:    libpf.SymbolName(managed.TrampolineSymbols[0]),
		Address: 0x5000,
		Size:    0x44,
	})
	return symbols(syms...)
}

func TestManagedStacks(t *testing.T) {
	table := runtimeSymbols()
	// The second method shares its value with a native frame of the stack.
	rt := &runtime{methods: []managed.MethodRef{0xa0, 0x6000}}
	var bridge managed.Bridge
	require.True(t, backtrace.MustInitBridge(&bridge, rt, table))
	defer bridge.Close(nil)

	first := []libpf.Address{0x1000, 0x5010, 0x6000}
	second := []libpf.Address{0x1004, 0x5010, 0x6000}
	th, s := newThread(t, backtrace.Options{
		Unwinder:   &unwind.Unwinder{Walker: stacks(first, second, second)},
		Symbolizer: table,
		Bridge:     &bridge,
	})

	th.Trace(call("read"))
	th.Trace(call("read"))
	calls := rt.calls
	// An identical native stack is not even checked for managed frames.
	th.Trace(call("read"))
	assert.Equal(t, calls, rt.calls)
	th.Close()

	trampoline := managed.TrampolineSymbols[0]
	assert.Equal(t, []string{
		"I:DalvikThreadName:main:",
		"BT:START:3:",
		":0:1000:read:+0x100:??(0x0):",
		":1:5010:" + trampoline + ":+0x10:??(0x0):",
		":2:6000:??:+0x6000:??(0x0):",
		"DVM:BT_START:2:",
		" :0:Lcom/example/Ma0;.run:()V:",
		" :1:Lcom/example/M6000;.run:()V:",
		"BT:START:3:",
		":0:1004:read:+0x104:??(0x0):",
		":1:5010:" + trampoline + ":+0x10:??(0x0):",
		":2:6000:??:+0x6000:??(0x0):",
		"DVM:BT_REPEAT:1:",
	}, s.last().records(t))
}

func TestManagedOutsideTrampoline(t *testing.T) {
	table := runtimeSymbols()
	rt := &runtime{methods: []managed.MethodRef{0xa0}}
	var bridge managed.Bridge
	require.True(t, backtrace.MustInitBridge(&bridge, rt, table))
	defer bridge.Close(nil)

	th, s := newThread(t, backtrace.Options{
		Unwinder:   &unwind.Unwinder{Walker: stacks([]libpf.Address{0x1000, 0x2000})},
		Symbolizer: table,
		Bridge:     &bridge,
	})
	th.Trace(call("read"))
	th.Close()

	assert.Zero(t, rt.calls)
	assert.Len(t, s.last().records(t), 3)
}

func TestMustInitBridgeDisabled(t *testing.T) {
	var bridge managed.Bridge
	assert.False(t, backtrace.MustInitBridge(&bridge, nil, nil))
	assert.False(t, bridge.Valid())
}
