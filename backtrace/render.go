// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package backtrace // import "github.com/libtrack/btrace/backtrace"

import (
	"strconv"

	"github.com/libtrack/btrace/libpf"
	"github.com/libtrack/btrace/linecache"
	"github.com/libtrack/btrace/managed"
	"github.com/libtrack/btrace/metrics"
	"github.com/libtrack/btrace/unwind"
)

// unknownSymbol is rendered for frames the symbolizer cannot name.
const unknownSymbol = "??"

func appendHex(dst []byte, v uint64) []byte {
	return strconv.AppendUint(dst, v, 16)
}

// appendHexPad appends v in hex, zero padded to at least width digits.
func appendHexPad(dst []byte, v uint64, width int) []byte {
	n := 1
	for x := v >> 4; x != 0; x >>= 4 {
		n++
	}
	for ; n < width; n++ {
		dst = append(dst, '0')
	}
	return appendHex(dst, v)
}

func appendInt(dst []byte, v int64) []byte {
	return strconv.AppendInt(dst, v, 10)
}

// record starts a new record in the thread's scratch space.
func (t *Thread) record(prefix string) []byte {
	return append(t.rec[:0], prefix...)
}

// emit writes the record built in b and keeps b as scratch space.
func (t *Thread) emit(b []byte) {
	t.rec = b
	t.buf.AppendBytes(b)
}

// writeNative writes the BT:START block of the captured native stack.
func (t *Thread) writeNative() {
	r := t.record("BT:START:")
	r = appendInt(r, int64(t.native.Count))
	t.emit(append(r, ':'))

	verbose := t.tracer.opts.Unwinder.Verbose
	for i := 0; i < t.native.Count; i++ {
		f := &t.native.Frames[i]
		t.writeFrame(i, f.PC)
		if verbose {
			t.writeRegisters(f)
		}
	}
}

func (t *Thread) writeRegisters(f *unwind.Frame) {
	r := t.record(" : :")
	for i, reg := range f.Regs {
		r = append(r, 'R')
		r = appendInt(r, int64(i))
		r = append(r, "=0x"...)
		r = appendHexPad(r, reg, 8)
		r = append(r, ',')
	}
	r = append(r, "SP=0x"...)
	r = appendHexPad(r, uint64(f.SP), 8)
	r = append(r, ",LR=0x"...)
	r = appendHexPad(r, uint64(f.LR), 8)
	t.emit(append(r, ':'))
}

// writeFrame writes frame i. The line of frame 0 carries the intercepted
// symbol, which may be rewritten per call, so only the part behind it is
// cached.
func (t *Thread) writeFrame(i int, pc libpf.Address) {
	kind := linecache.KindNative
	if i == 0 {
		kind = linecache.KindCallSite
	}
	line := t.fetch(pc, kind)
	if !line.Holds(pc, kind) {
		line.SetBytes(pc, kind, t.renderFrame(i, pc))
	}

	r := t.record(":")
	r = appendInt(r, int64(i))
	r = append(r, ':')
	if i == 0 {
		r = appendHex(r, uint64(pc))
		r = append(r, ':')
		r = append(r, t.symbol...)
		r = append(r, ':')
	}
	t.emit(append(r, line.Text()...))
}

// renderFrame renders "<addr>:<symbol>:<sign>0x<offset>:<module>(0x<base>):",
// without the address and symbol for frame 0.
func (t *Thread) renderFrame(i int, pc libpf.Address) []byte {
	info := t.tracer.opts.Symbolizer.Lookup(pc)
	sign, offset := info.Offset(pc)
	module := info.Module
	if module == "" {
		module = unknownSymbol
	}

	b := t.line[:0]
	if i != 0 {
		name := info.Name
		if name == "" {
			name = unknownSymbol
		}
		b = appendHex(b, uint64(pc))
		b = append(b, ':')
		b = append(b, name...)
		b = append(b, ':')
	}
	b = append(b, sign, '0', 'x')
	b = appendHex(b, offset)
	b = append(b, ':')
	b = append(b, module...)
	b = append(b, "(0x"...)
	b = appendHex(b, uint64(info.Base))
	b = append(b, "):"...)
	t.line = b
	return b
}

// fetch looks addr up in the line cache and periodically reports the cache
// statistics.
func (t *Thread) fetch(addr libpf.Address, kind linecache.Kind) *linecache.Line {
	line := t.cache.Fetch(addr, kind)
	if t.tracer.opts.CacheStats && t.cache.Lookups()%CacheStatsInterval == 0 {
		r := t.record(" :CACHE_STATS:U[")
		r = strconv.AppendUint(r, t.cache.Filled, 10)
		r = append(r, "]:H["...)
		r = strconv.AppendUint(r, t.cache.Hits, 10)
		r = append(r, "]:M["...)
		r = strconv.AppendUint(r, t.cache.Misses, 10)
		t.emit(append(r, ']'))
	}
	return line
}

// writeManaged writes the managed stack unless it repeats the previous one.
func (t *Thread) writeManaged() {
	res := managed.CompareAndUpdate(&t.slots, &t.managed)
	if res.Repeat {
		t.bump(metrics.IDManagedRepeats, 1)
		t.buf.Append("DVM:BT_REPEAT:1:")
		return
	}

	t.bump(metrics.IDManagedTraces, 1)
	r := t.record("DVM:BT_START:")
	r = appendInt(r, int64(t.managed.Count))
	t.emit(append(r, ':'))

	b := t.tracer.opts.Bridge
	for i, m := range t.managed.Refs() {
		addr := libpf.Address(m)
		line := t.fetch(addr, linecache.KindManaged)
		if !line.Holds(addr, linecache.KindManaged) {
			t.line = append(append(t.line[:0], b.MethodName(m)...), ':')
			line.SetBytes(addr, linecache.KindManaged, t.line)
		}
		r = t.record(" :")
		r = appendInt(r, int64(i))
		r = append(r, ':')
		t.emit(append(r, line.Text()...))
	}
}
