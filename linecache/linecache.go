// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package linecache implements the per-thread cache of rendered trace lines.
//
// The cache is a fixed 2-way set associative table indexed by a hash of the
// code address. A line is tagged with the address and the Kind of rendering it
// holds, so the same address rendered for different records never aliases. Fetch never allocates: a miss hands out an existing slot whose
// tag no longer matches, and the caller renders the new text into it in place.
package linecache // import "github.com/libtrack/btrace/linecache"

import (
	"github.com/libtrack/btrace/libpf"
	"github.com/libtrack/btrace/libpf/hash"
)

const (
	// Buckets is the number of sets in a cache.
	Buckets = 256
	// Ways is the number of lines per set.
	Ways = 2
	// MaxLineLen bounds the rendered text of a line.
	MaxLineLen = 256
)

// Kind identifies the record format a line was rendered for.
type Kind uint8

const (
	// KindCallSite is the tail of an index 0 frame, after the intercepted
	// symbol.
	KindCallSite Kind = iota
	// KindNative is a complete native frame.
	KindNative
	// KindManaged is a managed method.
	KindManaged
)

// Line is one cached rendering.
type Line struct {
	addr  libpf.Address
	kind  Kind
	used  bool
	usage uint32
	n     int
	text  [MaxLineLen]byte
}

// Holds reports whether the line caches the kind rendering of addr.
func (l *Line) Holds(addr libpf.Address, kind Kind) bool {
	return l.used && l.addr == addr && l.kind == kind
}

// Addr returns the address the line was last rendered for.
func (l *Line) Addr() libpf.Address {
	return l.addr
}

// Usage returns the recency counter used for eviction.
func (l *Line) Usage() uint32 {
	return l.usage
}

// Text returns the cached rendering. The slice aliases the line.
func (l *Line) Text() []byte {
	return l.text[:l.n]
}

// String returns a copy of the cached rendering.
func (l *Line) String() string {
	return string(l.text[:l.n])
}

// Set tags the line with addr and kind and overwrites its text, truncating it
// to MaxLineLen-1 bytes.
func (l *Line) Set(addr libpf.Address, kind Kind, text string) {
	l.addr = addr
	l.kind = kind
	l.used = true
	l.n = copy(l.text[:MaxLineLen-1], text)
}

// SetBytes is the []byte variant of Set.
func (l *Line) SetBytes(addr libpf.Address, kind Kind, text []byte) {
	l.addr = addr
	l.kind = kind
	l.used = true
	l.n = copy(l.text[:MaxLineLen-1], text)
}

// Cache is a fixed size table of rendered lines. A Cache must only be used by
// the thread owning it.
type Cache struct {
	lines [Buckets][Ways]Line

	// Filled counts the lines taken into use.
	Filled uint64
	Hits   uint64
	Misses uint64
}

// Fetch returns the line for the kind rendering of addr. On a hit the line
// already holds it. Otherwise the returned line is an empty or evicted slot
// and the caller is expected to render into it with Set.
func (c *Cache) Fetch(addr libpf.Address, kind Kind) *Line {
	set := &c.lines[hash.Bucket(uint64(addr), Buckets)]

	for i := range set {
		if set[i].Holds(addr, kind) {
			c.Hits++
			set[i].usage++
			return &set[i]
		}
	}

	c.Misses++
	for i := range set {
		if !set[i].used {
			c.Filled++
			return &set[i]
		}
	}

	// Both ways are taken: evict the less used one, ties go to the second.
	victim := &set[1]
	if set[0].usage < set[1].usage {
		victim = &set[0]
	}
	victim.usage++
	return victim
}

// Lookups returns the number of Fetch calls since the cache was reset.
func (c *Cache) Lookups() uint64 {
	return c.Hits + c.Misses
}

// Reset empties the cache without releasing its storage.
func (c *Cache) Reset() {
	*c = Cache{}
}

// mainCache is handed to the process main thread so the hottest thread never
// allocates a cache.
var mainCache Cache

// Acquire returns a cleared cache. The main thread receives the static
// instance; every other thread gets its own allocation.
func Acquire(mainThread bool) *Cache {
	if mainThread {
		mainCache.Reset()
		return &mainCache
	}
	return new(Cache)
}

// Release hands a cache back at thread teardown. The static main thread
// instance is cleared instead of being dropped.
func Release(c *Cache) {
	if c == &mainCache {
		c.Reset()
	}
}

// IsStatic reports whether c is the shared main thread instance.
func IsStatic(c *Cache) bool {
	return c == &mainCache
}
