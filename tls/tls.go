// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tls provides thread-local key slots.
//
// Keys are process wide indexes handed out once. Each traced thread owns a
// Slots value that stores one opaque value per key. Key creation is guarded
// by a one-time initialization so that racing first users never create two
// keys for the same purpose.
package tls // import "github.com/libtrack/btrace/tls"

import (
	"errors"
	"sync"

	"github.com/libtrack/btrace/libpf/xsync"
)

// MaxKeys is the number of keys a process can allocate.
const MaxKeys = 8

// ErrNoKeys is returned once all keys are in use.
var ErrNoKeys = errors.New("no thread-local keys left")

// Key indexes a value in Slots.
type Key int

// Allocator hands out keys.
type Allocator struct {
	mu   sync.Mutex
	next Key
}

// NewKey returns an unused key.
func (a *Allocator) NewKey() (Key, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= MaxKeys {
		return 0, ErrNoKeys
	}
	k := a.next
	a.next++
	return k, nil
}

var defaultAllocator Allocator

// KeySlot lazily allocates a single key. The zero value is ready for use and
// is meant to be a package level variable.
type KeySlot struct {
	alloc *Allocator
	key   xsync.Once[Key]
}

// NewKeySlot returns a KeySlot drawing from alloc.
func NewKeySlot(alloc *Allocator) *KeySlot {
	return &KeySlot{alloc: alloc}
}

// Key returns the key of the slot, allocating it on first use.
func (ks *KeySlot) Key() (Key, error) {
	k, err := ks.key.GetOrInit(func() (Key, error) {
		alloc := ks.alloc
		if alloc == nil {
			alloc = &defaultAllocator
		}
		return alloc.NewKey()
	})
	if err != nil {
		return 0, err
	}
	return *k, nil
}

// Slots holds the thread-local values of one thread.
type Slots struct {
	vals [MaxKeys]any
}

// Get returns the value stored under k, or nil.
func (s *Slots) Get(k Key) any {
	if s == nil || k < 0 || k >= MaxKeys {
		return nil
	}
	return s.vals[k]
}

// Set stores v under k.
func (s *Slots) Set(k Key, v any) {
	if s == nil || k < 0 || k >= MaxKeys {
		return
	}
	s.vals[k] = v
}

// Clear drops all values, as done at thread teardown.
func (s *Slots) Clear() {
	if s == nil {
		return
	}
	clear(s.vals[:])
}
