// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides synchronization helpers for process wide state that
// is set up lazily by whichever thread needs it first.
package xsync // import "github.com/libtrack/btrace/libpf/xsync"

import (
	"sync"
	"sync/atomic"
)

// Once holds a value that is initialized by the first successful GetOrInit.
// A failed initialization leaves the value unset, and the next call tries
// again. The zero value is ready for use.
type Once[T any] struct {
	mu  sync.Mutex
	val atomic.Pointer[T]
}

// GetOrInit returns the value, calling init if it is not set yet. At most
// one init runs at a time.
func (o *Once[T]) GetOrInit(init func() (T, error)) (*T, error) {
	if v := o.val.Load(); v != nil {
		return v, nil
	}
	return o.initSlow(init)
}

func (o *Once[T]) initSlow(init func() (T, error)) (*T, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if v := o.val.Load(); v != nil {
		return v, nil
	}
	v, err := init()
	if err != nil {
		return nil, err
	}
	o.val.Store(&v)
	return &v, nil
}

// Get returns the value, or nil if it has not been initialized.
func (o *Once[T]) Get() *T {
	return o.val.Load()
}
