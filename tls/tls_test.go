// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tls_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libtrack/btrace/tls"
)

func TestKeySlotConcurrentInit(t *testing.T) {
	var alloc tls.Allocator
	slot := tls.NewKeySlot(&alloc)

	const workers = 16
	keys := make([]tls.Key, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := slot.Key()
			assert.NoError(t, err)
			keys[i] = k
		}()
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}

	// Only one key was taken from the allocator.
	next, err := alloc.NewKey()
	require.NoError(t, err)
	assert.Equal(t, keys[0]+1, next)
}

func TestAllocatorExhaustion(t *testing.T) {
	var alloc tls.Allocator
	for i := 0; i < tls.MaxKeys; i++ {
		k, err := alloc.NewKey()
		require.NoError(t, err)
		assert.Equal(t, tls.Key(i), k)
	}
	_, err := alloc.NewKey()
	require.ErrorIs(t, err, tls.ErrNoKeys)

	// A failed slot keeps failing rather than caching a bogus key.
	slot := tls.NewKeySlot(&alloc)
	_, err = slot.Key()
	assert.ErrorIs(t, err, tls.ErrNoKeys)
}

func TestSlots(t *testing.T) {
	var s tls.Slots
	s.Set(1, "name")
	assert.Equal(t, "name", s.Get(1))
	assert.Nil(t, s.Get(0))
	assert.Nil(t, s.Get(tls.MaxKeys))

	s.Clear()
	assert.Nil(t, s.Get(1))

	var nilSlots *tls.Slots
	assert.Nil(t, nilSlots.Get(0))
	nilSlots.Set(0, 1)
}
