// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package backtrace // import "github.com/libtrack/btrace/backtrace"

import (
	"fmt"
	"sync"

	lru "github.com/elastic/go-freelru"

	"github.com/libtrack/btrace/libpf/hash"
	"github.com/libtrack/btrace/metrics"
)

// Registry maps thread IDs to their trace state. The number of threads is
// bounded: adding a thread beyond the capacity retires the least recently
// traced one.
//
// Thread state is only torn down on its own thread: a retired thread keeps
// its sink until its thread calls in again or exits, or the Registry is
// closed.
type Registry struct {
	tracer  *Tracer
	threads *lru.SyncedLRU[int, *Thread]

	// retired holds the evicted threads until they are torn down.
	mu      sync.Mutex
	retired map[int]*Thread
}

func hashTID(tid int) uint32 {
	return hash.Uint32(uint32(tid))
}

// NewRegistry returns a Registry for up to maxThreads threads of tr.
func NewRegistry(tr *Tracer, maxThreads uint32) (*Registry, error) {
	threads, err := lru.NewSynced[int, *Thread](maxThreads, hashTID)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread registry: %w", err)
	}
	r := &Registry{
		tracer:  tr,
		threads: threads,
		retired: make(map[int]*Thread),
	}
	// Runs with the LRU locked, possibly on another thread than tid.
	threads.SetOnEvict(r.evicted)
	return r, nil
}

func (r *Registry) evicted(tid int, t *Thread) {
	t.retire()
	if t.Active() {
		metrics.Add(metrics.IDThreadsEvicted, 1)
	}
	// Parked even when inactive: its setup may be under way.
	r.mu.Lock()
	r.retired[tid] = t
	r.mu.Unlock()
}

// reap tears down a retired state of thread tid. It must run on thread tid or
// once no thread traces anymore.
func (r *Registry) reap(tid int) {
	r.mu.Lock()
	t, ok := r.retired[tid]
	delete(r.retired, tid)
	r.mu.Unlock()
	if ok {
		t.Close()
	}
}

// Thread returns the state of thread tid, creating it on first use. It must be
// called on thread tid.
func (r *Registry) Thread(tid int) *Thread {
	if t, ok := r.threads.Get(tid); ok {
		return t
	}
	r.reap(tid)
	t := r.tracer.NewThread(tid)
	r.threads.Add(tid, t)
	r.report()
	return t
}

// Trace traces call on behalf of thread tid, on thread tid.
func (r *Registry) Trace(tid int, call Call) {
	r.Thread(tid).Trace(call)
}

// Release tears down the state of thread tid, as done at thread exit.
func (r *Registry) Release(tid int) {
	if t, ok := r.threads.Peek(tid); ok {
		// Closed first so that the eviction callback does not count it.
		t.Close()
		r.threads.Remove(tid)
		r.report()
	}
	r.reap(tid)
}

// Len returns the number of registered threads.
func (r *Registry) Len() int {
	return r.threads.Len()
}

// Close tears down all threads. No thread may trace concurrently.
func (r *Registry) Close() {
	for _, tid := range r.threads.Keys() {
		r.Release(tid)
	}

	r.mu.Lock()
	retired := r.retired
	r.retired = make(map[int]*Thread)
	r.mu.Unlock()
	for _, t := range retired {
		t.Close()
	}
	metrics.Flush()
}

func (r *Registry) report() {
	metrics.Add(metrics.IDThreadsTracked, metrics.MetricValue(r.threads.Len()))
}
