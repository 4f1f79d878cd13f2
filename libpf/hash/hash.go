// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash provides the integer mixing functions used to spread code
// addresses over the buckets of the per-thread line cache and thread IDs
// over the thread registry.
package hash // import "github.com/libtrack/btrace/libpf/hash"

// Uint32 mixes x with the 32-bit Murmur3 finalizer. The mapping is a
// bijection, so distinct thread IDs never collide.
func Uint32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	return x ^ x>>16
}

// Uint64 mixes x with the 64-bit Murmur3 finalizer.
func Uint64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	return x ^ x>>33
}

// Bucket maps x onto one of n buckets. n must be non-zero.
func Bucket(x uint64, n uint32) uint32 {
	return uint32(Uint64(x) % uint64(n))
}
