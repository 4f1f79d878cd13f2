// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package backtrace // import "github.com/libtrack/btrace/backtrace"

import (
	"golang.org/x/sys/unix"
)

// CurrentThreadID returns the kernel ID of the calling OS thread. The caller
// must hold the thread with runtime.LockOSThread for the ID to stay valid.
func CurrentThreadID() int {
	return unix.Gettid()
}

// IsMainThread reports whether tid is the main thread of the process.
func IsMainThread(tid int) bool {
	return tid == unix.Getpid()
}
