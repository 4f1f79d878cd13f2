// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package managed // import "github.com/libtrack/btrace/managed"

import (
	"errors"
	"fmt"

	"github.com/libtrack/btrace/libpf"
)

var (
	// ErrNotSupported is returned by a Runtime lacking a capability.
	ErrNotSupported = errors.New("not supported by the managed runtime")

	// ErrInvalid is returned when the bridge has no usable runtime.
	ErrInvalid = errors.New("managed runtime bridge is not valid")
)

// MethodRef is an opaque pointer-sized method handle owned by the runtime.
type MethodRef uintptr

// ThreadHandle identifies a runtime thread. Zero means the calling native
// thread is not attached to the runtime.
type ThreadHandle uintptr

// FramePointer is the runtime's current interpreter frame.
type FramePointer uintptr

// Runtime is the subset of the managed runtime the bridge consumes. Every
// method may return ErrNotSupported.
type Runtime interface {
	// ThreadSelf returns the runtime thread of the caller.
	ThreadSelf() (ThreadHandle, error)
	// CurrentFrame returns the interpreter frame the thread is executing.
	CurrentFrame(t ThreadHandle) (FramePointer, error)
	// ComputeExactFrameDepth returns the number of managed frames below fp.
	ComputeExactFrameDepth(fp FramePointer) (int, error)
	// FillStackTraceArray stores the methods of the frames below fp into out.
	FillStackTraceArray(fp FramePointer, out []MethodRef) error
	// ThreadName returns the display name of t.
	ThreadName(t ThreadHandle) (string, error)
	// HumanReadableMethod renders m, optionally with its signature.
	HumanReadableMethod(m MethodRef, withSignature bool) (string, error)
}

// Resolver gives access to the symbols of the runtime library.
type Resolver interface {
	// Address returns the start of the named symbol.
	Address(name string) (libpf.Address, bool)
	// SymbolStart returns the start of the symbol enclosing addr.
	SymbolStart(addr libpf.Address) (libpf.Address, bool)
}

// FatalError reports a runtime library that lacks a core entry point. The
// bridge cannot operate on it and the process is expected to abort.
type FatalError struct {
	Symbol string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("managed runtime entry point %s not found", e.Symbol)
}

// Mangled names of the entry points the bridge depends on.
const (
	symThreadSelf             = "_Z13dvmThreadSelfv"
	symComputeExactFrameDepth = "_Z25dvmComputeExactFrameDepthPKv"
	symFillStackTraceArray    = "_Z22dvmFillStackTraceArrayPKvPPK6Methodj"
	symHumanReadableMethod    = "_Z22dvmHumanReadableMethodPK6Methodb"
	symGetThreadName          = "_Z16dvmGetThreadNameP6Thread"
)

// CoreSymbols must all be exported by the runtime library.
var CoreSymbols = []string{
	symThreadSelf,
	symComputeExactFrameDepth,
	symFillStackTraceArray,
	symGetThreadName,
	symHumanReadableMethod,
}

// TrampolineSymbols are the native functions through which the runtime calls
// into managed methods. A native PC inside any of them means the thread is
// executing managed code.
var TrampolineSymbols = []string{
	"_Z13dvmCallMethodP6ThreadPK6MethodP6ObjectP6JValuez",
	"_Z14dvmCallMethodAP6ThreadPK6MethodP6ObjectbP6JValuePK6jvalue",
	"_Z14dvmCallMethodVP6ThreadPK6MethodP6ObjectbP6JValueSt9__va_list",
}

// symbolStep is the granularity used to find the end of a symbol.
const symbolStep = 4

// maxSymbolSize bounds the size of a symbol FindSymbolEnd is willing to walk.
const maxSymbolSize = 1 << 20

// FindSymbolEnd returns the last address, in symbolStep increments, that still
// belongs to the symbol starting at start.
func FindSymbolEnd(res Resolver, start libpf.Address) libpf.Address {
	end := start
	for end-start < maxSymbolSize {
		next := end + symbolStep
		s, ok := res.SymbolStart(next)
		if !ok || s != start {
			break
		}
		end = next
	}
	return end
}

// lookup resolves name, also trying the underscore prefixed variant.
func lookup(res Resolver, name string) (libpf.Address, bool) {
	if addr, ok := res.Address(name); ok {
		return addr, true
	}
	return res.Address("_" + name)
}
