// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the small set of types shared by every part of the tracer:
// code addresses, address ranges and symbol tables.
package libpf // import "github.com/libtrack/btrace/libpf"

import "fmt"

// Address represents a code or stack address inside the traced process.
type Address uintptr

// String renders the address the way trace records expect it: lower-case hex
// without a 0x prefix.
func (adr Address) String() string {
	return fmt.Sprintf("%x", uint64(adr))
}

// Range is an inclusive address range.
type Range struct {
	Start Address
	End   Address
}

// Contains reports whether adr lies within [Start, End].
func (r Range) Contains(adr Address) bool {
	return adr >= r.Start && adr <= r.End
}
