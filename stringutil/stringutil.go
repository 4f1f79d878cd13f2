// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stringutil holds allocation-free splitting helpers used to parse
// /proc files and trace records.
package stringutil // import "github.com/libtrack/btrace/stringutil"

import (
	"strings"
	"unsafe"
)

var asciiSpace = [256]uint8{'\t': 1, '\n': 1, '\v': 1, '\f': 1, '\r': 1, ' ': 1}

// FieldsN splits s around runs of white space into f. When s holds more than
// len(f) fields, the last element of f receives the unparsed remainder
// starting at its first non-space character. The number of fields set is
// returned; f is left untouched for blank input.
func FieldsN(s string, f []string) int {
	n := len(f)
	if n == 0 {
		return 0
	}
	si := 0
	for i := 0; i < n-1; i++ {
		for si < len(s) && asciiSpace[s[si]] != 0 {
			si++
		}
		start := si
		for si < len(s) && asciiSpace[s[si]] == 0 {
			si++
		}
		if start >= si {
			return i
		}
		f[i] = s[start:si]
	}

	for si < len(s) && asciiSpace[s[si]] != 0 {
		si++
	}
	if si < len(s) {
		f[n-1] = s[si:]
		return n
	}
	return n - 1
}

// SplitN splits s around each sep into f. When s holds more than len(f)
// fields, the last element of f receives the unsplit remainder.
func SplitN(s, sep string, f []string) int {
	n := len(f)
	if n == 0 {
		return 0
	}
	i := 0
	for ; i < n-1 && s != ""; i++ {
		end := strings.Index(s, sep)
		if end < 0 {
			f[i] = s
			return i + 1
		}
		f[i] = s[:end]
		s = s[end+len(sep):]
	}
	f[i] = s
	return i + 1
}

// ToString returns a string sharing memory with b. The caller must not
// modify b while the string is in use.
func ToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
