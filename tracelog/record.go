// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracelog reads the trace logs written by the tracer back into
// records and traces.
package tracelog // import "github.com/libtrack/btrace/tracelog"

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/libtrack/btrace/libpf"
	"github.com/libtrack/btrace/stringutil"
)

// Kind classifies a record.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindStart
	KindFrame
	KindRegisters
	KindCacheStats
	KindRepeat
	KindStackMem
	KindManagedStart
	KindManagedFrame
	KindManagedRepeat
	KindThreadName
	KindCall
	KindTruncated
)

var kindNames = [...]string{
	KindUnknown:       "unknown",
	KindStart:         "start",
	KindFrame:         "frame",
	KindRegisters:     "registers",
	KindCacheStats:    "cache-stats",
	KindRepeat:        "repeat",
	KindStackMem:      "stackmem",
	KindManagedStart:  "managed-start",
	KindManagedFrame:  "managed-frame",
	KindManagedRepeat: "managed-repeat",
	KindThreadName:    "thread-name",
	KindCall:          "call",
	KindTruncated:     "truncated",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// ErrMalformed is returned for lines that are not trace records.
var ErrMalformed = errors.New("malformed trace record")

// Record is one line of a trace log.
type Record struct {
	Time time.Time
	Kind Kind
	// Body is the record without its timestamp.
	Body string
}

// Prefixes of the record bodies.
const (
	prefixStart         = "BT:START:"
	prefixRepeat        = "BT:REPEAT:"
	prefixStackMem      = "BT:STACKMEM:"
	prefixManagedStart  = "DVM:BT_START:"
	prefixManagedRepeat = "DVM:BT_REPEAT:"
	prefixThreadName    = "I:DalvikThreadName:"
	prefixCall          = "CALL:"
	prefixCacheStats    = " :CACHE_STATS:"
	prefixRegisters     = " : :"
	prefixManagedFrame  = " :"
	prefixTruncated     = "LOG:E:TRUNCATED!"
)

// ParseRecord splits line into timestamp and body and classifies it.
func ParseRecord(line string) (Record, error) {
	stamp, body, ok := strings.Cut(line, ":")
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	secPart, usecPart, ok := strings.Cut(stamp, ".")
	if !ok {
		return Record{}, fmt.Errorf("%w: no timestamp in %q", ErrMalformed, line)
	}
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	usec, err := strconv.ParseInt(usecPart, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return Record{
		Time: time.Unix(sec, usec*int64(time.Microsecond)),
		Kind: classify(body),
		Body: body,
	}, nil
}

func classify(body string) Kind {
	switch {
	case strings.HasPrefix(body, prefixStart):
		return KindStart
	case strings.HasPrefix(body, prefixRepeat):
		return KindRepeat
	case strings.HasPrefix(body, prefixStackMem):
		return KindStackMem
	case strings.HasPrefix(body, prefixManagedStart):
		return KindManagedStart
	case strings.HasPrefix(body, prefixManagedRepeat):
		return KindManagedRepeat
	case strings.HasPrefix(body, prefixThreadName):
		return KindThreadName
	case strings.HasPrefix(body, prefixCall):
		return KindCall
	case body == prefixTruncated:
		return KindTruncated
	case strings.HasPrefix(body, prefixCacheStats):
		return KindCacheStats
	case strings.HasPrefix(body, prefixRegisters):
		return KindRegisters
	case strings.HasPrefix(body, prefixManagedFrame):
		return KindManagedFrame
	case strings.HasPrefix(body, ":"):
		return KindFrame
	default:
		return KindUnknown
	}
}

// Value returns the numeric argument of a START, REPEAT or STACKMEM record.
func (r *Record) Value() (int64, error) {
	var prefix string
	switch r.Kind {
	case KindStart:
		prefix = prefixStart
	case KindRepeat:
		prefix = prefixRepeat
	case KindStackMem:
		prefix = prefixStackMem
	case KindManagedStart:
		prefix = prefixManagedStart
	case KindManagedRepeat:
		prefix = prefixManagedRepeat
	default:
		return 0, fmt.Errorf("%s record carries no value", r.Kind)
	}
	v := strings.TrimSuffix(strings.TrimPrefix(r.Body, prefix), ":")
	return strconv.ParseInt(v, 10, 64)
}

// Text returns the argument of a CALL or thread name record.
func (r *Record) Text() string {
	switch r.Kind {
	case KindCall:
		return strings.TrimPrefix(r.Body, prefixCall)
	case KindThreadName:
		return strings.TrimSuffix(strings.TrimPrefix(r.Body, prefixThreadName), ":")
	default:
		return ""
	}
}

// Frame is one native frame of a trace.
type Frame struct {
	Index  int
	PC     libpf.Address
	Symbol string
	// Offset is the signed distance from the symbol, e.g. "+0x10".
	Offset string
	// Module is the containing module with its load address.
	Module string
}

// ParseFrame parses a frame record body.
func ParseFrame(body string) (Frame, error) {
	s := strings.TrimSuffix(strings.TrimPrefix(body, ":"), ":")
	var f [3]string
	if stringutil.SplitN(s, ":", f[:]) != len(f) {
		return Frame{}, fmt.Errorf("%w: frame %q", ErrMalformed, body)
	}
	idx, err := strconv.Atoi(f[0])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: frame index: %v", ErrMalformed, err)
	}
	pc, err := strconv.ParseUint(f[1], 16, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: frame address: %v", ErrMalformed, err)
	}

	// Symbol names may contain colons, so the location is taken from the end.
	rest := f[2]
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return Frame{}, fmt.Errorf("%w: frame %q", ErrMalformed, body)
	}
	module := rest[i+1:]
	rest = rest[:i]
	j := strings.LastIndexByte(rest, ':')
	if j < 0 {
		return Frame{}, fmt.Errorf("%w: frame %q", ErrMalformed, body)
	}
	return Frame{
		Index:  idx,
		PC:     libpf.Address(pc),
		Symbol: rest[:j],
		Offset: rest[j+1:],
		Module: module,
	}, nil
}

// ParseManagedFrame parses a managed frame record body into its index and
// method.
func ParseManagedFrame(body string) (int, string, error) {
	s := strings.TrimSuffix(strings.TrimPrefix(body, prefixManagedFrame), ":")
	idxPart, method, ok := strings.Cut(s, ":")
	if !ok {
		return 0, "", fmt.Errorf("%w: managed frame %q", ErrMalformed, body)
	}
	idx, err := strconv.Atoi(idxPart)
	if err != nil {
		return 0, "", fmt.Errorf("%w: managed frame index: %v", ErrMalformed, err)
	}
	return idx, method, nil
}
