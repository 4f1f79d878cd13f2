// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracelog // import "github.com/libtrack/btrace/tracelog"

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type decoder struct {
	io.Reader
	close func() error
}

func (d *decoder) Close() error {
	return d.close()
}

// NewReader returns a reader of the plain records in r. Gzip and zstd
// streams are detected and decompressed.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &decoder{Reader: gz, close: gz.Close}, nil
	case bytes.HasPrefix(magic, zstdMagic):
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return &decoder{Reader: dec, close: func() error {
			dec.Close()
			return nil
		}}, nil
	default:
		return &decoder{Reader: br, close: func() error { return nil }}, nil
	}
}

// Open opens the trace log at path.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &decoder{Reader: r, close: func() error {
		return errors.Join(r.Close(), f.Close())
	}}, nil
}

// Trace is one native stack trace with the records attached to it.
type Trace struct {
	Time   time.Time
	Frames []Frame
	// Managed holds the managed methods, if the managed stack was written.
	Managed []string
	// ManagedRepeat is set when the managed stack repeated the previous one.
	ManagedRepeat bool
	// StackMem is the reported stack usage, zero if not reported.
	StackMem int64
	// Count is the number of calls the trace stands for, including the
	// repeats collapsed into it.
	Count int
}

// Symbol returns the intercepted symbol.
func (t *Trace) Symbol() string {
	if len(t.Frames) == 0 {
		return ""
	}
	return t.Frames[0].Symbol
}

// Hash fingerprints the native stack of t.
func (t *Trace) Hash() uint64 {
	h := xxh3.New()
	var b [8]byte
	for i := range t.Frames {
		binary.LittleEndian.PutUint64(b[:], uint64(t.Frames[i].PC))
		_, _ = h.Write(b[:])
	}
	return h.Sum64()
}

// Summary aggregates a trace log.
type Summary struct {
	Records int
	// Traces counts the written native traces.
	Traces int
	// Calls counts the intercepted calls with a stack, repeats included.
	Calls int
	// Unique counts the distinct native stacks.
	Unique int
	// NoStack counts the calls logged without a stack.
	NoStack     int
	Managed     int
	Truncations int
	Malformed   int
	MaxStackMem int64
	ThreadName  string
	// Symbols counts the calls per intercepted symbol.
	Symbols map[string]int
}

// Parse reads all records from r, calling visit with each completed trace.
// A nil visit only builds the summary.
func Parse(r io.Reader, visit func(*Trace)) (Summary, error) {
	sum := Summary{Symbols: make(map[string]int)}
	seen := make(map[uint64]struct{})

	var cur *Trace
	finish := func() {
		if cur == nil {
			return
		}
		sum.Calls += cur.Count
		sum.Symbols[cur.Symbol()] += cur.Count
		if _, ok := seen[cur.Hash()]; !ok {
			seen[cur.Hash()] = struct{}{}
			sum.Unique++
		}
		if visit != nil {
			visit(cur)
		}
		cur = nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		sum.Records++
		rec, err := ParseRecord(line)
		if err != nil {
			sum.Malformed++
			log.Debugf("Skipping record: %v", err)
			continue
		}

		switch rec.Kind {
		case KindStart:
			finish()
			n, _ := rec.Value()
			cur = &Trace{
				Time:   rec.Time,
				Frames: make([]Frame, 0, min(max(n, 0), 64)),
				Count:  1,
			}
			sum.Traces++
		case KindFrame:
			if cur == nil {
				sum.Malformed++
				continue
			}
			f, err := ParseFrame(rec.Body)
			if err != nil {
				sum.Malformed++
				continue
			}
			cur.Frames = append(cur.Frames, f)
		case KindManagedStart:
			if cur != nil {
				cur.Managed = []string{}
				sum.Managed++
			}
		case KindManagedFrame:
			if cur == nil {
				continue
			}
			if _, m, err := ParseManagedFrame(rec.Body); err == nil {
				cur.Managed = append(cur.Managed, m)
			} else {
				sum.Malformed++
			}
		case KindManagedRepeat:
			if cur != nil {
				cur.ManagedRepeat = true
				sum.Managed++
			}
		case KindStackMem:
			v, err := rec.Value()
			if err == nil && cur != nil {
				cur.StackMem = v
				sum.MaxStackMem = max(sum.MaxStackMem, v)
			}
		case KindRepeat:
			// Precedes the next START and belongs to the trace before it.
			if n, err := rec.Value(); err == nil && cur != nil {
				cur.Count += int(n)
			}
		case KindCall:
			sum.NoStack++
			sum.Symbols[rec.Text()]++
		case KindThreadName:
			sum.ThreadName = rec.Text()
		case KindTruncated:
			sum.Truncations++
		}
	}
	finish()
	return sum, sc.Err()
}
