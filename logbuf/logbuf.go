// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package logbuf implements the per-thread buffered record writer.
//
// Records are appended to a fixed size buffer and prefixed with a timestamp
// that is rendered once per emission burst. The buffer is written to the sink
// when it runs full, when a record exactly fills it, or on explicit Flush. A
// record that cannot fit even an empty buffer is dropped and replaced by a
// truncation marker written straight to the sink.
package logbuf // import "github.com/libtrack/btrace/logbuf"

import (
	"io"
	"strconv"
	"time"

	"github.com/jacobsa/timeutil"
	log "github.com/sirupsen/logrus"
)

const (
	// LogBufferSize is the capacity of a thread's record buffer.
	LogBufferSize = 32 * 1024

	// maxStampLen bounds the rendered "<sec>.<usec>:" prefix.
	maxStampLen = 32

	// scratchSize is the initial size of the direct write scratch space.
	scratchSize = 1024
)

// TruncatedMarker replaces records that do not fit into an empty buffer.
const TruncatedMarker = "E:TRUNCATED!"

// Sink receives flushed buffer contents.
type Sink interface {
	io.Writer
	Flush() error
}

// Writer is a per-thread record buffer. It is not safe for concurrent use.
type Writer struct {
	sink  Sink
	clock timeutil.Clock

	buf *[LogBufferSize]byte
	pos int

	stamp    [maxStampLen]byte
	stampLen int

	scratch []byte

	// Aggressive flushes the buffer and the sink after every record.
	Aggressive bool

	// Counters, read by the owner when publishing metrics.
	Flushes     uint64
	Truncations uint64
	WriteErrors uint64
}

// mainBuffer is the static buffer used by the process main thread.
var mainBuffer [LogBufferSize]byte

// New returns a Writer for sink. The main thread reuses a static buffer; any
// other thread gets its own allocation. A nil clock selects the real clock.
func New(sink Sink, clock timeutil.Clock, mainThread bool) *Writer {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	w := &Writer{
		sink:    sink,
		clock:   clock,
		scratch: make([]byte, 0, scratchSize),
	}
	if mainThread {
		clear(mainBuffer[:])
		w.buf = &mainBuffer
	} else {
		w.buf = new([LogBufferSize]byte)
	}
	w.Stamp()
	return w
}

// Pos returns the write cursor.
func (w *Writer) Pos() int {
	return w.pos
}

// Remaining returns the free capacity of the buffer.
func (w *Writer) Remaining() int {
	return LogBufferSize - w.pos
}

// Buffered returns the records not yet flushed. The slice aliases the buffer.
func (w *Writer) Buffered() []byte {
	return w.buf[:w.pos]
}

// Stamp renders the current time as the prefix of all following records.
func (w *Writer) Stamp() {
	w.stampLen = len(appendStamp(w.stamp[:0], w.clock.Now()))
}

// Prefix returns the timestamp prefix currently in use.
func (w *Writer) Prefix() string {
	return string(w.stamp[:w.stampLen])
}

func appendStamp(dst []byte, now time.Time) []byte {
	usec := now.Nanosecond() / int(time.Microsecond)
	dst = strconv.AppendInt(dst, now.Unix(), 10)
	dst = append(dst, '.')
	if usec < 100000 {
		// Zero pad to six digits so that stamps sort and parse unambiguously.
		for d := 100000; d > 1 && usec < d; d /= 10 {
			dst = append(dst, '0')
		}
	}
	dst = strconv.AppendInt(dst, int64(usec), 10)
	return append(dst, ':')
}

// Append writes one record. It returns false when the record was dropped.
func (w *Writer) Append(text string) bool {
	return w.appendRecord(text, nil)
}

// AppendBytes is the []byte variant of Append.
func (w *Writer) AppendBytes(text []byte) bool {
	return w.appendRecord("", text)
}

func (w *Writer) appendRecord(s string, b []byte) bool {
	if w.pos < 0 || w.pos > LogBufferSize {
		// Cannot be trusted anymore: start over and accept the data loss.
		w.pos = 0
	}

	need := w.stampLen + len(s) + len(b) + 1
	remain := w.Remaining()
	if need > remain {
		w.Flush()
		remain = w.Remaining()
		if need > remain {
			w.truncated()
			return false
		}
	}

	p := w.pos
	p += copy(w.buf[p:], w.stamp[:w.stampLen])
	p += copy(w.buf[p:], s)
	p += copy(w.buf[p:], b)
	w.buf[p] = '\n'
	w.pos = p + 1

	switch {
	case need == remain:
		// Keep the next call's fast path free of a flush.
		w.Flush()
	case w.Aggressive:
		w.Flush()
		w.flushSink()
	}
	return true
}

// truncated writes the truncation marker directly to the sink.
func (w *Writer) truncated() {
	w.Truncations++
	w.WriteDirect("LOG", TruncatedMarker)
}

// WriteDirect bypasses the buffer and writes "<now>:<key>:<text>" to the
// sink. Buffered records are flushed first to keep the stream ordered.
func (w *Writer) WriteDirect(key, text string) {
	w.Flush()
	w.scratch = appendStamp(w.scratch[:0], w.clock.Now())
	w.scratch = append(w.scratch, key...)
	w.scratch = append(w.scratch, ':')
	w.scratch = append(w.scratch, text...)
	w.scratch = append(w.scratch, '\n')
	w.write(w.scratch)
	w.flushSink()
}

// Flush writes the buffered records to the sink and resets the cursor.
func (w *Writer) Flush() {
	if w.pos <= 0 {
		return
	}
	w.write(w.buf[:w.pos])
	w.pos = 0
	w.Flushes++
}

func (w *Writer) write(p []byte) {
	if w.sink == nil {
		return
	}
	if _, err := w.sink.Write(p); err != nil {
		w.WriteErrors++
		if w.WriteErrors == 1 {
			log.Warnf("Failed to write trace records: %v", err)
		}
	}
}

func (w *Writer) flushSink() {
	if w.sink == nil {
		return
	}
	if err := w.sink.Flush(); err != nil {
		log.Debugf("Failed to flush trace sink: %v", err)
	}
}

// Close flushes all pending records and releases the buffer. The static main
// thread buffer is cleared instead of being dropped. The sink is not closed.
func (w *Writer) Close() {
	if w.buf == nil {
		return
	}
	w.Flush()
	w.flushSink()
	if w.buf == &mainBuffer {
		clear(mainBuffer[:])
	}
	w.buf = nil
	w.pos = 0
}

// Closed reports whether Close was called.
func (w *Writer) Closed() bool {
	return w.buf == nil
}
