// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package logbuf

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	bytes.Buffer
	writes  int
	flushes int
	err     error
}

func (s *memSink) Write(p []byte) (int, error) {
	s.writes++
	if s.err != nil {
		return 0, s.err
	}
	return s.Buffer.Write(p)
}

func (s *memSink) Flush() error {
	s.flushes++
	return nil
}

const prefix = "1700000000.500000:"

func newTestWriter(t *testing.T, mainThread bool) (*Writer, *memSink, *timeutil.SimulatedClock) {
	t.Helper()
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Unix(1700000000, 500000*int64(time.Microsecond)))
	sink := &memSink{}
	w := New(sink, clock, mainThread)
	require.Equal(t, prefix, w.Prefix())
	return w, sink, clock
}

func TestStamp(t *testing.T) {
	tests := map[string]struct {
		at   time.Time
		want string
	}{
		"zero usec":  {at: time.Unix(12, 0), want: "12.000000:"},
		"small usec": {at: time.Unix(12, 42*int64(time.Microsecond)), want: "12.000042:"},
		"full usec":  {at: time.Unix(12, 999999*int64(time.Microsecond)+999), want: "12.999999:"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, string(appendStamp(nil, tc.at)))
		})
	}
}

func TestAppendBuffersUntilFlush(t *testing.T) {
	w, sink, clock := newTestWriter(t, false)

	require.True(t, w.Append("BT:START:2:"))
	require.True(t, w.AppendBytes([]byte(":0:1000:")))
	assert.Zero(t, sink.Len())
	assert.Equal(t, prefix+"BT:START:2:\n"+prefix+":0:1000:\n", string(w.Buffered()))

	// The prefix only changes when the owner restamps.
	clock.AdvanceTime(time.Second)
	w.Append("a")
	assert.True(t, strings.HasSuffix(string(w.Buffered()), prefix+"a\n"))
	w.Stamp()
	w.Append("b")
	assert.True(t, strings.HasSuffix(string(w.Buffered()), "1700000001.500000:b\n"))

	w.Flush()
	assert.Zero(t, w.Pos())
	assert.Equal(t, 1, sink.writes)
	assert.Equal(t, uint64(1), w.Flushes)
	// Flushing an empty buffer is a no-op.
	w.Flush()
	assert.Equal(t, 1, sink.writes)
}

func TestExactFillFlushes(t *testing.T) {
	w, sink, _ := newTestWriter(t, false)

	body := strings.Repeat("x", LogBufferSize-len(prefix)-1)
	require.True(t, w.Append(body))
	assert.Zero(t, w.Pos())
	assert.Equal(t, LogBufferSize, sink.Len())
	assert.Equal(t, uint64(1), w.Flushes)
}

func TestOverflowFlushesFirst(t *testing.T) {
	w, sink, _ := newTestWriter(t, false)

	require.True(t, w.Append("head"))
	used := w.Pos()
	body := strings.Repeat("y", LogBufferSize-used)
	require.True(t, w.Append(body[:len(body)-len(prefix)]))

	// The first record went out on its own; the second one is buffered.
	assert.Equal(t, prefix+"head\n", sink.String())
	assert.Equal(t, len(prefix)+len(body)-len(prefix)+1, w.Pos())
}

func TestTruncation(t *testing.T) {
	w, sink, _ := newTestWriter(t, false)

	require.True(t, w.Append("before"))
	body := strings.Repeat("z", LogBufferSize-len(prefix))
	assert.False(t, w.Append(body))
	assert.Equal(t, uint64(1), w.Truncations)
	assert.Zero(t, w.Pos())
	assert.Equal(t, prefix+"before\n"+prefix+"LOG:"+TruncatedMarker+"\n", sink.String())

	// The writer keeps working after a dropped record.
	require.True(t, w.Append("after"))
	assert.Equal(t, prefix+"after\n", string(w.Buffered()))
}

func TestAggressive(t *testing.T) {
	w, sink, _ := newTestWriter(t, false)
	w.Aggressive = true

	w.Append("one")
	w.Append("two")
	assert.Zero(t, w.Pos())
	assert.Equal(t, 2, sink.writes)
	assert.Equal(t, 2, sink.flushes)
}

func TestWriteErrorsAreCounted(t *testing.T) {
	w, sink, _ := newTestWriter(t, false)
	sink.err = errors.New("disk full")

	w.Append("lost")
	w.Flush()
	w.Append("lost again")
	w.Flush()
	assert.Equal(t, uint64(2), w.WriteErrors)
	assert.Zero(t, w.Pos())
}

func TestMainThreadBuffer(t *testing.T) {
	w, sink, _ := newTestWriter(t, true)
	require.Same(t, &mainBuffer, w.buf)

	w.Append("pending")
	w.Close()
	assert.True(t, w.Closed())
	assert.Equal(t, prefix+"pending\n", sink.String())
	assert.Equal(t, make([]byte, LogBufferSize), mainBuffer[:])

	// Closing twice is harmless.
	w.Close()

	other, _, _ := newTestWriter(t, false)
	assert.NotSame(t, &mainBuffer, other.buf)
}
