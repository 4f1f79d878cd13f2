// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package sink provides the destinations trace buffers are flushed to: plain
// files, gzip or zstd compressed streams and size rotated files.
package sink // import "github.com/libtrack/btrace/sink"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("sink is closed")

// Sink receives flushed trace records.
type Sink interface {
	io.Writer
	Flush() error
	Close() error
}

// Compression selects the stream encoding of a sink.
type Compression string

const (
	None Compression = "none"
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

// ParseCompression validates a compression name. The empty string selects None.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case "":
		return None, nil
	case None, Gzip, Zstd:
		return c, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

// Ext returns the file name suffix of the encoding.
func (c Compression) Ext() string {
	switch c {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	default:
		return ""
	}
}

// Stream is a Sink. It is safe for concurrent use.
type Stream struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func() error
	close  func() error
	closed bool
}

var _ Sink = (*Stream)(nil)

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.w.Write(p)
}

// Flush pushes buffered data down to the underlying file.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.flush == nil {
		return nil
	}
	return s.flush()
}

// Close finishes the stream and closes the underlying file. Closing twice
// returns ErrClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if s.close == nil {
		return nil
	}
	return s.close()
}

// fileBufferSize matches the size of a thread's record buffer.
const fileBufferSize = 32 * 1024

// New wraps w without compression. Writes are buffered until Flush.
func New(w io.WriteCloser) *Stream {
	bw := bufio.NewWriterSize(w, fileBufferSize)
	return &Stream{
		w:     bw,
		flush: bw.Flush,
		close: func() error {
			return errors.Join(bw.Flush(), w.Close())
		},
	}
}

// NewGzip compresses into w at the given level.
func NewGzip(w io.WriteCloser, level int) (*Stream, error) {
	gz, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, err
	}
	return &Stream{
		w:     gz,
		flush: gz.Flush,
		close: func() error {
			return errors.Join(gz.Close(), w.Close())
		},
	}, nil
}

// NewZstd compresses into w. The level follows the zstd command line scale.
func NewZstd(w io.WriteCloser, level int) (*Stream, error) {
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &Stream{
		w:     enc,
		flush: enc.Flush,
		close: func() error {
			return errors.Join(enc.Close(), w.Close())
		},
	}, nil
}

// Rotation configures size based rotation of plain files.
type Rotation struct {
	// MaxSizeMB is the size a file may reach before it is rotated.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
	// MaxAgeDays removes rotated files older than this.
	MaxAgeDays int
	// Compress gzips rotated files.
	Compress bool
}

// NewRotating writes to path and rotates it according to r.
func NewRotating(path string, r Rotation) *Stream {
	return New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	})
}

// Options select how Open creates a sink.
type Options struct {
	Compression Compression
	// Level is the compression level, zero selects the encoder default.
	Level int
	// Rotation enables rotation of uncompressed files.
	Rotation *Rotation
}

// Open creates the directory of path and opens a sink writing to it.
func Open(path string, opts Options) (*Stream, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if opts.Rotation != nil {
		if opts.Compression != None && opts.Compression != "" {
			return nil, fmt.Errorf("rotation of %s streams is not supported", opts.Compression)
		}
		return NewRotating(path, *opts.Rotation), nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	var s *Stream
	switch opts.Compression {
	case Gzip:
		level := opts.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		s, err = NewGzip(f, level)
	case Zstd:
		level := opts.Level
		if level == 0 {
			level = 3
		}
		s, err = NewZstd(f, level)
	default:
		s = New(f)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Factory opens the sink of one thread.
type Factory func(tid int) (Sink, error)

// FileName returns the name of the log of thread tid in process pid.
func FileName(pid, tid int, c Compression) string {
	return fmt.Sprintf("trace.%d.%d.log%s", pid, tid, c.Ext())
}

// NewFactory returns a Factory creating one file per thread below dir.
func NewFactory(dir string, opts Options) Factory {
	pid := os.Getpid()
	return func(tid int) (Sink, error) {
		return Open(filepath.Join(dir, FileName(pid, tid, opts.Compression)), opts)
	}
}
