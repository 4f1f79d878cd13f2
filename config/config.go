// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the settings of a tracing session.
package config // import "github.com/libtrack/btrace/config"

import (
	"errors"
	"fmt"

	"github.com/libtrack/btrace/sink"
)

const (
	// DefaultLogDir is where per-thread trace logs are written.
	DefaultLogDir = "/tmp/trace_logs"
	// DefaultEnableFile switches tracing on when present.
	DefaultEnableFile = "/tmp/enable_trace_logs"
	// DefaultMaxThreads bounds the number of threads holding trace state.
	DefaultMaxThreads = 1024
)

// Config is the configuration of a tracing session.
type Config struct {
	// LogDir receives one log per traced thread.
	LogDir string
	// Compression is one of none, gzip or zstd.
	Compression string
	// CompressionLevel is passed to the encoder, zero selects its default.
	CompressionLevel int
	// RotateSizeMB enables rotation of uncompressed logs when non-zero.
	RotateSizeMB int
	// RotateBackups is the number of rotated logs kept.
	RotateBackups int

	// EnableFile is checked to decide whether the process is traced.
	EnableFile string

	// MaxThreads bounds the number of threads with live trace state. The
	// least recently traced thread is torn down when the bound is hit.
	MaxThreads int

	// VerboseFrames writes a register line after every native frame.
	VerboseFrames bool
	// Demangle renders C++ symbol names demangled.
	Demangle bool
	// Managed enables correlation with the managed runtime.
	Managed bool
	// StackMem writes the stack usage of each traced call.
	StackMem bool
	// CacheStats periodically writes line cache statistics.
	CacheStats bool
	// AggressiveFlush flushes the sink after every record.
	AggressiveFlush bool
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		LogDir:      DefaultLogDir,
		Compression: string(sink.None),
		EnableFile:  DefaultEnableFile,
		MaxThreads:  DefaultMaxThreads,
		StackMem:    true,
	}
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.LogDir == "" {
		return errors.New("log directory must be set")
	}

	c, err := sink.ParseCompression(cfg.Compression)
	if err != nil {
		return err
	}
	if cfg.RotateSizeMB < 0 || cfg.RotateBackups < 0 {
		return errors.New("rotation settings must not be negative")
	}
	if cfg.RotateSizeMB > 0 && c != sink.None {
		return fmt.Errorf("rotation cannot be combined with %s compression", c)
	}
	if cfg.MaxThreads <= 0 {
		return errors.New("max threads must be > 0")
	}
	return nil
}

// SinkOptions translates the configuration into sink options.
func (cfg *Config) SinkOptions() (sink.Options, error) {
	if err := cfg.Validate(); err != nil {
		return sink.Options{}, err
	}
	c, _ := sink.ParseCompression(cfg.Compression)
	opts := sink.Options{
		Compression: c,
		Level:       cfg.CompressionLevel,
	}
	if cfg.RotateSizeMB > 0 {
		opts.Rotation = &sink.Rotation{
			MaxSizeMB:  cfg.RotateSizeMB,
			MaxBackups: cfg.RotateBackups,
		}
	}
	return opts, nil
}
