// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libtrack/btrace/config"
)

func traceArgs(t *testing.T, compression string, flat bool) *arguments {
	cfg := config.Default()
	cfg.LogDir = t.TempDir()
	cfg.EnableFile = ""
	cfg.Compression = compression
	require.NoError(t, cfg.Validate())
	return &arguments{
		Config:  cfg,
		calls:   16,
		flat:    flat,
		threads: 2,
	}
}

func TestTraceAndInspect(t *testing.T) {
	tests := map[string]struct {
		compression string
		flat        bool
	}{
		"plain":     {compression: "none"},
		"gzip":      {compression: "gzip"},
		"zstd flat": {compression: "zstd", flat: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			args := traceArgs(t, tc.compression, tc.flat)
			require.NoError(t, runTrace(context.Background(), args))

			paths, err := filepath.Glob(filepath.Join(args.LogDir, "trace.*.log*"))
			require.NoError(t, err)
			require.NotEmpty(t, paths)

			calls := 0
			for _, path := range paths {
				sum, err := inspectFile(path)
				require.NoError(t, err)
				assert.Zero(t, sum.Malformed)
				assert.Zero(t, sum.Truncations)
				calls += sum.Calls
				assert.Equal(t, sum.Calls, sum.Symbols["read"]+sum.Symbols["write"])
				if !tc.flat {
					// Runs of reads are collapsed.
					assert.Less(t, sum.Traces, sum.Calls)
				}
			}
			assert.Equal(t, args.calls*args.threads, calls)

			var out bytes.Buffer
			require.NoError(t, runInspect(context.Background(), &out, paths, 2))
			assert.Contains(t, out.String(), paths[0]+":\n")
		})
	}
}

func TestTraceNotEnabled(t *testing.T) {
	args := traceArgs(t, "none", false)
	args.EnableFile = filepath.Join(t.TempDir(), "enable_trace_logs")
	assert.Error(t, runTrace(context.Background(), args))
}

func TestInspectMissingFile(t *testing.T) {
	var out bytes.Buffer
	err := runInspect(context.Background(), &out,
		[]string{filepath.Join(t.TempDir(), "missing.log")}, 1)
	assert.Error(t, err)
}
