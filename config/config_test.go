// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libtrack/btrace/sink"
)

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mod func(*Config)
		err bool
	}{
		"default":          {mod: func(*Config) {}},
		"gzip":             {mod: func(c *Config) { c.Compression = "gzip" }},
		"rotation":         {mod: func(c *Config) { c.RotateSizeMB = 10 }},
		"no log dir":       {mod: func(c *Config) { c.LogDir = "" }, err: true},
		"bad compression":  {mod: func(c *Config) { c.Compression = "lz4" }, err: true},
		"negative backups": {mod: func(c *Config) { c.RotateBackups = -1 }, err: true},
		"rotated zstd": {
			mod: func(c *Config) { c.Compression = "zstd"; c.RotateSizeMB = 1 },
			err: true,
		},
		"no threads": {mod: func(c *Config) { c.MaxThreads = 0 }, err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mod(&cfg)
			if tc.err {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestSinkOptions(t *testing.T) {
	cfg := Default()
	cfg.RotateSizeMB = 4
	cfg.RotateBackups = 3
	opts, err := cfg.SinkOptions()
	require.NoError(t, err)
	assert.Equal(t, sink.Options{
		Compression: sink.None,
		Rotation:    &sink.Rotation{MaxSizeMB: 4, MaxBackups: 3},
	}, opts)

	cfg = Default()
	cfg.Compression = "zstd"
	cfg.CompressionLevel = 9
	opts, err = cfg.SinkOptions()
	require.NoError(t, err)
	assert.Equal(t, sink.Options{Compression: sink.Zstd, Level: 9}, opts)

	cfg.LogDir = ""
	_, err = cfg.SinkOptions()
	assert.Error(t, err)
}

func TestParseEnable(t *testing.T) {
	tests := map[string]struct {
		in   string
		want Enable
	}{
		"empty":       {in: "", want: Enable{PID: -1}},
		"pid":         {in: "1234\n", want: Enable{PID: 1234}},
		"all":         {in: "-1", want: Enable{PID: -1}},
		"zero":        {in: "0", want: Enable{PID: -1}},
		"timing":      {in: "42:3", want: Enable{PID: 42}},
		"all timing":  {in: ":1", want: Enable{PID: -1}},
		"garbage":     {in: "abc", want: Enable{PID: -1}},
		"bad timing":  {in: "42:x", want: Enable{PID: 42}},
		"double sep":  {in: "42::5", want: Enable{PID: 42}},
		"over length": {in: "7:1" + string(make([]byte, 64)), want: Enable{PID: 7}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseEnable([]byte(tc.in)))
		})
	}
}

func TestShouldTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enable_trace_logs")
	assert.False(t, ShouldTrace(path, 10))

	require.NoError(t, os.WriteFile(path, []byte("10"), 0o644))
	assert.True(t, ShouldTrace(path, 10))
	assert.False(t, ShouldTrace(path, 11))

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.True(t, ShouldTrace(path, 11))
}
