// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbolizer // import "github.com/libtrack/btrace/symbolizer"

import (
	"runtime"

	log "github.com/sirupsen/logrus"

	"github.com/libtrack/btrace/libpf"
	"github.com/libtrack/btrace/procmaps"
)

// Runtime resolves addresses of the running Go program.
type Runtime struct {
	modules *procmaps.Table
}

var _ Symbolizer = (*Runtime)(nil)

// NewRuntime returns a symbolizer for the calling process. Module lookups
// are unavailable if the process mappings cannot be read.
func NewRuntime() *Runtime {
	modules, err := procmaps.Self()
	if err != nil {
		log.Warnf("Failed to read process mappings: %v", err)
	}
	return &Runtime{modules: modules}
}

// Lookup implements Symbolizer.
func (r *Runtime) Lookup(addr libpf.Address) Info {
	var info Info
	if r.modules != nil {
		if m, ok := r.modules.Module(addr); ok {
			info.Module = m.Path
			info.Base = m.Base
		}
	}
	if fn := runtime.FuncForPC(uintptr(addr)); fn != nil {
		info.Name = fn.Name()
		info.Address = libpf.Address(fn.Entry())
	}
	return info
}
