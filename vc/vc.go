// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc provides build time information. Values set through -ldflags
// take precedence; otherwise they are taken from the module build info.
package vc // import "github.com/libtrack/btrace/vc"

import (
	"runtime/debug"
	"sync"
)

var (
	// Set at link time, e.g.
	//   -X github.com/libtrack/btrace/vc.version=v0.3.0
	revision       = ""
	buildTimestamp = ""
	version        = ""
)

var fromBuildInfo = sync.OnceFunc(func() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if revision == "" {
				revision = s.Value
			}
		case "vcs.time":
			if buildTimestamp == "" {
				buildTimestamp = s.Value
			}
		}
	}
})

// Revision of the source tree.
func Revision() string {
	fromBuildInfo()
	return revision
}

// BuildTimestamp returns the timestamp of the build.
func BuildTimestamp() string {
	fromBuildInfo()
	return buildTimestamp
}

// Version in vX.Y.Z{-N-abbrev} format, "dev" if unknown.
func Version() string {
	fromBuildInfo()
	if version == "" {
		return "dev"
	}
	return version
}
