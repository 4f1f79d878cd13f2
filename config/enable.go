// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package config // import "github.com/libtrack/btrace/config"

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// maxEnableLen is the number of bytes of the enable file that are read.
const maxEnableLen = 32

// Enable is the content of the enable file: "<pid>[:<timing>]". A PID of -1
// or a file without a number traces every process. The timing suffix is
// accepted for compatibility and ignored.
type Enable struct {
	PID int
}

// All reports whether every process is traced.
func (e Enable) All() bool {
	return e.PID < 0
}

// Matches reports whether process pid is traced.
func (e Enable) Matches(pid int) bool {
	return e.All() || e.PID == pid
}

// ParseEnable parses the enable file content.
func ParseEnable(b []byte) Enable {
	if len(b) > maxEnableLen {
		b = b[:maxEnableLen]
	}
	b = bytes.TrimSpace(b)
	pidPart, _, _ := bytes.Cut(b, []byte(":"))

	e := Enable{PID: -1}
	if pid, err := strconv.Atoi(string(pidPart)); err == nil && pid != 0 {
		e.PID = pid
	}
	return e
}

// ReadEnable reads the enable file at path. It returns false when the file
// does not exist, which disables tracing.
func ReadEnable(path string) (Enable, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("Failed to read %s: %v", path, err)
		}
		return Enable{}, false
	}
	return ParseEnable(b), true
}

// ShouldTrace reports whether the process pid is to be traced according to
// the enable file at path.
func ShouldTrace(path string, pid int) bool {
	e, ok := ReadEnable(path)
	return ok && e.Matches(pid)
}
