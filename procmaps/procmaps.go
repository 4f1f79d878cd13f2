// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package procmaps reads the memory mappings of a process and answers which
// module contains a code address, the way dladdr() reports dli_fname and
// dli_fbase.
package procmaps // import "github.com/libtrack/btrace/procmaps"

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/libtrack/btrace/libpf"
	"github.com/libtrack/btrace/stringutil"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  libpf.Address
	End    libpf.Address
	Flags  elf.ProgFlag
	Offset uint64
	Inode  uint64
	Path   string
}

// IsExecutable reports whether code can run from the mapping.
func (m *Mapping) IsExecutable() bool {
	return m.Flags&elf.PF_X == elf.PF_X
}

// IsAnonymous reports whether the mapping has no backing file.
func (m *Mapping) IsAnonymous() bool {
	return m.Path == ""
}

func trimMappingPath(path string) string {
	// See path_with_deleted in linux/fs/d_path.c
	path = strings.TrimSuffix(path, " (deleted)")
	if path == "/dev/zero" {
		return ""
	}
	return path
}

// Parse reads mappings in /proc/<pid>/maps format. Malformed lines are
// skipped and counted. Mappings that are neither readable nor executable are
// dropped.
func Parse(r io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 8192), 8192)

	for scanner.Scan() {
		var fields [6]string
		var addrs [2]string

		line := stringutil.ToString(scanner.Bytes())
		if stringutil.FieldsN(line, fields[:]) < 5 {
			numParseErrors++
			continue
		}
		if stringutil.SplitN(fields[0], "-", addrs[:]) < 2 {
			numParseErrors++
			continue
		}

		perms := fields[1]
		if len(perms) < 3 {
			numParseErrors++
			continue
		}
		flags := elf.ProgFlag(0)
		if perms[0] == 'r' {
			flags |= elf.PF_R
		}
		if perms[1] == 'w' {
			flags |= elf.PF_W
		}
		if perms[2] == 'x' {
			flags |= elf.PF_X
		}
		if flags&(elf.PF_R|elf.PF_X) == 0 {
			continue
		}

		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			log.Debugf("inode: failed to convert %s to uint64: %v", fields[4], err)
			numParseErrors++
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			log.Debugf("start: failed to convert %s to uint64: %v", addrs[0], err)
			numParseErrors++
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil || end < start {
			log.Debugf("end: failed to convert %s: %v", addrs[1], err)
			numParseErrors++
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			log.Debugf("offset: failed to convert %s to uint64: %v", fields[2], err)
			numParseErrors++
			continue
		}

		path := fields[5]
		if inode != 0 {
			path = trimMappingPath(path)
		} else if path != "" && !strings.HasPrefix(path, "[") {
			path = ""
		}

		mappings = append(mappings, Mapping{
			Start:  libpf.Address(start),
			End:    libpf.Address(end),
			Flags:  flags,
			Offset: offset,
			Inode:  inode,
			// Copy the path out of the scanner buffer.
			Path: strings.Clone(path),
		})
	}
	return mappings, numParseErrors, scanner.Err()
}

// Read parses /proc/<pid>/maps.
func Read(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mappings, numParseErrors, err := Parse(f)
	if numParseErrors > 0 {
		log.Debugf("Skipped %d malformed lines in maps of %d", numParseErrors, pid)
	}
	return mappings, err
}

// Module is what a lookup reports for an address.
type Module struct {
	Path string
	// Base is the lowest address any mapping of the module starts at.
	Base libpf.Address
}

// Table answers module lookups for a set of mappings.
type Table struct {
	mappings []Mapping
	bases    map[string]libpf.Address
}

// NewTable indexes mappings.
func NewTable(mappings []Mapping) *Table {
	m := make([]Mapping, len(mappings))
	copy(m, mappings)
	sort.Slice(m, func(i, j int) bool { return m[i].Start < m[j].Start })

	bases := make(map[string]libpf.Address)
	for _, mp := range m {
		if mp.IsAnonymous() {
			continue
		}
		if b, ok := bases[mp.Path]; !ok || mp.Start < b {
			bases[mp.Path] = mp.Start
		}
	}
	return &Table{mappings: m, bases: bases}
}

// Self returns the table of the calling process.
func Self() (*Table, error) {
	mappings, err := Read(os.Getpid())
	if err != nil {
		return nil, err
	}
	return NewTable(mappings), nil
}

// Len returns the number of indexed mappings.
func (t *Table) Len() int {
	return len(t.mappings)
}

// Find returns the mapping containing addr.
func (t *Table) Find(addr libpf.Address) (*Mapping, bool) {
	i := sort.Search(len(t.mappings), func(i int) bool {
		return t.mappings[i].End > addr
	})
	if i < len(t.mappings) && t.mappings[i].Start <= addr {
		return &t.mappings[i], true
	}
	return nil, false
}

// Module returns the module containing addr. Anonymous mappings report an
// empty path and their own start as base.
func (t *Table) Module(addr libpf.Address) (Module, bool) {
	m, ok := t.Find(addr)
	if !ok {
		return Module{}, false
	}
	if m.IsAnonymous() {
		return Module{Base: m.Start}, true
	}
	return Module{Path: m.Path, Base: t.bases[m.Path]}, true
}
