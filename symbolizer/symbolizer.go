// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package symbolizer maps code addresses to the nearest preceding symbol and
// the module containing them. It deliberately stops there: no line numbers,
// no inlining information.
package symbolizer // import "github.com/libtrack/btrace/symbolizer"

import (
	"github.com/ianlancetaylor/demangle"

	"github.com/libtrack/btrace/libpf"
	"github.com/libtrack/btrace/procmaps"
)

// Info is the result of a lookup, modelled on dladdr()'s Dl_info.
type Info struct {
	// Name of the nearest symbol, empty if unknown.
	Name string
	// Address is the start of the nearest symbol, zero if unknown.
	Address libpf.Address
	// Module is the path of the containing module.
	Module string
	// Base is the load address of the module.
	Base libpf.Address
}

// Offset returns the distance of addr from the symbol, or from the module
// base if there is no symbol, with the sign rendered as '+' or '-'.
func (i *Info) Offset(addr libpf.Address) (byte, uint64) {
	switch {
	case i.Address == 0:
		return '+', uint64(addr - i.Base)
	case addr > i.Address:
		return '+', uint64(addr - i.Address)
	default:
		return '-', uint64(i.Address - addr)
	}
}

// Symbolizer resolves code addresses. Lookup must not fail: unknown fields
// are left empty.
type Symbolizer interface {
	Lookup(addr libpf.Address) Info
}

// Demangle turns a mangled C++ or Rust name into its readable form. Names
// that are not mangled are returned unchanged.
func Demangle(name string) string {
	return demangle.Filter(name, demangle.NoClones)
}

// Table resolves addresses against a fixed symbol set and process mappings.
// It also serves as a managed runtime symbol resolver.
type Table struct {
	symbols  *libpf.SymbolMap
	modules  *procmaps.Table
	demangle bool
}

// Option configures a Table.
type Option func(*Table)

// WithDemangling renders symbol names demangled.
func WithDemangling() Option {
	return func(t *Table) { t.demangle = true }
}

// WithModules attaches the process mappings used to report modules.
func WithModules(m *procmaps.Table) Option {
	return func(t *Table) { t.modules = m }
}

// NewTable returns a Table over syms, which must be finalized.
func NewTable(syms *libpf.SymbolMap, opts ...Option) *Table {
	t := &Table{symbols: syms}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Lookup implements Symbolizer.
func (t *Table) Lookup(addr libpf.Address) Info {
	var info Info
	if t.modules != nil {
		if m, ok := t.modules.Module(addr); ok {
			info.Module = m.Path
			info.Base = m.Base
		}
	}
	if t.symbols == nil {
		return info
	}
	if sym, ok := t.symbols.LookupByAddress(addr); ok {
		info.Address = sym.Address
		info.Name = string(sym.Name)
		if t.demangle {
			info.Name = Demangle(info.Name)
		}
	}
	return info
}

// Address returns the start of the named symbol.
func (t *Table) Address(name string) (libpf.Address, bool) {
	if t.symbols == nil {
		return 0, false
	}
	sym, err := t.symbols.LookupSymbol(libpf.SymbolName(name))
	if err != nil {
		return 0, false
	}
	return sym.Address, true
}

// SymbolStart returns the start of the symbol enclosing addr.
func (t *Table) SymbolStart(addr libpf.Address) (libpf.Address, bool) {
	if t.symbols == nil {
		return 0, false
	}
	sym, ok := t.symbols.LookupByAddress(addr)
	if !ok {
		return 0, false
	}
	return sym.Address, true
}

type demangling struct {
	Symbolizer
}

func (d demangling) Lookup(addr libpf.Address) Info {
	info := d.Symbolizer.Lookup(addr)
	info.Name = Demangle(info.Name)
	return info
}

// Demangling returns a Symbolizer that demangles the names resolved by s.
func Demangling(s Symbolizer) Symbolizer {
	return demangling{Symbolizer: s}
}
