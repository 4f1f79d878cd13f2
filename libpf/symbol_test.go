// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolMap(t *testing.T) {
	symmap := NewSymbolMap(3)
	symmap.Add(Symbol{Name: "dvmCallMethodV", Address: 0x5000, Size: 0x40})
	symmap.Add(Symbol{Name: "open", Address: 0x1000, Size: 0x100})
	symmap.Add(Symbol{Name: "tail", Address: 0x9000})
	symmap.Finalize()

	require.Equal(t, 3, symmap.Len())

	sym, err := symmap.LookupSymbol("open")
	require.NoError(t, err)
	assert.Equal(t, Address(0x1000), sym.Address)

	_, err = symmap.LookupSymbol("close")
	require.Error(t, err)

	tests := map[string]struct {
		addr  Address
		name  SymbolName
		found bool
	}{
		"symbol start":       {addr: 0x5000, name: "dvmCallMethodV", found: true},
		"inside symbol":      {addr: 0x5010, name: "dvmCallMethodV", found: true},
		"past symbol end":    {addr: 0x5040, found: false},
		"below first symbol": {addr: 0x10, found: false},
		"open ended symbol":  {addr: 0x12345, name: "tail", found: true},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			sym, found := symmap.LookupByAddress(test.addr)
			require.Equal(t, test.found, found)
			if found {
				assert.Equal(t, test.name, sym.Name)
			}
		})
	}
}

func TestRange(t *testing.T) {
	r := Range{Start: 0x5000, End: 0x5040}
	assert.True(t, r.Contains(0x5000))
	assert.True(t, r.Contains(0x5040))
	assert.False(t, r.Contains(0x5041))
	assert.False(t, r.Contains(0x4fff))
	assert.Equal(t, "5010", Address(0x5010).String())
}
