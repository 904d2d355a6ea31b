// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"testing"

	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/device/simdevice"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAssignment(t *testing.T) *Assignment {
	a, err := NewAssignment([]Allocation{
		{Index: 0, Size: 16, Kind: KindParameter, ParameterNumber: 1},
		{Index: 1, Size: 16, Kind: KindParameter, ParameterNumber: 0},
		{Index: 2, Size: 8, Kind: KindConstant, GlobalName: "c0", ConstantData: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Index: 3, Size: 64, Kind: KindTemp},
		{Index: 4, Size: 16, Kind: KindOutput},
	})
	require.NoError(t, err)
	return a
}

func TestNewAssignment(t *testing.T) {
	a := testAssignment(t)
	assert.Equal(t, []Index{1, 0}, a.Parameters())
	assert.Equal(t, []Index{4}, a.Outputs())
	assert.Equal(t, []Index{2}, a.Constants())
	temp, found := a.TempAllocation()
	require.True(t, found)
	assert.Equal(t, Index(3), temp.Index)
	assert.Equal(t, 64, a.TotalTempBytes())
	assert.Equal(t, "Parameter", KindParameter.String())
	assert.Equal(t, Slice{Index: 4, Size: 16}, a.SliceOf(4))

	for name, allocs := range map[string][]Allocation{
		"index mismatch":      {{Index: 1, Size: 4}},
		"duplicate parameter": {{Index: 0, Kind: KindParameter}, {Index: 1, Kind: KindParameter}},
		"parameter gap":       {{Index: 0, Kind: KindParameter, ParameterNumber: 1}},
		"two temps":           {{Index: 0, Kind: KindTemp}, {Index: 1, Kind: KindTemp}},
		"constant no name":    {{Index: 0, Kind: KindConstant}},
		"constant bad data":   {{Index: 0, Kind: KindConstant, GlobalName: "c", Size: 4, ConstantData: []byte{1}}},
	} {
		_, err := NewAssignment(allocs)
		assert.Errorf(t, err, "%s: expected error", name)
	}
}

func TestBuilder(t *testing.T) {
	a := testAssignment(t)
	e := must.M1(simdevice.New(""))
	arg0, arg1 := must.M1(e.Allocate(16)), must.M1(e.Allocate(16))
	constant := must.M1(e.Allocate(8))
	constants := map[Index]device.DeviceMemory{2: constant}
	builder := NewBuilder(a, e)

	allocs, err := builder.Build([]device.DeviceMemory{arg0, arg1}, constants)
	require.NoError(t, err)
	require.NoError(t, allocs.Validate())
	assert.Equal(t, arg1, allocs.Get(0))
	assert.Equal(t, arg0, allocs.Get(1))
	assert.Equal(t, constant, allocs.Get(2))
	assert.Equal(t, allocs.Get(3), allocs.TempBufferBase())
	outputs := allocs.Outputs()
	require.Len(t, outputs, 1)
	assert.Equal(t, 16, outputs[0].Size)

	slice, err := allocs.GetSlice(Slice{Index: 3, Offset: 32, Size: 16})
	require.NoError(t, err)
	assert.Equal(t, allocs.Get(3).Addr+32, slice.Addr)
	_, err = allocs.GetSlice(Slice{Index: 3, Offset: 60, Size: 16})
	require.Error(t, err)

	// Keys differ with any address, the temp hash only with the temp address.
	key, hash := allocs.Key(), allocs.TempBaseHash()
	assert.Len(t, key.Addresses(), 5)
	assert.Equal(t, arg1.Addr, key.Addresses()[0])
	swapped, err := builder.Build([]device.DeviceMemory{arg1, arg0}, constants)
	require.NoError(t, err)
	assert.NotEqual(t, key, swapped.Key())
	assert.NotEqual(t, hash, swapped.TempBaseHash(), "temp is allocated while the first temp is still live")
	require.NoError(t, swapped.Set(3, allocs.Get(3)))
	assert.Equal(t, hash, swapped.TempBaseHash())
	assert.NotEqual(t, key, swapped.Key())

	// Release: temps go back to the allocator, outputs are kept.
	liveBefore := e.Stats().LiveBytes
	allocs.Release(e, false)
	assert.Less(t, e.Stats().LiveBytes, liveBefore)
	_, err = e.ReadMemory(outputs[0])
	require.NoError(t, err)

	// Errors.
	_, err = builder.Build([]device.DeviceMemory{arg0}, constants)
	require.Error(t, err)
	_, err = builder.Build([]device.DeviceMemory{arg0, arg1}, nil)
	require.Error(t, err)
	_, err = builder.Build([]device.DeviceMemory{arg0, constant}, constants)
	require.Error(t, err)
}
