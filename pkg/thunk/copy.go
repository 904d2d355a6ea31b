// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunk

import (
	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/pkg/errors"
)

// HostToDeviceCopyThunk copies constant host data into a buffer slice.
//
// The host data is owned by the thunk and never modified, so the copy can be captured.
type HostToDeviceCopyThunk struct {
	name string
	src  []byte
	dst  buffers.Slice
}

// NewHostToDeviceCopyThunk creates a thunk copying src to dst. len(src) must equal dst.Size.
func NewHostToDeviceCopyThunk(name string, src []byte, dst buffers.Slice) (*HostToDeviceCopyThunk, error) {
	if len(src) != dst.Size {
		return nil, errors.Errorf("host-to-device copy %q: source has %d bytes, destination slice %s", name, len(src), dst)
	}
	return &HostToDeviceCopyThunk{name: name, src: src, dst: dst}, nil
}

// Kind implements Thunk.
func (t *HostToDeviceCopyThunk) Kind() Kind { return KindHostToDeviceCopy }

// Name implements Thunk.
func (t *HostToDeviceCopyThunk) Name() string { return t.name }

// Capturable implements Thunk.
func (t *HostToDeviceCopyThunk) Capturable() bool { return true }

// ExecuteOnStream implements Thunk.
func (t *HostToDeviceCopyThunk) ExecuteOnStream(params *ExecuteParams) error {
	dst, err := params.Buffers.GetSlice(t.dst)
	if err != nil {
		return errors.WithMessagef(err, "host-to-device copy %q", t.name)
	}
	return params.Stream.MemcpyHostToDevice(dst, t.src)
}

// DeviceToDeviceCopyThunk copies one buffer slice into another.
type DeviceToDeviceCopyThunk struct {
	name     string
	src, dst buffers.Slice
}

// NewDeviceToDeviceCopyThunk creates a thunk copying src to dst. Both slices must have the same size.
func NewDeviceToDeviceCopyThunk(name string, src, dst buffers.Slice) (*DeviceToDeviceCopyThunk, error) {
	if src.Size != dst.Size {
		return nil, errors.Errorf("device-to-device copy %q: source slice %s and destination slice %s differ in size", name, src, dst)
	}
	return &DeviceToDeviceCopyThunk{name: name, src: src, dst: dst}, nil
}

// Kind implements Thunk.
func (t *DeviceToDeviceCopyThunk) Kind() Kind { return KindDeviceToDeviceCopy }

// Name implements Thunk.
func (t *DeviceToDeviceCopyThunk) Name() string { return t.name }

// Capturable implements Thunk.
func (t *DeviceToDeviceCopyThunk) Capturable() bool { return true }

// ExecuteOnStream implements Thunk.
func (t *DeviceToDeviceCopyThunk) ExecuteOnStream(params *ExecuteParams) error {
	src, err := params.Buffers.GetSlice(t.src)
	if err != nil {
		return errors.WithMessagef(err, "device-to-device copy %q source", t.name)
	}
	dst, err := params.Buffers.GetSlice(t.dst)
	if err != nil {
		return errors.WithMessagef(err, "device-to-device copy %q destination", t.name)
	}
	return params.Stream.MemcpyDeviceToDevice(dst, src, t.src.Size)
}

// MemzeroThunk zeroes a buffer slice.
type MemzeroThunk struct {
	name string
	dst  buffers.Slice
}

// NewMemzeroThunk creates a thunk that sets dst to zero.
func NewMemzeroThunk(name string, dst buffers.Slice) *MemzeroThunk {
	return &MemzeroThunk{name: name, dst: dst}
}

// Kind implements Thunk.
func (t *MemzeroThunk) Kind() Kind { return KindMemset }

// Name implements Thunk.
func (t *MemzeroThunk) Name() string { return t.name }

// Capturable implements Thunk.
func (t *MemzeroThunk) Capturable() bool { return true }

// ExecuteOnStream implements Thunk.
func (t *MemzeroThunk) ExecuteOnStream(params *ExecuteParams) error {
	dst, err := params.Buffers.GetSlice(t.dst)
	if err != nil {
		return errors.WithMessagef(err, "memzero %q", t.name)
	}
	return params.Stream.MemZero(dst, t.dst.Size)
}
