// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"

	"github.com/pkg/errors"
)

// DeviceMemory is a reference (not ownership) to a range of device memory.
//
// Addr is an opaque device address: only the device runtime can dereference it.
type DeviceMemory struct {
	Addr uint64
	Size int
}

// IsNull returns whether the memory refers to nothing.
func (m DeviceMemory) IsNull() bool {
	return m.Addr == 0
}

// Sub returns the sub-range [offset, offset+size) of the memory.
func (m DeviceMemory) Sub(offset, size int) (DeviceMemory, error) {
	if offset < 0 || size < 0 || offset+size > m.Size {
		return DeviceMemory{}, errors.Errorf("sub-range [%d, %d) out of bounds of device memory %s",
			offset, offset+size, m)
	}
	return DeviceMemory{Addr: m.Addr + uint64(offset), Size: size}, nil
}

// String implements fmt.Stringer.
func (m DeviceMemory) String() string {
	return fmt.Sprintf("0x%x[%d]", m.Addr, m.Size)
}
