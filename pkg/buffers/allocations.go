// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Allocations maps each buffer allocation index to the device memory bound to it for one execution.
//
// It's read-only during the execution of the program.
type Allocations struct {
	assignment *Assignment
	memory     []device.DeviceMemory

	// owned marks the allocations created by a Builder, as opposed to given by the caller.
	owned []bool
}

// NewAllocations returns an Allocations with all indices unbound. Use Set to bind them.
func NewAllocations(assignment *Assignment) *Allocations {
	return &Allocations{
		assignment: assignment,
		memory:     make([]device.DeviceMemory, assignment.NumAllocations()),
		owned:      make([]bool, assignment.NumAllocations()),
	}
}

// Assignment returns the buffer assignment the allocations are bound for.
func (a *Allocations) Assignment() *Assignment { return a.assignment }

// Len returns the number of allocations.
func (a *Allocations) Len() int { return len(a.memory) }

// Set binds the allocation index to the given device memory.
func (a *Allocations) Set(idx Index, mem device.DeviceMemory) error {
	if idx < 0 || int(idx) >= len(a.memory) {
		return errors.Errorf("allocation index %d out of range (%d allocations)", idx, len(a.memory))
	}
	if alloc := a.assignment.Allocation(idx); mem.Size < alloc.Size {
		return errors.Errorf("device memory %s is too small for %s", mem, alloc)
	}
	a.memory[idx] = mem
	return nil
}

// Get returns the device memory bound to the allocation index.
func (a *Allocations) Get(idx Index) device.DeviceMemory {
	return a.memory[idx]
}

// GetSlice returns the device memory of the slice.
func (a *Allocations) GetSlice(s Slice) (device.DeviceMemory, error) {
	if s.Index < 0 || int(s.Index) >= len(a.memory) {
		return device.DeviceMemory{}, errors.Errorf("slice %s: allocation index out of range (%d allocations)", s, len(a.memory))
	}
	base := a.memory[s.Index]
	if base.IsNull() && s.Size > 0 {
		return device.DeviceMemory{}, errors.Errorf("slice %s: allocation is not bound to device memory", s)
	}
	mem, err := base.Sub(s.Offset, s.Size)
	if err != nil {
		return device.DeviceMemory{}, errors.WithMessagef(err, "slice %s", s)
	}
	return mem, nil
}

// Validate checks that all allocations are bound.
func (a *Allocations) Validate() error {
	for idx, mem := range a.memory {
		alloc := a.assignment.Allocation(Index(idx))
		if mem.IsNull() && alloc.Size > 0 {
			return errors.Errorf("%s is not bound to device memory", alloc)
		}
	}
	return nil
}

// Key identifies the full combination of device addresses of the allocations.
// It is comparable, and can be used as a map key.
type Key string

// Key returns the key of the current device addresses.
func (a *Allocations) Key() Key {
	buf := make([]byte, 0, 8*len(a.memory))
	for _, mem := range a.memory {
		buf = binary.LittleEndian.AppendUint64(buf, mem.Addr)
	}
	return Key(buf)
}

// Addresses decodes the device addresses of the key, in allocation index order.
func (k Key) Addresses() []uint64 {
	addrs := make([]uint64, len(k)/8)
	for ii := range addrs {
		addrs[ii] = binary.LittleEndian.Uint64([]byte(k[8*ii : 8*ii+8]))
	}
	return addrs
}

// TempBufferBase returns the device memory bound to the temp allocation, or a null DeviceMemory
// if the program has no temp allocation.
func (a *Allocations) TempBufferBase() device.DeviceMemory {
	alloc, found := a.assignment.TempAllocation()
	if !found {
		return device.DeviceMemory{}
	}
	return a.memory[alloc.Index]
}

// TempBaseHash returns the hash of the temp buffer base address.
//
// Different full Key values may share the same TempBaseHash, when only the parameters
// or outputs addresses change.
func (a *Allocations) TempBaseHash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write(binary.LittleEndian.AppendUint64(nil, a.TempBufferBase().Addr))
	return h.Sum64()
}

// Builder creates the Allocations of an execution: parameters are bound to the arguments,
// constants to the resolved module globals, temps and outputs are allocated.
type Builder struct {
	assignment *Assignment
	allocator  device.MemoryAllocator
}

// NewBuilder returns a Builder that allocates memory with allocator.
func NewBuilder(assignment *Assignment, allocator device.MemoryAllocator) *Builder {
	return &Builder{assignment: assignment, allocator: allocator}
}

// Build the allocations for one execution. On failure, any memory allocated is released.
func (b *Builder) Build(arguments []device.DeviceMemory, constants map[Index]device.DeviceMemory) (*Allocations, error) {
	params := b.assignment.Parameters()
	if len(arguments) != len(params) {
		return nil, errors.Errorf("expected %d arguments, got %d", len(params), len(arguments))
	}
	allocs := NewAllocations(b.assignment)
	var err error
	for idx, alloc := range b.assignment.Allocations() {
		switch alloc.Kind {
		case KindParameter:
			arg := arguments[alloc.ParameterNumber]
			if arg.Size != alloc.Size {
				err = errors.Errorf("argument #%d has %d bytes, %s expected", alloc.ParameterNumber, arg.Size, alloc)
			} else {
				allocs.memory[idx] = arg
			}
		case KindConstant:
			mem, found := constants[alloc.Index]
			if !found {
				err = errors.Errorf("constant %s not resolved", alloc)
			} else {
				allocs.memory[idx] = mem
			}
		case KindTemp, KindOutput:
			var mem device.DeviceMemory
			mem, err = b.allocator.Allocate(alloc.Size)
			if err == nil {
				allocs.memory[idx] = mem
				allocs.owned[idx] = true
			} else {
				err = errors.WithMessagef(err, "failed to allocate %s", alloc)
			}
		}
		if err != nil {
			allocs.Release(b.allocator, true)
			return nil, err
		}
	}
	return allocs, nil
}

// Release frees the memory allocated by a Builder: temps always, outputs only if includeOutputs is true.
// Failures are logged, not returned: the memory is lost but the execution results are not affected.
func (a *Allocations) Release(allocator device.MemoryAllocator, includeOutputs bool) {
	for idx, owned := range a.owned {
		if !owned {
			continue
		}
		alloc := a.assignment.Allocation(Index(idx))
		if alloc.Kind == KindOutput && !includeOutputs {
			continue
		}
		if err := allocator.Deallocate(a.memory[idx]); err != nil {
			klog.Warningf("failed to deallocate %s at %s: %+v", alloc, a.memory[idx], err)
		}
		a.owned[idx] = false
	}
}

// Outputs returns the device memory of the outputs, in the order of Assignment.Outputs.
func (a *Allocations) Outputs() []device.DeviceMemory {
	outputs := make([]device.DeviceMemory, 0, len(a.assignment.Outputs()))
	for _, idx := range a.assignment.Outputs() {
		outputs = append(outputs, a.memory[idx])
	}
	return outputs
}
