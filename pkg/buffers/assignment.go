// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers holds the buffer assignment of a compiled program, and the map of its
// buffer allocations to device memory for one execution.
//
// The buffer assignment is produced by the compiler and is immutable: it's shared (by pointer)
// between the executable and anyone else that needs it, e.g. profilers or tracers.
package buffers

import (
	"fmt"

	"github.com/pkg/errors"
)

// Index of a buffer allocation, assigned by the compiler.
type Index int

// AllocationKind tells where the memory of an allocation comes from.
type AllocationKind int

//go:generate go tool enumer -type AllocationKind -trimprefix=Kind -output=gen_allocationkind_enumer.go assignment.go

const (
	// KindTemp allocations are scratch space, allocated for each execution and freed afterward.
	KindTemp AllocationKind = iota

	// KindParameter allocations are given by the caller of the execution.
	KindParameter

	// KindConstant allocations are compile-time constants, stored in globals of the compiled module.
	KindConstant

	// KindOutput allocations hold results returned to the caller.
	KindOutput
)

// Allocation is a logical storage slot, later bound to concrete device memory.
type Allocation struct {
	Index Index
	Size  int
	Kind  AllocationKind

	// ParameterNumber is the position of the argument, for KindParameter allocations.
	ParameterNumber int

	// GlobalName is the name of the module global holding the constant, for KindConstant allocations.
	GlobalName string

	// ConstantData, if not empty, is copied into the constant global when the module is loaded.
	// If empty, the compiled module initializes the global itself.
	ConstantData []byte
}

// String implements fmt.Stringer.
func (a Allocation) String() string {
	switch a.Kind {
	case KindParameter:
		return fmt.Sprintf("allocation #%d (parameter %d, %d bytes)", a.Index, a.ParameterNumber, a.Size)
	case KindConstant:
		return fmt.Sprintf("allocation #%d (constant %q, %d bytes)", a.Index, a.GlobalName, a.Size)
	default:
		return fmt.Sprintf("allocation #%d (%s, %d bytes)", a.Index, a.Kind, a.Size)
	}
}

// Assignment is the set of allocations of a compiled program. Allocation i has Index i.
//
// It's immutable after NewAssignment.
type Assignment struct {
	allocations  []Allocation
	parameters   []Index // Indexed by parameter number.
	outputs      []Index
	constants    []Index
	tempIndex    Index // -1 if there are no temp allocations.
	numTempBytes int
}

// NewAssignment validates the allocations and creates an Assignment.
//
// The allocations must be given in Index order, starting from 0, and parameter numbers
// must be unique and contiguous starting from 0.
//
// Following the buffer assignment convention of compilers that pack all the scratch space in one
// preallocated block, at most one allocation can be of KindTemp.
func NewAssignment(allocations []Allocation) (*Assignment, error) {
	a := &Assignment{
		allocations: append([]Allocation(nil), allocations...),
		tempIndex:   -1,
	}
	paramIndices := make(map[int]Index)
	for ii, alloc := range a.allocations {
		if alloc.Index != Index(ii) {
			return nil, errors.Errorf("allocation at position %d has index %d, indices must match positions", ii, alloc.Index)
		}
		if alloc.Size < 0 {
			return nil, errors.Errorf("%s has negative size", alloc)
		}
		switch alloc.Kind {
		case KindParameter:
			if _, dup := paramIndices[alloc.ParameterNumber]; dup {
				return nil, errors.Errorf("parameter number %d assigned to more than one allocation", alloc.ParameterNumber)
			}
			paramIndices[alloc.ParameterNumber] = alloc.Index
		case KindConstant:
			if alloc.GlobalName == "" {
				return nil, errors.Errorf("%s has no global name", alloc)
			}
			if len(alloc.ConstantData) != 0 && len(alloc.ConstantData) != alloc.Size {
				return nil, errors.Errorf("%s has %d bytes of constant data", alloc, len(alloc.ConstantData))
			}
			a.constants = append(a.constants, alloc.Index)
		case KindOutput:
			a.outputs = append(a.outputs, alloc.Index)
		case KindTemp:
			if a.tempIndex >= 0 {
				return nil, errors.Errorf("more than one temp allocation: #%d and #%d", a.tempIndex, alloc.Index)
			}
			a.tempIndex = alloc.Index
			a.numTempBytes = alloc.Size
		default:
			return nil, errors.Errorf("allocation #%d has invalid kind %d", alloc.Index, alloc.Kind)
		}
	}
	a.parameters = make([]Index, len(paramIndices))
	for num, idx := range paramIndices {
		if num < 0 || num >= len(paramIndices) {
			return nil, errors.Errorf("parameter numbers must be contiguous from 0, got parameter %d out of %d",
				num, len(paramIndices))
		}
		a.parameters[num] = idx
	}
	return a, nil
}

// NumAllocations returns the number of allocations.
func (a *Assignment) NumAllocations() int { return len(a.allocations) }

// Allocation returns the allocation with the given index.
func (a *Assignment) Allocation(idx Index) Allocation { return a.allocations[idx] }

// Allocations returns all allocations, in index order. The returned slice must not be changed.
func (a *Assignment) Allocations() []Allocation { return a.allocations }

// Parameters returns the allocation indices of the parameters, indexed by parameter number.
func (a *Assignment) Parameters() []Index { return a.parameters }

// Outputs returns the allocation indices of the outputs, in index order.
func (a *Assignment) Outputs() []Index { return a.outputs }

// Constants returns the allocation indices of the constants, in index order.
func (a *Assignment) Constants() []Index { return a.constants }

// TempAllocation returns the preallocated temp allocation, if there is one.
func (a *Assignment) TempAllocation() (Allocation, bool) {
	if a.tempIndex < 0 {
		return Allocation{}, false
	}
	return a.allocations[a.tempIndex], true
}

// TotalTempBytes returns the size of the temp allocation.
func (a *Assignment) TotalTempBytes() int { return a.numTempBytes }

// Slice is a range of bytes of an allocation.
type Slice struct {
	Index  Index
	Offset int
	Size   int
}

// String implements fmt.Stringer.
func (s Slice) String() string {
	return fmt.Sprintf("{#%d:%d+%d}", s.Index, s.Offset, s.Size)
}

// SliceOf returns the slice covering the whole allocation.
func (a *Assignment) SliceOf(idx Index) Slice {
	return Slice{Index: idx, Size: a.allocations[idx].Size}
}
