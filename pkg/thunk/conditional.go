// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunk

import (
	"encoding/binary"

	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConditionalThunk executes one of its branches, selected by a value computed on the device.
//
// The selector is either a boolean predicate (1 byte, only with exactly 2 branches: true selects
// branch 0), or an int32 branch index. Out-of-range indices select the last branch.
//
// The host reads the selector, so the stream is synchronized and the thunk cannot be captured.
type ConditionalThunk struct {
	name     string
	selector buffers.Slice
	branches []*SequentialThunk
}

var _ Initializer = (*ConditionalThunk)(nil)

// NewConditionalThunk creates a conditional thunk. See ConditionalThunk for the selector format.
func NewConditionalThunk(name string, selector buffers.Slice, branches ...*SequentialThunk) (*ConditionalThunk, error) {
	if len(branches) == 0 {
		return nil, errors.Errorf("conditional %q has no branches", name)
	}
	isPredicate := selector.Size == 1 && len(branches) == 2
	if !isPredicate && selector.Size != 4 {
		return nil, errors.Errorf("conditional %q: selector %s must be a 1-byte predicate (with 2 branches) or a 4-byte branch index",
			name, selector)
	}
	return &ConditionalThunk{name: name, selector: selector, branches: branches}, nil
}

// Kind implements Thunk.
func (t *ConditionalThunk) Kind() Kind { return KindConditional }

// Name implements Thunk.
func (t *ConditionalThunk) Name() string { return t.name }

// Capturable implements Thunk.
func (t *ConditionalThunk) Capturable() bool { return false }

// Branches returns the branches of the conditional.
func (t *ConditionalThunk) Branches() []*SequentialThunk { return t.branches }

// Initialize implements Initializer, initializing all branches.
func (t *ConditionalThunk) Initialize(executor device.Executor, module device.ModuleHandle) error {
	for ii, branch := range t.branches {
		if err := branch.Initialize(executor, module); err != nil {
			return errors.WithMessagef(err, "conditional %q, branch #%d", t.name, ii)
		}
	}
	return nil
}

// ExecuteOnStream implements Thunk.
func (t *ConditionalThunk) ExecuteOnStream(params *ExecuteParams) error {
	selectorMem, err := params.Buffers.GetSlice(t.selector)
	if err != nil {
		return errors.WithMessagef(err, "conditional %q selector", t.name)
	}
	hostSelector := make([]byte, t.selector.Size)
	if err = params.Stream.MemcpyDeviceToHost(hostSelector, selectorMem); err != nil {
		return errors.WithMessagef(err, "conditional %q reading selector", t.name)
	}
	if err = params.Stream.BlockHostUntilDone(); err != nil {
		return errors.WithMessagef(err, "conditional %q waiting for selector", t.name)
	}
	branchIdx := t.branchIndex(hostSelector)
	klog.V(2).Infof("conditional %q: executing branch #%d", t.name, branchIdx)
	return t.branches[branchIdx].ExecuteOnStream(params)
}

func (t *ConditionalThunk) branchIndex(hostSelector []byte) int {
	if len(hostSelector) == 1 {
		if hostSelector[0] != 0 {
			return 0
		}
		return 1
	}
	idx := int(int32(binary.LittleEndian.Uint32(hostSelector)))
	if idx < 0 || idx >= len(t.branches) {
		return len(t.branches) - 1
	}
	return idx
}
