// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunk

import (
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/pkg/errors"
)

// SequentialThunk executes its sub-thunks in order, on the same stream.
type SequentialThunk struct {
	name   string
	thunks []Thunk
}

var _ Initializer = (*SequentialThunk)(nil)

// NewSequentialThunk creates a thunk that executes thunks in order.
func NewSequentialThunk(name string, thunks ...Thunk) *SequentialThunk {
	return &SequentialThunk{name: name, thunks: thunks}
}

// Kind implements Thunk.
func (t *SequentialThunk) Kind() Kind { return KindSequential }

// Name implements Thunk.
func (t *SequentialThunk) Name() string { return t.name }

// Thunks returns the sub-thunks.
func (t *SequentialThunk) Thunks() []Thunk { return t.thunks }

// Capturable implements Thunk: it is capturable if all its sub-thunks are.
func (t *SequentialThunk) Capturable() bool {
	for _, sub := range t.thunks {
		if !sub.Capturable() {
			return false
		}
	}
	return true
}

// Initialize implements Initializer, initializing all sub-thunks.
func (t *SequentialThunk) Initialize(executor device.Executor, module device.ModuleHandle) error {
	for _, sub := range t.thunks {
		if err := Initialize(sub, executor, module); err != nil {
			return errors.WithMessagef(err, "in sequence %q", t.name)
		}
	}
	return nil
}

// ExecuteOnStream implements Thunk. It stops at the first failing sub-thunk.
func (t *SequentialThunk) ExecuteOnStream(params *ExecuteParams) error {
	for ii, sub := range t.thunks {
		if err := sub.ExecuteOnStream(params); err != nil {
			return errors.WithMessagef(err, "in sequence %q, sub-thunk #%d (%q)", t.name, ii, sub.Name())
		}
	}
	return nil
}
