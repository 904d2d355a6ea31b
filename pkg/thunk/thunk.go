// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package thunk defines the schedulable units of device work of a compiled program, and the
// Schedule that orders them.
//
// Thunks are produced by the compiler and immutable afterward. They reference (not own) buffer
// allocations through buffers.Slice values, resolved to device memory at execution time.
package thunk

import (
	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/device"
)

// Kind of thunk.
type Kind int

//go:generate go tool enumer -type Kind -trimprefix=Kind -output=gen_kind_enumer.go thunk.go

const (
	KindKernel Kind = iota
	KindHostToDeviceCopy
	KindDeviceToDeviceCopy
	KindMemset
	KindCollective
	KindConditional
	KindSequential
)

// Thunk is one unit of device work.
type Thunk interface {
	// Kind of the thunk.
	Kind() Kind

	// Name of the thunk, typically the name of the operation of the program it implements.
	Name() string

	// ExecuteOnStream enqueues the work of the thunk on params.Stream.
	//
	// It returns once the work is enqueued, not when it completes, except for thunks that
	// need the host to take decisions (e.g. ConditionalThunk).
	ExecuteOnStream(params *ExecuteParams) error

	// Capturable returns whether the work of the thunk can be recorded in a graph and replayed
	// later: the thunk must not need the host during execution.
	Capturable() bool
}

// Initializer is implemented by thunks that need per-executor initialization, before their first
// execution on that executor.
type Initializer interface {
	Initialize(executor device.Executor, module device.ModuleHandle) error
}

// ExecuteParams are the parameters of one execution of a thunk.
type ExecuteParams struct {
	// Stream where to enqueue the work.
	Stream device.Stream

	// Buffers maps allocations to device memory for this execution.
	Buffers *buffers.Allocations

	// Module is the compiled module of the executable, loaded on the stream's executor.
	Module device.ModuleHandle

	// RunID identifies the execution. Participants of collective operations use the same RunID.
	RunID uint64

	// DeferHostCallback, if set, registers a function to be called on the host after the whole
	// thunk sequence has completed.
	DeferHostCallback func(fn func())
}

// Initialize calls Initialize on t, if it implements Initializer.
func Initialize(t Thunk, executor device.Executor, module device.ModuleHandle) error {
	if initializer, ok := t.(Initializer); ok {
		return initializer.Initialize(executor, module)
	}
	return nil
}
