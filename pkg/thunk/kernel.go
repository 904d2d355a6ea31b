// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunk

import (
	"sync"

	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/pkg/errors"
)

// KernelThunk launches one kernel of the executable's module.
type KernelThunk struct {
	name       string
	kernelName string
	args       []buffers.Slice
	dims       device.LaunchDimensions

	mu          sync.Mutex
	initialized map[device.ExecutorID]device.ModuleHandle
}

var _ Initializer = (*KernelThunk)(nil)

// NewKernelThunk creates a thunk that launches kernelName with the given arguments and launch dimensions.
func NewKernelThunk(name, kernelName string, args []buffers.Slice, dims device.LaunchDimensions) *KernelThunk {
	return &KernelThunk{
		name:        name,
		kernelName:  kernelName,
		args:        args,
		dims:        dims,
		initialized: make(map[device.ExecutorID]device.ModuleHandle),
	}
}

// Kind implements Thunk.
func (t *KernelThunk) Kind() Kind { return KindKernel }

// Name implements Thunk.
func (t *KernelThunk) Name() string { return t.name }

// Capturable implements Thunk.
func (t *KernelThunk) Capturable() bool { return true }

// KernelName returns the name of the kernel in the module.
func (t *KernelThunk) KernelName() string { return t.kernelName }

// Arguments returns the slices passed as arguments to the kernel.
func (t *KernelThunk) Arguments() []buffers.Slice { return t.args }

// Initialize implements Initializer. It binds the thunk to the module loaded on the executor.
// It is idempotent.
func (t *KernelThunk) Initialize(executor device.Executor, module device.ModuleHandle) error {
	if module.IsNull() {
		return errors.Errorf("kernel thunk %q: cannot initialize with a null module on executor %s", t.name, executor.ID())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized[executor.ID()] = module
	return nil
}

// ExecuteOnStream implements Thunk.
func (t *KernelThunk) ExecuteOnStream(params *ExecuteParams) error {
	executorID := params.Stream.Executor().ID()
	t.mu.Lock()
	module, found := t.initialized[executorID]
	t.mu.Unlock()
	if !found {
		return errors.Errorf("kernel thunk %q not initialized on executor %s", t.name, executorID)
	}
	if module != params.Module {
		return errors.Errorf("kernel thunk %q initialized with module %d, but executed with module %d", t.name, module, params.Module)
	}
	args := make([]device.DeviceMemory, len(t.args))
	for ii, slice := range t.args {
		mem, err := params.Buffers.GetSlice(slice)
		if err != nil {
			return errors.WithMessagef(err, "kernel thunk %q argument #%d", t.name, ii)
		}
		args[ii] = mem
	}
	return params.Stream.LaunchKernel(module, t.kernelName, t.dims, args)
}
