// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuexec

import (
	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/graphcache"
	"github.com/gomlx/gpuexec/pkg/thunk"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// moduleEntry holds what is owned per executor: the loaded module, its resolved constants and the
// graphs captured on the executor.
type moduleEntry struct {
	executor  device.Executor
	handle    device.ModuleHandle
	constants map[buffers.Index]device.DeviceMemory
	graphs    *graphcache.Cache[device.Graph]
}

// ResolveConstantGlobals returns the device memory of the constants of the program on the executor
// of stream, indexed by allocation.
//
// On the first call for an executor, the module is loaded, the constants with data are initialized
// (with copies enqueued on stream, and waited for) and the thunks are initialized. Later calls
// return the cached result. A failure is returned as an ErrorLoad, and nothing is cached: the
// next call tries again.
func (e *Executable) ResolveConstantGlobals(stream device.Stream) (map[buffers.Index]device.DeviceMemory, error) {
	entry, err := e.resolveModule(stream)
	if err != nil {
		return nil, err
	}
	return entry.constants, nil
}

func (e *Executable) resolveModule(stream device.Stream) (*moduleEntry, error) {
	executor := stream.Executor()
	id := executor.ID()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil, newError(ErrorLoad, id, errors.Errorf("Executable %q was finalized", e.name))
	}
	if entry, found := e.modules[id]; found {
		return entry, nil
	}
	entry, err := e.loadModule(stream)
	if err != nil {
		return nil, newError(ErrorLoad, id, err)
	}
	e.modules[id] = entry
	return entry, nil
}

// loadModule loads the module on the executor of stream. It must be called with mu held.
func (e *Executable) loadModule(stream device.Stream) (entry *moduleEntry, err error) {
	executor := stream.Executor()
	handle, err := executor.LoadModule(device.ModuleSpec{Text: e.text, Binary: e.binary})
	if err != nil {
		return nil, errors.WithMessagef(err, "loading module of %q", e.name)
	}
	defer func() {
		if err != nil {
			if unloadErr := executor.UnloadModule(handle); unloadErr != nil {
				klog.Warningf("Executable %q: failed to unload module from executor %s after load failure: %+v",
					e.name, executor.ID(), unloadErr)
			}
		}
	}()

	constants := make(map[buffers.Index]device.DeviceMemory, len(e.assignment.Constants()))
	var numCopies int
	for _, idx := range e.assignment.Constants() {
		alloc := e.assignment.Allocation(idx)
		mem, err := executor.GetSymbol(handle, alloc.GlobalName)
		if err != nil {
			return nil, errors.WithMessagef(err, "resolving %s", alloc)
		}
		if mem.Size < alloc.Size {
			return nil, errors.Errorf("global %q has %d bytes, %s requires more", alloc.GlobalName, mem.Size, alloc)
		}
		mem.Size = alloc.Size
		if len(alloc.ConstantData) > 0 {
			if err = stream.MemcpyHostToDevice(mem, alloc.ConstantData); err != nil {
				return nil, errors.WithMessagef(err, "initializing %s", alloc)
			}
			numCopies++
		}
		constants[idx] = mem
	}
	if numCopies > 0 {
		if err = stream.BlockHostUntilDone(); err != nil {
			return nil, errors.WithMessagef(err, "initializing constants")
		}
	}

	for ii, t := range e.schedule.Thunks() {
		if err = thunk.Initialize(t, executor, handle); err != nil {
			return nil, errors.WithMessagef(err, "initializing thunk #%d %q", ii, t.Name())
		}
	}
	klog.V(1).Infof("Executable %q: module loaded on executor %s with %d constants", e.name, executor.ID(), len(constants))
	return &moduleEntry{
		executor:  executor,
		handle:    handle,
		constants: constants,
		graphs:    graphcache.New[device.Graph](e.options.GraphCacheSize, e.options.CollectDiagnostics),
	}, nil
}

// Unload releases the module and the graphs of the Executable on executor. The next execution
// on that executor loads the module again. It is a no-op if the module is not loaded.
func (e *Executable) Unload(executor device.Executor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unloadLocked(executor.ID())
}

func (e *Executable) unloadLocked(id device.ExecutorID) error {
	entry, found := e.modules[id]
	if !found {
		return nil
	}
	delete(e.modules, id)
	entry.graphs.Clear()
	if err := entry.executor.UnloadModule(entry.handle); err != nil {
		return newError(ErrorLoad, id, errors.WithMessagef(err, "unloading module of %q", e.name))
	}
	klog.V(1).Infof("Executable %q: module unloaded from executor %s", e.name, id)
	return nil
}

// Finalize unloads the Executable from all executors and releases its helper streams.
// The Executable can't be executed afterward. It returns the first unload error, if any.
func (e *Executable) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil
	}
	e.finalized = true
	var firstErr error
	for id := range e.modules {
		if err := e.unloadLocked(id); err != nil {
			klog.Warningf("Executable %q: %+v", e.name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	e.streamPool.Close()
	return firstErr
}
