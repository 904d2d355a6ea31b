// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simdevice implements a simulated accelerator, backed by host memory.
//
// It is portable and deterministic enough to test executables without a real device:
// streams run their work asynchronously and in order, modules are loaded from a textual
// image declaring kernels and globals, and streams can capture and replay graphs.
//
// Kernels are plain Go functions registered by name, see RegisterKernel.
package simdevice

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gpuexec/internal/workerspool"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Platform name reported by the simulated executors.
const Platform = "sim"

// DefaultVersion is the compute capability of simulated executors, if not configured otherwise.
var DefaultVersion = device.GPUVersion{Platform: Platform, Major: 1, Minor: 0}

// Executor implements device.Executor for the simulated device.
type Executor struct {
	id              device.ExecutorID
	version         device.GPUVersion
	ordinal         int
	supportsCapture bool

	memory *arena
	pool   *workerspool.Pool

	mu         sync.Mutex
	modules    map[device.ModuleHandle]*loadedModule
	nextHandle device.ModuleHandle
	failLoads  int

	failGraphLaunches int

	moduleLoads, moduleUnloads, kernelLaunches, graphLaunches atomic.Int64
}

// Compile-time check that simdevice.Executor implements device.Executor.
var _ device.Executor = (*Executor)(nil)

// New constructs a simulated Executor.
//
// The config string is a comma-separated list of options:
//
//   - "version=<major>.<minor>": compute capability, defaults to DefaultVersion.
//   - "ordinal=<n>": device ordinal, defaults to 0.
//   - "graph_capture=<bool>": whether streams support graph capture, defaults to true.
//   - "parallelism=<n>": max parallelism of kernels, 0 disables it, -1 is unlimited.
//
// Example: simdevice.New("version=8.0,graph_capture=false")
func New(config string) (*Executor, error) {
	e := &Executor{
		id:              device.ExecutorID(Platform + ":" + uuid.NewString()),
		version:         DefaultVersion,
		supportsCapture: true,
		memory:          newArena(),
		pool:            workerspool.New(),
		modules:         make(map[device.ModuleHandle]*loadedModule),
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		var err error
		switch key {
		case "version":
			majorStr, minorStr, found := strings.Cut(value, ".")
			if !found {
				return nil, errors.Errorf("simdevice: invalid version %q, expected <major>.<minor>", value)
			}
			e.version.Major, err = strconv.Atoi(majorStr)
			if err == nil {
				e.version.Minor, err = strconv.Atoi(minorStr)
			}
		case "ordinal":
			e.ordinal, err = strconv.Atoi(value)
		case "graph_capture":
			e.supportsCapture, err = strconv.ParseBool(value)
		case "parallelism":
			var parallelism int
			parallelism, err = strconv.Atoi(value)
			e.pool.SetMaxParallelism(parallelism)
		default:
			return nil, errors.Errorf("unknown configuration option %q for the simulated device", part)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "simdevice: invalid value for option %q", key)
		}
	}
	return e, nil
}

// ID implements device.Executor.
func (e *Executor) ID() device.ExecutorID { return e.id }

// Platform implements device.Executor.
func (e *Executor) Platform() string { return Platform }

// Version implements device.Executor.
func (e *Executor) Version() device.GPUVersion { return e.version }

// DeviceOrdinal implements device.Executor.
func (e *Executor) DeviceOrdinal() int { return e.ordinal }

// SupportsGraphCapture implements device.Executor.
func (e *Executor) SupportsGraphCapture() bool { return e.supportsCapture }

// String implements fmt.Stringer.
func (e *Executor) String() string {
	return string(e.id)
}

// Allocate implements device.MemoryAllocator.
func (e *Executor) Allocate(size int) (device.DeviceMemory, error) {
	return e.memory.allocate(size)
}

// Deallocate implements device.MemoryAllocator.
func (e *Executor) Deallocate(mem device.DeviceMemory) error {
	return e.memory.free(mem)
}

// FailNextLoads makes the next n calls to LoadModule fail. Used to simulate driver failures.
func (e *Executor) FailNextLoads(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failLoads = n
}

// FailNextGraphLaunches makes the next n calls to Stream.LaunchGraph, on any stream of the
// executor, fail. Used to simulate driver failures.
func (e *Executor) FailNextGraphLaunches(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failGraphLaunches = n
}

// takeGraphLaunchFailure consumes one injected graph launch failure, if any.
func (e *Executor) takeGraphLaunchFailure() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failGraphLaunches == 0 {
		return false
	}
	e.failGraphLaunches--
	return true
}

// LoadModule implements device.Executor.
func (e *Executor) LoadModule(spec device.ModuleSpec) (device.ModuleHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failLoads > 0 {
		e.failLoads--
		return 0, errors.Errorf("simdevice %s: driver failed to load module", e.id)
	}
	moduleData, err := moduleBytes(spec)
	if err != nil {
		return 0, errors.WithMessagef(err, "simdevice %s: failed to load module", e.id)
	}
	img, err := parseModule(moduleData)
	if err != nil {
		return 0, errors.WithMessagef(err, "simdevice %s: failed to parse module", e.id)
	}
	m := &loadedModule{image: img, globals: make(map[string]device.DeviceMemory, len(img.globals))}
	for _, g := range img.globals {
		mem, err := e.memory.allocate(g.size)
		if err != nil {
			e.freeGlobals(m)
			return 0, errors.WithMessagef(err, "simdevice %s: failed to allocate global %q", e.id, g.name)
		}
		m.globals[g.name] = mem
	}
	e.nextHandle++
	handle := e.nextHandle
	e.modules[handle] = m
	e.moduleLoads.Add(1)
	klog.V(2).Infof("simdevice %s: loaded module #%d with %d kernels and %d globals",
		e.id, handle, len(img.kernels), len(img.globals))
	return handle, nil
}

func (e *Executor) freeGlobals(m *loadedModule) {
	for name, mem := range m.globals {
		if err := e.memory.free(mem); err != nil {
			klog.Warningf("simdevice %s: failed to free global %q: %+v", e.id, name, err)
		}
	}
}

// UnloadModule implements device.Executor.
func (e *Executor) UnloadModule(handle device.ModuleHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, found := e.modules[handle]
	if !found {
		return errors.Errorf("simdevice %s: module #%d is not loaded", e.id, handle)
	}
	e.freeGlobals(m)
	delete(e.modules, handle)
	e.moduleUnloads.Add(1)
	return nil
}

// GetSymbol implements device.Executor.
func (e *Executor) GetSymbol(handle device.ModuleHandle, name string) (device.DeviceMemory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, found := e.modules[handle]
	if !found {
		return device.DeviceMemory{}, errors.Errorf("simdevice %s: module #%d is not loaded", e.id, handle)
	}
	mem, found := m.globals[name]
	if !found {
		return device.DeviceMemory{}, errors.Errorf("simdevice %s: symbol %q not found in module #%d", e.id, name, handle)
	}
	return mem, nil
}

// lookupKernel checks that the kernel is declared by the loaded module and registered.
func (e *Executor) lookupKernel(handle device.ModuleHandle, name string) (KernelFn, error) {
	e.mu.Lock()
	m, found := e.modules[handle]
	e.mu.Unlock()
	if !found {
		return nil, errors.Errorf("module #%d is not loaded in %s", handle, e.id)
	}
	if !m.image.kernels.Has(name) {
		return nil, errors.Errorf("kernel %q not defined in module #%d", name, handle)
	}
	fn, err := lookupKernelFn(name)
	if err != nil {
		return nil, err
	}
	return fn, nil
}

// NewStream implements device.Executor.
func (e *Executor) NewStream() (device.Stream, error) {
	return newStream(e), nil
}

// ReadMemory synchronously copies the contents of device memory to the host.
// It doesn't synchronize with streams: the caller must make sure the writes are done.
func (e *Executor) ReadMemory(mem device.DeviceMemory) ([]byte, error) {
	data, err := e.memory.resolve(mem)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// WriteMemory synchronously copies host data to device memory.
// It doesn't synchronize with streams.
func (e *Executor) WriteMemory(mem device.DeviceMemory, data []byte) error {
	dst, err := e.memory.resolve(mem)
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return errors.Errorf("WriteMemory: %d bytes given for device memory %s", len(data), mem)
	}
	copy(dst, data)
	return nil
}

// Stats are counters of the work done by the simulated device.
type Stats struct {
	ModuleLoads, ModuleUnloads, KernelLaunches, GraphLaunches int64

	// LiveBytes is the amount of memory currently allocated.
	LiveBytes int64
}

// Stats returns the current counters.
func (e *Executor) Stats() Stats {
	return Stats{
		ModuleLoads:    e.moduleLoads.Load(),
		ModuleUnloads:  e.moduleUnloads.Load(),
		KernelLaunches: e.kernelLaunches.Load(),
		GraphLaunches:  e.graphLaunches.Load(),
		LiveBytes:      e.memory.live(),
	}
}
