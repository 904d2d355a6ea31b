// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device defines the interface to the accelerator runtime an executable runs on:
// executors (one per device/driver context), in-order streams, events, captured graphs,
// loaded modules and device memory.
//
// Implementations must be safe for concurrent use: the same Executor is shared by all
// executables loaded on it, and streams are handed out to concurrent callers.
//
// See package simdevice for a portable implementation backed by host memory.
package device

import (
	"fmt"
)

// ExecutorID identifies an Executor. It's used as the key of per-executor caches, so
// it must be unique among the executors alive in the process.
type ExecutorID string

// Executor represents a specific accelerator device and driver context.
type Executor interface {
	// ID returns the unique id of the executor.
	ID() ExecutorID

	// Platform returns the name of the platform, e.g.: "cuda", "rocm" or "sim".
	Platform() string

	// Version returns the compute capability of the device.
	Version() GPUVersion

	// DeviceOrdinal returns the device number within the platform.
	DeviceOrdinal() int

	// LoadModule loads compiled code into the device. Loading may block on the driver.
	LoadModule(spec ModuleSpec) (ModuleHandle, error)

	// UnloadModule releases a module previously loaded with LoadModule.
	UnloadModule(handle ModuleHandle) error

	// GetSymbol returns the device memory of the global variable with the given name,
	// defined in the loaded module.
	GetSymbol(handle ModuleHandle, name string) (DeviceMemory, error)

	// NewStream creates a new in-order stream on the device.
	NewStream() (Stream, error)

	// SupportsGraphCapture returns whether streams of this executor can capture graphs.
	SupportsGraphCapture() bool

	// MemoryAllocator is the default allocator of device memory.
	MemoryAllocator
}

// MemoryAllocator allocates device memory.
type MemoryAllocator interface {
	// Allocate returns device memory of the given size in bytes.
	Allocate(size int) (DeviceMemory, error)

	// Deallocate returns the memory to the allocator. Deallocating a null DeviceMemory is a no-op.
	Deallocate(mem DeviceMemory) error
}

// ModuleSpec holds the compiled code to load into a device.
//
// Text is the textual form of the compiled code (e.g. PTX), Binary the machine code.
// Binary may be empty, in which case the driver compiles Text.
type ModuleSpec struct {
	Text   string
	Binary []byte
}

// ModuleHandle is an opaque reference to a module loaded on one Executor.
type ModuleHandle uint64

// IsNull returns whether the handle refers to no module.
func (h ModuleHandle) IsNull() bool { return h == 0 }

// GPUVersion is the compute capability a program was compiled for.
type GPUVersion struct {
	// Platform is e.g. "cuda", "rocm" or "sim".
	Platform string

	// Major, Minor version: the compute capability for CUDA, or the ISA version for ROCm.
	Major, Minor int
}

// String implements fmt.Stringer.
func (v GPUVersion) String() string {
	return fmt.Sprintf("%s:%d.%d", v.Platform, v.Major, v.Minor)
}

// Compatible returns whether code compiled for v can run on a device with version other.
// Compiled code is only compatible with the exact same platform and version.
func (v GPUVersion) Compatible(other GPUVersion) bool {
	return v == other
}

// LaunchDimensions of a kernel: number of blocks and threads per block.
type LaunchDimensions struct {
	Blocks, ThreadsPerBlock int
}

// NumThreads returns the total number of threads launched.
func (d LaunchDimensions) NumThreads() int {
	return d.Blocks * d.ThreadsPerBlock
}

// String implements fmt.Stringer.
func (d LaunchDimensions) String() string {
	return fmt.Sprintf("blocks=%d, threads_per_block=%d", d.Blocks, d.ThreadsPerBlock)
}
