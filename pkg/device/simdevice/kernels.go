// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simdevice

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpuexec/internal/workerspool"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// KernelFn implements a simulated kernel. It is given the host bytes backing each of the
// kernel arguments, in order.
//
// Kernels may panic with exceptions.Panicf (or any error), the panic is converted to an error
// reported by the stream.
type KernelFn func(pool *workerspool.Pool, dims device.LaunchDimensions, args [][]byte)

var (
	kernelsMu sync.RWMutex
	kernels   = make(map[string]KernelFn)
)

// RegisterKernel registers a kernel implementation under the given name, replacing any previous one.
// Modules still need to declare the kernel (".kernel <name>") to launch it.
func RegisterKernel(name string, fn KernelFn) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[name] = fn
}

func lookupKernelFn(name string) (KernelFn, error) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	fn, found := kernels[name]
	if !found {
		return nil, errors.Errorf("no implementation registered for kernel %q", name)
	}
	return fn, nil
}

// minElementsPerWorker is the smallest chunk of elements worth handing to another worker.
const minElementsPerWorker = 4096

func init() {
	RegisterKernel("copy", copyKernel)
	RegisterKernel("add_f32", binaryF32Kernel("add_f32", func(a, b float32) float32 { return a + b }))
	RegisterKernel("mul_f32", binaryF32Kernel("mul_f32", func(a, b float32) float32 { return a * b }))
	RegisterKernel("tanh_f32", unaryF32Kernel("tanh_f32", func(x float32) float32 { return float32(math.Tanh(float64(x))) }))
	RegisterKernel("relu_f32", unaryF32Kernel("relu_f32", func(x float32) float32 { return max(x, 0) }))
	RegisterKernel("add_f16", binaryF16Kernel("add_f16", func(a, b float32) float32 { return a + b }))
	RegisterKernel("tanh_f16", unaryF16Kernel("tanh_f16", func(x float32) float32 { return float32(math.Tanh(float64(x))) }))
}

func checkNumArgs(name string, args [][]byte, want int) {
	if len(args) != want {
		exceptions.Panicf("kernel %s takes %d arguments, got %d", name, want, len(args))
	}
}

// copyKernel copies args[0] into args[1].
func copyKernel(_ *workerspool.Pool, _ device.LaunchDimensions, args [][]byte) {
	checkNumArgs("copy", args, 2)
	if len(args[0]) != len(args[1]) {
		exceptions.Panicf("kernel copy: source has %d bytes, destination %d", len(args[0]), len(args[1]))
	}
	copy(args[1], args[0])
}

// binaryF32Kernel returns a kernel computing args[2] = op(args[0], args[1]) elementwise.
func binaryF32Kernel(name string, op func(a, b float32) float32) KernelFn {
	return func(pool *workerspool.Pool, _ device.LaunchDimensions, args [][]byte) {
		checkNumArgs(name, args, 3)
		a, b, out := args[0], args[1], args[2]
		if len(a) != len(out) || len(b) != len(out) || len(out)%4 != 0 {
			exceptions.Panicf("kernel %s: invalid operand sizes %d, %d -> %d", name, len(a), len(b), len(out))
		}
		pool.ParallelFor(len(out)/4, minElementsPerWorker, func(start, end int) {
			for ii := start; ii < end; ii++ {
				x := math.Float32frombits(binary.LittleEndian.Uint32(a[4*ii:]))
				y := math.Float32frombits(binary.LittleEndian.Uint32(b[4*ii:]))
				binary.LittleEndian.PutUint32(out[4*ii:], math.Float32bits(op(x, y)))
			}
		})
	}
}

// unaryF32Kernel returns a kernel computing args[1] = op(args[0]) elementwise.
func unaryF32Kernel(name string, op func(x float32) float32) KernelFn {
	return func(pool *workerspool.Pool, _ device.LaunchDimensions, args [][]byte) {
		checkNumArgs(name, args, 2)
		in, out := args[0], args[1]
		if len(in) != len(out) || len(out)%4 != 0 {
			exceptions.Panicf("kernel %s: invalid operand sizes %d -> %d", name, len(in), len(out))
		}
		pool.ParallelFor(len(out)/4, minElementsPerWorker, func(start, end int) {
			for ii := start; ii < end; ii++ {
				x := math.Float32frombits(binary.LittleEndian.Uint32(in[4*ii:]))
				binary.LittleEndian.PutUint32(out[4*ii:], math.Float32bits(op(x)))
			}
		})
	}
}

// binaryF16Kernel computes in float32 and rounds the results to float16.
func binaryF16Kernel(name string, op func(a, b float32) float32) KernelFn {
	return func(pool *workerspool.Pool, _ device.LaunchDimensions, args [][]byte) {
		checkNumArgs(name, args, 3)
		a, b, out := args[0], args[1], args[2]
		if len(a) != len(out) || len(b) != len(out) || len(out)%2 != 0 {
			exceptions.Panicf("kernel %s: invalid operand sizes %d, %d -> %d", name, len(a), len(b), len(out))
		}
		pool.ParallelFor(len(out)/2, minElementsPerWorker, func(start, end int) {
			for ii := start; ii < end; ii++ {
				x := float16.Frombits(binary.LittleEndian.Uint16(a[2*ii:])).Float32()
				y := float16.Frombits(binary.LittleEndian.Uint16(b[2*ii:])).Float32()
				binary.LittleEndian.PutUint16(out[2*ii:], float16.Fromfloat32(op(x, y)).Bits())
			}
		})
	}
}

func unaryF16Kernel(name string, op func(x float32) float32) KernelFn {
	return func(pool *workerspool.Pool, _ device.LaunchDimensions, args [][]byte) {
		checkNumArgs(name, args, 2)
		in, out := args[0], args[1]
		if len(in) != len(out) || len(out)%2 != 0 {
			exceptions.Panicf("kernel %s: invalid operand sizes %d -> %d", name, len(in), len(out))
		}
		pool.ParallelFor(len(out)/2, minElementsPerWorker, func(start, end int) {
			for ii := start; ii < end; ii++ {
				x := float16.Frombits(binary.LittleEndian.Uint16(in[2*ii:])).Float32()
				binary.LittleEndian.PutUint16(out[2*ii:], float16.Fromfloat32(op(x)).Bits())
			}
		})
	}
}
