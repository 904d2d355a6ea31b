// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/device/simdevice"
	"github.com/gomlx/gpuexec/pkg/gpuexec"
	"github.com/gomlx/gpuexec/pkg/thunk"
	"github.com/janpfeifer/must"
)

// Demo program: y = relu(x * w + bias), with bias a constant.
const (
	allocX buffers.Index = iota
	allocW
	allocBias
	allocTemp
	allocY
)

const biasValue = 0.5

func demoModule(numElements int) string {
	return fmt.Sprintf(`# y = relu(x * w + bias)
.kernel mul_f32
.kernel add_f32
.kernel relu_f32
.global bias %d
`, 4*numElements)
}

// newDemoExecutable "compiles" the demo program for simdevice.DefaultVersion.
// If helperStream is true, the multiplication runs on a helper stream while the output is zeroed.
func newDemoExecutable(numElements int, helperStream bool, options gpuexec.Options) *gpuexec.Executable {
	size := 4 * numElements
	bias := make([]float32, numElements)
	for ii := range bias {
		bias[ii] = biasValue
	}
	assignment := must.M1(buffers.NewAssignment([]buffers.Allocation{
		{Index: allocX, Size: size, Kind: buffers.KindParameter, ParameterNumber: 0},
		{Index: allocW, Size: size, Kind: buffers.KindParameter, ParameterNumber: 1},
		{Index: allocBias, Size: size, Kind: buffers.KindConstant, GlobalName: "bias", ConstantData: simdevice.Float32sToBytes(bias...)},
		{Index: allocTemp, Size: 2 * size, Kind: buffers.KindTemp},
		{Index: allocY, Size: size, Kind: buffers.KindOutput},
	}))
	whole := func(idx buffers.Index) buffers.Slice { return assignment.SliceOf(idx) }
	product := buffers.Slice{Index: allocTemp, Offset: 0, Size: size}
	sum := buffers.Slice{Index: allocTemp, Offset: size, Size: size}
	dims := device.LaunchDimensions{Blocks: (numElements + 255) / 256, ThreadsPerBlock: 256}

	mul := thunk.NewKernelThunk("mul", "mul_f32", []buffers.Slice{whole(allocX), whole(allocW), product}, dims)
	add := thunk.NewKernelThunk("add", "add_f32", []buffers.Slice{product, whole(allocBias), sum}, dims)
	relu := thunk.NewKernelThunk("relu", "relu_f32", []buffers.Slice{sum, whole(allocY)}, dims)
	var schedule *thunk.Schedule
	if helperStream {
		zero := thunk.NewMemzeroThunk("zero_output", whole(allocY))
		schedule = must.M1(thunk.NewScheduleBuilder().
			Add(mul, 1).
			Add(zero, thunk.MainStream).
			Add(add, thunk.MainStream, mul).
			Add(relu, thunk.MainStream).
			Build())
	} else {
		schedule = must.M1(thunk.Sequential(mul, add, relu))
	}
	return must.M1(gpuexec.New(gpuexec.Config{
		Name:       "relu(x*w+bias)",
		Text:       demoModule(numElements),
		GPUVersion: simdevice.DefaultVersion,
		Schedule:   schedule,
		Assignment: assignment,
		Options:    &options,
		ProfileIndex: map[string]string{
			"mul":  "multiply.1",
			"add":  "add.2",
			"relu": "maximum.3",
		},
	}))
}

// demoInputs returns the inputs of iteration iter.
func demoInputs(numElements, iter int) (x, w []float32) {
	x, w = make([]float32, numElements), make([]float32, numElements)
	for ii := range numElements {
		x[ii] = float32(ii%7) - 3
		w[ii] = float32(iter%5) - 1
	}
	return
}

// demoWant computes the expected output on the host.
func demoWant(x, w []float32) []float32 {
	y := make([]float32, len(x))
	for ii := range x {
		y[ii] = max(x[ii]*w[ii]+biasValue, 0)
	}
	return y
}
