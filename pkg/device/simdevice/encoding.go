// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simdevice

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Float32sToBytes encodes values in the little-endian layout used by the simulated kernels.
func Float32sToBytes(values ...float32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(v))
	}
	return data
}

// BytesToFloat32s decodes the little-endian layout used by the simulated kernels.
func BytesToFloat32s(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*ii:]))
	}
	return values
}

// Float16sToBytes encodes float32 values rounded to float16.
func Float16sToBytes(values ...float32) []byte {
	data := make([]byte, 2*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint16(data[2*ii:], float16.Fromfloat32(v).Bits())
	}
	return data
}

// BytesToFloat16s decodes float16 values, returned as float32.
func BytesToFloat16s(data []byte) []float32 {
	values := make([]float32, len(data)/2)
	for ii := range values {
		values[ii] = float16.Frombits(binary.LittleEndian.Uint16(data[2*ii:])).Float32()
	}
	return values
}
