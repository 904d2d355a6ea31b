// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device_test

import (
	"testing"
	"time"

	. "github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/device/simdevice"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDeviceMemorySub(t *testing.T) {
	mem := DeviceMemory{Addr: 0x1000, Size: 64}
	assert.False(t, mem.IsNull())
	assert.True(t, DeviceMemory{}.IsNull())
	assert.Equal(t, "0x1000[64]", mem.String())

	sub, err := mem.Sub(16, 32)
	require.NoError(t, err)
	assert.Equal(t, DeviceMemory{Addr: 0x1010, Size: 32}, sub)
	_, err = mem.Sub(48, 32)
	require.Error(t, err)
	_, err = mem.Sub(-1, 8)
	require.Error(t, err)
	empty, err := mem.Sub(64, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Size)
}

func TestGPUVersion(t *testing.T) {
	v := GPUVersion{Platform: "cuda", Major: 8, Minor: 6}
	assert.Equal(t, "cuda:8.6", v.String())
	assert.True(t, v.Compatible(GPUVersion{Platform: "cuda", Major: 8, Minor: 6}))
	assert.False(t, v.Compatible(GPUVersion{Platform: "cuda", Major: 8, Minor: 0}))
	assert.False(t, v.Compatible(GPUVersion{Platform: "rocm", Major: 8, Minor: 6}))

	dims := LaunchDimensions{Blocks: 4, ThreadsPerBlock: 128}
	assert.Equal(t, 512, dims.NumThreads())
	assert.True(t, ModuleHandle(0).IsNull())
}

func TestStreamPool(t *testing.T) {
	executor := must.M1(simdevice.New(""))
	pool := NewStreamPool(1)

	s1 := must.M1(pool.Borrow(executor))
	assert.Same(t, executor, s1.Executor().(*simdevice.Executor))

	// The pool is exhausted: the next Borrow blocks until s1 is returned.
	borrowed := make(chan Stream)
	go func() {
		borrowed <- must.M1(pool.Borrow(executor))
	}()
	select {
	case <-borrowed:
		t.Fatal("Borrow should block while the only stream is borrowed")
	case <-time.After(50 * time.Millisecond):
	}
	pool.Return(s1)
	var s2 Stream
	select {
	case s2 = <-borrowed:
	case <-time.After(5 * time.Second):
		t.Fatal("Borrow didn't return after the stream was returned")
	}
	assert.Same(t, s1, s2, "returned streams are reused")

	// Streams of other executors are pooled separately.
	other := must.M1(simdevice.New(""))
	s3 := must.M1(pool.Borrow(other))
	assert.NotSame(t, s2, s3)
	pool.Return(s3)

	pool.Close()
	_, err := pool.Borrow(other)
	require.Error(t, err, "borrowing from a closed pool")
	pool.Return(s2)
	require.Error(t, s2.MemZero(must.M1(executor.Allocate(16)), 16), "streams returned to a closed pool are closed")
}

func TestStreamPoolBorrowN(t *testing.T) {
	executor := must.M1(simdevice.New(""))
	pool := NewStreamPool(2)
	defer pool.Close()
	assert.Equal(t, 2, pool.MaxPerExecutor())
	_, err := pool.BorrowN(executor, 3)
	require.Error(t, err, "more streams than the pool bound can never be borrowed")

	// Concurrent callers each needing the whole bound must not deadlock holding part of it.
	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			for range 50 {
				streams, err := pool.BorrowN(executor, 2)
				if err != nil {
					return err
				}
				for _, s := range streams {
					pool.Return(s)
				}
			}
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent BorrowN calls deadlocked")
	}
}
