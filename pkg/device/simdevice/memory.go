// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simdevice

import (
	"slices"
	"sync"

	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/pkg/errors"
)

const (
	// memoryAlignment of all allocations, in bytes.
	memoryAlignment = 256

	// firstAddress of the simulated address space: it leaves the low addresses unused, so
	// that small integers are never valid addresses.
	firstAddress = 0x1_0000
)

// block of simulated device memory.
type block struct {
	base uint64
	data []byte
	live bool
}

// arena is the simulated device memory: a monotonic address space of aligned blocks.
//
// Freed blocks are kept and reused for allocations of the same (aligned) size, last freed
// first. So a program that allocates and frees the same sizes in the same order sees the
// same addresses in every run, as with the caching allocators of real devices.
type arena struct {
	mu         sync.Mutex
	next       uint64
	blocks     map[uint64]*block
	bases      []uint64 // Sorted bases of all blocks, live or not.
	freeBySize map[int][]*block
	liveBytes  int64
}

func newArena() *arena {
	return &arena{
		next:       firstAddress,
		blocks:     make(map[uint64]*block),
		freeBySize: make(map[int][]*block),
	}
}

func alignedSize(size int) int {
	return max(memoryAlignment, (size+memoryAlignment-1)/memoryAlignment*memoryAlignment)
}

// allocate returns zero-initialized memory.
func (a *arena) allocate(size int) (device.DeviceMemory, error) {
	if size < 0 {
		return device.DeviceMemory{}, errors.Errorf("cannot allocate negative size %d", size)
	}
	capacity := alignedSize(size)
	a.mu.Lock()
	defer a.mu.Unlock()
	var b *block
	if free := a.freeBySize[capacity]; len(free) > 0 {
		b = free[len(free)-1]
		a.freeBySize[capacity] = free[:len(free)-1]
		clear(b.data)
	} else {
		b = &block{base: a.next, data: make([]byte, capacity)}
		a.next += uint64(capacity)
		a.blocks[b.base] = b
		a.bases = append(a.bases, b.base) // a.next is monotonic, so bases stay sorted.
	}
	b.live = true
	a.liveBytes += int64(capacity)
	return device.DeviceMemory{Addr: b.base, Size: size}, nil
}

// free returns the block starting at mem.Addr to the arena.
func (a *arena) free(mem device.DeviceMemory) error {
	if mem.IsNull() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, found := a.blocks[mem.Addr]
	if !found || !b.live {
		return errors.Errorf("deallocating %s: not the base of a live allocation", mem)
	}
	b.live = false
	capacity := len(b.data)
	a.freeBySize[capacity] = append(a.freeBySize[capacity], b)
	a.liveBytes -= int64(capacity)
	return nil
}

// resolve returns the host bytes backing the device memory range. The range must be fully
// contained in one live allocation.
func (a *arena) resolve(mem device.DeviceMemory) ([]byte, error) {
	if mem.IsNull() {
		if mem.Size == 0 {
			return nil, nil
		}
		return nil, errors.Errorf("null device address with size %d", mem.Size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, found := slices.BinarySearch(a.bases, mem.Addr)
	if !found {
		idx--
	}
	if idx < 0 {
		return nil, errors.Errorf("invalid device address %s", mem)
	}
	b := a.blocks[a.bases[idx]]
	offset := int(mem.Addr - b.base)
	if !b.live {
		return nil, errors.Errorf("device memory %s used after being deallocated", mem)
	}
	if offset+mem.Size > len(b.data) {
		return nil, errors.Errorf("device memory %s out of bounds of allocation 0x%x[%d]", mem, b.base, len(b.data))
	}
	return b.data[offset : offset+mem.Size], nil
}

func (a *arena) live() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.liveBytes
}
