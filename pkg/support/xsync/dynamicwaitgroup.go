// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is a WaitGroup-like counter that allows Add while someone is waiting on it.
//
// Streams use it to count enqueued operations: enqueueing is allowed while a host thread
// is blocked waiting for the stream to drain. Wait returns once the counter is observed at zero.
type DynamicWaitGroup struct {
	mu      sync.Mutex
	count   int
	drained chan struct{} // Closed while count is 0, replaced when it becomes positive.
}

// NewDynamicWaitGroup creates a DynamicWaitGroup with a zero count.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	drained := make(chan struct{})
	close(drained)
	return &DynamicWaitGroup{drained: drained}
}

// Add delta, which may be negative, to the counter. It panics if the counter becomes negative.
func (wg *DynamicWaitGroup) Add(delta int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	before := wg.count
	wg.count += delta
	switch {
	case wg.count < 0:
		wg.count = before
		panic(errors.Errorf("xsync.DynamicWaitGroup: negative counter (%d%+d)", before, delta))
	case before == 0 && wg.count > 0:
		wg.drained = make(chan struct{})
	case before > 0 && wg.count == 0:
		close(wg.drained)
	}
}

// Done decrements the counter by one.
func (wg *DynamicWaitGroup) Done() {
	wg.Add(-1)
}

// Count returns the current value of the counter.
func (wg *DynamicWaitGroup) Count() int {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	return wg.count
}

// Wait blocks until the counter reaches zero.
func (wg *DynamicWaitGroup) Wait() {
	wg.mu.Lock()
	drained := wg.drained
	wg.mu.Unlock()
	<-drained
}
