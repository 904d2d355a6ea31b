// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"

	"github.com/gomlx/gpuexec/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StreamPool lends helper streams, created on demand and reused across executions.
//
// The number of streams simultaneously borrowed per executor is bounded by maxPerExecutor,
// Borrow blocks when the bound is reached. A bound <= 0 means no limit.
type StreamPool struct {
	maxPerExecutor int

	// borrowMu serializes BorrowN, so concurrent callers never hold part of the streams each needs.
	borrowMu sync.Mutex

	mu        sync.Mutex
	free      map[ExecutorID][]Stream
	semaphore map[ExecutorID]*xsync.Semaphore
	closed    bool
}

// NewStreamPool creates a StreamPool.
func NewStreamPool(maxPerExecutor int) *StreamPool {
	return &StreamPool{
		maxPerExecutor: maxPerExecutor,
		free:           make(map[ExecutorID][]Stream),
		semaphore:      make(map[ExecutorID]*xsync.Semaphore),
	}
}

func (p *StreamPool) executorSemaphore(id ExecutorID) *xsync.Semaphore {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, found := p.semaphore[id]
	if !found {
		sem = xsync.NewSemaphore(p.maxPerExecutor)
		p.semaphore[id] = sem
	}
	return sem
}

// MaxPerExecutor returns the bound on streams simultaneously borrowed per executor, <= 0 if unbounded.
func (p *StreamPool) MaxPerExecutor() int { return p.maxPerExecutor }

// BorrowN borrows n streams for executor, all or none. Each must be returned with Return.
//
// It fails if n is above the per-executor bound, since it could never be satisfied.
func (p *StreamPool) BorrowN(executor Executor, n int) ([]Stream, error) {
	if p.maxPerExecutor > 0 && n > p.maxPerExecutor {
		return nil, errors.Errorf("cannot borrow %d streams from a StreamPool bounded to %d per executor",
			n, p.maxPerExecutor)
	}
	p.borrowMu.Lock()
	defer p.borrowMu.Unlock()
	streams := make([]Stream, 0, n)
	for range n {
		s, err := p.Borrow(executor)
		if err != nil {
			for _, borrowed := range streams {
				p.Return(borrowed)
			}
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, nil
}

// Borrow a stream for executor. It must be returned with Return.
func (p *StreamPool) Borrow(executor Executor) (Stream, error) {
	id := executor.ID()
	p.executorSemaphore(id).Acquire()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.executorSemaphore(id).Release()
		return nil, errors.Errorf("StreamPool is closed")
	}
	if streams := p.free[id]; len(streams) > 0 {
		s := streams[len(streams)-1]
		p.free[id] = streams[:len(streams)-1]
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := executor.NewStream()
	if err != nil {
		p.executorSemaphore(id).Release()
		return nil, errors.WithMessagef(err, "failed to create helper stream for executor %q", id)
	}
	return s, nil
}

// Return a stream previously borrowed. The stream may still have pending work, it will
// be reused in order.
func (p *StreamPool) Return(s Stream) {
	id := s.Executor().ID()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if err := s.Close(); err != nil {
			klog.Warningf("failed to close stream returned to a closed StreamPool: %+v", err)
		}
	} else {
		p.free[id] = append(p.free[id], s)
		p.mu.Unlock()
	}
	p.executorSemaphore(id).Release()
}

// Close releases all the pooled streams. Streams returned afterwards are closed.
func (p *StreamPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, streams := range p.free {
		for _, s := range streams {
			if err := s.Close(); err != nil {
				klog.Warningf("failed to close pooled stream of executor %q: %+v", id, err)
			}
		}
	}
	clear(p.free)
}
