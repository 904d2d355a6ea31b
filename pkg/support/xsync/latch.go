// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization tools used by the device streams, events, stream pools
// and collective rendezvous.
package xsync

import (
	"sync"
	"time"
)

// Latch is a one-shot signal: once triggered it stays triggered forever.
// The simulated device uses it to implement events.
type Latch struct {
	once sync.Once
	done chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trigger the latch. Triggering an already triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.done) })
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.done
}

// Test returns whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel closed when the latch is triggered, to be used in a select.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.done
}

// LatchWithValue is a Latch that delivers a value to its waiters.
// Only the value of the first Trigger is kept.
type LatchWithValue[T any] struct {
	Latch
	value T
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{Latch: Latch{done: make(chan struct{})}}
}

// Trigger the latch with value. Later triggers are discarded.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.once.Do(func() {
		l.value = value
		close(l.done)
	})
}

// Wait blocks until the latch is triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	<-l.done
	return l.value
}

// WaitTimeout waits at most timeout for the latch to be triggered.
// It returns the value and true if it was triggered, or the zero value and false on timeout.
func (l *LatchWithValue[T]) WaitTimeout(timeout time.Duration) (value T, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.done:
		return l.value, true
	case <-timer.C:
		return value, false
	}
}
