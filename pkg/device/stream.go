// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

// Stream is an in-order queue of device work.
//
// Operations are enqueued and return immediately: errors returned by the methods are
// enqueue-time errors (invalid arguments, unknown kernels). Failures that happen while the
// device runs the work are reported by BlockHostUntilDone.
//
// While capturing (between BeginCapture and EndCapture), operations are recorded in a Graph
// instead of being executed.
type Stream interface {
	// Executor that owns the stream.
	Executor() Executor

	// LaunchKernel enqueues the kernel with the given name, defined in module, with args.
	LaunchKernel(module ModuleHandle, kernelName string, dims LaunchDimensions, args []DeviceMemory) error

	// MemcpyHostToDevice copies src to dst. The host data must not change until the copy completes.
	MemcpyHostToDevice(dst DeviceMemory, src []byte) error

	// MemcpyDeviceToDevice copies size bytes from src to dst.
	MemcpyDeviceToDevice(dst, src DeviceMemory, size int) error

	// MemcpyDeviceToHost copies src into dst. dst is only valid after the stream reaches this point.
	MemcpyDeviceToHost(dst []byte, src DeviceMemory) error

	// MemZero sets size bytes of dst to zero.
	MemZero(dst DeviceMemory, size int) error

	// RecordEvent enqueues an event that is triggered when the stream reaches it.
	RecordEvent() (Event, error)

	// WaitFor makes all work enqueued after this call wait for the event.
	WaitFor(event Event) error

	// ThenHostCallback enqueues a host function to be called when the stream reaches it.
	ThenHostCallback(fn func()) error

	// BlockHostUntilDone blocks until all work enqueued so far has completed, and returns
	// the first failure of the work executed by the device, if any.
	BlockHostUntilDone() error

	// BeginCapture starts recording operations into a graph, as opposed to executing them.
	BeginCapture() error

	// EndCapture ends the capture and returns the recorded graph.
	EndCapture() (Graph, error)

	// IsCapturing returns whether the stream is in capture mode.
	IsCapturing() bool

	// LaunchGraph enqueues a graph previously captured on a stream of the same executor.
	LaunchGraph(graph Graph) error

	// Close releases the stream. It does not wait for pending work.
	Close() error
}

// Event marks a point in a Stream.
type Event interface {
	// Done returns whether the stream has reached the event.
	Done() bool

	// Wait blocks the host until the stream reaches the event.
	Wait()
}

// Graph is a recorded sequence of device operations that can be replayed cheaply.
//
// A graph is bound to the device addresses used while it was captured.
type Graph interface {
	// NumOps returns the number of recorded operations.
	NumOps() int
}
