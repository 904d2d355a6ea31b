// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simdevice

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// streamQueueSize is the number of operations that can be enqueued before enqueueing blocks.
const streamQueueSize = 1024

// op is one unit of work of a stream.
type op struct {
	name string
	fn   func() error
}

// Stream implements device.Stream: operations run in order on a dedicated goroutine.
type Stream struct {
	executor *Executor
	queue    chan op
	pending  *xsync.DynamicWaitGroup

	// sendMu is held for reading while sending to queue, and for writing to close it.
	sendMu sync.RWMutex

	mu       sync.Mutex
	asyncErr error  // First failure since the last BlockHostUntilDone.
	capture  *Graph // Non-nil while capturing.
	closed   bool
}

// Compile-time check that simdevice.Stream implements device.Stream.
var _ device.Stream = (*Stream)(nil)

func newStream(e *Executor) *Stream {
	s := &Stream{
		executor: e,
		queue:    make(chan op, streamQueueSize),
		pending:  xsync.NewDynamicWaitGroup(),
	}
	go s.run()
	return s
}

// run executes enqueued operations until the stream is closed.
func (s *Stream) run() {
	for o := range s.queue {
		err := runOp(o)
		if err != nil {
			s.mu.Lock()
			if s.asyncErr == nil {
				s.asyncErr = err
			} else {
				klog.V(1).Infof("simdevice stream: dropping error after first failure: %v", err)
			}
			s.mu.Unlock()
		}
		s.pending.Done()
	}
}

// runOp converts panics of the operation into errors.
func runOp(o op) (err error) {
	exception := exceptions.TryCatch[error](func() { err = o.fn() })
	if exception != nil {
		err = exception
	}
	if err != nil {
		err = errors.WithMessagef(err, "simdevice: %s failed", o.name)
	}
	return
}

// enqueue the operation, or records it if capturing.
// Operations with capturable=false fail (and invalidate) an ongoing capture.
func (s *Stream) enqueue(name string, capturable bool, fn func() error) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Errorf("simdevice: %s enqueued on a closed stream", name)
	}
	if s.capture != nil {
		defer s.mu.Unlock()
		if !capturable {
			err := errors.Errorf("simdevice: %s cannot be captured in a graph", name)
			if s.capture.err == nil {
				s.capture.err = err
			}
			return err
		}
		s.capture.ops = append(s.capture.ops, op{name: name, fn: fn})
		return nil
	}
	s.pending.Add(1)
	s.mu.Unlock()
	s.queue <- op{name: name, fn: fn}
	return nil
}

// Executor implements device.Stream.
func (s *Stream) Executor() device.Executor { return s.executor }

// resolveAll checks at enqueue time that all memory ranges are valid.
func (s *Stream) resolveAll(mems ...device.DeviceMemory) error {
	for _, mem := range mems {
		if _, err := s.executor.memory.resolve(mem); err != nil {
			return err
		}
	}
	return nil
}

// LaunchKernel implements device.Stream.
func (s *Stream) LaunchKernel(module device.ModuleHandle, kernelName string, dims device.LaunchDimensions,
	args []device.DeviceMemory) error {
	kernelFn, err := s.executor.lookupKernel(module, kernelName)
	if err != nil {
		return errors.WithMessagef(err, "simdevice: failed to launch kernel")
	}
	if dims.NumThreads() <= 0 {
		return errors.Errorf("simdevice: kernel %q launched with invalid dimensions (%s)", kernelName, dims)
	}
	if err := s.resolveAll(args...); err != nil {
		return errors.WithMessagef(err, "simdevice: invalid argument for kernel %q", kernelName)
	}
	args = append([]device.DeviceMemory(nil), args...)
	if !s.IsCapturing() {
		s.executor.kernelLaunches.Add(1)
	}
	return s.enqueue("kernel "+kernelName, true, func() error {
		argsData := make([][]byte, len(args))
		for ii, arg := range args {
			var err error
			argsData[ii], err = s.executor.memory.resolve(arg)
			if err != nil {
				return errors.WithMessagef(err, "argument #%d", ii)
			}
		}
		kernelFn(s.executor.pool, dims, argsData)
		return nil
	})
}

// MemcpyHostToDevice implements device.Stream.
func (s *Stream) MemcpyHostToDevice(dst device.DeviceMemory, src []byte) error {
	if len(src) != dst.Size {
		return errors.Errorf("simdevice: host-to-device copy of %d bytes into %s", len(src), dst)
	}
	if err := s.resolveAll(dst); err != nil {
		return err
	}
	return s.enqueue("memcpy host-to-device", true, func() error {
		data, err := s.executor.memory.resolve(dst)
		if err != nil {
			return err
		}
		copy(data, src)
		return nil
	})
}

// MemcpyDeviceToDevice implements device.Stream.
func (s *Stream) MemcpyDeviceToDevice(dst, src device.DeviceMemory, size int) error {
	if size > dst.Size || size > src.Size {
		return errors.Errorf("simdevice: device-to-device copy of %d bytes from %s to %s", size, src, dst)
	}
	if err := s.resolveAll(dst, src); err != nil {
		return err
	}
	return s.enqueue("memcpy device-to-device", true, func() error {
		dstData, err := s.executor.memory.resolve(dst)
		if err != nil {
			return err
		}
		srcData, err := s.executor.memory.resolve(src)
		if err != nil {
			return err
		}
		copy(dstData[:size], srcData[:size])
		return nil
	})
}

// MemcpyDeviceToHost implements device.Stream. It can't be captured.
func (s *Stream) MemcpyDeviceToHost(dst []byte, src device.DeviceMemory) error {
	if len(dst) != src.Size {
		return errors.Errorf("simdevice: device-to-host copy of %s into %d bytes", src, len(dst))
	}
	if err := s.resolveAll(src); err != nil {
		return err
	}
	return s.enqueue("memcpy device-to-host", false, func() error {
		data, err := s.executor.memory.resolve(src)
		if err != nil {
			return err
		}
		copy(dst, data)
		return nil
	})
}

// MemZero implements device.Stream.
func (s *Stream) MemZero(dst device.DeviceMemory, size int) error {
	if size > dst.Size {
		return errors.Errorf("simdevice: memzero of %d bytes of %s", size, dst)
	}
	if err := s.resolveAll(dst); err != nil {
		return err
	}
	return s.enqueue("memzero", true, func() error {
		data, err := s.executor.memory.resolve(dst)
		if err != nil {
			return err
		}
		clear(data[:size])
		return nil
	})
}

// event implements device.Event.
type event struct {
	latch *xsync.Latch
}

// Done implements device.Event.
func (e *event) Done() bool { return e.latch.Test() }

// Wait implements device.Event.
func (e *event) Wait() { e.latch.Wait() }

// RecordEvent implements device.Stream. Events can't be captured.
func (s *Stream) RecordEvent() (device.Event, error) {
	ev := &event{latch: xsync.NewLatch()}
	err := s.enqueue("record event", false, func() error {
		ev.latch.Trigger()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// WaitFor implements device.Stream. Cross-stream waits can't be captured.
func (s *Stream) WaitFor(e device.Event) error {
	if e == nil {
		return errors.Errorf("simdevice: WaitFor(nil) event")
	}
	return s.enqueue("wait for event", false, func() error {
		e.Wait()
		return nil
	})
}

// ThenHostCallback implements device.Stream. Host callbacks can't be captured.
func (s *Stream) ThenHostCallback(fn func()) error {
	return s.enqueue("host callback", false, func() error {
		fn()
		return nil
	})
}

// BlockHostUntilDone implements device.Stream.
func (s *Stream) BlockHostUntilDone() error {
	if s.IsCapturing() {
		return errors.Errorf("simdevice: BlockHostUntilDone called while capturing")
	}
	s.pending.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.asyncErr
	s.asyncErr = nil
	return err
}

// BeginCapture implements device.Stream.
func (s *Stream) BeginCapture() error {
	if !s.executor.supportsCapture {
		return errors.Errorf("simdevice: executor %s doesn't support graph capture", s.executor.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		return errors.Errorf("simdevice: stream is already capturing")
	}
	s.capture = &Graph{executor: s.executor}
	return nil
}

// EndCapture implements device.Stream.
func (s *Stream) EndCapture() (device.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.capture
	if g == nil {
		return nil, errors.Errorf("simdevice: EndCapture called on a stream not capturing")
	}
	s.capture = nil
	if g.err != nil {
		return nil, errors.WithMessagef(g.err, "simdevice: graph capture invalidated")
	}
	return g, nil
}

// IsCapturing implements device.Stream.
func (s *Stream) IsCapturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture != nil
}

// LaunchGraph implements device.Stream.
func (s *Stream) LaunchGraph(graph device.Graph) error {
	g, ok := graph.(*Graph)
	if !ok {
		return errors.Errorf("simdevice: graph of type %T not created by the simulated device", graph)
	}
	if g.executor != s.executor {
		return errors.Errorf("simdevice: graph captured in %s launched on %s", g.executor.id, s.executor.id)
	}
	if s.IsCapturing() {
		return errors.Errorf("simdevice: launching a graph while capturing is not supported")
	}
	if s.executor.takeGraphLaunchFailure() {
		return errors.Errorf("simdevice %s: driver failed to launch graph", s.executor.id)
	}
	s.executor.graphLaunches.Add(1)
	ops := g.ops
	return s.enqueue("graph launch", false, func() error {
		for _, o := range ops {
			if err := runOp(o); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements device.Stream.
func (s *Stream) Close() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("simdevice: stream closed twice")
	}
	s.closed = true
	close(s.queue)
	return nil
}

// Graph implements device.Graph: the operations recorded during a capture, bound to the
// device addresses they were recorded with.
type Graph struct {
	executor *Executor
	ops      []op
	err      error
}

// Compile-time check that simdevice.Graph implements device.Graph.
var _ device.Graph = (*Graph)(nil)

// NumOps implements device.Graph.
func (g *Graph) NumOps() int { return len(g.ops) }
