// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuexec

import (
	"time"

	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/thunk"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecutionMode is how the thunks of an execution were run.
type ExecutionMode int

//go:generate go tool enumer -type ExecutionMode -trimprefix=Mode -output=gen_executionmode_enumer.go execute.go

const (
	// ModeDirect means the thunks were launched one by one on the streams.
	ModeDirect ExecutionMode = iota

	// ModeCaptured means the thunks were captured into a new graph, which was then launched.
	ModeCaptured

	// ModeReplayed means a graph captured by a previous execution with the same buffers was launched.
	ModeReplayed
)

// RunOptions configure one execution.
type RunOptions struct {
	// Stream where the execution is enqueued. Required.
	Stream device.Stream

	// BlockHostUntilDone makes the execution wait for the device work to complete before returning.
	BlockHostUntilDone bool

	// Profile records an ExecutionProfile, returned in the result and by Executable.ExecutionProfile.
	Profile bool

	// StreamPool lends the helper streams used by the schedule. If nil, the Executable's pool is used.
	StreamPool *device.StreamPool

	// Allocator of temp and output buffers, used by Execute. If nil, the executor of Stream is used.
	Allocator device.MemoryAllocator

	// RunID identifies the execution for collective operations: all participants must use the same value.
	RunID uint64
}

// ExecutionResult of an execution.
//
// Unless RunOptions.BlockHostUntilDone was set, the device work may still be in flight:
// Wait (or synchronizing the stream) is needed before reading the outputs.
type ExecutionResult struct {
	Mode ExecutionMode

	// Outputs are the output buffers, in the order of the buffer assignment.
	Outputs []device.DeviceMemory

	// Event is triggered when the stream reaches the end of the execution.
	Event device.Event

	// Profile of the execution, if RunOptions.Profile was set.
	Profile *ExecutionProfile
}

// Wait blocks until the device work of the execution has completed.
func (r *ExecutionResult) Wait() {
	r.Event.Wait()
}

// ExecuteOnAllocations executes the program on the buffers in allocs, enqueued on opts.Stream.
//
// Parameters, temps and outputs must be bound in allocs. Constants are bound by the execution to
// the module globals of the executor.
//
// If a thunk fails, the remaining thunks are not launched, and the error is an *Error of kind
// ErrorExecution identifying the thunk. Work already enqueued is not rolled back.
func (e *Executable) ExecuteOnAllocations(opts RunOptions, allocs *buffers.Allocations) (*ExecutionResult, error) {
	start := time.Now()
	if opts.Stream == nil {
		return nil, newError(ErrorExecution, "", errors.Errorf("Executable %q: RunOptions.Stream is nil", e.name))
	}
	if allocs.Assignment() != e.assignment {
		return nil, newError(ErrorExecution, "", errors.Errorf("Executable %q: allocations were created for a different buffer assignment", e.name))
	}
	stream := opts.Stream
	executor := stream.Executor()
	id := executor.ID()
	if err := e.checkCompatibility(executor); err != nil {
		return nil, err
	}

	entry, err := e.resolveModule(stream)
	if err != nil {
		return nil, err
	}
	for idx, mem := range entry.constants {
		if err = allocs.Set(idx, mem); err != nil {
			return nil, newError(ErrorExecution, id, err)
		}
	}
	if err = allocs.Validate(); err != nil {
		return nil, newError(ErrorExecution, id, errors.WithMessagef(err, "Executable %q", e.name))
	}

	var prof *profiler
	if opts.Profile {
		prof = &profiler{profile: &ExecutionProfile{RunID: uuid.NewString(), ExecutorID: id, Start: start}}
	}
	var deferred hostCallbacks
	params := &thunk.ExecuteParams{
		Stream:            stream,
		Buffers:           allocs,
		Module:            entry.handle,
		RunID:             opts.RunID,
		DeferHostCallback: deferred.add,
	}

	e.mu.Lock()
	e.executed = true
	useCapture := e.canCapture() && !e.costTracker.IsCostly() && executor.SupportsGraphCapture()
	e.mu.Unlock()

	var mode ExecutionMode
	if useCapture {
		mode, err = e.executeWithCapture(params, entry, opts, prof, &deferred)
	} else {
		mode, err = ModeDirect, e.executeDirect(params, opts, prof)
	}
	if err != nil {
		return nil, err
	}

	for _, fn := range deferred {
		if err = stream.ThenHostCallback(fn); err != nil {
			return nil, newError(ErrorExecution, id, errors.WithMessagef(err, "enqueuing deferred host callback"))
		}
	}
	event, err := stream.RecordEvent()
	if err != nil {
		return nil, newError(ErrorExecution, id, err)
	}
	if opts.BlockHostUntilDone {
		if err = stream.BlockHostUntilDone(); err != nil {
			return nil, newError(ErrorExecution, id, errors.WithMessagef(err, "Executable %q", e.name))
		}
	}

	result := &ExecutionResult{Mode: mode, Outputs: allocs.Outputs(), Event: event}
	if prof != nil {
		prof.profile.Mode = mode
		prof.profile.Total = time.Since(start)
		result.Profile = prof.profile
		e.mu.Lock()
		e.lastProfile = prof.profile
		e.mu.Unlock()
	}
	return result, nil
}

// Execute executes the program with the given arguments, enqueued on opts.Stream.
//
// Temps and outputs are allocated with opts.Allocator. Temps are released when the execution
// completes; the caller owns the outputs, returned in the result.
func (e *Executable) Execute(opts RunOptions, arguments []device.DeviceMemory) (*ExecutionResult, error) {
	if opts.Stream == nil {
		return nil, newError(ErrorExecution, "", errors.Errorf("Executable %q: RunOptions.Stream is nil", e.name))
	}
	executor := opts.Stream.Executor()
	if err := e.checkCompatibility(executor); err != nil {
		return nil, err
	}
	allocator := opts.Allocator
	if allocator == nil {
		allocator = executor
	}
	constants, err := e.ResolveConstantGlobals(opts.Stream)
	if err != nil {
		return nil, err
	}
	allocs, err := buffers.NewBuilder(e.assignment, allocator).Build(arguments, constants)
	if err != nil {
		return nil, newError(ErrorExecution, executor.ID(), errors.WithMessagef(err, "Executable %q", e.name))
	}

	result, err := e.ExecuteOnAllocations(opts, allocs)
	if err != nil {
		// Work may have been enqueued before the failure.
		if syncErr := opts.Stream.BlockHostUntilDone(); syncErr != nil {
			klog.V(1).Infof("Executable %q: stream failure after execution error: %v", e.name, syncErr)
		}
		allocs.Release(allocator, true)
		return nil, err
	}
	if opts.BlockHostUntilDone {
		allocs.Release(allocator, false)
	} else if err = opts.Stream.ThenHostCallback(func() { allocs.Release(allocator, false) }); err != nil {
		klog.Warningf("Executable %q: failed to schedule release of temp buffers, releasing after synchronization: %+v", e.name, err)
		result.Wait()
		allocs.Release(allocator, false)
	}
	return result, nil
}

func (e *Executable) checkCompatibility(executor device.Executor) error {
	if !e.gpuVersion.Compatible(executor.Version()) {
		return newError(ErrorCompatibility, executor.ID(), errors.Errorf(
			"Executable %q was compiled for %s, but executor has %s", e.name, e.gpuVersion, executor.Version()))
	}
	return nil
}

// hostCallbacks collects the host callbacks deferred by the thunks until the end of the execution.
type hostCallbacks []func()

func (h *hostCallbacks) add(fn func()) { *h = append(*h, fn) }

// reset drops the callbacks deferred by an abandoned launch of the thunks.
func (h *hostCallbacks) reset() { *h = (*h)[:0] }

// executeWithCapture replays the graph cached for the buffers of params, or captures and launches
// a new one. If capturing or launching the new graph fails, it falls back to direct execution.
func (e *Executable) executeWithCapture(params *thunk.ExecuteParams, entry *moduleEntry, opts RunOptions,
	prof *profiler, deferred *hostCallbacks) (ExecutionMode, error) {
	stream := params.Stream
	id := entry.executor.ID()
	hash, key := params.Buffers.TempBaseHash(), params.Buffers.Key()

	e.mu.Lock()
	graph, hit := entry.graphs.Lookup(hash, key)
	becameCostly := e.costTracker.Record(hit)
	stats := e.costTracker.Stats()
	e.mu.Unlock()

	if hit {
		klog.V(2).Infof("Executable %q: replaying graph for temp base hash %x on executor %s", e.name, hash, id)
		if err := stream.LaunchGraph(graph); err != nil {
			return ModeReplayed, newError(ErrorCapture, id, errors.WithMessagef(err, "replaying graph of %q", e.name))
		}
		return ModeReplayed, nil
	}
	if becameCostly {
		klog.V(1).Infof("Executable %q: graph capture disabled, hit rate too low: %s", e.name, stats)
		return ModeDirect, e.executeDirect(params, opts, prof)
	}

	graph, err := e.capture(params, prof)
	if err != nil {
		klog.Warningf("Executable %q: graph capture failed on executor %s, executing directly: %v", e.name, id, err)
		prof.reset()
		deferred.reset()
		return ModeDirect, e.executeDirect(params, opts, prof)
	}
	e.mu.Lock()
	entry.graphs.Insert(hash, key, graph)
	e.mu.Unlock()
	klog.V(2).Infof("Executable %q: captured graph of %d ops for temp base hash %x on executor %s",
		e.name, graph.NumOps(), hash, id)
	if err = stream.LaunchGraph(graph); err != nil {
		klog.Warningf("Executable %q: launching captured graph failed on executor %s, executing directly: %v", e.name, id, err)
		prof.reset()
		deferred.reset()
		return ModeDirect, e.executeDirect(params, opts, prof)
	}
	return ModeCaptured, nil
}

// capture records the thunks into a graph. Only single-stream schedules are captured.
func (e *Executable) capture(params *thunk.ExecuteParams, prof *profiler) (device.Graph, error) {
	stream := params.Stream
	if err := stream.BeginCapture(); err != nil {
		return nil, err
	}
	launchErr := e.launchThunks(params, []device.Stream{stream}, prof)
	graph, err := stream.EndCapture()
	if launchErr != nil {
		return nil, launchErr
	}
	if err != nil {
		return nil, err
	}
	return graph, nil
}

// executeDirect launches the thunks on the main stream and on helper streams borrowed for the execution.
func (e *Executable) executeDirect(params *thunk.ExecuteParams, opts RunOptions, prof *profiler) error {
	main := params.Stream
	id := main.Executor().ID()
	numStreams := e.schedule.StreamCount()
	if numStreams == 1 {
		return e.launchThunks(params, []device.Stream{main}, prof)
	}

	pool := opts.StreamPool
	if pool == nil {
		pool = e.streamPool
	}
	numHelpers := numStreams - 1
	if bound := pool.MaxPerExecutor(); bound > 0 && bound < numHelpers {
		return newError(ErrorExecution, id, errors.Errorf(
			"Executable %q: schedule uses %d helper streams, but the stream pool lends at most %d per executor",
			e.name, numHelpers, bound))
	}
	helpers, err := pool.BorrowN(main.Executor(), numHelpers)
	if err != nil {
		return newError(ErrorExecution, id, errors.WithMessagef(err, "borrowing helper streams"))
	}
	defer func() {
		for _, helper := range helpers {
			pool.Return(helper)
		}
	}()
	streams := append([]device.Stream{main}, helpers...)

	// Helper streams start after the work already enqueued on the main stream, which may produce the inputs.
	ready, err := main.RecordEvent()
	if err != nil {
		return newError(ErrorExecution, id, err)
	}
	for _, helper := range helpers {
		if err = helper.WaitFor(ready); err != nil {
			return e.joinHelpers(main, helpers, newError(ErrorExecution, id, err))
		}
	}
	return e.joinHelpers(main, helpers, e.launchThunks(params, streams, prof))
}

// joinHelpers makes the main stream wait for the work enqueued on the helpers, also when launching
// failed midway, so that the execution is only complete once no helper can touch its buffers.
// It returns launchErr, or the join failure if launching succeeded.
func (e *Executable) joinHelpers(main device.Stream, helpers []device.Stream, launchErr error) error {
	for _, helper := range helpers {
		done, err := helper.RecordEvent()
		if err == nil {
			err = main.WaitFor(done)
		}
		if err == nil {
			continue
		}
		// The main stream can't wait on the helper: drain the helper from the host instead.
		if syncErr := helper.BlockHostUntilDone(); syncErr != nil {
			klog.V(1).Infof("Executable %q: helper stream failure while joining: %v", e.name, syncErr)
		}
		if launchErr == nil {
			launchErr = newError(ErrorExecution, main.Executor().ID(), errors.WithMessagef(err, "joining helper streams"))
		}
	}
	return launchErr
}

// launchThunks launches the thunks in schedule order, each on its assigned stream after waiting for
// its dependencies on other streams. It stops at the first failure.
func (e *Executable) launchThunks(params *thunk.ExecuteParams, streams []device.Stream, prof *profiler) error {
	id := params.Stream.Executor().ID()
	events := make([]device.Event, e.schedule.Len())
	thunkParams := *params
	for ii, t := range e.schedule.Thunks() {
		streamIdx := e.schedule.StreamOf(ii)
		stream := streams[streamIdx]
		thunkErr := func(err error) error {
			return &Error{Kind: ErrorExecution, ExecutorID: id, ThunkIndex: ii, ThunkName: t.Name(),
				Annotation: e.annotations[ii], Err: err}
		}
		for _, dep := range e.schedule.DependsOn(ii) {
			if e.schedule.StreamOf(dep) == streamIdx {
				continue
			}
			if err := stream.WaitFor(events[dep]); err != nil {
				return thunkErr(errors.WithMessagef(err, "waiting for thunk #%d", dep))
			}
		}
		thunkParams.Stream = stream
		start := time.Now()
		if err := t.ExecuteOnStream(&thunkParams); err != nil {
			return thunkErr(err)
		}
		prof.thunkLaunched(ii, e.annotations[ii], t, streamIdx, start)
		if e.schedule.Depended(ii) && len(streams) > 1 {
			event, err := stream.RecordEvent()
			if err != nil {
				return thunkErr(errors.WithMessagef(err, "recording completion event"))
			}
			events[ii] = event
		}
	}
	return nil
}
