// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gpuexec executes compiled programs, made of a schedule of thunks, on accelerator devices.
//
// An Executable is created once, from the output of a compiler: the compiled module (text and/or
// binary), the device version it targets, the buffer assignment and the thunk schedule. It can
// then be executed many times, concurrently, on streams of any compatible executor:
//
//   - The module is loaded and its constants resolved once per executor, on first use.
//   - Executions whose thunks can all be captured are recorded into device graphs, cached by the
//     buffer addresses they use, and replayed when the same addresses are used again. If replays
//     are rare, capture is permanently disabled for the Executable.
//   - Otherwise, thunks are launched directly, on the caller's stream and on helper streams
//     according to the schedule.
package gpuexec

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/graphcache"
	"github.com/gomlx/gpuexec/pkg/thunk"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config holds the compiler output used to create an Executable.
type Config struct {
	// Name of the program, used in logs and String.
	Name string

	// Text is the textual form of the compiled module, and Binary its machine code.
	// At least one must be given.
	Text   string
	Binary []byte

	// GPUVersion the module was compiled for.
	GPUVersion device.GPUVersion

	// Schedule of the thunks of the program.
	Schedule *thunk.Schedule

	// Assignment of the buffers of the program. It may be shared with other Executables.
	Assignment *buffers.Assignment

	// Options of the Executable. If nil, DefaultOptions is used.
	Options *Options

	// ProfileIndex optionally maps thunk names to the name of the operation of the program they
	// implement, used in annotations. Thunks not listed are annotated with their own name.
	ProfileIndex map[string]string
}

// captureSupport is whether the thunks of an Executable can be captured. It's computed once.
type captureSupport int

const (
	captureUnknown captureSupport = iota
	captureEnabled
	captureDisabled
)

// Executable is a compiled program, ready to be executed on any compatible executor.
//
// It's safe for concurrent use.
type Executable struct {
	id          string
	name        string
	text        string
	binary      []byte
	gpuVersion  device.GPUVersion
	schedule    *thunk.Schedule
	assignment  *buffers.Assignment
	options     Options
	annotations []string
	streamPool  *device.StreamPool

	// mu protects everything below: a single lock for the module registry and the graph cache.
	mu             sync.Mutex
	irModule       string
	executed       bool
	finalized      bool
	modules        map[device.ExecutorID]*moduleEntry
	captureSupport captureSupport
	costTracker    *graphcache.CostTracker
	lastProfile    *ExecutionProfile
}

// New creates an Executable from the compiler output in config.
func New(config Config) (*Executable, error) {
	if config.Text == "" && len(config.Binary) == 0 {
		return nil, errors.Errorf("gpuexec.New(%q): no compiled text or binary given", config.Name)
	}
	if config.Schedule == nil {
		return nil, errors.Errorf("gpuexec.New(%q): no thunk schedule given", config.Name)
	}
	if config.Assignment == nil {
		return nil, errors.Errorf("gpuexec.New(%q): no buffer assignment given", config.Name)
	}
	options := DefaultOptions()
	if config.Options != nil {
		options = *config.Options
	}
	if err := options.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "gpuexec.New(%q)", config.Name)
	}
	if numHelpers := config.Schedule.StreamCount() - 1; numHelpers > options.NumHelperStreams {
		return nil, errors.Errorf("gpuexec.New(%q): schedule uses %d helper streams, but Options.NumHelperStreams=%d",
			config.Name, numHelpers, options.NumHelperStreams)
	}
	e := &Executable{
		id:          uuid.NewString(),
		name:        config.Name,
		text:        config.Text,
		binary:      config.Binary,
		gpuVersion:  config.GPUVersion,
		schedule:    config.Schedule,
		assignment:  config.Assignment,
		options:     options,
		streamPool:  device.NewStreamPool(options.NumHelperStreams),
		modules:     make(map[device.ExecutorID]*moduleEntry),
		costTracker: graphcache.NewCostTracker(options.GraphCacheSize, options.CostlyHitRate),
	}
	e.annotations = make([]string, config.Schedule.Len())
	for ii, t := range config.Schedule.Thunks() {
		opName := t.Name()
		if name, found := config.ProfileIndex[opName]; found {
			opName = name
		}
		e.annotations[ii] = fmt.Sprintf("Thunk:#hlo_op=%s#", opName)
	}
	return e, nil
}

// ID is a unique identifier of the Executable.
func (e *Executable) ID() string { return e.id }

// Name of the program.
func (e *Executable) Name() string { return e.name }

// Text returns the textual form of the compiled module.
func (e *Executable) Text() string { return e.text }

// Binary returns the machine code of the compiled module. It must not be modified.
func (e *Executable) Binary() []byte { return e.binary }

// GPUVersion returns the device version the module was compiled for.
func (e *Executable) GPUVersion() device.GPUVersion { return e.gpuVersion }

// Schedule returns the thunk schedule.
func (e *Executable) Schedule() *thunk.Schedule { return e.schedule }

// BufferAssignment returns the buffer assignment, possibly shared with other Executables.
func (e *Executable) BufferAssignment() *buffers.Assignment { return e.assignment }

// Options returns the options of the Executable.
func (e *Executable) Options() Options { return e.options }

// SizeOfGeneratedCode returns the size in bytes of the compiled code: the binary if present,
// the text otherwise.
func (e *Executable) SizeOfGeneratedCode() int {
	if len(e.binary) > 0 {
		return len(e.binary)
	}
	return len(e.text)
}

// Annotation returns the profiling annotation of the thunk at position idx of the schedule.
func (e *Executable) Annotation(idx int) string { return e.annotations[idx] }

// IRModuleString returns the textual intermediate representation the program was compiled from,
// if one was set.
func (e *Executable) IRModuleString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.irModule
}

// SetIRModuleString sets the textual intermediate representation the program was compiled from.
// It can only be set before the first execution.
func (e *Executable) SetIRModuleString(irModule string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.executed {
		return errors.Errorf("Executable %q: IR module can only be set before the first execution", e.name)
	}
	e.irModule = irModule
	return nil
}

// String implements fmt.Stringer.
func (e *Executable) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Executable %q (%s, %s): %d thunks on %d stream(s), %s of code",
		e.name, e.id, e.gpuVersion, e.schedule.Len(), e.schedule.StreamCount(),
		humanize.Bytes(uint64(e.SizeOfGeneratedCode())))
	if tempBytes := e.assignment.TotalTempBytes(); tempBytes > 0 {
		fmt.Fprintf(&sb, ", %s of temp buffers", humanize.Bytes(uint64(tempBytes)))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(&sb, ", loaded on %d executor(s)", len(e.modules))
	return sb.String()
}

// GraphCacheStats returns the graph cache lookups recorded so far.
func (e *Executable) GraphCacheStats() graphcache.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.costTracker.Stats()
}

// IsGraphCaptureCostly returns whether graph capture was disabled because its hit rate was too low.
func (e *Executable) IsGraphCaptureCostly() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.costTracker.IsCostly()
}

// NumCachedGraphs returns the number of graphs cached for all executors.
func (e *Executable) NumCachedGraphs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var count int
	for _, entry := range e.modules {
		count += entry.graphs.Len()
	}
	return count
}

// GraphCacheDiagnostics returns, per executor and temp buffer base hash, the buffer keys seen.
// It's empty if Options.CollectDiagnostics is false.
func (e *Executable) GraphCacheDiagnostics() map[device.ExecutorID]map[uint64][]buffers.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	diagnostics := make(map[device.ExecutorID]map[uint64][]buffers.Key)
	for id, entry := range e.modules {
		if d := entry.graphs.Diagnostics(); d != nil {
			diagnostics[id] = d
		}
	}
	return diagnostics
}

// ExecutionProfile returns the profile of the last execution run with RunOptions.Profile set,
// or nil if there was none.
func (e *Executable) ExecutionProfile() *ExecutionProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastProfile
}

// canCapture returns whether the thunks can be captured. It's computed on the first call and memoized.
// It must be called with mu held.
func (e *Executable) canCapture() bool {
	if e.captureSupport == captureUnknown {
		e.captureSupport = captureDisabled
		switch {
		case !e.options.EnableGraphCapture:
			klog.V(1).Infof("Executable %q: graph capture disabled by options", e.name)
		case e.schedule.StreamCount() > 1:
			klog.V(1).Infof("Executable %q: graph capture disabled, schedule uses %d streams", e.name, e.schedule.StreamCount())
		default:
			e.captureSupport = captureEnabled
			for ii, t := range e.schedule.Thunks() {
				if !t.Capturable() {
					klog.V(1).Infof("Executable %q: graph capture disabled, thunk #%d %q (%s) is not capturable",
						e.name, ii, t.Name(), t.Kind())
					e.captureSupport = captureDisabled
					break
				}
			}
		}
	}
	return e.captureSupport == captureEnabled
}
