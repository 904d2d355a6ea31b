// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuexec

import (
	"fmt"
	"strings"
	"time"

	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/thunk"
)

// ExecutionProfile records the host time spent launching an execution.
//
// Times are measured on the host, they don't include the time the device takes to run the work
// unless the execution blocked.
type ExecutionProfile struct {
	// RunID is a unique identifier of the execution.
	RunID      string
	ExecutorID device.ExecutorID
	Mode       ExecutionMode
	Start      time.Time

	// Total is the time from the start of the execution until it returned.
	Total time.Duration

	// Thunks launched by the execution, in launch order. Empty for replayed graphs.
	Thunks []ThunkProfile
}

// ThunkProfile is the launch time of one thunk.
type ThunkProfile struct {
	Index      int
	Annotation string
	Kind       thunk.Kind
	Stream     int
	Launch     time.Duration
}

// String implements fmt.Stringer.
func (p *ExecutionProfile) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run %s on %s: %s, total %s", p.RunID, p.ExecutorID, p.Mode, p.Total)
	for _, tp := range p.Thunks {
		fmt.Fprintf(&sb, "\n  #%d %s %s stream=%d launch=%s", tp.Index, tp.Kind, tp.Annotation, tp.Stream, tp.Launch)
	}
	return sb.String()
}

// profiler collects an ExecutionProfile. A nil profiler collects nothing.
type profiler struct {
	profile *ExecutionProfile
}

func (p *profiler) thunkLaunched(idx int, annotation string, t thunk.Thunk, stream int, start time.Time) {
	if p == nil {
		return
	}
	p.profile.Thunks = append(p.profile.Thunks, ThunkProfile{
		Index:      idx,
		Annotation: annotation,
		Kind:       t.Kind(),
		Stream:     stream,
		Launch:     time.Since(start),
	})
}

// reset discards the thunks recorded so far, used when a failed capture is retried directly.
func (p *profiler) reset() {
	if p == nil {
		return
	}
	p.profile.Thunks = p.profile.Thunks[:0]
}
