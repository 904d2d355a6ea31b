// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunk

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MainStream is the stream index of the stream given by the caller of an execution.
// Streams with index k > 0 are helper streams, borrowed for the execution.
const MainStream = 0

// Schedule is the total order in which thunks are launched, the stream each thunk is launched on,
// and the dependencies between thunks on different streams.
//
// Thunks on the same stream are implicitly ordered by the stream. Dependencies are only needed
// across streams, and every dependency must come earlier in the total order than its dependent.
//
// A Schedule is immutable once built. Use NewScheduleBuilder to create one.
type Schedule struct {
	order     []Thunk
	index     map[Thunk]int
	streams   []int
	dependsOn [][]int
	depended  []bool
	numStream int
}

// ScheduleBuilder builds a Schedule, one thunk at a time, in launch order.
type ScheduleBuilder struct {
	schedule *Schedule
	err      error
}

// NewScheduleBuilder returns an empty builder.
func NewScheduleBuilder() *ScheduleBuilder {
	return &ScheduleBuilder{schedule: &Schedule{index: make(map[Thunk]int), numStream: 1}}
}

// Add appends thunk to the launch order, to be launched on the given stream after all dependencies
// are done. Dependencies must have been added before.
//
// Errors are reported by Build.
func (b *ScheduleBuilder) Add(thunk Thunk, stream int, dependencies ...Thunk) *ScheduleBuilder {
	if b.err != nil {
		return b
	}
	s := b.schedule
	if thunk == nil {
		b.err = errors.Errorf("nil thunk added to schedule at position %d", len(s.order))
		return b
	}
	if _, found := s.index[thunk]; found {
		b.err = errors.Errorf("thunk %q added twice to the schedule", thunk.Name())
		return b
	}
	if stream < 0 {
		b.err = errors.Errorf("thunk %q assigned to invalid stream %d", thunk.Name(), stream)
		return b
	}
	deps := make([]int, 0, len(dependencies))
	for _, dep := range dependencies {
		depIdx, found := s.index[dep]
		if !found {
			depName := "<nil>"
			if dep != nil {
				depName = dep.Name()
			}
			b.err = errors.Errorf("thunk %q depends on %q, which is not scheduled before it", thunk.Name(), depName)
			return b
		}
		deps = append(deps, depIdx)
		s.depended[depIdx] = true
	}
	s.index[thunk] = len(s.order)
	s.order = append(s.order, thunk)
	s.streams = append(s.streams, stream)
	s.dependsOn = append(s.dependsOn, deps)
	s.depended = append(s.depended, false)
	s.numStream = max(s.numStream, stream+1)
	return b
}

// Build returns the schedule, or the first error found while adding thunks.
// The builder must not be used afterward.
func (b *ScheduleBuilder) Build() (*Schedule, error) {
	if b.err != nil {
		return nil, b.err
	}
	s := b.schedule
	b.schedule = nil
	return s, nil
}

// Sequential returns a schedule of thunks launched in order on the main stream.
func Sequential(thunks ...Thunk) (*Schedule, error) {
	b := NewScheduleBuilder()
	for _, t := range thunks {
		b.Add(t, MainStream)
	}
	return b.Build()
}

// Len returns the number of thunks scheduled.
func (s *Schedule) Len() int { return len(s.order) }

// Thunks returns the thunks in launch order. It must not be modified.
func (s *Schedule) Thunks() []Thunk { return s.order }

// Thunk returns the thunk at position idx of the launch order.
func (s *Schedule) Thunk(idx int) Thunk { return s.order[idx] }

// Position returns the position of t in the launch order, or -1 if it is not scheduled.
func (s *Schedule) Position(t Thunk) int {
	if idx, found := s.index[t]; found {
		return idx
	}
	return -1
}

// StreamOf returns the stream index assigned to the thunk at position idx.
func (s *Schedule) StreamOf(idx int) int { return s.streams[idx] }

// StreamCount returns the number of streams used, including the main stream.
func (s *Schedule) StreamCount() int { return s.numStream }

// DependsOn returns the positions of the thunks that must complete before the thunk at position idx starts.
func (s *Schedule) DependsOn(idx int) []int { return s.dependsOn[idx] }

// Depended returns whether any thunk depends on the thunk at position idx.
func (s *Schedule) Depended(idx int) bool { return s.depended[idx] }

// String lists the thunks in launch order, with their streams and dependencies.
func (s *Schedule) String() string {
	var sb strings.Builder
	for ii, t := range s.order {
		fmt.Fprintf(&sb, "#%d %s %q stream=%d", ii, t.Kind(), t.Name(), s.streams[ii])
		if len(s.dependsOn[ii]) > 0 {
			fmt.Fprintf(&sb, " depends_on=%v", s.dependsOn[ii])
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
