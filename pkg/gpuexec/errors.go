// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuexec

import (
	"fmt"
	"strings"

	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/pkg/errors"
)

// ErrorKind is the stage of an execution that failed.
type ErrorKind int

//go:generate go tool enumer -type ErrorKind -trimprefix=Error -output=gen_errorkind_enumer.go errors.go

const (
	// ErrorCompatibility means the executable was compiled for a device version different from the
	// device of the stream. It is not retryable.
	ErrorCompatibility ErrorKind = iota

	// ErrorLoad means loading the module, resolving its constants or initializing the thunks failed
	// for the executor. Later executions try loading again.
	ErrorLoad

	// ErrorExecution means launching a thunk or the device work failed. Thunks after the failing one
	// are not launched, and the device side effects of the ones before are not rolled back.
	ErrorExecution

	// ErrorCapture means launching a captured graph failed.
	ErrorCapture
)

// Error is returned by the Executable for failures of an execution.
type Error struct {
	Kind       ErrorKind
	ExecutorID device.ExecutorID

	// ThunkIndex is the position in the schedule of the failing thunk, or -1 if the failure is not
	// attributable to one thunk.
	ThunkIndex int

	// ThunkName and Annotation of the failing thunk, if ThunkIndex >= 0.
	ThunkName, Annotation string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "gpuexec: %s failure", e.Kind)
	if e.ExecutorID != "" {
		fmt.Fprintf(&sb, " on executor %s", e.ExecutorID)
	}
	if e.ThunkIndex >= 0 {
		fmt.Fprintf(&sb, " at thunk #%d %q", e.ThunkIndex, e.ThunkName)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Format implements fmt.Formatter: "%+v" also prints the stack trace of the cause, if any.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.Err != nil {
		_, _ = fmt.Fprintf(s, "%s\n%+v", e.Error(), e.Err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// KindOf returns the kind of the *Error in the chain of err, if any.
func KindOf(err error) (kind ErrorKind, ok bool) {
	var gpuErr *Error
	if errors.As(err, &gpuErr) {
		return gpuErr.Kind, true
	}
	return
}

func newError(kind ErrorKind, executorID device.ExecutorID, err error) *Error {
	return &Error{Kind: kind, ExecutorID: executorID, ThunkIndex: -1, Err: err}
}
