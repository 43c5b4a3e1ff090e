// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

import "errors"

var (
	// ErrTaskNotFound is returned when the owner has no job with the
	// given identifier.
	ErrTaskNotFound = errors.New("taskmanager: task not found")
	// ErrInvalidState is returned when a job is not in a state that
	// allows the requested operation.
	ErrInvalidState = errors.New("taskmanager: invalid task state")
	// ErrModeNotPermitted is returned for foreground jobs of applications
	// that are not in the foreground, and for pause/resume of foreground jobs.
	ErrModeNotPermitted = errors.New("taskmanager: task mode not permitted")
	// ErrQueueFull is returned when admitting a job would exceed a quota.
	ErrQueueFull = errors.New("taskmanager: task queue full")
	// ErrServiceUnloading is returned by Construct once the service
	// started to retire.
	ErrServiceUnloading = errors.New("taskmanager: service unloading")

	// ErrNotFound must be returned from the Store interface when a
	// history record could not be found.
	ErrNotFound = errors.New("taskmanager: record not found")

	errNoPlatform = errors.New("taskmanager: no platform bridge configured")
)

// ErrorCode is the closed set of results reported to clients.
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeTaskNotFound
	CodeInvalidState
	CodeModeNotPermitted
	CodeQueueFull
	CodeServiceUnloading
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeTaskNotFound:
		return "task not found"
	case CodeInvalidState:
		return "invalid state"
	case CodeModeNotPermitted:
		return "mode not permitted"
	case CodeQueueFull:
		return "queue full"
	case CodeServiceUnloading:
		return "service unloading"
	}
	return "unknown"
}

// Code maps err to its ErrorCode. A nil error maps to CodeOK and any
// error outside the enumeration maps to CodeInvalidState.
func Code(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrTaskNotFound):
		return CodeTaskNotFound
	case errors.Is(err, ErrModeNotPermitted):
		return CodeModeNotPermitted
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrServiceUnloading):
		return CodeServiceUnloading
	}
	return CodeInvalidState
}
