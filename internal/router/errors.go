// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCandidates indicates no registered provider satisfies the task
	// class at all.
	ErrNoCandidates = errors.New("router: no provider satisfies task class")

	// ErrDeadlineExhausted is the sentinel matched by errors.Is for
	// deadline-exhaustion failures. Route always wraps it in a DeadlineError
	// carrying the attempt log.
	ErrDeadlineExhausted = errors.New("router: request deadline exhausted")
)

// DeadlineError is the terminal failure when the request deadline expires
// before the chain completes. Like ExhaustedError it carries every attempt
// made up to that point, so a timeout is never reported without the history
// explaining it.
type DeadlineError struct {
	TaskID   string
	Attempts []Attempt
}

// Error implements error.
func (e *DeadlineError) Error() string {
	return fmt.Sprintf("router: request deadline exhausted for task %s after %d attempts",
		e.TaskID, len(e.Attempts))
}

// Unwrap makes errors.Is(err, ErrDeadlineExhausted) hold.
func (e *DeadlineError) Unwrap() error { return ErrDeadlineExhausted }

// AsDeadline unwraps err into a DeadlineError, if it is one.
func AsDeadline(err error) (*DeadlineError, bool) {
	var de *DeadlineError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ExhaustedError is the terminal routing failure: every candidate was tried
// or skipped. It carries the full attempt log so the caller can see why
// routing failed, not just that it did.
type ExhaustedError struct {
	TaskID   string
	Attempts []Attempt
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("router: all candidates exhausted for task %s after %d attempts",
		e.TaskID, len(e.Attempts))
}

// AsExhausted unwraps err into an ExhaustedError, if it is one.
func AsExhausted(err error) (*ExhaustedError, bool) {
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
