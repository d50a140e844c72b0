// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Worker is one enrichment stage of the pipeline.
//
// # Description
//
// Execute mutates pc in place. Collaborators (stores, clients,
// configuration) are injected when the worker is constructed.
//
// Execute returns nil on success, a *WorkerError built with Skip, Retry or
// Fail, or any other error, which is treated like Fail.
type Worker interface {
	Name() string
	Execute(ctx context.Context, pc *Context) error
}

// ErrorKind classifies a worker failure.
type ErrorKind int

const (
	// KindExecutionFailed aborts the pipeline.
	KindExecutionFailed ErrorKind = iota
	// KindSkipped means the enrichment could not run; proceed without it.
	KindSkipped
	// KindRetryable is a transient failure; retry before giving up.
	KindRetryable
)

// String returns the kind name used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindSkipped:
		return "skipped"
	case KindRetryable:
		return "retryable"
	default:
		return "execution_failed"
	}
}

// WorkerError is the typed failure returned by workers.
type WorkerError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *WorkerError) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Skip returns a non-fatal skip with the given reason.
func Skip(reason string) *WorkerError {
	return &WorkerError{Kind: KindSkipped, Reason: reason}
}

// SkipErr returns a skip that keeps the underlying cause.
func SkipErr(reason string, err error) *WorkerError {
	return &WorkerError{Kind: KindSkipped, Reason: reason, Err: err}
}

// Retry returns a transient failure.
func Retry(err error) *WorkerError {
	return &WorkerError{Kind: KindRetryable, Err: err}
}

// Fail returns a fatal failure.
func Fail(err error) *WorkerError {
	return &WorkerError{Kind: KindExecutionFailed, Err: err}
}

// classify maps any error returned by a worker onto a WorkerError.
func classify(err error) *WorkerError {
	var we *WorkerError
	if errors.As(err, &we) {
		return we
	}
	return Fail(err)
}

// PipelineError reports the worker that stopped the pipeline.
type PipelineError struct {
	Worker   string
	Attempts int
	Err      *WorkerError
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("worker %s failed after %d attempt(s): %v", e.Worker, e.Attempts, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
