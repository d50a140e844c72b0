// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Structural errors returned while building a graph.
var (
	ErrNilNode          = errors.New("node is nil")
	ErrEmptyNodeID      = errors.New("node id is empty")
	ErrDuplicateNode    = errors.New("node already registered")
	ErrNodeNotFound     = errors.New("node not registered")
	ErrDuplicateAlways  = errors.New("node already has an always edge")
	ErrDuplicateLabel   = errors.New("label already used by another edge from this node")
	ErrEmptyLabel       = errors.New("conditional edge needs a label")
	ErrEntryNotSet      = errors.New("entry node not set")
	ErrInvalidStepLimit = errors.New("step budget must be positive")
)

// Runtime errors wrapped by GraphError.
var (
	ErrNoMatchingEdge   = errors.New("no matching edge")
	ErrMaxSteps         = errors.New("maximum steps exceeded")
	ErrTurnCancelled    = errors.New("turn cancelled")
	ErrExecutionTimeout = errors.New("execution timeout")
)

// BuildError ties a structural error to the node or edge that caused it.
type BuildError struct {
	NodeID string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("graph node %q: %v", e.NodeID, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// GraphError is the failure of one turn.
//
// Description:
//
//	NodeID is the node that failed and Message the human-readable reason.
//	Trace lists the node ids visited before and including the failure, in
//	visitation order. Wrapping callers add their own id with AppendTrace;
//	the trace is never reordered or truncated.
type GraphError struct {
	NodeID  string
	Message string
	Trace   []string
	Err     error
}

func (e *GraphError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node %s: %s", e.NodeID, e.Message)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&b, " (trace: %s)", strings.Join(e.Trace, " -> "))
	}
	return b.String()
}

func (e *GraphError) Unwrap() error { return e.Err }

// AppendTrace adds id to the end of the trace.
func (e *GraphError) AppendTrace(id string) {
	e.Trace = append(e.Trace, id)
}
