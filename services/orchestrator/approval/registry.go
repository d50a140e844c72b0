// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package approval tracks tool calls waiting for human confirmation.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when resolving an unknown or already
	// resolved request.
	ErrNotFound = errors.New("approval request not found")

	// ErrTimeout is returned by Wait when no decision arrives in time.
	ErrTimeout = errors.New("approval timed out")
)

// Decision is the human answer to one request.
type Decision struct {
	Approved bool
	Reason   string
}

// Request describes a pending approval.
type Request struct {
	ID        string
	Tool      string
	Args      map[string]any
	CreatedAt time.Time
}

type pending struct {
	req Request
	ch  chan Decision
}

// Registry maps request ids to one-shot decision channels.
//
// # Description
//
// The agent executor registers a request and waits on its channel while
// the transport, running in another goroutine, resolves it when the client
// answers. Each channel has capacity one and receives at most one value, so
// Resolve never blocks.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*pending)}
}

// Register creates a pending request for tool and returns it together
// with the channel its decision will arrive on.
func (r *Registry) Register(tool string, args map[string]any) (Request, <-chan Decision) {
	req := Request{
		ID:        uuid.NewString(),
		Tool:      tool,
		Args:      args,
		CreatedAt: time.Now(),
	}
	ch := make(chan Decision, 1)

	r.mu.Lock()
	r.pending[req.ID] = &pending{req: req, ch: ch}
	r.mu.Unlock()

	return req, ch
}

// Resolve delivers a decision and removes the request.
func (r *Registry) Resolve(id string, d Decision) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.ch <- d
	return nil
}

// Cancel removes a request without delivering a decision.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Lookup returns a pending request.
func (r *Registry) Lookup(id string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return Request{}, false
	}
	return p.req, true
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Wait blocks until the request is resolved, ctx is done or timeout
// elapses. A zero timeout waits for ctx only. The request is cancelled on
// every path that does not deliver a decision.
func (r *Registry) Wait(ctx context.Context, id string, ch <-chan Decision, timeout time.Duration) (Decision, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		r.Cancel(id)
		return Decision{}, ctx.Err()
	case <-timer:
		r.Cancel(id)
		return Decision{}, ErrTimeout
	}
}
