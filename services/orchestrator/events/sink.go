// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSinkClosed is returned once the consumer has detached.
	ErrSinkClosed = errors.New("output sink closed")

	// ErrTurnFinished is returned for events emitted after a terminal event.
	ErrTurnFinished = errors.New("turn already finished")
)

// Sink accepts events in order. Emit blocks while the consumer is slow and
// returns ErrSinkClosed once the consumer has gone away.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// =============================================================================
// ChannelSink
// =============================================================================

// ChannelSink is the production sink: a buffered channel read by the
// transport.
//
// # Description
//
// The producing turn calls Emit. The consuming transport ranges over
// Events and calls Close when it stops reading (connection closed, client
// went away). Close never closes the event channel itself, so a late Emit
// cannot panic; it returns ErrSinkClosed instead.
//
// # Thread Safety
//
// Emit, Close and Done are safe for concurrent use.
type ChannelSink struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Emit queues ev for the consumer.
func (s *ChannelSink) Emit(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the consuming end.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close detaches the consumer. Safe to call more than once.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is closed when the consumer detaches.
func (s *ChannelSink) Done() <-chan struct{} {
	return s.done
}

// =============================================================================
// TurnSink
// =============================================================================

// TurnSink wraps a Sink for one turn and enforces terminal semantics: after
// an error or done event nothing else is forwarded.
type TurnSink struct {
	inner     Sink
	turnID    string
	sessionID string

	mu        sync.Mutex
	finished  bool
	errorSent bool
}

// NewTurnSink wraps inner, stamping turn and session ids on every event.
func NewTurnSink(inner Sink, turnID, sessionID string) *TurnSink {
	return &TurnSink{inner: inner, turnID: turnID, sessionID: sessionID}
}

// Emit forwards ev unless the turn already finished.
func (s *TurnSink) Emit(ctx context.Context, ev Event) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return ErrTurnFinished
	}
	if ev.Type.IsTerminal() {
		s.finished = true
		s.errorSent = ev.Type == TypeError
	}
	s.mu.Unlock()

	ev.TurnID = s.turnID
	if ev.SessionID == "" {
		ev.SessionID = s.sessionID
	}
	return s.inner.Emit(ctx, ev)
}

// Finished reports whether a terminal event was emitted.
func (s *TurnSink) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// ErrorSent reports whether the terminal event was an error.
func (s *TurnSink) ErrorSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorSent
}

// =============================================================================
// Buffer
// =============================================================================

// Buffer records events in memory. Used by the CLI and tests.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends ev.
func (b *Buffer) Emit(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

// Events returns a copy of everything recorded.
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// OfType returns the recorded events of type t.
func (b *Buffer) OfType(t Type) []Event {
	var out []Event
	for _, ev := range b.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Text concatenates the content of every chunk event.
func (b *Buffer) Text() string {
	var text string
	for _, ev := range b.OfType(TypeChunk) {
		text += ev.Content
	}
	return text
}
