// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events defines the structured events a turn streams to its
// caller and the sinks that carry them.
//
// Nodes only write to a sink. The transport owns the consuming end and
// detaches by closing it, which is how a turn learns it was abandoned.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeChunk carries a piece of the streamed answer.
	TypeChunk Type = "chunk"
	// TypeActivity reports what a node is doing ("Deep research activated").
	TypeActivity Type = "activity"
	// TypeStatus is a progress or degradation notice.
	TypeStatus Type = "status"
	// TypeSearchResults carries reranked web results.
	TypeSearchResults Type = "search_results"
	// TypeThought carries the recorded chain-of-thought.
	TypeThought Type = "thought"
	// TypeError is the terminal failure event.
	TypeError Type = "error"
	// TypeDone is the terminal success event.
	TypeDone Type = "done"
)

// IsTerminal reports whether no events follow this type.
func (t Type) IsTerminal() bool {
	return t == TypeError || t == TypeDone
}

// Event is one entry of the output stream.
type Event struct {
	ID        string                   `json:"id"`
	Type      Type                     `json:"type"`
	TurnID    string                   `json:"turn_id,omitempty"`
	SessionID string                   `json:"session_id,omitempty"`
	Node      string                   `json:"node,omitempty"`
	Content   string                   `json:"content,omitempty"`
	Message   string                   `json:"message,omitempty"`
	Results   []datatypes.SearchResult `json:"results,omitempty"`
	Data      map[string]any           `json:"data,omitempty"`
	Error     string                   `json:"error,omitempty"`
	CreatedAt int64                    `json:"created_at"`

	// Hash and PrevHash chain the events of one stream. Set by the
	// transport writer.
	Hash     string `json:"hash,omitempty"`
	PrevHash string `json:"prev_hash,omitempty"`
}

func newEvent(t Type) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Chunk returns an answer fragment event.
func Chunk(content string) Event {
	ev := newEvent(TypeChunk)
	ev.Content = content
	return ev
}

// Activity returns a node activity event.
func Activity(node, message string) Event {
	ev := newEvent(TypeActivity)
	ev.Node = node
	ev.Message = message
	return ev
}

// Status returns a progress notice.
func Status(node, message string) Event {
	ev := newEvent(TypeStatus)
	ev.Node = node
	ev.Message = message
	return ev
}

// SearchResults returns a web results event.
func SearchResults(node string, results []datatypes.SearchResult) Event {
	ev := newEvent(TypeSearchResults)
	ev.Node = node
	ev.Results = results
	return ev
}

// Thought returns a chain-of-thought event.
func Thought(content string) Event {
	ev := newEvent(TypeThought)
	ev.Node = "thinking"
	ev.Content = content
	return ev
}

// Error returns the terminal failure event.
func Error(node, msg string) Event {
	ev := newEvent(TypeError)
	ev.Node = node
	ev.Error = msg
	return ev
}

// Done returns the terminal success event.
func Done(sessionID string) Event {
	ev := newEvent(TypeDone)
	ev.SessionID = sessionID
	return ev
}

// WithData attaches structured data to an event.
func (e Event) WithData(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}
