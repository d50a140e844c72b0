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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSink_DeliversInOrder(t *testing.T) {
	sink := NewChannelSink(4)
	ctx := context.Background()

	require.NoError(t, sink.Emit(ctx, Chunk("a")))
	require.NoError(t, sink.Emit(ctx, Chunk("b")))
	require.NoError(t, sink.Emit(ctx, Done("s")))

	assert.Equal(t, "a", (<-sink.Events()).Content)
	assert.Equal(t, "b", (<-sink.Events()).Content)
	assert.Equal(t, TypeDone, (<-sink.Events()).Type)
}

func TestChannelSink_CloseUnblocksProducer(t *testing.T) {
	sink := NewChannelSink(0)
	errc := make(chan error, 1)

	go func() {
		errc <- sink.Emit(context.Background(), Chunk("never read"))
	}()

	time.Sleep(10 * time.Millisecond)
	sink.Close()
	sink.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSinkClosed)
	case <-time.After(time.Second):
		t.Fatal("Emit did not return after Close")
	}

	select {
	case <-sink.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestChannelSink_EmitHonoursContext(t *testing.T) {
	sink := NewChannelSink(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sink.Emit(ctx, Chunk("x"))

	assert.ErrorIs(t, err, context.Canceled)
}

func TestTurnSink_StopsAfterTerminal(t *testing.T) {
	buf := &Buffer{}
	sink := NewTurnSink(buf, "turn-1", "sess-1")
	ctx := context.Background()

	require.NoError(t, sink.Emit(ctx, Chunk("partial")))
	require.NoError(t, sink.Emit(ctx, Error("chat", "stream failed")))
	assert.ErrorIs(t, sink.Emit(ctx, Chunk("late")), ErrTurnFinished)
	assert.ErrorIs(t, sink.Emit(ctx, Error("engine", "again")), ErrTurnFinished)

	assert.True(t, sink.Finished())
	assert.True(t, sink.ErrorSent())
	require.Len(t, buf.Events(), 2)
	assert.Len(t, buf.OfType(TypeError), 1)
	for _, ev := range buf.Events() {
		assert.Equal(t, "turn-1", ev.TurnID)
		assert.Equal(t, "sess-1", ev.SessionID)
	}
}

func TestBuffer_Text(t *testing.T) {
	buf := &Buffer{}
	ctx := context.Background()
	_ = buf.Emit(ctx, Chunk("Hello"))
	_ = buf.Emit(ctx, Status("search", "ignored"))
	_ = buf.Emit(ctx, Chunk(", world"))

	assert.Equal(t, "Hello, world", buf.Text())
}

func TestEvent_JSONShape(t *testing.T) {
	ev := Activity("router", "Deep research activated").WithData("target", "search_agentic")

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "activity", decoded["type"])
	assert.Equal(t, "router", decoded["node"])
	assert.NotEmpty(t, decoded["id"])
	assert.NotContains(t, decoded, "results")
	assert.Equal(t, map[string]any{"target": "search_agentic"}, decoded["data"])
}
