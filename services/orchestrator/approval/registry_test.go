// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ResolveDeliversOnce(t *testing.T) {
	r := NewRegistry()
	req, ch := r.Register("shell", map[string]any{"cmd": "ls"})

	got, ok := r.Lookup(req.ID)
	require.True(t, ok)
	assert.Equal(t, "shell", got.Tool)

	require.NoError(t, r.Resolve(req.ID, Decision{Approved: true}))
	assert.ErrorIs(t, r.Resolve(req.ID, Decision{}), ErrNotFound)

	d := <-ch
	assert.True(t, d.Approved)
	assert.Zero(t, r.Len())
}

func TestRegistry_WaitReceivesConcurrentDecision(t *testing.T) {
	r := NewRegistry()
	req, ch := r.Register("fetch_url", nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = r.Resolve(req.ID, Decision{Approved: false, Reason: "no"})
	}()

	d, err := r.Wait(context.Background(), req.ID, ch, time.Second)

	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, "no", d.Reason)
}

func TestRegistry_WaitTimeoutCancels(t *testing.T) {
	r := NewRegistry()
	req, ch := r.Register("shell", nil)

	_, err := r.Wait(context.Background(), req.ID, ch, 5*time.Millisecond)

	assert.ErrorIs(t, err, ErrTimeout)
	_, ok := r.Lookup(req.ID)
	assert.False(t, ok)
}

func TestRegistry_WaitContextCancel(t *testing.T) {
	r := NewRegistry()
	req, ch := r.Register("shell", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Wait(ctx, req.ID, ch, 0)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.Len())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, ch := r.Register("tool", nil)
			_ = r.Resolve(req.ID, Decision{Approved: true})
			<-ch
		}()
	}
	wg.Wait()

	assert.Zero(t, r.Len())
}
