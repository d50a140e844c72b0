// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func contents(rows []datatypes.HistoryRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Role + ":" + r.Content
	}
	return out
}

func TestStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, "s1", "hello", "hi there"))
	require.NoError(t, s.AppendTurn(ctx, "s1", "how are you", "fine"))
	require.NoError(t, s.AppendTurn(ctx, "s2", "other", "session"))

	rows, err := s.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"human:hello", "ai:hi there", "human:how are you", "ai:fine"}, contents(rows))
	assert.NotZero(t, rows[0].Timestamp)

	n, err := s.Count(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_RecentReturnsNewestInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(ctx, datatypes.HistoryRow{SessionID: "s", Role: "human", Content: fmt.Sprint(i)}))
	}

	rows, err := s.Recent(ctx, "s", 3)

	require.NoError(t, err)
	assert.Equal(t, []string{"human:3", "human:4", "human:5"}, contents(rows))
}

func TestStore_SessionPrefixIsExact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendTurn(ctx, "abc", "a", "b"))
	require.NoError(t, s.AppendTurn(ctx, "ab", "c", "d"))

	rows, err := s.Recent(ctx, "ab", 0)

	require.NoError(t, err)
	assert.Equal(t, []string{"human:c", "ai:d"}, contents(rows))
}

func TestStore_DeleteSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendTurn(ctx, "gone", "a", "b"))
	require.NoError(t, s.AppendTurn(ctx, "kept", "c", "d"))

	n, err := s.DeleteSession(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := s.Recent(ctx, "gone", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
	count, err := s.Count(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestStore_RequiresSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Append(ctx, datatypes.HistoryRow{Role: "human", Content: "x"}), ErrEmptySession)
	_, err := s.Recent(ctx, "", 1)
	assert.ErrorIs(t, err, ErrEmptySession)

	_, err = Open(Config{})
	assert.Error(t, err)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn(context.Background(), "s", "q", "a"))
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	rows, err := s.Recent(context.Background(), "s", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStore_IdleSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	at := func(ts time.Time) { s.now = func() time.Time { return ts } }

	at(base)
	require.NoError(t, s.AppendTurn(ctx, "old", "q", "a"))
	require.NoError(t, s.AppendTurn(ctx, "team/alpha", "q", "a"))
	require.NoError(t, s.AppendTurn(ctx, "revived", "q", "a"))
	at(base.Add(2 * time.Hour))
	require.NoError(t, s.AppendTurn(ctx, "fresh", "q", "a"))
	require.NoError(t, s.AppendTurn(ctx, "revived", "again", "a"))

	idle, err := s.IdleSessions(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "team/alpha"}, idle)

	idle, err = s.IdleSessions(ctx, base.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, idle)
}
