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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// scriptedWorker returns the errors in script in order, then nil.
type scriptedWorker struct {
	name   string
	script []error
	calls  int
}

func (w *scriptedWorker) Name() string { return w.name }

func (w *scriptedWorker) Execute(ctx context.Context, pc *Context) error {
	w.calls++
	if w.calls <= len(w.script) {
		return w.script[w.calls-1]
	}
	pc.AddSystemPart(w.name, "from "+w.name, PriorityNote)
	return nil
}

// alwaysWorker returns err on every call.
type alwaysWorker struct {
	name  string
	err   error
	calls int
}

func (w *alwaysWorker) Name() string { return w.name }

func (w *alwaysWorker) Execute(context.Context, *Context) error {
	w.calls++
	return w.err
}

type recordedOutcome struct {
	worker, outcome string
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []recordedOutcome
}

func (r *fakeRecorder) RecordWorker(worker, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, recordedOutcome{worker, outcome})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 0
	return cfg
}

func newTestContext() *Context {
	return NewContext("s-1", "t-1", ModeChat, "hello")
}

// =============================================================================
// Retry Tests
// =============================================================================

func TestPipeline_RetryableIsRetriedExactlyMaxRetriesTimes(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 2, 5} {
		cfg := testConfig()
		cfg.MaxRetries = maxRetries
		w := &alwaysWorker{name: "memory", err: Retry(errors.New("store unavailable"))}

		_, err := New(cfg, w).Run(context.Background(), newTestContext())

		require.Error(t, err)
		assert.Equal(t, 1+maxRetries, w.calls, "max_retries=%d", maxRetries)

		var perr *PipelineError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "memory", perr.Worker)
		assert.Equal(t, KindRetryable, perr.Err.Kind)
	}
}

func TestPipeline_RetryableThenSuccessContinues(t *testing.T) {
	flaky := &scriptedWorker{name: "rag", script: []error{Retry(errors.New("timeout"))}}
	after := &scriptedWorker{name: "after"}
	rec := &fakeRecorder{}

	report, err := New(testConfig(), flaky, after).WithRecorder(rec).Run(context.Background(), newTestContext())

	require.NoError(t, err)
	assert.Equal(t, 2, flaky.calls)
	assert.Equal(t, 2, report.Attempts["rag"])
	assert.Equal(t, []string{"rag", "after"}, report.Completed)
	assert.Equal(t, []recordedOutcome{
		{"rag", OutcomeRetried},
		{"rag", OutcomeOK},
		{"after", OutcomeOK},
	}, rec.outcomes)
}

func TestPipeline_RetryBackoffHonoursCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Hour
	w := &alwaysWorker{name: "memory", err: Retry(errors.New("busy"))}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := New(cfg, w).Run(ctx, newTestContext())

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, w.calls)
}

// =============================================================================
// Skip Tests
// =============================================================================

func TestPipeline_SkipWithContinueNeverHalts(t *testing.T) {
	skipping := &alwaysWorker{name: "persona", err: Skip("no persona configured")}
	after := &scriptedWorker{name: "memory"}

	report, err := New(testConfig(), skipping, after).Run(context.Background(), newTestContext())

	require.NoError(t, err)
	assert.Equal(t, 1, skipping.calls, "skips are not retried")
	assert.Contains(t, report.Skipped, "persona")
	assert.Equal(t, []string{"memory"}, report.Completed)
}

func TestPipeline_SkipWithoutContinueFails(t *testing.T) {
	cfg := testConfig()
	cfg.ContinueOnSkip = false
	skipping := &alwaysWorker{name: "search", err: Skip("privacy")}
	after := &scriptedWorker{name: "rag"}

	_, err := New(cfg, skipping, after).Run(context.Background(), newTestContext())

	var perr *PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "search", perr.Worker)
	assert.Equal(t, KindSkipped, perr.Err.Kind)
	assert.Zero(t, after.calls)
}

// =============================================================================
// Fatal Tests
// =============================================================================

func TestPipeline_ExecutionFailedAbortsImmediately(t *testing.T) {
	cause := errors.New("bad config")
	failing := &alwaysWorker{name: "system", err: Fail(cause)}
	after := &scriptedWorker{name: "persona"}

	_, err := New(testConfig(), failing, after).Run(context.Background(), newTestContext())

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, failing.calls)
	assert.Zero(t, after.calls)
}

func TestPipeline_UntypedErrorIsFatal(t *testing.T) {
	failing := &alwaysWorker{name: "tool", err: errors.New("boom")}

	_, err := New(testConfig(), failing).Run(context.Background(), newTestContext())

	var perr *PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, KindExecutionFailed, perr.Err.Kind)
	assert.Equal(t, 1, failing.calls)
}

func TestPipeline_WorkersRunInOrder(t *testing.T) {
	a := &scriptedWorker{name: "a"}
	b := &scriptedWorker{name: "b"}
	c := &scriptedWorker{name: "c"}
	pc := newTestContext()

	p := New(testConfig(), a, b, c)
	_, err := p.Run(context.Background(), pc)

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, p.Workers())
	require.Len(t, pc.SystemParts, 3)
	assert.Equal(t, "a", pc.SystemParts[0].Name)
	assert.Equal(t, "c", pc.SystemParts[2].Name)
}

func TestWorkerError_Messages(t *testing.T) {
	assert.Equal(t, "skipped: empty query", Skip("empty query").Error())
	assert.Equal(t, "retryable: io", Retry(errors.New("io")).Error())
	assert.Equal(t, "skipped: embed: down", SkipErr("embed", errors.New("down")).Error())
	assert.Equal(t, "execution_failed", KindExecutionFailed.String())
}
