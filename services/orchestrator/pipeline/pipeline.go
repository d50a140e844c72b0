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
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.orchestrator.pipeline")

// Worker outcome labels passed to Recorder.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeRetried = "retried"
	OutcomeFailed  = "failed"
)

// Recorder receives per-worker outcomes. Implemented by the observability
// package; nil disables recording.
type Recorder interface {
	RecordWorker(worker, outcome string, duration time.Duration)
}

// Config controls retry and skip handling.
type Config struct {
	// MaxRetries is the number of additional attempts for a Retryable
	// failure. Default: 2.
	MaxRetries int

	// ContinueOnSkip lets the pipeline proceed past a Skipped worker.
	// When false a skip fails the pipeline. Default: true.
	ContinueOnSkip bool

	// RetryBackoff is the delay before the first retry, doubled for each
	// further retry. Zero retries immediately. Default: 100ms.
	RetryBackoff time.Duration
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		ContinueOnSkip: true,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// Report summarizes one pipeline run.
type Report struct {
	Completed []string
	Skipped   map[string]string
	Attempts  map[string]int
}

// Pipeline runs workers sequentially in declared order.
//
// # Thread Safety
//
// A Pipeline holds no per-run state and may be shared by concurrent turns,
// provided each run uses its own Context.
type Pipeline struct {
	workers  []Worker
	config   Config
	logger   *slog.Logger
	recorder Recorder
}

// New creates a Pipeline over workers. A negative MaxRetries is treated as 0.
func New(config Config, workers ...Worker) *Pipeline {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Pipeline{
		workers: workers,
		config:  config,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger used for skip and retry notices.
func (p *Pipeline) WithLogger(logger *slog.Logger) *Pipeline {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// WithRecorder sets the outcome recorder.
func (p *Pipeline) WithRecorder(r Recorder) *Pipeline {
	p.recorder = r
	return p
}

// Workers returns the worker names in execution order.
func (p *Pipeline) Workers() []string {
	names := make([]string, len(p.workers))
	for i, w := range p.workers {
		names[i] = w.Name()
	}
	return names
}

// Run executes every worker against pc.
//
// # Description
//
// Each worker is attempted up to 1 + MaxRetries times:
//   - success moves on to the next worker;
//   - Skipped is logged and moves on when ContinueOnSkip, otherwise the
//     run fails with the skip;
//   - Retryable is attempted again until retries are exhausted, then fails
//     the run;
//   - ExecutionFailed (or any untyped error) fails the run immediately.
//
// # Outputs
//
//   - *Report: What ran, what was skipped and how many attempts each took.
//     Returned even on failure.
//   - error: *PipelineError naming the failing worker, or the context error.
func (p *Pipeline) Run(ctx context.Context, pc *Context) (*Report, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("pipeline.mode", pc.Mode.String()),
			attribute.Int("pipeline.workers", len(p.workers)),
		),
	)
	defer span.End()

	report := &Report{
		Skipped:  make(map[string]string),
		Attempts: make(map[string]int),
	}

	for _, w := range p.workers {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "context canceled")
			return report, err
		}

		attempts, werr := p.runWorker(ctx, w, pc)
		report.Attempts[w.Name()] = attempts

		if werr == nil {
			report.Completed = append(report.Completed, w.Name())
			continue
		}

		if werr.Kind == KindSkipped {
			report.Skipped[w.Name()] = werr.Error()
			p.logger.Info("worker skipped",
				slog.String("worker", w.Name()),
				slog.String("mode", pc.Mode.String()),
				slog.String("reason", werr.Error()),
			)
			if p.config.ContinueOnSkip {
				continue
			}
		}

		perr := &PipelineError{Worker: w.Name(), Attempts: attempts, Err: werr}
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		p.logger.Error("pipeline aborted",
			slog.String("worker", w.Name()),
			slog.Int("attempts", attempts),
			slog.String("error", werr.Error()),
		)
		return report, perr
	}

	return report, nil
}

// runWorker applies the retry policy to one worker and returns the number
// of attempts made along with the final failure, if any.
func (p *Pipeline) runWorker(ctx context.Context, w Worker, pc *Context) (int, *WorkerError) {
	backoff := p.config.RetryBackoff
	maxAttempts := 1 + p.config.MaxRetries

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := p.executeWorker(ctx, w, pc)
		elapsed := time.Since(start)

		if err == nil {
			p.record(w.Name(), OutcomeOK, elapsed)
			return attempt, nil
		}

		werr := classify(err)
		switch werr.Kind {
		case KindSkipped:
			p.record(w.Name(), OutcomeSkipped, elapsed)
			return attempt, werr
		case KindExecutionFailed:
			p.record(w.Name(), OutcomeFailed, elapsed)
			return attempt, werr
		}

		if attempt >= maxAttempts {
			p.record(w.Name(), OutcomeFailed, elapsed)
			return attempt, werr
		}
		p.record(w.Name(), OutcomeRetried, elapsed)
		p.logger.Warn("worker retry",
			slog.String("worker", w.Name()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", werr.Error()),
		)

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, Fail(fmt.Errorf("retry of %s interrupted: %w", w.Name(), ctx.Err()))
			case <-timer.C:
			}
			backoff *= 2
		}
	}
}

func (p *Pipeline) executeWorker(ctx context.Context, w Worker, pc *Context) error {
	ctx, span := tracer.Start(ctx, "pipeline.Worker",
		trace.WithAttributes(attribute.String("worker.name", w.Name())),
	)
	defer span.End()

	err := w.Execute(ctx, pc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) record(worker, outcome string, d time.Duration) {
	if p.recorder != nil {
		p.recorder.RecordWorker(worker, outcome, d)
	}
}
