// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler is already running")

// =============================================================================
// Scheduler
// =============================================================================

// SchedulerConfig holds configuration for the session expiry scheduler.
//
// # Fields
//
//   - Interval: How often to run cleanup cycles. Default: 1 hour.
//   - MaxIdle: Inactivity after which a session expires. Zero disables expiry.
//   - SessionBatchSize: Maximum sessions to delete per cycle. Default: 100.
type SchedulerConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MaxIdle          time.Duration `yaml:"max_idle"`
	SessionBatchSize int           `yaml:"session_batch_size" validate:"gte=0"`
}

// DefaultSchedulerConfig returns the scheduler defaults with expiry off.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:         1 * time.Hour,
		SessionBatchSize: 100,
	}
}

// Enabled reports whether sessions expire at all.
func (c SchedulerConfig) Enabled() bool {
	return c.MaxIdle > 0
}

// cycleRunner is the part of Cleaner the scheduler drives.
type cycleRunner interface {
	Cleanup(ctx context.Context) (CleanupResult, error)
}

// Scheduler runs cleanup cycles in the background.
//
// # Description
//
// Uses the ticker + done channel pattern. The first cycle runs
// immediately on Start.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scheduler struct {
	cleaner  cycleRunner
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
	running bool
}

// NewScheduler creates a scheduler for cleaner. A non-positive interval
// uses the default.
func NewScheduler(cleaner *Cleaner, interval time.Duration, logger *slog.Logger) *Scheduler {
	return newScheduler(cleaner, interval, logger)
}

func newScheduler(cleaner cycleRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulerConfig().Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cleaner:  cleaner,
		interval: interval,
		logger:   logger.With("component", "ttl"),
	}
}

// Start launches the background loop. It stops when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("Session expiry scheduler starting", "interval", s.interval.String())
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop and waits for an in-flight cycle to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("Session expiry scheduler stopped")
}

// RunNow runs one cycle synchronously.
func (s *Scheduler) RunNow(ctx context.Context) (CleanupResult, error) {
	return s.cleaner.Cleanup(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.executeCleanup(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.executeCleanup(ctx)
		}
	}
}

func (s *Scheduler) executeCleanup(ctx context.Context) {
	result, err := s.cleaner.Cleanup(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("Session expiry cycle failed", "error", err)
		}
		return
	}
	if result.SessionsFound == 0 {
		s.logger.Debug("Session expiry cycle completed (no idle sessions)")
		return
	}
	s.logger.Info("Session expiry cycle completed",
		"sessions_found", result.SessionsFound,
		"sessions_deleted", result.SessionsDeleted,
		"rows_deleted", result.RowsDeleted,
		"chunks_deleted", result.ChunksDeleted,
		"errors", len(result.Errors),
		"duration_ms", result.Duration().Milliseconds(),
	)
}
