// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
)

// =============================================================================
// Live
// =============================================================================

// Live holds the sections that can change while the server runs: prompts,
// persona and agents. Everything else needs a restart.
//
// # Thread Safety
//
// Safe for concurrent use. Listeners run on the goroutine calling Apply.
type Live struct {
	mu        sync.RWMutex
	prompts   Prompts
	persona   *PersonaConfig
	agents    []agents.Agent
	listeners []func(*Config)
}

// NewLive seeds a Live from cfg.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.set(cfg)
	return l
}

func (l *Live) set(cfg *Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = cfg.Prompts
	l.persona = nil
	if cfg.Persona != nil {
		p := *cfg.Persona
		p.Traits = slices.Clone(p.Traits)
		l.persona = &p
	}
	l.agents = slices.Clone(cfg.Agents)
}

// Prompts returns the current prompt overrides.
func (l *Live) Prompts() Prompts {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prompts
}

// Persona returns a copy of the current persona, or nil.
func (l *Live) Persona() *pipeline.Persona {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.persona.Persona()
}

// Agents returns the configured agents.
func (l *Live) Agents() []agents.Agent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.agents)
}

// OnChange registers fn to run after every successful Apply.
func (l *Live) OnChange(fn func(*Config)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Apply replaces the hot sections with cfg's and notifies listeners.
func (l *Live) Apply(cfg *Config) {
	l.set(cfg)
	l.mu.RLock()
	listeners := slices.Clone(l.listeners)
	l.mu.RUnlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// =============================================================================
// Watcher
// =============================================================================

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a config file into a Live when it changes on disk.
type Watcher struct {
	path     string
	fw       *fsnotify.Watcher
	live     *Live
	logger   *slog.Logger
	debounce time.Duration

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// Watch starts watching path.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// save by rename are seen. Bursts of events are collapsed into one reload
// after debounce. A file that fails to load or validate is logged and
// ignored; the previous sections stay active.
//
// # Inputs
//
//   - ctx: Stops the watcher when cancelled.
//   - path: The config file passed to Load.
//   - live: Receives reloaded sections.
//   - debounce: Settle time. Zero uses DefaultDebounce.
func Watch(ctx context.Context, path string, live *Live, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:     abs,
		fw:       fw,
		live:     live,
		logger:   logger.With("component", "config_watcher"),
		debounce: debounce,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stopped)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload failed, keeping previous settings", "path", w.path, "error", err)
		return
	}
	w.live.Apply(cfg)
	w.logger.Info("Config reloaded", "path", w.path, "agents", len(cfg.Agents), "persona", cfg.Persona != nil)
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fw.Close()
		<-w.stopped
	})
	return err
}
