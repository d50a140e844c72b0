// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation persists episodic chat history in BadgerDB.
//
// # Description
//
// Every stored message is one key under "hist/{session}/" whose suffix is a
// zero-padded nanosecond timestamp followed by a sequence number, so a
// reverse prefix scan yields the newest messages first. Values are JSON
// encoded datatypes.HistoryRow.
//
// # Thread Safety
//
// Store is safe for concurrent use.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
)

// Raw role tags written by the engine.
const (
	RoleHuman = "human"
	RoleAI    = "ai"
)

// ErrEmptySession is returned when a session id is missing.
var ErrEmptySession = errors.New("session id is required")

// =============================================================================
// Configuration
// =============================================================================

// Config controls how the history database is opened.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string `yaml:"path"`

	// InMemory keeps history in memory only. Used by tests and the CLI.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every write.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the discardable fraction that triggers a rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`

	// Logger receives badger's own log lines. Nil silences them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns a durable on-disk configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration with no disk persistence.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Store
// =============================================================================

// Store is the badger-backed history store.
type Store struct {
	db     *badger.DB
	seq    atomic.Uint64
	now    func() time.Time
	stopGC chan struct{}
	gcDone chan struct{}
	logger *slog.Logger
}

// Open opens (or creates) the history database.
//
// # Inputs
//
//   - cfg: Database configuration. Path is required unless InMemory.
//
// # Outputs
//
//   - *Store: Ready to use. Call Close on shutdown.
//   - error: Non-nil if the directory or database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("history path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, now: time.Now, logger: logger}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("history value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

func sessionPrefix(sessionID string) []byte {
	return []byte("hist/" + sessionID + "/")
}

func (s *Store) key(sessionID string, ts time.Time) []byte {
	return fmt.Appendf(sessionPrefix(sessionID), "%020d/%010d", ts.UnixNano(), s.seq.Add(1))
}

// Append stores rows in order. Rows without a timestamp are stamped now.
func (s *Store) Append(ctx context.Context, rows ...datatypes.HistoryRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, row := range rows {
			if row.SessionID == "" {
				return ErrEmptySession
			}
			ts := s.now()
			if row.Timestamp == 0 {
				row.Timestamp = ts.UnixMilli()
			}
			val, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("encode history row: %w", err)
			}
			if err := txn.Set(s.key(row.SessionID, ts), val); err != nil {
				return fmt.Errorf("write history row: %w", err)
			}
		}
		return nil
	})
}

// AppendTurn stores one user message and the assistant's answer.
func (s *Store) AppendTurn(ctx context.Context, sessionID, userText, answer string) error {
	return s.Append(ctx,
		datatypes.HistoryRow{SessionID: sessionID, Role: RoleHuman, Content: userText},
		datatypes.HistoryRow{SessionID: sessionID, Role: RoleAI, Content: answer},
	)
}

// Recent returns up to limit of the newest rows of a session, oldest first.
// A limit <= 0 returns every row.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]datatypes.HistoryRow, error) {
	if sessionID == "" {
		return nil, ErrEmptySession
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []datatypes.HistoryRow
	prefix := sessionPrefix(sessionID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(slices.Clone(prefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(rows) >= limit {
				break
			}
			var row datatypes.HistoryRow
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("decode history row: %w", err)
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(rows)
	return rows, nil
}

// Count returns the number of stored rows for a session.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, ErrEmptySession
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// DeleteSession removes every row of a session and returns how many were
// deleted.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, ErrEmptySession
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("delete history row: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush history deletes: %w", err)
	}
	return len(keys), nil
}

// IdleSessions returns up to limit session ids whose newest row was
// written before cutoff, sorted. A limit <= 0 returns all of them.
func (s *Store) IdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	newest := make(map[string]int64)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("hist/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			session, ts, ok := parseKey(it.Item().Key())
			if !ok {
				continue
			}
			if ts > newest[session] {
				newest[session] = ts
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var idle []string
	for session, ts := range newest {
		if ts < cutoff.UnixNano() {
			idle = append(idle, session)
		}
	}
	slices.Sort(idle)
	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}
	return idle, nil
}

// parseKey splits hist/<session>/<ts>/<seq>. Session ids may contain '/'.
func parseKey(key []byte) (string, int64, bool) {
	rest, ok := strings.CutPrefix(string(key), "hist/")
	if !ok {
		return "", 0, false
	}
	seqAt := strings.LastIndexByte(rest, '/')
	if seqAt < 0 {
		return "", 0, false
	}
	tsAt := strings.LastIndexByte(rest[:seqAt], '/')
	if tsAt <= 0 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(rest[tsAt+1:seqAt], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:tsAt], ts, true
}
