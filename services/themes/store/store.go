// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists analyzed theme forests in an embedded BadgerDB.
//
// Forests are stored as JSON under run_id keys, so a run's output can be
// reloaded for later review without re-spending model calls. The tree's
// acyclic, id-back-referenced shape guarantees a lossless JSON round trip
// (timestamps as RFC 3339, no reference tracking needed).
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
)

const runKeyPrefix = "run/"

// ErrRunNotFound is returned when no forest exists for the run id.
var ErrRunNotFound = errors.New("store: run not found")

// Config holds configuration for a forest store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory
	// is true.
	Path string

	// InMemory keeps everything in RAM, for testing.
	InMemory bool

	// Logger is optional; nil disables BadgerDB's internal logging.
	Logger *slog.Logger
}

// Record is a persisted run: the forest plus run-level metadata.
type Record struct {
	RunID      string                      `json:"runId"`
	CreatedAt  time.Time                   `json:"createdAt"`
	Candidates int                         `json:"candidateCount"`
	Roots      []*domain.ConsolidatedTheme `json:"roots"`
}

// Store is a BadgerDB-backed forest archive.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
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

// Open opens (creating if needed) the store at cfg.Path, or in memory.
// Caller must Close when done.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("store: path is required for persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("store: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveForest persists one run's forest. Saving the same run id again
// overwrites the previous record.
func (s *Store) SaveForest(runID string, candidates int, roots []*domain.ConsolidatedTheme) error {
	if runID == "" {
		return errors.New("store: run id is required")
	}
	if err := domain.VerifyAcyclic(roots); err != nil {
		return fmt.Errorf("store: refusing to persist invalid forest: %w", err)
	}

	record := Record{
		RunID:      runID,
		CreatedAt:  time.Now().UTC(),
		Candidates: candidates,
		Roots:      roots,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: marshal run %s: %w", runID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runKeyPrefix+runID), payload)
	})
	if err != nil {
		return fmt.Errorf("store: save run %s: %w", runID, err)
	}
	return nil
}

// LoadForest retrieves a persisted run, or ErrRunNotFound.
func (s *Store) LoadForest(runID string) (*Record, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runKeyPrefix + runID))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load run %s: %w", runID, err)
	}

	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("store: unmarshal run %s: %w", runID, err)
	}
	return &record, nil
}

// ListRuns returns all persisted run ids, unordered.
func (s *Store) ListRuns() ([]string, error) {
	var runs []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(runKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			runs = append(runs, strings.TrimPrefix(key, runKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a persisted run. Deleting a missing run is not an
// error.
func (s *Store) DeleteRun(runID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(runKeyPrefix + runID))
	})
	if err != nil {
		return fmt.Errorf("store: delete run %s: %w", runID, err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
