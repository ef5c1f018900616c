// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleForest() []*domain.ConsolidatedTheme {
	child := &domain.ConsolidatedTheme{
		ID:           "child-1",
		Name:         "session renewal",
		Level:        1,
		ParentID:     "root-1",
		Files:        []string{"auth/session.go"},
		Confidence:   0.8,
		SourceThemes: []string{"cand-1"},
		Method:       domain.MethodAIExpansion,
		IsAtomic:     true,
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	return []*domain.ConsolidatedTheme{
		{
			ID:           "root-1",
			Name:         "auth rework",
			Description:  "session and cookie changes",
			Children:     []*domain.ConsolidatedTheme{child},
			Files:        []string{"auth/cookie.go", "auth/session.go"},
			Confidence:   0.9,
			SourceThemes: []string{"cand-1", "cand-2"},
			Method:       domain.MethodPairwiseMerge,
			CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestSaveAndLoadForestRoundTrip(t *testing.T) {
	s := newTestStore(t)
	roots := sampleForest()

	require.NoError(t, s.SaveForest("run-1", 2, roots))

	record, err := s.LoadForest("run-1")
	require.NoError(t, err)

	assert.Equal(t, "run-1", record.RunID)
	assert.Equal(t, 2, record.Candidates)
	assert.False(t, record.CreatedAt.IsZero())
	require.Len(t, record.Roots, 1)

	got := record.Roots[0]
	assert.Equal(t, roots[0].Name, got.Name)
	assert.Equal(t, roots[0].Files, got.Files)
	assert.Equal(t, roots[0].SourceThemes, got.SourceThemes)
	assert.Equal(t, roots[0].Method, got.Method)
	assert.True(t, roots[0].CreatedAt.Equal(got.CreatedAt), "timestamps survive the JSON round trip")

	require.Len(t, got.Children, 1)
	assert.Equal(t, "session renewal", got.Children[0].Name)
	assert.Equal(t, "root-1", got.Children[0].ParentID)
	assert.True(t, got.Children[0].IsAtomic)
}

func TestSaveOverwritesSameRun(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveForest("run-1", 1, sampleForest()))
	require.NoError(t, s.SaveForest("run-1", 5, sampleForest()))

	record, err := s.LoadForest("run-1")
	require.NoError(t, err)
	assert.Equal(t, 5, record.Candidates)
}

func TestLoadMissingRun(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadForest("no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSaveRejectsInvalidForest(t *testing.T) {
	s := newTestStore(t)

	// A child at the same level as its parent violates the tree shape.
	bad := sampleForest()
	bad[0].Children[0].Level = 0

	err := s.SaveForest("run-bad", 1, bad)
	require.Error(t, err)

	_, err = s.LoadForest("run-bad")
	assert.ErrorIs(t, err, ErrRunNotFound, "nothing may be persisted for a rejected forest")
}

func TestSaveRequiresRunID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveForest("", 0, nil))
}

func TestListAndDeleteRuns(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveForest("run-a", 1, sampleForest()))
	require.NoError(t, s.SaveForest("run-b", 1, sampleForest()))

	runs, err := s.ListRuns()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-a", "run-b"}, runs)

	require.NoError(t, s.DeleteRun("run-a"))
	require.NoError(t, s.DeleteRun("never-existed"))

	runs, err = s.ListRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{"run-b"}, runs)

	_, err = s.LoadForest("run-a")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
