// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThemeFromCandidate(t *testing.T) {
	c := NewThemeCandidate("auth rework", "session changes", []string{"b.go", "a.go"})
	c.Confidence = 0.8
	c.Snippets = []string{"snippet"}

	theme := ThemeFromCandidate(c)

	assert.NotEmpty(t, theme.ID)
	assert.NotEqual(t, c.ID, theme.ID, "themes get their own identity")
	assert.Equal(t, []string{"a.go", "b.go"}, theme.Files, "files are sorted")
	assert.Equal(t, []string{c.ID}, theme.SourceThemes)
	assert.Equal(t, MethodDirectSingle, theme.Method)
	assert.InDelta(t, 0.8, theme.Confidence, 1e-9)
}

func TestVerifyAcyclicDetectsSelfAncestry(t *testing.T) {
	root := &ConsolidatedTheme{ID: "n1", Name: "root"}
	child := &ConsolidatedTheme{ID: "n1", Name: "evil twin", Level: 1}
	root.Children = []*ConsolidatedTheme{child}

	err := VerifyAcyclic([]*ConsolidatedTheme{root})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "its own ancestor")
}

func TestVerifyAcyclicDetectsLevelInversion(t *testing.T) {
	root := &ConsolidatedTheme{ID: "n1", Name: "root", Level: 2}
	child := &ConsolidatedTheme{ID: "n2", Name: "child", Level: 2}
	root.Children = []*ConsolidatedTheme{child}

	err := VerifyAcyclic([]*ConsolidatedTheme{root})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not descend")
}

func TestVerifyAcyclicAllowsSharedIDAcrossBranches(t *testing.T) {
	// The same id under two different parents is not a cycle; only
	// repetition along one root-to-leaf path is.
	shared1 := &ConsolidatedTheme{ID: "shared", Level: 1}
	shared2 := &ConsolidatedTheme{ID: "shared", Level: 1}
	a := &ConsolidatedTheme{ID: "a", Children: []*ConsolidatedTheme{shared1}}
	b := &ConsolidatedTheme{ID: "b", Children: []*ConsolidatedTheme{shared2}}

	assert.NoError(t, VerifyAcyclic([]*ConsolidatedTheme{a, b}))
}

func TestRenumberAssignsLevelsAndParents(t *testing.T) {
	leaf := &ConsolidatedTheme{ID: "leaf", Level: 99, ParentID: "stale"}
	mid := &ConsolidatedTheme{ID: "mid", Children: []*ConsolidatedTheme{leaf}}
	root := &ConsolidatedTheme{ID: "root", Level: 5, Children: []*ConsolidatedTheme{mid}}

	Renumber([]*ConsolidatedTheme{root})

	assert.Equal(t, 0, root.Level)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, 1, mid.Level)
	assert.Equal(t, "root", mid.ParentID)
	assert.Equal(t, 2, leaf.Level)
	assert.Equal(t, "mid", leaf.ParentID)
	assert.NoError(t, VerifyAcyclic([]*ConsolidatedTheme{root}))
}

func TestWalkStopsEarly(t *testing.T) {
	root := &ConsolidatedTheme{ID: "root", Children: []*ConsolidatedTheme{
		{ID: "first", Level: 1},
		{ID: "second", Level: 1},
	}}

	var visited []string
	root.Walk(func(node *ConsolidatedTheme) bool {
		visited = append(visited, node.ID)
		return node.ID != "first"
	})
	assert.Equal(t, []string{"root", "first"}, visited)
}

func TestCollectSourceThemesUnionsDescendants(t *testing.T) {
	root := &ConsolidatedTheme{
		ID:           "root",
		SourceThemes: []string{"c1"},
		Children: []*ConsolidatedTheme{
			{ID: "x", Level: 1, SourceThemes: []string{"c1", "c2"}},
			{ID: "y", Level: 1, SourceThemes: []string{"c3"}},
		},
	}

	ids := root.CollectSourceThemes()
	assert.Len(t, ids, 3)
	for _, want := range []string{"c1", "c2", "c3"} {
		assert.Contains(t, ids, want)
	}
}

func TestThemeJSONRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	theme := &ConsolidatedTheme{
		ID:           "root",
		Name:         "auth rework",
		Description:  "session changes",
		Files:        []string{"auth/session.go"},
		Confidence:   0.9,
		SourceThemes: []string{"c1"},
		Method:       MethodPairwiseMerge,
		CreatedAt:    created,
		Children: []*ConsolidatedTheme{
			{ID: "leaf", Name: "renewal", Level: 1, ParentID: "root",
				Files: []string{"auth/session.go"}, SourceThemes: []string{"c1"},
				Method: MethodAIExpansion, IsAtomic: true, ExpansionReason: "single method change",
				CreatedAt: created},
		},
	}

	payload, err := json.Marshal(theme)
	require.NoError(t, err)

	var decoded ConsolidatedTheme
	require.NoError(t, json.Unmarshal(payload, &decoded))

	assert.Equal(t, theme.Name, decoded.Name)
	assert.Equal(t, theme.Method, decoded.Method)
	require.Len(t, decoded.Children, 1)
	assert.Equal(t, "single method change", decoded.Children[0].ExpansionReason)
	assert.True(t, decoded.CreatedAt.Equal(created))
}

func TestCandidateFileSet(t *testing.T) {
	c := NewThemeCandidate("x", "y", []string{"a.go", "b.go", "a.go"})
	set := c.FileSet()
	assert.Len(t, set, 2)
	assert.Contains(t, set, "a.go")
	assert.Contains(t, set, "b.go")
}
