// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package consolidate

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/similarity"
)

// scriptedScorer answers pair comparisons from a name-keyed script and
// rejects everything else.
type scriptedScorer struct {
	merges map[string]float64 // "a|b" (sorted) -> combined score for a merge verdict
	scores map[string]float64 // explicit no-merge verdicts with a recorded score
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func (s *scriptedScorer) Calculate(_ context.Context, a, b similarity.Profile) (*similarity.Metrics, error) {
	key := pairKey(a.Name, b.Name)
	m := &similarity.Metrics{
		ThemeA:     a.Name,
		ThemeB:     b.Name,
		Source:     similarity.SourceLLM,
		Confidence: 0.9,
	}
	if combined, ok := s.merges[key]; ok {
		m.Combined = combined
		m.ShouldMerge = true
		return m, nil
	}
	if combined, ok := s.scores[key]; ok {
		m.Combined = combined
	}
	return m, nil
}

func testConsolidationConfig() domain.ConsolidationConfig {
	return domain.ConsolidationConfig{
		MaxChildrenPerParent: 5,
		MaxPairs:             1000,
	}
}

func candidate(name string, confidence float64, files ...string) *domain.ThemeCandidate {
	c := domain.NewThemeCandidate(name, "changes around "+name, files)
	c.Confidence = confidence
	return c
}

func TestConsolidateEmptyAndSingle(t *testing.T) {
	eng, err := NewEngine(testConsolidationConfig(), &scriptedScorer{}, nil, nil)
	require.NoError(t, err)

	roots, err := eng.Consolidate(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, roots)

	only := candidate("solo", 0.8, "a.go")
	roots, err = eng.Consolidate(context.Background(), []*domain.ThemeCandidate{only})
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, domain.MethodDirectSingle, roots[0].Method)
	assert.Equal(t, []string{only.ID}, roots[0].SourceThemes)
}

func TestTransitiveClosureOverrulesPairwiseNoMerge(t *testing.T) {
	// A merges with B and B with C; A-C was explicitly scored as no-merge.
	// The closure still produces one group of three.
	a := candidate("alpha", 0.9, "x/a.go")
	b := candidate("beta", 0.8, "x/b.go")
	c := candidate("gamma", 0.7, "x/c.go")

	scorer := &scriptedScorer{
		merges: map[string]float64{
			pairKey("alpha", "beta"): 0.9,
			pairKey("beta", "gamma"): 0.9,
		},
		scores: map[string]float64{
			pairKey("alpha", "gamma"): 0.4,
		},
	}
	eng, err := NewEngine(testConsolidationConfig(), scorer, nil, nil)
	require.NoError(t, err)

	roots, err := eng.Consolidate(context.Background(), []*domain.ThemeCandidate{a, b, c})
	require.NoError(t, err)

	require.Len(t, roots, 1, "transitivity must pull all three together")
	root := roots[0]
	assert.Equal(t, domain.MethodPairwiseMerge, root.Method)
	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID}, root.SourceThemes)
	assert.Equal(t, "alpha", root.Name, "highest-confidence member names the node")
	assert.Equal(t, []string{"x/a.go", "x/b.go", "x/c.go"}, root.Files)
	assert.InDelta(t, 0.8, root.Confidence, 1e-9)
}

func TestDisjointCandidatesStaySeparate(t *testing.T) {
	a := candidate("alpha", 0.9, "x/a.go")
	b := candidate("beta", 0.8, "y/b.go")

	eng, err := NewEngine(testConsolidationConfig(), &scriptedScorer{}, nil, nil)
	require.NoError(t, err)

	roots, err := eng.Consolidate(context.Background(), []*domain.ThemeCandidate{a, b})
	require.NoError(t, err)
	require.Len(t, roots, 2)
	for _, root := range roots {
		assert.Equal(t, domain.MethodDirectSingle, root.Method)
		assert.Len(t, root.SourceThemes, 1)
	}
}

func TestOversizedGroupGetsSyntheticParent(t *testing.T) {
	cfg := testConsolidationConfig()
	cfg.MaxChildrenPerParent = 3

	members := make([]*domain.ThemeCandidate, 5)
	merges := make(map[string]float64)
	for i := range members {
		members[i] = candidate(fmt.Sprintf("theme-%d", i), 0.5+float64(i)*0.05, fmt.Sprintf("pkg/f%d.go", i))
	}
	// Chain merges: 0-1, 1-2, 2-3, 3-4.
	for i := 0; i < 4; i++ {
		merges[pairKey(members[i].Name, members[i+1].Name)] = 0.9
	}

	eng, err := NewEngine(cfg, &scriptedScorer{merges: merges}, nil, nil)
	require.NoError(t, err)

	roots, err := eng.Consolidate(context.Background(), members)
	require.NoError(t, err)

	require.Len(t, roots, 1)
	root := roots[0]
	assert.Equal(t, domain.MethodHierarchyGroup, root.Method)
	require.Len(t, root.Children, 5)
	assert.Equal(t, "theme-4", root.Name, "highest-confidence member names the parent")
	for _, child := range root.Children {
		assert.Equal(t, root.ID, child.ParentID)
		assert.Equal(t, 1, child.Level)
	}
}

func TestCoverageEveryCandidateExactlyOnce(t *testing.T) {
	candidates := []*domain.ThemeCandidate{
		candidate("alpha", 0.9, "x/a.go"),
		candidate("beta", 0.8, "x/b.go"),
		candidate("gamma", 0.7, "y/c.go"),
		candidate("delta", 0.6, "z/d.go"),
	}
	scorer := &scriptedScorer{
		merges: map[string]float64{pairKey("alpha", "beta"): 0.9},
	}
	eng, err := NewEngine(testConsolidationConfig(), scorer, nil, nil)
	require.NoError(t, err)

	roots, err := eng.Consolidate(context.Background(), candidates)
	require.NoError(t, err)
	require.NoError(t, domain.VerifyAcyclic(roots))

	var covered []string
	for _, root := range roots {
		for id := range root.CollectSourceThemes() {
			covered = append(covered, id)
		}
	}
	want := make([]string, len(candidates))
	for i, c := range candidates {
		want[i] = c.ID
	}
	sort.Strings(covered)
	sort.Strings(want)
	assert.Equal(t, want, covered)
}

// labelClassifier classifies by a fixed name -> domain table.
type labelClassifier struct {
	labels map[string]string
	err    error
}

func (lc *labelClassifier) Classify(_ context.Context, p similarity.Profile) (string, error) {
	if lc.err != nil {
		return "", lc.err
	}
	return lc.labels[p.Name], nil
}

func TestGroupByDomainLayersHierarchy(t *testing.T) {
	cfg := testConsolidationConfig()
	cfg.GroupByDomain = true

	candidates := []*domain.ThemeCandidate{
		candidate("login form", 0.9, "web/login.tsx"),
		candidate("session store", 0.8, "auth/session.go"),
		candidate("invoice export", 0.7, "billing/export.go"),
	}
	classifier := &labelClassifier{labels: map[string]string{
		"login form":     "User Authentication",
		"session store":  "User Authentication",
		"invoice export": "Billing",
	}}

	eng, err := NewEngine(cfg, &scriptedScorer{}, classifier, nil)
	require.NoError(t, err)

	roots, err := eng.Consolidate(context.Background(), candidates)
	require.NoError(t, err)

	require.Len(t, roots, 2)
	assert.Equal(t, "User Authentication", roots[0].Name)
	assert.Len(t, roots[0].Children, 2)
	assert.Equal(t, domain.MethodHierarchyGroup, roots[0].Method)
	assert.Equal(t, "invoice export", roots[1].Name, "single-member domains stay flat")
}

func TestClassifierFailureLeavesThemesUngrouped(t *testing.T) {
	cfg := testConsolidationConfig()
	cfg.GroupByDomain = true

	candidates := []*domain.ThemeCandidate{
		candidate("alpha", 0.9, "x/a.go"),
		candidate("beta", 0.8, "y/b.go"),
	}
	classifier := &labelClassifier{err: fmt.Errorf("model unavailable")}

	eng, err := NewEngine(cfg, &scriptedScorer{}, classifier, nil)
	require.NoError(t, err)

	roots, err := eng.Consolidate(context.Background(), candidates)
	require.NoError(t, err, "classification is advisory, never fatal")
	assert.Len(t, roots, 2)
}

func TestUnionFindGroupsPreserveIndexOrder(t *testing.T) {
	uf := newUnionFind(5)
	uf.union(0, 3)
	uf.union(1, 4)

	groups := uf.groups()
	require.Len(t, groups, 3)
	assert.Equal(t, []int{0, 3}, groups[0])
	assert.Equal(t, []int{1, 4}, groups[1])
	assert.Equal(t, []int{2}, groups[2])
}
