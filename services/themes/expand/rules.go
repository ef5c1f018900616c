// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package expand recursively decomposes consolidated themes into
// sub-themes until every node is atomic, depth-limited, or errored.
package expand

import (
	"strings"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
)

// nodeState tracks a theme through one expansion pass.
type nodeState int

const (
	stateCandidate nodeState = iota
	stateAnalyzed
	stateValidated
	stateExpanded
	stateAtomic
	stateError
)

func (s nodeState) String() string {
	switch s {
	case stateCandidate:
		return "candidate"
	case stateAnalyzed:
		return "analyzed"
	case stateValidated:
		return "validated"
	case stateExpanded:
		return "expanded"
	case stateAtomic:
		return "atomic"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

// atomicRule reports whether a node is deterministically atomic, skipping
// the model entirely. Cheap structural checks only.
func atomicRule(t *domain.ConsolidatedTheme, maxLines int) (string, bool) {
	if len(t.Files) == 0 {
		return "no affected files", true
	}
	if len(t.Files) > 1 {
		return "", false
	}
	lines := snippetLines(t.Snippets)
	if lines == 0 {
		return "single file with no recorded changes", true
	}
	if lines == 1 {
		return "single-line change", true
	}
	if lines <= maxLines {
		return "single small file change", true
	}
	if functionCount(t.Snippets) == 1 {
		return "single method change", true
	}
	return "", false
}

func snippetLines(snippets []string) int {
	lines := 0
	for _, s := range snippets {
		lines += strings.Count(s, "\n") + 1
	}
	return lines
}

// functionCount counts function and class declarations across snippets,
// covering the declaration keywords of common source languages.
func functionCount(snippets []string) int {
	markers := []string{"func ", "function ", "def ", "fn ", "class ", "=> {"}
	count := 0
	for _, s := range snippets {
		for _, m := range markers {
			count += strings.Count(s, m)
		}
	}
	return count
}

// analysis is the unopinionated structural summary of a node, computed
// without depth bias.
type analysis struct {
	FileCount     int
	FunctionCount int
	SnippetLines  int

	// SeparableConcerns approximates how many independent areas the node
	// touches, from distinct top-level directories.
	SeparableConcerns int
}

func analyze(t *domain.ConsolidatedTheme) analysis {
	dirs := make(map[string]struct{})
	for _, f := range t.Files {
		top := f
		if idx := strings.IndexByte(f, '/'); idx > 0 {
			top = f[:idx]
		}
		dirs[top] = struct{}{}
	}
	return analysis{
		FileCount:         len(t.Files),
		FunctionCount:     functionCount(t.Snippets),
		SnippetLines:      snippetLines(t.Snippets),
		SeparableConcerns: len(dirs),
	}
}

// validation is the scored expand/don't-expand decision. Each score is in
// [0,1]; deep nodes trend toward not expanding via DepthAppropriateness.
type validation struct {
	Granularity          float64
	DepthAppropriateness float64
	BusinessValue        float64
	TestBoundary         float64
	ShouldExpand         bool
}

func validate(t *domain.ConsolidatedTheme, a analysis, depth, maxDepth int) validation {
	v := validation{}

	// Coarse nodes (many files, many functions, several concerns) score
	// high on granularity headroom.
	spread := float64(a.FileCount) + float64(a.FunctionCount)/3 + float64(a.SeparableConcerns)
	v.Granularity = clamp(spread / 8)

	v.DepthAppropriateness = clamp(1 - float64(depth)/float64(maxDepth))

	v.BusinessValue = 0.5
	if len(t.Description) > 80 {
		v.BusinessValue = 0.7
	}
	if t.Confidence > 0.8 {
		v.BusinessValue = clamp(v.BusinessValue + 0.1)
	}

	v.TestBoundary = 0.5
	if mixesTestAndSource(t.Files) {
		v.TestBoundary = 0.9
	}

	inclined := a.FileCount > 1 || a.FunctionCount > 3 || a.SeparableConcerns > 1
	combined := 0.35*v.Granularity + 0.35*v.DepthAppropriateness +
		0.15*v.BusinessValue + 0.15*v.TestBoundary
	v.ShouldExpand = inclined && combined >= 0.5
	return v
}

func mixesTestAndSource(files []string) bool {
	hasTest, hasSource := false, false
	for _, f := range files {
		lower := strings.ToLower(f)
		if strings.Contains(lower, "test") || strings.Contains(lower, "spec") {
			hasTest = true
		} else {
			hasSource = true
		}
	}
	return hasTest && hasSource
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
