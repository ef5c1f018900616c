// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package domain holds the core data model for pull-request theme analysis:
// pre-consolidation theme candidates, the consolidated theme tree, and the
// run configuration shared by every engine.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ThemeCandidate is one pre-consolidation unit of analysis produced by the
// upstream candidate source. Candidates are immutable once produced; the
// consolidation engine owns them for the duration of its run.
type ThemeCandidate struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Files          []string  `json:"affectedFiles"`
	Snippets       []string  `json:"codeSnippets,omitempty"`
	Confidence     float64   `json:"confidence"`
	BusinessImpact string    `json:"businessImpact,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewThemeCandidate creates a candidate with a fresh id and creation time.
func NewThemeCandidate(name, description string, files []string) *ThemeCandidate {
	return &ThemeCandidate{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Files:       files,
		CreatedAt:   time.Now().UTC(),
	}
}

// FileSet returns the candidate's affected files as a set. File order is
// irrelevant in the model; comparisons must go through this view.
func (c *ThemeCandidate) FileSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Files))
	for _, f := range c.Files {
		set[f] = struct{}{}
	}
	return set
}

// TotalSnippetLines counts the lines across all code snippets. Used by the
// deterministic atomicity rules to short-circuit trivially small themes.
func (c *ThemeCandidate) TotalSnippetLines() int {
	lines := 0
	for _, s := range c.Snippets {
		lines++
		for _, r := range s {
			if r == '\n' {
				lines++
			}
		}
	}
	return lines
}
