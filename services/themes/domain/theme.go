// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ConsolidationMethod records how a consolidated theme was formed.
type ConsolidationMethod string

const (
	// MethodDirectSingle marks a candidate passed through unmerged.
	MethodDirectSingle ConsolidationMethod = "direct-single"

	// MethodPairwiseMerge marks a node built by merging a similarity group.
	MethodPairwiseMerge ConsolidationMethod = "pairwise-merge"

	// MethodHierarchyGroup marks a synthetic parent over an oversized group.
	MethodHierarchyGroup ConsolidationMethod = "hierarchy-group"

	// MethodAIExpansion marks a child generated by the expansion engine.
	MethodAIExpansion ConsolidationMethod = "ai-expansion"
)

// ConsolidatedTheme is one node of the post-merge theme tree.
//
// Ownership is strictly one-directional: a parent owns its Children slice,
// and ParentID is an id back-reference only, never a live pointer. This
// makes cycles impossible by construction and keeps the tree JSON-
// serializable without reference tracking.
//
// Mutated only by the engine that owns the current pass; the consolidation
// pass and the expansion pass never run concurrently over the same tree.
type ConsolidatedTheme struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Level is the hierarchy depth, 0 for roots.
	Level    int                  `json:"level"`
	ParentID string               `json:"parentId,omitempty"`
	Children []*ConsolidatedTheme `json:"childThemes,omitempty"`

	Files      []string `json:"affectedFiles"`
	Snippets   []string `json:"codeSnippets,omitempty"`
	Confidence float64  `json:"confidence"`

	// SourceThemes is the audit trail: the candidate ids merged into this
	// node. Replaced nodes retain their ids here rather than being dropped.
	SourceThemes []string `json:"sourceThemes"`

	Method ConsolidationMethod `json:"consolidationMethod"`

	// Expansion pass annotations.
	IsAtomic        bool   `json:"isAtomic,omitempty"`
	ExpansionReason string `json:"expansionReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// ThemeFromCandidate converts a single candidate into a direct-single theme.
func ThemeFromCandidate(c *ThemeCandidate) *ConsolidatedTheme {
	files := append([]string(nil), c.Files...)
	sort.Strings(files)
	return &ConsolidatedTheme{
		ID:           uuid.NewString(),
		Name:         c.Name,
		Description:  c.Description,
		Files:        files,
		Snippets:     append([]string(nil), c.Snippets...),
		Confidence:   c.Confidence,
		SourceThemes: []string{c.ID},
		Method:       MethodDirectSingle,
		CreatedAt:    time.Now().UTC(),
	}
}

// FileSet returns the theme's affected files as a set.
func (t *ConsolidatedTheme) FileSet() map[string]struct{} {
	set := make(map[string]struct{}, len(t.Files))
	for _, f := range t.Files {
		set[f] = struct{}{}
	}
	return set
}

// Walk visits the node and every descendant in depth-first order.
// Returning false from fn stops the walk.
func (t *ConsolidatedTheme) Walk(fn func(node *ConsolidatedTheme) bool) bool {
	if !fn(t) {
		return false
	}
	for _, child := range t.Children {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}

// CollectSourceThemes returns the union of SourceThemes across the node and
// all descendants.
func (t *ConsolidatedTheme) CollectSourceThemes() map[string]struct{} {
	ids := make(map[string]struct{})
	t.Walk(func(node *ConsolidatedTheme) bool {
		for _, id := range node.SourceThemes {
			ids[id] = struct{}{}
		}
		return true
	})
	return ids
}

// VerifyAcyclic checks that no node id repeats along any root-to-leaf path
// and that child levels strictly increase. Returns nil for a valid tree.
func VerifyAcyclic(roots []*ConsolidatedTheme) error {
	var check func(node *ConsolidatedTheme, ancestors map[string]struct{}) error
	check = func(node *ConsolidatedTheme, ancestors map[string]struct{}) error {
		if _, seen := ancestors[node.ID]; seen {
			return fmt.Errorf("theme %q (%s) is its own ancestor", node.Name, node.ID)
		}
		ancestors[node.ID] = struct{}{}
		defer delete(ancestors, node.ID)
		for _, child := range node.Children {
			if child.Level <= node.Level {
				return fmt.Errorf("child %q level %d does not descend from parent level %d",
					child.Name, child.Level, node.Level)
			}
			if err := check(child, ancestors); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range roots {
		if err := check(root, make(map[string]struct{})); err != nil {
			return err
		}
	}
	return nil
}

// Renumber walks the forest assigning Level and ParentID from structure.
// Call after any pass that moves nodes between parents.
func Renumber(roots []*ConsolidatedTheme) {
	var fix func(node *ConsolidatedTheme, level int, parentID string)
	fix = func(node *ConsolidatedTheme, level int, parentID string) {
		node.Level = level
		node.ParentID = parentID
		for _, child := range node.Children {
			fix(child, level+1, node.ID)
		}
	}
	for _, root := range roots {
		fix(root, 0, "")
	}
}
