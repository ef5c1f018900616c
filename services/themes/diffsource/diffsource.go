// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package diffsource turns a unified diff into seed theme candidates,
// one per changed area, for the consolidation pipeline to refine.
package diffsource

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
)

// fileChange is one parsed file's contribution before grouping.
type fileChange struct {
	path     string
	hunks    []string
	added    int
	removed  int
	isNew    bool
	isDelete bool
}

// FromUnifiedDiff parses a unified diff and groups the changed files into
// theme candidates by top-level directory. The candidates are seeds:
// names and descriptions are structural, not semantic, and confidence is
// deliberately modest so downstream merging stays willing to reshape
// them.
func FromUnifiedDiff(data []byte) ([]*domain.ThemeCandidate, error) {
	fileDiffs, err := diff.ParseMultiFileDiff(data)
	if err != nil {
		return nil, fmt.Errorf("diffsource: parse unified diff: %w", err)
	}

	var changes []*fileChange
	for _, fd := range fileDiffs {
		change := parseFile(fd)
		if change != nil {
			changes = append(changes, change)
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}

	byArea := make(map[string][]*fileChange)
	var order []string
	for _, change := range changes {
		area := topLevelArea(change.path)
		if _, seen := byArea[area]; !seen {
			order = append(order, area)
		}
		byArea[area] = append(byArea[area], change)
	}

	candidates := make([]*domain.ThemeCandidate, 0, len(order))
	for _, area := range order {
		candidates = append(candidates, buildCandidate(area, byArea[area]))
	}
	return candidates, nil
}

func parseFile(fd *diff.FileDiff) *fileChange {
	path := cleanPath(fd.NewName)
	isDelete := path == ""
	if isDelete {
		path = cleanPath(fd.OrigName)
	}
	if path == "" {
		return nil
	}

	change := &fileChange{
		path:     path,
		isNew:    cleanPath(fd.OrigName) == "",
		isDelete: isDelete,
	}
	for _, hunk := range fd.Hunks {
		body := string(hunk.Body)
		change.hunks = append(change.hunks, body)
		for _, line := range strings.Split(body, "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				change.added++
			case strings.HasPrefix(line, "-"):
				change.removed++
			}
		}
	}
	return change
}

// cleanPath strips the git a/ and b/ prefixes and maps /dev/null to "".
func cleanPath(name string) string {
	if name == "" || name == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

func topLevelArea(path string) string {
	if idx := strings.IndexByte(path, '/'); idx > 0 {
		return path[:idx]
	}
	return "top-level"
}

func buildCandidate(area string, changes []*fileChange) *domain.ThemeCandidate {
	files := make([]string, 0, len(changes))
	var snippets []string
	added, removed := 0, 0
	for _, change := range changes {
		files = append(files, change.path)
		snippets = append(snippets, change.hunks...)
		added += change.added
		removed += change.removed
	}
	sort.Strings(files)

	cand := domain.NewThemeCandidate(
		fmt.Sprintf("Changes in %s", area),
		fmt.Sprintf("%d file(s) changed under %s (+%d/-%d lines)", len(files), area, added, removed),
		files,
	)
	cand.Snippets = snippets

	// Structural grouping only; real confidence comes from the model
	// passes downstream.
	cand.Confidence = 0.5
	return cand
}
