// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package similarity scores theme-candidate pairs for merge eligibility.
// Cheap local heuristics pre-filter obviously dissimilar pairs; an LLM
// judgment decides everything else, with the heuristics kept as sanity
// signals. Similarity is symmetric: (A,B) and (B,A) share one cache entry.
package similarity

import (
	"path"
	"strings"
	"unicode"
)

// Profile is the comparable projection of a theme. Both candidates and
// consolidated tree nodes reduce to this shape for scoring.
type Profile struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Files       []string `json:"files"`
	Business    string   `json:"businessImpact,omitempty"`
}

// Scores holds the five sub-scores, each in [0,1].
type Scores struct {
	Name        float64 `json:"nameScore"`
	Description float64 `json:"descriptionScore"`
	FileOverlap float64 `json:"fileOverlapScore"`
	Pattern     float64 `json:"patternScore"`
	Business    float64 `json:"businessScore"`
}

// Combined flattens the sub-scores into one weighted value. Name and
// description dominate; file and pattern overlap corroborate.
func (s Scores) Combined() float64 {
	return 0.25*s.Name + 0.25*s.Description + 0.20*s.FileOverlap +
		0.15*s.Pattern + 0.15*s.Business
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "this": {}, "that": {},
	"are": {}, "was": {}, "from": {}, "into": {}, "has": {}, "have": {},
	"add": {}, "adds": {}, "added": {}, "update": {}, "updates": {},
	"updated": {}, "change": {}, "changes": {}, "changed": {}, "new": {},
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) <= 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		tokens[f] = struct{}{}
	}
	return tokens
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// fileOverlapRatio is |A∩B| over the smaller set, so a theme whose files
// are a subset of a larger theme's still scores 1.0.
func fileOverlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, f := range a {
		setA[f] = struct{}{}
	}
	shared := 0
	seen := make(map[string]struct{}, len(b))
	for _, f := range b {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		if _, ok := setA[f]; ok {
			shared++
		}
	}
	smaller := len(setA)
	if len(seen) < smaller {
		smaller = len(seen)
	}
	return float64(shared) / float64(smaller)
}

// filePatterns maps recognizable path markers to a coarse change pattern.
// Two themes touching only test files are more alike than their file sets
// suggest; same for config or migration churn.
var filePatterns = []struct {
	marker  string
	pattern string
}{
	{"_test.", "test"},
	{".test.", "test"},
	{".spec.", "test"},
	{"/tests/", "test"},
	{"/migrations/", "migration"},
	{"/config/", "config"},
	{".yaml", "config"},
	{".yml", "config"},
	{".json", "config"},
	{".toml", "config"},
	{"/docs/", "docs"},
	{".md", "docs"},
	{"/api/", "api"},
	{"/handlers/", "api"},
	{"/cmd/", "cli"},
	{"dockerfile", "build"},
	{"makefile", "build"},
	{"/.github/", "build"},
}

func detectPatterns(files []string) map[string]struct{} {
	patterns := make(map[string]struct{})
	for _, f := range files {
		lower := strings.ToLower(f)
		matched := false
		for _, fp := range filePatterns {
			if strings.Contains(lower, fp.marker) {
				patterns[fp.pattern] = struct{}{}
				matched = true
			}
		}
		if !matched {
			if ext := path.Ext(lower); ext != "" {
				patterns["src"+ext] = struct{}{}
			}
		}
	}
	return patterns
}

func extensions(files []string) map[string]struct{} {
	exts := make(map[string]struct{}, len(files))
	for _, f := range files {
		if ext := path.Ext(strings.ToLower(f)); ext != "" {
			exts[ext] = struct{}{}
		}
	}
	return exts
}

// LocalScores computes the five heuristic sub-scores for a pair. Pure and
// synchronous; never touches the model.
func LocalScores(a, b Profile) Scores {
	return Scores{
		Name:        jaccard(tokenize(a.Name), tokenize(b.Name)),
		Description: jaccard(tokenize(a.Description), tokenize(b.Description)),
		FileOverlap: fileOverlapRatio(a.Files, b.Files),
		Pattern:     jaccard(detectPatterns(a.Files), detectPatterns(b.Files)),
		Business:    jaccard(tokenize(a.Business), tokenize(b.Business)),
	}
}

// quickReject reports whether the pair is obviously dissimilar: no shared
// files, no shared file types, and almost no name overlap. Such pairs
// never reach the model.
func quickReject(a, b Profile, nameOverlapFloor float64) (string, bool) {
	if fileOverlapRatio(a.Files, b.Files) > 0 {
		return "", false
	}
	extA, extB := extensions(a.Files), extensions(b.Files)
	if jaccard(extA, extB) > 0 {
		return "", false
	}
	if jaccard(tokenize(a.Name), tokenize(b.Name)) >= nameOverlapFloor {
		return "", false
	}
	return "no shared files, disjoint file types, and near-zero name overlap", true
}
