// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package expand

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
)

func TestAtomicRule(t *testing.T) {
	cases := []struct {
		name     string
		theme    *domain.ConsolidatedTheme
		atomic   bool
		contains string
	}{
		{
			name:     "no files",
			theme:    &domain.ConsolidatedTheme{},
			atomic:   true,
			contains: "no affected files",
		},
		{
			name: "single file no snippets",
			theme: &domain.ConsolidatedTheme{
				Files: []string{"a.go"},
			},
			atomic:   true,
			contains: "no recorded changes",
		},
		{
			name: "single line",
			theme: &domain.ConsolidatedTheme{
				Files:    []string{"a.go"},
				Snippets: []string{"one line"},
			},
			atomic:   true,
			contains: "single-line",
		},
		{
			name: "small single file",
			theme: &domain.ConsolidatedTheme{
				Files:    []string{"a.go"},
				Snippets: []string{"l1\nl2\nl3"},
			},
			atomic:   true,
			contains: "small file",
		},
		{
			name: "single function over line budget",
			theme: &domain.ConsolidatedTheme{
				Files:    []string{"a.go"},
				Snippets: []string{"func only() {\n" + strings.Repeat("\tdo()\n", 20) + "}"},
			},
			atomic:   true,
			contains: "single method",
		},
		{
			name: "large multi-function file",
			theme: &domain.ConsolidatedTheme{
				Files:    []string{"a.go"},
				Snippets: []string{strings.Repeat("func f() {}\n", 10)},
			},
			atomic: false,
		},
		{
			name: "multiple files",
			theme: &domain.ConsolidatedTheme{
				Files: []string{"a.go", "b.go"},
			},
			atomic: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason, atomic := atomicRule(tc.theme, 5)
			assert.Equal(t, tc.atomic, atomic)
			if tc.contains != "" {
				assert.Contains(t, reason, tc.contains)
			}
		})
	}
}

func TestAnalyzeCountsConcerns(t *testing.T) {
	theme := &domain.ConsolidatedTheme{
		Files:    []string{"auth/a.go", "auth/b.go", "billing/c.go", "Makefile"},
		Snippets: []string{"func one() {}\nfunc two() {}"},
	}
	a := analyze(theme)
	assert.Equal(t, 4, a.FileCount)
	assert.Equal(t, 2, a.FunctionCount)
	assert.Equal(t, 3, a.SeparableConcerns, "auth, billing, and the top-level file")
}

func TestValidateDepthBias(t *testing.T) {
	theme := &domain.ConsolidatedTheme{
		Files: []string{"auth/a.go", "billing/b.go"},
	}
	a := analyze(theme)

	shallow := validate(theme, a, 0, 4)
	deep := validate(theme, a, 4, 4)
	assert.Greater(t, shallow.DepthAppropriateness, deep.DepthAppropriateness)
	assert.InDelta(t, 0, deep.DepthAppropriateness, 1e-9)
}

func TestValidateRequiresStructuralInclination(t *testing.T) {
	// One file, no functions, one concern: never inclined to expand, no
	// matter how the scores land.
	theme := &domain.ConsolidatedTheme{
		Files:       []string{"auth/a.go"},
		Description: strings.Repeat("long description of the change ", 5),
		Confidence:  0.95,
	}
	v := validate(theme, analyze(theme), 0, 4)
	assert.False(t, v.ShouldExpand)
}

func TestMixesTestAndSource(t *testing.T) {
	assert.True(t, mixesTestAndSource([]string{"pkg/a.go", "pkg/a_test.go"}))
	assert.False(t, mixesTestAndSource([]string{"pkg/a.go", "pkg/b.go"}))
	assert.False(t, mixesTestAndSource([]string{"pkg/a_test.go"}))
}
