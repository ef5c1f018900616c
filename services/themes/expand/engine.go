// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package expand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/batch"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/llm"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/queue"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/similarity"
)

// RequestType is the batch request type sub-theme generation flows
// through.
const RequestType = "theme_expansion"

// SubTheme is one model-proposed decomposition of a parent theme.
type SubTheme struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Files       []string `json:"files"`
	Confidence  float64  `json:"confidence"`
}

// Decomposer generates sub-themes for a theme judged expandable.
type Decomposer interface {
	Decompose(ctx context.Context, t *domain.ConsolidatedTheme) ([]SubTheme, error)
}

// PairScorer scores node pairs during the deduplication passes.
type PairScorer interface {
	Calculate(ctx context.Context, a, b similarity.Profile) (*similarity.Metrics, error)
}

// Engine drives each theme through the expansion state machine:
// candidate, analyzed, validated, then exactly one terminal of expanded
// children reaching their own terminals, atomic, or error.
//
// Termination is guaranteed three ways: depth is hard-bounded, nodes that
// re-enter the state machine after absorbing dedup losers share one per-id
// attempt budget, and expansion failures degrade the single node to error
// instead of failing the run.
//
// Thread Safety: one ExpandAll call owns its forest for the duration;
// concurrent calls over different forests are safe.
type Engine struct {
	cfg        domain.ExpansionConfig
	decomposer Decomposer
	scorer     PairScorer
	log        *slog.Logger
}

// NewEngine creates an expansion engine. The scorer is optional; without
// it the deduplication passes are skipped.
func NewEngine(cfg domain.ExpansionConfig, decomposer Decomposer, scorer PairScorer, logger *slog.Logger) (*Engine, error) {
	if decomposer == nil {
		return nil, errors.New("expand: decomposer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, decomposer: decomposer, scorer: scorer, log: logger}, nil
}

// ExpandAll expands every root recursively, then runs two deduplication
// passes over the resulting forest. The input slice is mutated in place
// and returned.
func (e *Engine) ExpandAll(ctx context.Context, roots []*domain.ConsolidatedTheme) ([]*domain.ConsolidatedTheme, error) {
	attempts := make(map[string]int)
	for _, root := range roots {
		if err := e.expandNode(ctx, root, 0, attempts); err != nil {
			return nil, err
		}
	}

	if e.scorer != nil {
		// Two passes: the second catches duplicates the first pass's merges
		// bring into comparison range (near-duplicates separated by
		// arbitrary batch boundaries upstream).
		for pass := 1; pass <= 2; pass++ {
			merged, winners, err := e.dedupForest(ctx, roots)
			if err != nil {
				return nil, err
			}
			roots = merged
			// An absorbing winner now covers more ground than when it got
			// its terminal state, so it re-enters the state machine under
			// the shared attempt budget.
			for _, w := range winners {
				w.node.IsAtomic = false
				w.node.ExpansionReason = ""
				if err := e.expandNode(ctx, w.node, w.depth, attempts); err != nil {
					return nil, err
				}
			}
		}
	}

	domain.Renumber(roots)
	if err := domain.VerifyAcyclic(roots); err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}
	return roots, nil
}

// expandNode runs the state machine for one node. Only context errors
// propagate; model failures terminate the node in error state with the
// original theme kept as-is.
func (e *Engine) expandNode(ctx context.Context, node *domain.ConsolidatedTheme, depth int, attempts map[string]int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Terminal leaves stay terminal on revisit.
	if node.IsAtomic && len(node.Children) == 0 {
		return nil
	}

	attempts[node.ID]++
	if attempts[node.ID] > e.cfg.MaxAttemptsPerTheme {
		if len(node.Children) > 0 {
			return e.expandChildren(ctx, node, depth, attempts)
		}
		e.markAtomic(node, "expansion attempt limit reached")
		e.log.Warn("expansion hard-stopped by attempt breaker",
			"theme", node.Name, "attempts", attempts[node.ID])
		return nil
	}

	// Nodes arriving with children (hierarchy grouping upstream, absorbed
	// dedup subtrees) are already expanded; the children still need their
	// own terminal states.
	if len(node.Children) > 0 {
		if node.IsAtomic {
			node.IsAtomic = false
			node.ExpansionReason = ""
		}
		return e.expandChildren(ctx, node, depth, attempts)
	}

	if reason, atomic := atomicRule(node, e.cfg.AtomicMaxLines); atomic {
		e.markAtomic(node, reason)
		return nil
	}

	a := analyze(node)
	v := validate(node, a, depth, e.cfg.MaxDepth)

	if !v.ShouldExpand {
		e.markAtomic(node, "validation scored against expansion")
		return nil
	}
	if depth >= e.cfg.MaxDepth {
		e.markAtomic(node, "maximum expansion depth reached")
		return nil
	}

	subs, err := e.decomposer.Decompose(ctx, node)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if queue.IsExhaustedRetry(err) || llm.IsSchemaValidation(err) || errors.Is(err, queue.ErrQueueClosed) {
			node.ExpansionReason = "expansion failed: " + err.Error()
			e.log.Warn("decomposition failed, keeping theme unexpanded",
				"theme", node.Name, "state", stateError.String(), "error", err)
			return nil
		}
		return fmt.Errorf("expand: decompose %q: %w", node.Name, err)
	}
	if len(subs) < 2 {
		e.markAtomic(node, "no meaningful decomposition produced")
		return nil
	}

	node.Children = append(node.Children, e.buildChildren(node, subs, depth+1)...)
	return e.expandChildren(ctx, node, depth, attempts)
}

func (e *Engine) expandChildren(ctx context.Context, node *domain.ConsolidatedTheme, depth int, attempts map[string]int) error {
	for _, child := range node.Children {
		if err := e.expandNode(ctx, child, depth+1, attempts); err != nil {
			return err
		}
	}
	return nil
}

// markAtomic records the atomic terminal. A node that owns children is
// already expanded and only keeps the reason.
func (e *Engine) markAtomic(node *domain.ConsolidatedTheme, reason string) {
	if len(node.Children) > 0 {
		node.ExpansionReason = reason
		return
	}
	node.IsAtomic = true
	node.ExpansionReason = reason
}

// buildChildren materializes model sub-themes as tree nodes. Children
// inherit the parent's source trail so every leaf still traces back to
// original candidates, and files outside the parent's set are dropped.
func (e *Engine) buildChildren(parent *domain.ConsolidatedTheme, subs []SubTheme, level int) []*domain.ConsolidatedTheme {
	parentFiles := parent.FileSet()
	children := make([]*domain.ConsolidatedTheme, 0, len(subs))
	for _, sub := range subs {
		var files []string
		for _, f := range sub.Files {
			if _, ok := parentFiles[f]; ok {
				files = append(files, f)
			}
		}
		sort.Strings(files)
		children = append(children, &domain.ConsolidatedTheme{
			ID:           uuid.NewString(),
			Name:         sub.Name,
			Description:  sub.Description,
			Level:        level,
			ParentID:     parent.ID,
			Files:        files,
			Confidence:   clamp(sub.Confidence),
			SourceThemes: append([]string(nil), parent.SourceThemes...),
			Method:       domain.MethodAIExpansion,
			CreatedAt:    time.Now().UTC(),
		})
	}
	return children
}

// BatchDecomposer routes decomposition through the batch processor.
type BatchDecomposer struct {
	Processor *batch.Processor

	// MaxSnippetChars truncates the code context sent per theme. Zero
	// means 2000.
	MaxSnippetChars int
}

type decomposePayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Files       []string `json:"files"`
	Code        string   `json:"code,omitempty"`
}

// Decompose implements Decomposer.
func (d *BatchDecomposer) Decompose(ctx context.Context, t *domain.ConsolidatedTheme) ([]SubTheme, error) {
	limit := d.MaxSnippetChars
	if limit <= 0 {
		limit = 2000
	}
	code := truncateSnippets(t.Snippets, limit)

	raw, err := d.Processor.Add(ctx, RequestType, decomposePayload{
		Name:        t.Name,
		Description: t.Description,
		Files:       t.Files,
		Code:        code,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		SubThemes []SubTheme `json:"subThemes"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, llm.NewSchemaValidationError(RequestType, "decomposition malformed: "+err.Error(), string(raw))
	}
	for _, sub := range result.SubThemes {
		if sub.Name == "" {
			return nil, llm.NewSchemaValidationError(RequestType, "sub-theme missing name", string(raw))
		}
	}
	return result.SubThemes, nil
}

// truncateSnippets joins snippets newline-separated, hard-capped at limit
// characters. The separator counts against the cap so the result never
// exceeds it.
func truncateSnippets(snippets []string, limit int) string {
	var b strings.Builder
	for _, s := range snippets {
		remaining := limit - b.Len()
		if remaining <= 0 {
			break
		}
		if len(s) >= remaining {
			b.WriteString(s[:remaining])
			break
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return b.String()
}

// DecomposeInstructions is the batch instruction block for RequestType.
const DecomposeInstructions = `You decompose pull-request change themes into smaller, more specific sub-themes.

For each item, the input holds a theme's name, description, affected files, and a code excerpt. Split the theme into two or more sub-themes only when it genuinely covers separable concerns; each sub-theme must reference a subset of the parent's files. If the theme is already a single cohesive change, return an empty list.

Each result object must be: {"subThemes": [{"name": "...", "description": "...", "files": ["..."], "confidence": n}, ...]}.`
