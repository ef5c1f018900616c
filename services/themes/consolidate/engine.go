// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/batch"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/llm"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/similarity"
)

// ClassifyRequestType is the batch request type for business-domain
// classification of consolidated themes.
const ClassifyRequestType = "domain_classification"

// scoreConcurrency bounds how many pair comparisons run at once. Pairs
// funnel into the batch processor anyway; this just keeps its per-type
// queue fed so batches fill.
const scoreConcurrency = 8

// PairScorer scores one theme pair for merge eligibility.
type PairScorer interface {
	Calculate(ctx context.Context, a, b similarity.Profile) (*similarity.Metrics, error)
}

// DomainClassifier assigns a coarse business domain to a theme. Advisory:
// classification failure leaves the theme ungrouped rather than failing
// the run.
type DomainClassifier interface {
	Classify(ctx context.Context, p similarity.Profile) (string, error)
}

// Engine merges theme candidates into a consolidated forest.
//
// Merge-groups are the transitive closure of pairwise merge
// recommendations: if A merges with B and B with C, all three group
// together even when A-C was never scored above threshold or was scored
// as an explicit no-merge. Contradicting pairs inside a closed group are
// logged at warn level, never re-split; the closure is authoritative.
//
// Thread Safety: safe for concurrent use; each Consolidate call is
// independent.
type Engine struct {
	cfg        domain.ConsolidationConfig
	scorer     PairScorer
	classifier DomainClassifier
	log        *slog.Logger
}

// NewEngine creates a consolidation engine. The classifier may be nil; it
// is only consulted when GroupByDomain is enabled.
func NewEngine(cfg domain.ConsolidationConfig, scorer PairScorer, classifier DomainClassifier, logger *slog.Logger) (*Engine, error) {
	if scorer == nil {
		return nil, errors.New("consolidate: pair scorer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, scorer: scorer, classifier: classifier, log: logger}, nil
}

type pairEdge struct {
	i, j    int
	metrics *similarity.Metrics
}

// Consolidate turns candidates into a consolidated theme forest. Every
// input candidate id appears in exactly one root's source trail; a
// violation of that coverage invariant is an error, not a warning.
func (e *Engine) Consolidate(ctx context.Context, candidates []*domain.ThemeCandidate) ([]*domain.ConsolidatedTheme, error) {
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return []*domain.ConsolidatedTheme{domain.ThemeFromCandidate(candidates[0])}, nil
	}

	edges, err := e.scorePairs(ctx, candidates)
	if err != nil {
		return nil, err
	}

	uf := newUnionFind(len(candidates))
	noMerge := make(map[[2]int]float64)
	for _, edge := range edges {
		if edge.metrics.ShouldMerge {
			uf.union(edge.i, edge.j)
		} else if edge.metrics.Source != similarity.SourceQuickFilter {
			noMerge[[2]int{edge.i, edge.j}] = edge.metrics.Combined
		}
	}
	e.flagContradictions(uf, noMerge, candidates)

	var roots []*domain.ConsolidatedTheme
	for _, group := range uf.groups() {
		if len(group) == 1 {
			roots = append(roots, domain.ThemeFromCandidate(candidates[group[0]]))
			continue
		}
		members := make([]*domain.ThemeCandidate, len(group))
		for i, idx := range group {
			members[i] = candidates[idx]
		}
		roots = append(roots, e.buildGroupNode(members))
	}

	if e.cfg.GroupByDomain && e.classifier != nil {
		roots = e.groupByDomain(ctx, roots)
	}

	domain.Renumber(roots)
	if err := domain.VerifyAcyclic(roots); err != nil {
		return nil, fmt.Errorf("consolidate: %w", err)
	}
	if err := verifyCoverage(candidates, roots); err != nil {
		return nil, err
	}
	return roots, nil
}

// scorePairs scores candidate pairs up to the configured cap. Beyond the
// cap remaining pairs go unscored and their candidates stay ungrouped.
func (e *Engine) scorePairs(ctx context.Context, candidates []*domain.ThemeCandidate) ([]pairEdge, error) {
	profiles := make([]similarity.Profile, len(candidates))
	for i, c := range candidates {
		profiles[i] = similarity.ProfileFromCandidate(c)
	}

	type pair struct{ i, j int }
	var pairs []pair
	capped := false
	for i := 0; i < len(candidates) && !capped; i++ {
		for j := i + 1; j < len(candidates); j++ {
			if len(pairs) >= e.cfg.MaxPairs {
				capped = true
				break
			}
			pairs = append(pairs, pair{i, j})
		}
	}
	if capped {
		e.log.Warn("pair scoring capped, remaining candidates pass through ungrouped",
			"candidates", len(candidates), "max_pairs", e.cfg.MaxPairs)
	}

	edges := make([]pairEdge, len(pairs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scoreConcurrency)
	for idx, pr := range pairs {
		g.Go(func() error {
			m, err := e.scorer.Calculate(gctx, profiles[pr.i], profiles[pr.j])
			if err != nil {
				return err
			}
			mu.Lock()
			edges[idx] = pairEdge{i: pr.i, j: pr.j, metrics: m}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("consolidate: score pairs: %w", err)
	}
	return edges, nil
}

// flagContradictions logs pairs the scorer explicitly declined to merge
// that ended up in the same group via transitivity.
func (e *Engine) flagContradictions(uf *unionFind, noMerge map[[2]int]float64, candidates []*domain.ThemeCandidate) {
	for pr, score := range noMerge {
		if uf.find(pr[0]) == uf.find(pr[1]) {
			e.log.Warn("pairwise no-merge overruled by transitive closure",
				"theme_a", candidates[pr[0]].Name,
				"theme_b", candidates[pr[1]].Name,
				"pair_score", score)
		}
	}
}

// buildGroupNode turns one merge-group into a tree node: a flat merged
// node for small groups, a synthetic parent with member children when the
// group exceeds the configured fan-out.
func (e *Engine) buildGroupNode(members []*domain.ThemeCandidate) *domain.ConsolidatedTheme {
	if len(members) <= e.cfg.MaxChildrenPerParent {
		return mergeMembers(members)
	}

	children := make([]*domain.ConsolidatedTheme, len(members))
	for i, m := range members {
		children[i] = domain.ThemeFromCandidate(m)
	}
	parent := &domain.ConsolidatedTheme{
		ID:          uuid.NewString(),
		Name:        representative(members).Name,
		Description: fmt.Sprintf("Related changes across %d themes", len(members)),
		Children:    children,
		Files:       unionFiles(members),
		Confidence:  meanConfidence(members),
		Method:      domain.MethodHierarchyGroup,
		CreatedAt:   time.Now().UTC(),
	}
	for _, m := range members {
		parent.SourceThemes = append(parent.SourceThemes, m.ID)
	}
	return parent
}

func mergeMembers(members []*domain.ThemeCandidate) *domain.ConsolidatedTheme {
	rep := representative(members)
	descriptions := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	var snippets, sources []string
	for _, m := range members {
		if _, dup := seen[m.Description]; !dup && m.Description != "" {
			seen[m.Description] = struct{}{}
			descriptions = append(descriptions, m.Description)
		}
		snippets = append(snippets, m.Snippets...)
		sources = append(sources, m.ID)
	}
	return &domain.ConsolidatedTheme{
		ID:           uuid.NewString(),
		Name:         rep.Name,
		Description:  strings.Join(descriptions, " "),
		Files:        unionFiles(members),
		Snippets:     snippets,
		Confidence:   meanConfidence(members),
		SourceThemes: sources,
		Method:       domain.MethodPairwiseMerge,
		CreatedAt:    time.Now().UTC(),
	}
}

// representative picks the highest-confidence member, index order
// breaking ties, to name the merged node.
func representative(members []*domain.ThemeCandidate) *domain.ThemeCandidate {
	best := members[0]
	for _, m := range members[1:] {
		if m.Confidence > best.Confidence {
			best = m
		}
	}
	return best
}

func unionFiles(members []*domain.ThemeCandidate) []string {
	set := make(map[string]struct{})
	for _, m := range members {
		for _, f := range m.Files {
			set[f] = struct{}{}
		}
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

func meanConfidence(members []*domain.ThemeCandidate) float64 {
	total := 0.0
	for _, m := range members {
		total += m.Confidence
	}
	return total / float64(len(members))
}

// groupByDomain layers a business-domain hierarchy over the merge-group
// roots. Domains with a single theme stay flat; classification failures
// leave the theme where it is.
func (e *Engine) groupByDomain(ctx context.Context, roots []*domain.ConsolidatedTheme) []*domain.ConsolidatedTheme {
	byDomain := make(map[string][]*domain.ConsolidatedTheme)
	var order []string
	var unclassified []*domain.ConsolidatedTheme

	for _, root := range roots {
		name, err := e.classifier.Classify(ctx, similarity.ProfileFromTheme(root))
		if err != nil || name == "" {
			if err != nil {
				e.log.Warn("domain classification failed, leaving theme ungrouped",
					"theme", root.Name, "error", err)
			}
			unclassified = append(unclassified, root)
			continue
		}
		if _, seen := byDomain[name]; !seen {
			order = append(order, name)
		}
		byDomain[name] = append(byDomain[name], root)
	}

	var out []*domain.ConsolidatedTheme
	for _, name := range order {
		group := byDomain[name]
		if len(group) < 2 {
			out = append(out, group...)
			continue
		}
		parent := &domain.ConsolidatedTheme{
			ID:          uuid.NewString(),
			Name:        name,
			Description: fmt.Sprintf("%s changes across %d themes", name, len(group)),
			Children:    group,
			Confidence:  themeMeanConfidence(group),
			Method:      domain.MethodHierarchyGroup,
			CreatedAt:   time.Now().UTC(),
		}
		fileSet := make(map[string]struct{})
		for _, child := range group {
			for _, f := range child.Files {
				fileSet[f] = struct{}{}
			}
			parent.SourceThemes = append(parent.SourceThemes, child.SourceThemes...)
		}
		for f := range fileSet {
			parent.Files = append(parent.Files, f)
		}
		sort.Strings(parent.Files)
		out = append(out, parent)
	}
	return append(out, unclassified...)
}

func themeMeanConfidence(themes []*domain.ConsolidatedTheme) float64 {
	total := 0.0
	for _, t := range themes {
		total += t.Confidence
	}
	return total / float64(len(themes))
}

// verifyCoverage checks that the forest's source trails cover every input
// candidate id exactly once across top-level roots.
func verifyCoverage(candidates []*domain.ThemeCandidate, roots []*domain.ConsolidatedTheme) error {
	counts := make(map[string]int, len(candidates))
	for _, root := range roots {
		for id := range root.CollectSourceThemes() {
			counts[id]++
		}
	}
	for _, c := range candidates {
		switch counts[c.ID] {
		case 1:
		case 0:
			return fmt.Errorf("consolidate: candidate %q (%s) lost during consolidation", c.Name, c.ID)
		default:
			return fmt.Errorf("consolidate: candidate %q (%s) appears under %d roots", c.Name, c.ID, counts[c.ID])
		}
	}
	return nil
}

// BatchClassifier routes domain classification through the batch
// processor.
type BatchClassifier struct {
	Processor *batch.Processor
}

// Classify implements DomainClassifier.
func (bc *BatchClassifier) Classify(ctx context.Context, p similarity.Profile) (string, error) {
	raw, err := bc.Processor.Add(ctx, ClassifyRequestType, p)
	if err != nil {
		return "", err
	}
	var result struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", llm.NewSchemaValidationError(ClassifyRequestType, "classification malformed: "+err.Error(), string(raw))
	}
	return strings.TrimSpace(result.Domain), nil
}

// ClassifyInstructions is the batch instruction block for
// ClassifyRequestType.
const ClassifyInstructions = `You classify pull-request change themes into coarse business domains.

For each item, the input holds a theme's name, description, and affected files. Assign a short domain label of one to three words, such as "User Authentication", "Payment Processing", "Build Tooling", or "Data Model". Reuse the same label for themes in the same domain.

Each result object must be: {"domain": "<label>"}.`
