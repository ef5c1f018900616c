// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package similarity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/batch"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/cache"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/llm"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/queue"
)

// RequestType is the batch request type similarity judgments flow through.
const RequestType = "similarity_judgment"

// Judgment is the model's verdict on one pair.
type Judgment struct {
	Scores
	ShouldMerge bool    `json:"shouldMerge"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

// Judge obtains a model judgment for a pair of profiles.
type Judge interface {
	Judge(ctx context.Context, a, b Profile) (*Judgment, error)
}

// Result decision sources.
const (
	SourceQuickFilter = "quick-filter"
	SourceLLM         = "llm"
	SourceDegraded    = "degraded"
)

// Metrics is the full outcome of one pairwise comparison. Local holds the
// heuristic sub-scores; when Source is SourceLLM the judged scores are the
// authoritative ones and Combined/ShouldMerge/Confidence come from them.
type Metrics struct {
	ThemeA string `json:"themeA"`
	ThemeB string `json:"themeB"`

	Local  Scores  `json:"localScores"`
	Judged *Scores `json:"judgedScores,omitempty"`

	Combined    float64 `json:"combined"`
	ShouldMerge bool    `json:"shouldMerge"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning,omitempty"`
	Source      string  `json:"source"`
}

// Engine computes merge-eligibility metrics for theme pairs.
//
// Disagreements between local heuristics and the model resolve in the
// model's favor; the heuristics exist as a pre-filter and sanity signal.
//
// Thread Safety: safe for concurrent use.
type Engine struct {
	cfg   domain.SimilarityConfig
	judge Judge
	cache *cache.ResponseCache
	log   *slog.Logger
	group singleflight.Group
}

// NewEngine creates a similarity engine. The cache is optional.
func NewEngine(cfg domain.SimilarityConfig, judge Judge, rc *cache.ResponseCache, logger *slog.Logger) (*Engine, error) {
	if judge == nil {
		return nil, errors.New("similarity: judge is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, judge: judge, cache: rc, log: logger}, nil
}

// pairPayload is the order-independent cache identity of a comparison:
// the two profiles sorted by name so (A,B) and (B,A) key identically.
type pairPayload struct {
	First  Profile `json:"first"`
	Second Profile `json:"second"`
}

func orderPair(a, b Profile) (Profile, Profile) {
	names := []string{a.Name, b.Name}
	sort.Strings(names)
	if names[0] == a.Name {
		return a, b
	}
	return b, a
}

// Calculate scores one pair. A pair that fails the quick pre-filter is
// rejected locally without a model call. An exhausted retry budget or a
// schema failure degrades to a low-confidence "do not merge" instead of
// failing the caller; only context errors propagate.
func (e *Engine) Calculate(ctx context.Context, a, b Profile) (*Metrics, error) {
	first, second := orderPair(a, b)
	payload := pairPayload{First: first, Second: second}

	if e.cache != nil {
		if cached, hit := e.cache.Get(RequestType, payload); hit {
			if m, ok := cached.(*Metrics); ok {
				return m, nil
			}
		}
	}

	key := first.Name + "\x00" + second.Name
	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.compare(ctx, first, second, payload)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metrics), nil
}

func (e *Engine) compare(ctx context.Context, first, second Profile, payload pairPayload) (*Metrics, error) {
	local := LocalScores(first, second)
	metrics := &Metrics{
		ThemeA: first.Name,
		ThemeB: second.Name,
		Local:  local,
	}

	if reason, reject := quickReject(first, second, e.cfg.QuickRejectNameOverlap); reject {
		metrics.Combined = local.Combined()
		metrics.ShouldMerge = false
		metrics.Confidence = 0.9
		metrics.Reasoning = reason
		metrics.Source = SourceQuickFilter
		e.store(payload, metrics)
		return metrics, nil
	}

	judgment, err := e.judge.Judge(ctx, first, second)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if queue.IsExhaustedRetry(err) || llm.IsSchemaValidation(err) || errors.Is(err, queue.ErrQueueClosed) {
			e.log.Warn("similarity judgment unavailable, degrading to no-merge",
				"theme_a", first.Name, "theme_b", second.Name, "error", err)
			metrics.Combined = local.Combined()
			metrics.ShouldMerge = false
			metrics.Confidence = 0.1
			metrics.Reasoning = "judgment unavailable: " + err.Error()
			metrics.Source = SourceDegraded
			return metrics, nil
		}
		return nil, fmt.Errorf("similarity: judge pair (%s, %s): %w", first.Name, second.Name, err)
	}

	judged := judgment.Scores
	metrics.Judged = &judged
	metrics.Combined = judged.Combined()
	metrics.ShouldMerge = judgment.ShouldMerge
	metrics.Confidence = judgment.Confidence
	metrics.Reasoning = judgment.Reasoning
	metrics.Source = SourceLLM

	if localMerge := local.Combined() >= e.cfg.MergeThreshold; localMerge != judgment.ShouldMerge {
		e.log.Debug("heuristic and judged merge decisions disagree, keeping judged",
			"theme_a", first.Name, "theme_b", second.Name,
			"local", local.Combined(), "judged", judged.Combined())
	}

	e.store(payload, metrics)
	return metrics, nil
}

func (e *Engine) store(payload pairPayload, m *Metrics) {
	if e.cache != nil {
		e.cache.Set(RequestType, payload, m)
	}
}

// BatchJudge routes judgments through the batch processor so pair
// comparisons share model calls.
type BatchJudge struct {
	Processor *batch.Processor
}

type judgePayload struct {
	ThemeA Profile `json:"themeA"`
	ThemeB Profile `json:"themeB"`
}

// Judge implements Judge via one batched request per pair.
func (j *BatchJudge) Judge(ctx context.Context, a, b Profile) (*Judgment, error) {
	raw, err := j.Processor.Add(ctx, RequestType, judgePayload{ThemeA: a, ThemeB: b})
	if err != nil {
		return nil, err
	}
	var judgment Judgment
	if err := json.Unmarshal(raw, &judgment); err != nil {
		return nil, llm.NewSchemaValidationError(RequestType, "judgment malformed: "+err.Error(), string(raw))
	}
	if judgment.Confidence < 0 || judgment.Confidence > 1 {
		return nil, llm.NewSchemaValidationError(RequestType,
			fmt.Sprintf("confidence %.2f out of range", judgment.Confidence), string(raw))
	}
	return &judgment, nil
}

// JudgeInstructions is the batch instruction block for RequestType.
const JudgeInstructions = `You compare pairs of pull-request change themes and decide whether each pair describes the same underlying change and should merge.

For each item, the input holds "themeA" and "themeB", each with a name, description, affected files, and optional business impact.

Score each pair on five dimensions from 0.0 to 1.0: nameScore, descriptionScore, fileOverlapScore, patternScore, businessScore. Then decide "shouldMerge" (themes describing the same logical change, even with different wording) with a "confidence" from 0.0 to 1.0 and a one-sentence "reasoning".

Each result object must be: {"nameScore": n, "descriptionScore": n, "fileOverlapScore": n, "patternScore": n, "businessScore": n, "shouldMerge": bool, "confidence": n, "reasoning": "..."}.`

// ProfileFromCandidate projects a candidate for comparison.
func ProfileFromCandidate(c *domain.ThemeCandidate) Profile {
	return Profile{
		Name:        c.Name,
		Description: c.Description,
		Files:       c.Files,
		Business:    c.BusinessImpact,
	}
}

// ProfileFromTheme projects a consolidated tree node for comparison.
func ProfileFromTheme(t *domain.ConsolidatedTheme) Profile {
	return Profile{
		Name:        t.Name,
		Description: t.Description,
		Files:       t.Files,
	}
}
