// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package themes orchestrates pull-request theme analysis: candidate
// consolidation, hierarchy building, and recursive expansion, with all
// model traffic flowing through one shared queue, cache, and batch
// stack per run context.
package themes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/batch"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/cache"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/consolidate"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/domain"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/expand"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/llm"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/queue"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/similarity"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/store"
)

// AnalyzerOptions configures a full analysis stack.
type AnalyzerOptions struct {
	// Config supplies all tunables; nil uses domain.DefaultConfig.
	Config *domain.Config

	// Client is the model boundary. Required.
	Client llm.Client

	// Store, when set, persists each run's forest.
	Store *store.Store

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Result is the outcome of one analysis run.
type Result struct {
	RunID      string                      `json:"runId"`
	Roots      []*domain.ConsolidatedTheme `json:"roots"`
	Candidates int                         `json:"candidateCount"`
	Degraded   int                         `json:"degradedCount"`
	Duration   time.Duration               `json:"duration"`

	QueueStats queue.Stats      `json:"-"`
	CacheStats cache.CacheStats `json:"-"`
}

// Analyzer owns the shared queue/cache/batch singletons for a process
// run and drives the consolidation and expansion engines over them.
//
// Construct one Analyzer per run context; everything it owns is released
// by Close.
//
// Thread Safety: safe for concurrent Run calls; all runs share the same
// queue, caches, and breaker state.
type Analyzer struct {
	cfg *domain.Config
	log *slog.Logger

	queue      *queue.Queue
	respCache  *cache.ResponseCache
	semCache   *cache.SemanticCache
	controller *batch.Controller
	processor  *batch.Processor

	simEngine  *similarity.Engine
	consEngine *consolidate.Engine
	expEngine  *expand.Engine

	registry *prometheus.Registry
	store    *store.Store
}

// NewAnalyzer wires the full stack from config. The request queue, both
// caches, and the batch processor are created here and shared by every
// engine; nothing reads environment variables.
func NewAnalyzer(opts AnalyzerOptions) (*Analyzer, error) {
	if opts.Client == nil {
		return nil, errors.New("themes: client is required")
	}
	cfg := opts.Config
	if cfg == nil {
		def := domain.DefaultConfig()
		cfg = &def
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("themes: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	interactiveBudget := queue.RetryConfig{
		MaxAttempts:    cfg.Retry.InteractiveMaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff.Std(),
		MaxBackoff:     cfg.Retry.MaxBackoff.Std(),
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
	batchBudget := interactiveBudget
	batchBudget.MaxAttempts = cfg.Retry.BatchMaxAttempts

	q := queue.New(queue.Options{
		MaxConcurrency: cfg.Queue.MaxConcurrency,
		MinInterval:    cfg.Queue.MinInterval.Std(),
		MaxDepth:       cfg.Queue.MaxDepth,
		Breaker: queue.CircuitBreakerConfig{
			FailureThreshold: cfg.Queue.FailureThreshold,
			Cooldown:         cfg.Queue.CooldownWindow.Std(),
		},
		DefaultBudget: batchBudget,
		Logger:        logger,
	})

	respCache := cache.NewResponseCache(cache.Options{
		MaxMemoryBytes:    cfg.Cache.MaxMemoryBytes,
		DefaultMaxEntries: cfg.Cache.DefaultMaxEntries,
		DefaultTTL:        cfg.Cache.DefaultTTL.Std(),
		SweepInterval:     cfg.Cache.SweepInterval.Std(),
	})
	respCache.SetPolicy(similarity.RequestType, cache.Policy{
		AdaptiveTTL: cache.ConfidenceTTL(func(value any) (float64, bool) {
			if m, ok := value.(*similarity.Metrics); ok {
				return m.Confidence, true
			}
			return 0, false
		}),
		ShouldCache: func(value any) bool {
			m, ok := value.(*similarity.Metrics)
			return !ok || m.Source != similarity.SourceDegraded
		},
	})

	semCache := cache.NewSemanticCache(cache.SemanticOptions{
		Threshold: cfg.SemanticCache.Threshold,
		ContextTTLs: map[string]time.Duration{
			consolidate.ClassifyRequestType: cfg.SemanticCache.ClassificationTTL.Std(),
			similarity.RequestType:          cfg.SemanticCache.AnalysisTTL.Std(),
			expand.RequestType:              cfg.SemanticCache.AnalysisTTL.Std(),
		},
		DefaultTTL: cfg.SemanticCache.AnalysisTTL.Std(),
	})

	controller := batch.NewController(batch.ControllerOptions{
		DefaultSize:    cfg.Batch.DefaultSize,
		MinSize:        cfg.Batch.MinSize,
		MaxSize:        cfg.Batch.MaxSize,
		WindowSize:     cfg.Batch.WindowSize,
		AdjustCooldown: cfg.Batch.AdjustCooldown.Std(),
		TargetLatency:  30 * time.Second,
		Pressure:       func() int { return q.Stats().Depth },
	})

	processor, err := batch.NewProcessor(batch.Options{
		Queue:         q,
		Client:        opts.Client,
		Controller:    controller,
		ResponseCache: respCache,
		Logger:        logger,
	})
	if err != nil {
		q.Close()
		respCache.Close()
		return nil, err
	}

	types := []batch.TypeSpec{
		{
			Name:         similarity.RequestType,
			Instructions: similarity.JudgeInstructions,
			MaxWait:      cfg.Batch.MaxWait.Std(),
			Priority:     5,
			Budget:       batchBudget,
		},
		{
			Name:         expand.RequestType,
			Instructions: expand.DecomposeInstructions,
			MaxWait:      cfg.Batch.MaxWait.Std(),
			Priority:     5,
			Budget:       batchBudget,
		},
		{
			Name:         consolidate.ClassifyRequestType,
			Instructions: consolidate.ClassifyInstructions,
			MaxWait:      cfg.Batch.MaxWait.Std(),
			Priority:     7,
			Budget:       interactiveBudget,
		},
	}
	for _, spec := range types {
		if err := processor.RegisterType(spec); err != nil {
			processor.Close()
			q.Close()
			respCache.Close()
			return nil, err
		}
	}

	judge := &semanticJudge{
		inner: &similarity.BatchJudge{Processor: processor},
		sem:   semCache,
	}
	simEngine, err := similarity.NewEngine(cfg.Similarity, judge, respCache, logger)
	if err != nil {
		return nil, err
	}

	classifier := &semanticClassifier{
		inner: &consolidate.BatchClassifier{Processor: processor},
		sem:   semCache,
	}
	consEngine, err := consolidate.NewEngine(cfg.Consolidation, simEngine, classifier, logger)
	if err != nil {
		return nil, err
	}

	expEngine, err := expand.NewEngine(cfg.Expansion, &expand.BatchDecomposer{Processor: processor}, simEngine, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(queue.NewStatsCollector(q)); err != nil {
		processor.Close()
		q.Close()
		respCache.Close()
		return nil, fmt.Errorf("themes: register queue collector: %w", err)
	}

	return &Analyzer{
		cfg:        cfg,
		log:        logger,
		queue:      q,
		respCache:  respCache,
		semCache:   semCache,
		controller: controller,
		processor:  processor,
		simEngine:  simEngine,
		consEngine: consEngine,
		expEngine:  expEngine,
		registry:   registry,
		store:      opts.Store,
	}, nil
}

// MetricsRegistry exposes the run-scoped Prometheus registry holding the
// request queue collector, for callers that serve or dump metrics.
func (a *Analyzer) MetricsRegistry() *prometheus.Registry {
	return a.registry
}

// Run consolidates and expands one candidate set into a theme forest.
func (a *Analyzer) Run(ctx context.Context, candidates []*domain.ThemeCandidate) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	a.log.Info("theme analysis starting", "run_id", runID, "candidates", len(candidates))

	roots, err := a.consEngine.Consolidate(ctx, candidates)
	if err != nil {
		return nil, err
	}
	a.log.Info("consolidation complete", "run_id", runID, "roots", len(roots))

	roots, err = a.expEngine.ExpandAll(ctx, roots)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RunID:      runID,
		Roots:      roots,
		Candidates: len(candidates),
		Degraded:   countDegraded(roots),
		Duration:   time.Since(start),
		QueueStats: a.queue.Stats(),
		CacheStats: a.respCache.Stats(),
	}
	a.log.Info("theme analysis complete",
		"run_id", runID,
		"roots", len(roots),
		"duration", result.Duration,
		"llm_completed", result.QueueStats.Completed,
		"llm_failed", result.QueueStats.Failed,
		"cache_hits", result.CacheStats.Hits)

	if a.store != nil {
		if err := a.store.SaveForest(runID, len(candidates), roots); err != nil {
			a.log.Warn("forest persistence failed", "run_id", runID, "error", err)
		}
	}
	return result, nil
}

// InvalidateFiles drops every cached result that referenced any of the
// given files. Call when a diff is re-analyzed after changes.
func (a *Analyzer) InvalidateFiles(paths []string) int {
	return a.semCache.InvalidateForFiles(paths)
}

// Close flushes in-flight work and releases the shared stack.
func (a *Analyzer) Close() {
	a.processor.Close()
	a.queue.Close()
	a.respCache.Close()
}

// semanticJudge layers near-duplicate matching over the batch judge: a
// pair whose combined token profile almost matches a previously judged
// pair reuses that judgment. Profiles arrive pre-ordered from the
// engine, so the exact key is already symmetric.
type semanticJudge struct {
	inner similarity.Judge
	sem   *cache.SemanticCache
}

func (j *semanticJudge) Judge(ctx context.Context, a, b similarity.Profile) (*similarity.Judgment, error) {
	input := cache.SemanticInput{
		Name:        a.Name + " " + b.Name,
		Description: a.Description + " " + b.Description,
		Business:    a.Business + " " + b.Business,
		Files:       append(append([]string(nil), a.Files...), b.Files...),
	}
	key := a.Name + "\x00" + b.Name
	if v, hit := j.sem.GetCachedResult(input, key, similarity.RequestType); hit {
		if cached, ok := v.(*similarity.Judgment); ok {
			return cached, nil
		}
	}
	judgment, err := j.inner.Judge(ctx, a, b)
	if err != nil {
		return nil, err
	}
	j.sem.SetCachedResult(input, key, similarity.RequestType, judgment)
	return judgment, nil
}

// semanticClassifier reuses domain labels for near-duplicate themes.
type semanticClassifier struct {
	inner consolidate.DomainClassifier
	sem   *cache.SemanticCache
}

func (c *semanticClassifier) Classify(ctx context.Context, p similarity.Profile) (string, error) {
	input := cache.SemanticInput{
		Name:        p.Name,
		Description: p.Description,
		Business:    p.Business,
		Files:       p.Files,
	}
	key := "classify\x00" + p.Name + "\x00" + strings.Join(p.Files, ",")
	if v, hit := c.sem.GetCachedResult(input, key, consolidate.ClassifyRequestType); hit {
		if label, ok := v.(string); ok {
			return label, nil
		}
	}
	label, err := c.inner.Classify(ctx, p)
	if err != nil {
		return "", err
	}
	if label != "" {
		c.sem.SetCachedResult(input, key, consolidate.ClassifyRequestType, label)
	}
	return label, nil
}

// countDegraded reports how many nodes in the forest ended a run in a
// degraded terminal state instead of a clean atomic or expanded one.
func countDegraded(roots []*domain.ConsolidatedTheme) int {
	n := 0
	for _, root := range roots {
		root.Walk(func(node *domain.ConsolidatedTheme) bool {
			if strings.HasPrefix(node.ExpansionReason, "expansion failed") {
				n++
			}
			return true
		})
	}
	return n
}
