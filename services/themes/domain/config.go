// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// configValidate is the shared validator instance for config structs.
var configValidate = validator.New()

// Duration wraps time.Duration so YAML configs can use "30s" style values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// QueueConfig tunes the global request queue and its circuit breaker.
type QueueConfig struct {
	// MaxConcurrency is the global in-flight LLM call limit.
	MaxConcurrency int `yaml:"max_concurrency" validate:"min=1"`

	// MinInterval is the minimum spacing between successive dispatches.
	MinInterval Duration `yaml:"min_interval"`

	// MaxDepth caps the waiting queue. Zero means unbounded; when set,
	// Enqueue rejects with ErrQueueFull instead of blocking forever.
	MaxDepth int `yaml:"max_depth" validate:"min=0"`

	// FailureThreshold is the consecutive rate-limit failures before the
	// circuit breaker opens.
	FailureThreshold int `yaml:"failure_threshold" validate:"min=1"`

	// CooldownWindow is how long the breaker stays open before probing.
	CooldownWindow Duration `yaml:"cooldown_window"`
}

// CacheConfig tunes the exact-match response cache.
type CacheConfig struct {
	// MaxMemoryBytes is the global memory budget across all partitions.
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" validate:"min=0"`

	// DefaultMaxEntries is the per-type entry cap when no policy overrides.
	DefaultMaxEntries int `yaml:"default_max_entries" validate:"min=1"`

	// DefaultTTL is the base entry lifetime when no policy overrides.
	DefaultTTL Duration `yaml:"default_ttl"`

	// SweepInterval is how often expired entries are swept in the background.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// SemanticCacheConfig tunes similarity-based cache matching.
type SemanticCacheConfig struct {
	// Threshold is the minimum Jaccard token-set similarity for a hit.
	Threshold float64 `yaml:"threshold" validate:"gt=0,lte=1"`

	// ClassificationTTL is the lifetime for file/domain classification
	// results, which go stale slowly.
	ClassificationTTL Duration `yaml:"classification_ttl"`

	// AnalysisTTL is the lifetime for hierarchy/consolidation analysis
	// results, which go stale quickly.
	AnalysisTTL Duration `yaml:"analysis_ttl"`
}

// BatchConfig tunes the batch processor and its adaptive controller.
type BatchConfig struct {
	DefaultSize int `yaml:"default_size" validate:"min=1"`
	MinSize     int `yaml:"min_size" validate:"min=1"`
	MaxSize     int `yaml:"max_size" validate:"min=1"`

	// MaxWait bounds how long the oldest queued item waits before the
	// partial batch flushes anyway.
	MaxWait Duration `yaml:"max_wait"`

	// WindowSize is the rolling outcome window per request type.
	WindowSize int `yaml:"window_size" validate:"min=1"`

	// AdjustCooldown rate-limits batch size changes so one bad batch
	// does not thrash the size.
	AdjustCooldown Duration `yaml:"adjust_cooldown"`
}

// SimilarityConfig tunes pairwise theme comparison.
type SimilarityConfig struct {
	// MergeThreshold is the combined score at or above which the local
	// heuristics recommend merging. The LLM judgment still wins ties.
	MergeThreshold float64 `yaml:"merge_threshold" validate:"gt=0,lte=1"`

	// QuickRejectNameOverlap is the name-token overlap below which the
	// pre-filter may rule a pair out without an LLM call.
	QuickRejectNameOverlap float64 `yaml:"quick_reject_name_overlap" validate:"gte=0,lte=1"`
}

// ConsolidationConfig tunes merge-group formation.
type ConsolidationConfig struct {
	// MaxChildrenPerParent splits oversized merge groups into a synthetic
	// parent/child structure instead of one flat node.
	MaxChildrenPerParent int `yaml:"max_children_per_parent" validate:"min=2"`

	// MaxPairs caps how many candidate pairs are scored; beyond the cap
	// remaining candidates pass through ungrouped.
	MaxPairs int `yaml:"max_pairs" validate:"min=1"`

	// GroupByDomain enables the extra business-domain hierarchy layer.
	GroupByDomain bool `yaml:"group_by_domain"`
}

// ExpansionConfig tunes recursive theme decomposition.
type ExpansionConfig struct {
	// MaxDepth is the hard recursion bound.
	MaxDepth int `yaml:"max_depth" validate:"min=1"`

	// MaxAttemptsPerTheme hard-stops a theme that keeps getting re-expanded
	// (adversarial or oscillating model responses).
	MaxAttemptsPerTheme int `yaml:"max_attempts_per_theme" validate:"min=1"`

	// AtomicMaxLines is the snippet line count below which a single-file
	// theme is deterministically atomic, skipping the LLM entirely.
	AtomicMaxLines int `yaml:"atomic_max_lines" validate:"min=1"`
}

// Config is the full tunable surface of a theme analysis run. Components
// never read environment variables; the CLI resolves everything into this
// struct and passes it down.
type Config struct {
	Queue         QueueConfig         `yaml:"queue"`
	Cache         CacheConfig         `yaml:"cache"`
	SemanticCache SemanticCacheConfig `yaml:"semantic_cache"`
	Batch         BatchConfig         `yaml:"batch"`
	Similarity    SimilarityConfig    `yaml:"similarity"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Expansion     ExpansionConfig     `yaml:"expansion"`

	Retry RetryTuning `yaml:"retry"`
}

// RetryTuning holds the two retry budget profiles.
type RetryTuning struct {
	// InteractiveMaxAttempts is the budget for latency-sensitive calls.
	InteractiveMaxAttempts int `yaml:"interactive_max_attempts" validate:"min=1"`

	// BatchMaxAttempts is the looser budget for batch-context calls.
	BatchMaxAttempts int `yaml:"batch_max_attempts" validate:"min=1"`

	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// DefaultConfig returns the documented defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		Queue: QueueConfig{
			MaxConcurrency:   3,
			MinInterval:      Duration(200 * time.Millisecond),
			MaxDepth:         0,
			FailureThreshold: 3,
			CooldownWindow:   Duration(20 * time.Second),
		},
		Cache: CacheConfig{
			MaxMemoryBytes:    64 << 20,
			DefaultMaxEntries: 1000,
			DefaultTTL:        Duration(30 * time.Minute),
			SweepInterval:     Duration(time.Minute),
		},
		SemanticCache: SemanticCacheConfig{
			Threshold:         0.85,
			ClassificationTTL: Duration(4 * time.Hour),
			AnalysisTTL:       Duration(30 * time.Minute),
		},
		Batch: BatchConfig{
			DefaultSize:    5,
			MinSize:        1,
			MaxSize:        10,
			MaxWait:        Duration(2 * time.Second),
			WindowSize:     20,
			AdjustCooldown: Duration(10 * time.Second),
		},
		Similarity: SimilarityConfig{
			MergeThreshold:         0.7,
			QuickRejectNameOverlap: 0.1,
		},
		Consolidation: ConsolidationConfig{
			MaxChildrenPerParent: 5,
			MaxPairs:             500,
			GroupByDomain:        false,
		},
		Expansion: ExpansionConfig{
			MaxDepth:            3,
			MaxAttemptsPerTheme: 3,
			AtomicMaxLines:      15,
		},
		Retry: RetryTuning{
			InteractiveMaxAttempts: 2,
			BatchMaxAttempts:       4,
			InitialBackoff:         Duration(time.Second),
			MaxBackoff:             Duration(30 * time.Second),
		},
	}
}

// Validate checks structural constraints plus cross-field relationships the
// tag language cannot express.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Batch.MinSize > c.Batch.MaxSize {
		return fmt.Errorf("batch min_size %d exceeds max_size %d", c.Batch.MinSize, c.Batch.MaxSize)
	}
	if c.Batch.DefaultSize < c.Batch.MinSize || c.Batch.DefaultSize > c.Batch.MaxSize {
		return fmt.Errorf("batch default_size %d outside [%d, %d]",
			c.Batch.DefaultSize, c.Batch.MinSize, c.Batch.MaxSize)
	}
	if c.Retry.MaxBackoff.Std() < c.Retry.InitialBackoff.Std() {
		return fmt.Errorf("retry max_backoff below initial_backoff")
	}
	return nil
}

// LoadConfig reads a YAML config file, overlaying it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
