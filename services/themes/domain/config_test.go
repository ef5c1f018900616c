// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	var parsed struct {
		Wait Duration `yaml:"wait"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("wait: 2m30s\n"), &parsed))
	assert.Equal(t, 2*time.Minute+30*time.Second, parsed.Wait.Std())

	out, err := yaml.Marshal(parsed)
	require.NoError(t, err)
	assert.Equal(t, "wait: 2m30s\n", string(out))

	err = yaml.Unmarshal([]byte("wait: not-a-duration\n"), &parsed)
	assert.Error(t, err)
}

func TestValidateCrossFieldRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Batch.MinSize = 8
	cfg.Batch.MaxSize = 4
	assert.ErrorContains(t, cfg.Validate(), "min_size")

	cfg = DefaultConfig()
	cfg.Batch.DefaultSize = 50
	assert.ErrorContains(t, cfg.Validate(), "default_size")

	cfg = DefaultConfig()
	cfg.Retry.InitialBackoff = Duration(time.Minute)
	cfg.Retry.MaxBackoff = Duration(time.Second)
	assert.ErrorContains(t, cfg.Validate(), "max_backoff")
}

func TestValidateStructTags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.MaxConcurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Similarity.MergeThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Consolidation.MaxChildrenPerParent = 1
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("queue:\n  max_concurrency: 7\n  min_interval: 50ms\n  failure_threshold: 3\nexpansion:\n  max_depth: 5\n  max_attempts_per_theme: 3\n  atomic_max_lines: 15\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Queue.MaxConcurrency)
	assert.Equal(t, 50*time.Millisecond, cfg.Queue.MinInterval.Std())
	assert.Equal(t, 5, cfg.Expansion.MaxDepth)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Batch.DefaultSize)
	assert.InDelta(t, 0.85, cfg.SemanticCache.Threshold, 1e-9)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch:\n  min_size: 9\n  max_size: 2\n  default_size: 5\n  window_size: 20\n"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
