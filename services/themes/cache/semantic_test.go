// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSemanticCache() *SemanticCache {
	return NewSemanticCache(SemanticOptions{
		Threshold:  0.85,
		DefaultTTL: time.Minute,
	})
}

func TestSemanticInputTokens(t *testing.T) {
	input := SemanticInput{
		Name:        "User Login Auth",
		Description: "the and for", // stop words and short tokens drop out
		Files:       []string{"src/auth/login.go"},
	}
	tokens := input.Tokens()

	for _, want := range []string{"user", "login", "auth", "go"} {
		_, ok := tokens[want]
		assert.True(t, ok, "expected token %q in %v", want, tokens)
	}
	_, ok := tokens["the"]
	assert.False(t, ok, "stop words must be removed")
	_, ok = tokens["and"]
	assert.False(t, ok)
}

func TestJaccard(t *testing.T) {
	set := func(tokens ...string) map[string]struct{} {
		s := make(map[string]struct{})
		for _, tok := range tokens {
			s[tok] = struct{}{}
		}
		return s
	}

	assert.InDelta(t, 1.0, Jaccard(set("a", "b"), set("a", "b")), 1e-9)
	assert.InDelta(t, 0.5, Jaccard(set("user", "login", "auth"), set("user", "login", "authentication")), 1e-9)
	assert.InDelta(t, 0.75, Jaccard(set("user", "login", "auth"), set("user", "login", "auth", "flow")), 1e-9)
	assert.Zero(t, Jaccard(set("a"), set("b")))
	assert.Zero(t, Jaccard(nil, nil))
}

func TestExactKeyHitBeatsSemanticScan(t *testing.T) {
	c := newTestSemanticCache()

	input := SemanticInput{Name: "user login auth"}
	c.SetCachedResult(input, "exact-key", "ctx", "stored")

	// Completely different tokens, same exact key: still a hit.
	got, hit := c.GetCachedResult(SemanticInput{Name: "unrelated words entirely"}, "exact-key", "ctx")
	require.True(t, hit)
	assert.Equal(t, "stored", got)
}

func TestSemanticNearDuplicateThreshold(t *testing.T) {
	c := newTestSemanticCache()

	base := SemanticInput{Name: "user login auth"}
	c.SetCachedResult(base, "key-base", "ctx", "stored")

	// Jaccard 0.5: miss at threshold 0.85.
	_, hit := c.GetCachedResult(SemanticInput{Name: "user login authentication"}, "other-key-1", "ctx")
	assert.False(t, hit, "0.5 similarity must not hit at 0.85")

	// Jaccard 0.75: still a miss.
	_, hit = c.GetCachedResult(SemanticInput{Name: "user login auth flow"}, "other-key-2", "ctx")
	assert.False(t, hit, "0.75 similarity must not hit at 0.85")

	// Identical token set under a different exact key: semantic hit.
	got, hit := c.GetCachedResult(SemanticInput{Name: "auth login user"}, "other-key-3", "ctx")
	require.True(t, hit, "identical token sets must hit semantically")
	assert.Equal(t, "stored", got)
}

func TestSemanticScanIsContextScoped(t *testing.T) {
	c := newTestSemanticCache()

	c.SetCachedResult(SemanticInput{Name: "user login auth"}, "k", "context_a", "stored")

	_, hit := c.GetCachedResult(SemanticInput{Name: "user login auth"}, "other", "context_b")
	assert.False(t, hit, "semantic matches must not cross context types")
}

func TestContextTTLOverridesDefault(t *testing.T) {
	c := NewSemanticCache(SemanticOptions{
		Threshold:   0.85,
		DefaultTTL:  time.Minute,
		ContextTTLs: map[string]time.Duration{"fast": 10 * time.Millisecond},
	})

	c.SetCachedResult(SemanticInput{Name: "alpha beta gamma"}, "k1", "fast", "v")
	c.SetCachedResult(SemanticInput{Name: "alpha beta gamma"}, "k2", "slow", "v")

	time.Sleep(20 * time.Millisecond)

	_, hit := c.GetCachedResult(SemanticInput{Name: "alpha beta gamma"}, "k1", "fast")
	assert.False(t, hit, "fast-context entry should expire")
	_, hit = c.GetCachedResult(SemanticInput{Name: "alpha beta gamma"}, "k2", "slow")
	assert.True(t, hit, "default-TTL entry should survive")
}

func TestInvalidateForFiles(t *testing.T) {
	c := newTestSemanticCache()

	c.SetCachedResult(SemanticInput{Name: "auth changes", Files: []string{"src/auth.go", "src/login.go"}}, "k1", "ctx", 1)
	c.SetCachedResult(SemanticInput{Name: "payment changes", Files: []string{"src/billing.go"}}, "k2", "ctx", 2)

	removed := c.InvalidateForFiles([]string{"src/login.go", "docs/readme.md"})
	assert.Equal(t, 1, removed)

	_, hit := c.GetCachedResult(SemanticInput{}, "k1", "ctx")
	assert.False(t, hit, "entry referencing a modified file must be deleted")
	_, hit = c.GetCachedResult(SemanticInput{}, "k2", "ctx")
	assert.True(t, hit, "unrelated entry must survive")
	assert.Equal(t, 1, c.Len())
}
