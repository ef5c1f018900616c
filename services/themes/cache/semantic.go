// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"
)

// stopWords are excluded from semantic keys; they carry no signal for
// near-duplicate detection.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "this": {},
	"that": {}, "are": {}, "was": {}, "were": {}, "has": {}, "have": {},
	"been": {}, "will": {}, "would": {}, "should": {}, "could": {},
	"into": {}, "over": {}, "under": {}, "between": {}, "about": {},
	"add": {}, "adds": {}, "added": {}, "update": {}, "updates": {},
	"updated": {}, "change": {}, "changes": {}, "changed": {},
}

// SemanticInput is the portion of a request that contributes to its
// semantic key: free-text fields plus the referenced file paths.
type SemanticInput struct {
	Name        string
	Description string
	Business    string
	Content     string
	Files       []string
}

// Tokens extracts the normalized token set: lowercase, stop words removed,
// length > 2, drawn from the text fields and from file basenames and
// extensions.
func (in SemanticInput) Tokens() map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, text := range []string{in.Name, in.Description, in.Business, in.Content} {
		addTokens(tokens, text)
	}
	for _, file := range in.Files {
		base := filepath.Base(file)
		if ext := filepath.Ext(base); ext != "" {
			tokens[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
			base = strings.TrimSuffix(base, ext)
		}
		addTokens(tokens, base)
	}
	return tokens
}

func addTokens(tokens map[string]struct{}, text string) {
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(field) <= 2 {
			continue
		}
		if _, stop := stopWords[field]; stop {
			continue
		}
		tokens[field] = struct{}{}
	}
}

// Jaccard computes |a∩b| / |a∪b| over token sets. Two empty sets score 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

type semanticEntry struct {
	exactKey    string
	contextType string
	tokens      map[string]struct{}
	files       map[string]struct{}
	value       any
	expiresAt   time.Time
}

// SemanticOptions configures a SemanticCache.
type SemanticOptions struct {
	// Threshold is the minimum Jaccard similarity for a semantic hit.
	Threshold float64

	// ContextTTLs sets per-context entry lifetimes; context types absent
	// here use DefaultTTL. Classification contexts go stale over hours,
	// hierarchy/consolidation analysis over tens of minutes.
	ContextTTLs map[string]time.Duration

	// DefaultTTL applies when a context has no specific TTL.
	DefaultTTL time.Duration
}

// SemanticCache layers similarity matching above exact-key caching: on an
// exact miss the same-context entries are scanned for a token-set Jaccard
// match at or above the threshold, first match wins. Near-exact duplicates
// are the target case, so no ranking is attempted.
//
// Thread Safety: safe for concurrent use.
type SemanticCache struct {
	mu        sync.Mutex
	opts      SemanticOptions
	exact     map[string]*semanticEntry
	byContext map[string][]*semanticEntry
}

// NewSemanticCache creates an empty semantic cache.
func NewSemanticCache(opts SemanticOptions) *SemanticCache {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.85
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Minute
	}
	return &SemanticCache{
		opts:      opts,
		exact:     make(map[string]*semanticEntry),
		byContext: make(map[string][]*semanticEntry),
	}
}

// GetCachedResult looks up by exact key first, then by semantic similarity
// within the same context type.
func (c *SemanticCache) GetCachedResult(input SemanticInput, key, contextType string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.exact[key]; ok {
		if now.Before(ent.expiresAt) {
			return ent.value, true
		}
		c.removeLocked(ent)
	}

	queryTokens := input.Tokens()
	for _, ent := range c.byContext[contextType] {
		if now.After(ent.expiresAt) {
			continue // swept on the next write to this context
		}
		if Jaccard(queryTokens, ent.tokens) >= c.opts.Threshold {
			return ent.value, true
		}
	}
	return nil, false
}

// SetCachedResult stores a value under its exact key and semantic key.
func (c *SemanticCache) SetCachedResult(input SemanticInput, key, contextType string, value any) {
	ttl, ok := c.opts.ContextTTLs[contextType]
	if !ok {
		ttl = c.opts.DefaultTTL
	}

	files := make(map[string]struct{}, len(input.Files))
	for _, f := range input.Files {
		files[f] = struct{}{}
	}
	ent := &semanticEntry{
		exactKey:    key,
		contextType: contextType,
		tokens:      input.Tokens(),
		files:       files,
		value:       value,
		expiresAt:   time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.exact[key]; ok {
		c.removeLocked(old)
	}
	c.exact[key] = ent
	c.sweepContextLocked(contextType)
	c.byContext[contextType] = append(c.byContext[contextType], ent)
}

// InvalidateForFiles deletes every entry whose input referenced any of the
// modified files. This is the only invalidation trigger besides TTL.
func (c *SemanticCache) InvalidateForFiles(paths []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, ent := range c.exact {
		for _, p := range paths {
			if _, ok := ent.files[p]; ok {
				c.removeLocked(ent)
				removed++
				break
			}
		}
	}
	return removed
}

// Len returns the live entry count.
func (c *SemanticCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exact)
}

func (c *SemanticCache) removeLocked(ent *semanticEntry) {
	delete(c.exact, ent.exactKey)
	entries := c.byContext[ent.contextType]
	for i, candidate := range entries {
		if candidate == ent {
			c.byContext[ent.contextType] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
}

// sweepContextLocked drops expired entries from one context's scan list.
func (c *SemanticCache) sweepContextLocked(contextType string) {
	now := time.Now()
	entries := c.byContext[contextType]
	kept := entries[:0]
	for _, ent := range entries {
		if now.Before(ent.expiresAt) {
			kept = append(kept, ent)
		} else {
			delete(c.exact, ent.exactKey)
		}
	}
	c.byContext[contextType] = kept
}
