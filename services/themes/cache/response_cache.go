// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache provides the two caching layers in front of the LLM: an
// exact-match response cache keyed by canonical content hashes, and a
// semantic cache that matches near-duplicate inputs by token overlap.
package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// TTLFunc adapts an entry's lifetime from its value, e.g. stretching the
// TTL for high-confidence responses and shrinking it for dubious ones.
type TTLFunc func(value any, base time.Duration) time.Duration

// Policy is the per-request-type cache behavior.
type Policy struct {
	// MaxEntries caps the type's partition; zero uses the cache default.
	MaxEntries int

	// TTL is the base entry lifetime; zero uses the cache default.
	TTL time.Duration

	// AdaptiveTTL, when set, computes the effective TTL per value.
	AdaptiveTTL TTLFunc

	// ShouldCache, when set, vetoes storing low-quality values.
	ShouldCache func(value any) bool

	// NeverCache bypasses the cache wholesale, for request types with
	// deliberately non-deterministic output.
	NeverCache bool
}

// ConfidenceTTL builds a TTLFunc from a confidence extractor: base×4 above
// 0.9, base×2 above 0.7, base×0.25 below 0.5.
func ConfidenceTTL(confidence func(value any) (float64, bool)) TTLFunc {
	return func(value any, base time.Duration) time.Duration {
		conf, ok := confidence(value)
		if !ok {
			return base
		}
		switch {
		case conf > 0.9:
			return base * 4
		case conf > 0.7:
			return base * 2
		case conf < 0.5:
			return base / 4
		default:
			return base
		}
	}
}

// Options configures a ResponseCache.
type Options struct {
	// MaxMemoryBytes is the global budget across all partitions; zero
	// disables the memory check.
	MaxMemoryBytes int64

	// DefaultMaxEntries applies to partitions without a policy override.
	DefaultMaxEntries int

	// DefaultTTL applies to partitions without a policy override.
	DefaultTTL time.Duration

	// SweepInterval is the background expiry sweep period; zero disables
	// the sweeper (expired entries are still removed lazily on access).
	SweepInterval time.Duration
}

type entry struct {
	key         string
	value       any
	size        int64
	createdAt   time.Time
	expiresAt   time.Time
	accessCount int64
	lastAccess  time.Time
}

// partition is the per-request-type entry map with its own LRU order.
type partition struct {
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
}

func newPartition() *partition {
	return &partition{entries: make(map[string]*list.Element), lru: list.New()}
}

// ResponseCache is the exact-match LLM response cache: one partition per
// logical request type, LRU within a partition, and a global memory budget
// enforced across partitions.
//
// Thread Safety: safe for concurrent use.
type ResponseCache struct {
	mu         sync.Mutex
	opts       Options
	partitions map[string]*partition
	policies   map[string]Policy
	memory     int64

	hits      uint64
	misses    uint64
	evictions uint64

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewResponseCache creates a cache and starts the background sweeper when
// SweepInterval is set.
func NewResponseCache(opts Options) *ResponseCache {
	if opts.DefaultMaxEntries <= 0 {
		opts.DefaultMaxEntries = 1000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Minute
	}
	c := &ResponseCache{
		opts:       opts,
		partitions: make(map[string]*partition),
		policies:   make(map[string]Policy),
		sweepStop:  make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go c.sweepLoop(opts.SweepInterval)
	}
	return c
}

// SetPolicy installs the eviction/TTL policy for one request type.
func (c *ResponseCache) SetPolicy(reqType string, policy Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[reqType] = policy
}

// Get returns the cached value for (reqType, inputs), or false on a miss.
// Expired entries are removed lazily here.
func (c *ResponseCache) Get(reqType string, inputs any) (any, bool) {
	policy := c.policy(reqType)
	if policy.NeverCache {
		return nil, false
	}
	key, err := CanonicalKey(reqType, inputs)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	part, ok := c.partitions[reqType]
	if !ok {
		c.misses++
		recordCacheMiss(reqType)
		return nil, false
	}
	elem, ok := part.entries[key]
	if !ok {
		c.misses++
		recordCacheMiss(reqType)
		return nil, false
	}
	ent := elem.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		c.removeElement(reqType, part, elem)
		c.misses++
		recordCacheMiss(reqType)
		return nil, false
	}

	part.lru.MoveToFront(elem)
	ent.accessCount++
	ent.lastAccess = time.Now()
	c.hits++
	recordCacheHit(reqType)
	return ent.value, true
}

// Set stores a value for (reqType, inputs), honoring the type's policy.
func (c *ResponseCache) Set(reqType string, inputs any, value any) {
	policy := c.policy(reqType)
	if policy.NeverCache {
		return
	}
	if policy.ShouldCache != nil && !policy.ShouldCache(value) {
		return
	}
	key, err := CanonicalKey(reqType, inputs)
	if err != nil {
		return
	}

	ttl := policy.TTL
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	if policy.AdaptiveTTL != nil {
		ttl = policy.AdaptiveTTL(value, ttl)
	}

	now := time.Now()
	ent := &entry{
		key:        key,
		value:      value,
		size:       approxSize(value),
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	part, ok := c.partitions[reqType]
	if !ok {
		part = newPartition()
		c.partitions[reqType] = part
	}

	if elem, exists := part.entries[key]; exists {
		c.removeElement(reqType, part, elem)
	}

	maxEntries := policy.MaxEntries
	if maxEntries <= 0 {
		maxEntries = c.opts.DefaultMaxEntries
	}
	// Partition-local cap first, then the global memory budget.
	for part.lru.Len() >= maxEntries {
		c.removeElement(reqType, part, part.lru.Back())
		c.evictions++
		recordCacheEviction(reqType)
	}
	if c.opts.MaxMemoryBytes > 0 {
		for c.memory+ent.size > c.opts.MaxMemoryBytes {
			if !c.evictGlobalLRU() {
				break
			}
		}
	}

	elem := part.lru.PushFront(ent)
	part.entries[key] = elem
	c.memory += ent.size
}

// Clear empties the named partitions, or everything when none are given.
func (c *ResponseCache) Clear(reqTypes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(reqTypes) == 0 {
		c.partitions = make(map[string]*partition)
		c.memory = 0
		return
	}
	for _, reqType := range reqTypes {
		part, ok := c.partitions[reqType]
		if !ok {
			continue
		}
		for elem := part.lru.Front(); elem != nil; elem = elem.Next() {
			c.memory -= elem.Value.(*entry).size
		}
		delete(c.partitions, reqType)
	}
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	MemoryBytes int64
	Entries     int
}

// Stats returns current counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := 0
	for _, part := range c.partitions {
		entries += part.lru.Len()
	}
	return CacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		MemoryBytes: c.memory,
		Entries:     entries,
	}
}

// Close stops the background sweeper.
func (c *ResponseCache) Close() {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
}

func (c *ResponseCache) policy(reqType string) Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policies[reqType]
}

// removeElement unlinks an entry; caller holds the lock.
func (c *ResponseCache) removeElement(reqType string, part *partition, elem *list.Element) {
	ent := elem.Value.(*entry)
	part.lru.Remove(elem)
	delete(part.entries, ent.key)
	c.memory -= ent.size
}

// evictGlobalLRU removes the globally least-recently-used entry across all
// partitions. Returns false when nothing is left to evict. Caller holds
// the lock.
func (c *ResponseCache) evictGlobalLRU() bool {
	var (
		oldestType string
		oldestPart *partition
		oldestElem *list.Element
		oldestTime time.Time
	)
	for reqType, part := range c.partitions {
		back := part.lru.Back()
		if back == nil {
			continue
		}
		ent := back.Value.(*entry)
		if oldestElem == nil || ent.lastAccess.Before(oldestTime) {
			oldestType, oldestPart, oldestElem = reqType, part, back
			oldestTime = ent.lastAccess
		}
	}
	if oldestElem == nil {
		return false
	}
	c.removeElement(oldestType, oldestPart, oldestElem)
	c.evictions++
	recordCacheEviction(oldestType)
	return true
}

func (c *ResponseCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *ResponseCache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for reqType, part := range c.partitions {
		var expired []*list.Element
		for elem := part.lru.Front(); elem != nil; elem = elem.Next() {
			if now.After(elem.Value.(*entry).expiresAt) {
				expired = append(expired, elem)
			}
		}
		for _, elem := range expired {
			c.removeElement(reqType, part, elem)
		}
	}
}

// approxSize estimates an entry's memory footprint from its JSON encoding.
func approxSize(value any) int64 {
	raw, err := json.Marshal(value)
	if err != nil {
		return 64
	}
	return int64(len(raw)) + 64 // entry bookkeeping overhead
}
