// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("themes.cache")

var (
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call repeatedly.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		cacheHits, err = meter.Int64Counter(
			"theme_cache_hits_total",
			metric.WithDescription("Exact-match cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		cacheMisses, err = meter.Int64Counter(
			"theme_cache_misses_total",
			metric.WithDescription("Exact-match cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		cacheEvictions, err = meter.Int64Counter(
			"theme_cache_evictions_total",
			metric.WithDescription("Entries evicted by LRU or memory pressure"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordCacheHit(reqType string) {
	if initMetrics() != nil {
		return
	}
	cacheHits.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("request_type", reqType)))
}

func recordCacheMiss(reqType string) {
	if initMetrics() != nil {
		return
	}
	cacheMisses.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("request_type", reqType)))
}

func recordCacheEviction(reqType string) {
	if initMetrics() != nil {
		return
	}
	cacheEvictions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("request_type", reqType)))
}
