// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import "github.com/prometheus/client_golang/prometheus"

// StatsCollector exposes queue health as Prometheus metrics. Register it
// on a run-scoped registry; the collector reads the live queue on scrape.
type StatsCollector struct {
	queue *Queue

	depth       *prometheus.Desc
	inFlight    *prometheus.Desc
	completed   *prometheus.Desc
	failed      *prometheus.Desc
	rateLimited *prometheus.Desc
	breakerOpen *prometheus.Desc
}

// NewStatsCollector creates a collector for q.
func NewStatsCollector(q *Queue) *StatsCollector {
	return &StatsCollector{
		queue: q,
		depth: prometheus.NewDesc(
			"theme_queue_depth", "Items waiting for dispatch.", nil, nil),
		inFlight: prometheus.NewDesc(
			"theme_queue_in_flight", "Items currently dispatched.", nil, nil),
		completed: prometheus.NewDesc(
			"theme_queue_completed_total", "Items resolved successfully.", nil, nil),
		failed: prometheus.NewDesc(
			"theme_queue_failed_total", "Items resolved with a terminal error.", nil, nil),
		rateLimited: prometheus.NewDesc(
			"theme_queue_rate_limited_total", "Rate-limit rejections observed.", nil, nil),
		breakerOpen: prometheus.NewDesc(
			"theme_queue_breaker_open", "1 when the circuit breaker is open.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.inFlight
	ch <- c.completed
	ch <- c.failed
	ch <- c.rateLimited
	ch <- c.breakerOpen
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.queue.Stats()
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(stats.Depth))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(stats.InFlight))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(stats.Completed))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(stats.Failed))
	ch <- prometheus.MustNewConstMetric(c.rateLimited, prometheus.CounterValue, float64(stats.RateLimited))

	open := 0.0
	if c.queue.BreakerState() == CircuitOpen {
		open = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.breakerOpen, prometheus.GaugeValue, open)
}
