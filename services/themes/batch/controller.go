// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package batch groups logical LLM requests into fewer model calls. The
// Controller observes batch outcomes and adapts the batch size per request
// type; the Processor drains per-type queues, builds one prompt per batch,
// and demultiplexes results back to callers by correlation id.
package batch

import (
	"sync"
	"time"
)

// ControllerOptions tunes the adaptive batch sizing.
type ControllerOptions struct {
	// DefaultSize is the starting batch size for a new type.
	DefaultSize int

	// MinSize and MaxSize bound adjustments.
	MinSize int
	MaxSize int

	// WindowSize is the rolling outcome window per type.
	WindowSize int

	// AdjustCooldown is the minimum time between size changes, so a
	// single bad batch cannot thrash the size.
	AdjustCooldown time.Duration

	// TargetLatency is the per-batch latency considered acceptable.
	TargetLatency time.Duration

	// Pressure, when set, reports a coarse load signal (e.g. request
	// queue depth); high pressure shrinks the advised size.
	Pressure func() int

	// PressureThreshold is the Pressure() reading above which the
	// advised size is reduced. Default 50.
	PressureThreshold int
}

type outcomeRec struct {
	ok      bool
	latency time.Duration
}

type typeState struct {
	size       int
	window     []outcomeRec
	lastAdjust time.Time
}

// Controller adapts batch sizes from observed success rates and latency.
// It is advisory: the Processor falls back to the default when no state
// exists for a type yet.
//
// Thread Safety: safe for concurrent use.
type Controller struct {
	mu    sync.Mutex
	opts  ControllerOptions
	types map[string]*typeState
}

// NewController creates a controller.
func NewController(opts ControllerOptions) *Controller {
	if opts.DefaultSize <= 0 {
		opts.DefaultSize = 5
	}
	if opts.MinSize <= 0 {
		opts.MinSize = 1
	}
	if opts.MaxSize < opts.MinSize {
		opts.MaxSize = opts.MinSize
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 20
	}
	if opts.TargetLatency <= 0 {
		opts.TargetLatency = 20 * time.Second
	}
	if opts.PressureThreshold <= 0 {
		opts.PressureThreshold = 50
	}
	return &Controller{opts: opts, types: make(map[string]*typeState)}
}

// OptimalBatchSize returns the advised size for the type, shrunk under
// load pressure.
func (c *Controller) OptimalBatchSize(reqType string) int {
	c.mu.Lock()
	state, ok := c.types[reqType]
	size := c.opts.DefaultSize
	if ok {
		size = state.size
	}
	c.mu.Unlock()

	if c.opts.Pressure != nil && c.opts.Pressure() > c.opts.PressureThreshold {
		size -= 2
	}
	if size < c.opts.MinSize {
		size = c.opts.MinSize
	}
	return size
}

// RecordOutcome feeds one completed batch back into the rolling window and
// adjusts the type's size when the cooldown allows.
func (c *Controller) RecordOutcome(reqType string, batchSize int, ok bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, exists := c.types[reqType]
	if !exists {
		state = &typeState{size: c.opts.DefaultSize}
		c.types[reqType] = state
	}

	state.window = append(state.window, outcomeRec{ok: ok, latency: latency})
	if len(state.window) > c.opts.WindowSize {
		state.window = state.window[len(state.window)-c.opts.WindowSize:]
	}

	if time.Since(state.lastAdjust) < c.opts.AdjustCooldown {
		return
	}

	successRate, avgLatency := summarize(state.window)
	switch {
	case successRate >= 0.9 && avgLatency <= c.opts.TargetLatency:
		if state.size < c.opts.MaxSize {
			state.size++
			state.lastAdjust = time.Now()
		}
	case successRate < 0.7 || avgLatency > 2*c.opts.TargetLatency:
		shrunk := state.size / 2
		if shrunk < c.opts.MinSize {
			shrunk = c.opts.MinSize
		}
		if shrunk != state.size {
			state.size = shrunk
			state.lastAdjust = time.Now()
		}
	}
}

// CurrentSize returns the configured size for a type without pressure
// adjustment, primarily for monitoring.
func (c *Controller) CurrentSize(reqType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.types[reqType]; ok {
		return state.size
	}
	return c.opts.DefaultSize
}

func summarize(window []outcomeRec) (successRate float64, avgLatency time.Duration) {
	if len(window) == 0 {
		return 1, 0
	}
	succeeded := 0
	var total time.Duration
	for _, rec := range window {
		if rec.ok {
			succeeded++
		}
		total += rec.latency
	}
	return float64(succeeded) / float64(len(window)), total / time.Duration(len(window))
}
