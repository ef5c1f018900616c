// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"sync"
	"time"
)

// CircuitState is the breaker state.
type CircuitState int

const (
	// CircuitClosed passes requests through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects all requests until the cooldown elapses.
	CircuitOpen

	// CircuitHalfOpen allows limited probes to test recovery.
	CircuitHalfOpen
)

// String returns the human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failures before opening.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before half-open probes.
	Cooldown time.Duration

	// HalfOpenMaxProbes limits concurrent probes while half-open.
	HalfOpenMaxProbes int

	// SuccessThreshold closes the breaker after this many consecutive
	// half-open successes.
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  3,
		Cooldown:          20 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

// CircuitBreaker suspends dispatches after a burst of rate-limit failures
// so the run stops hammering a throttling provider. Queued work keeps
// accumulating while the breaker is open; nothing is dropped.
//
// Thread Safety: safe for concurrent use.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig

	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenProbes       int
	lastFailure          time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCircuitBreakerConfig().Cooldown
	}
	if config.HalfOpenMaxProbes <= 0 {
		config.HalfOpenMaxProbes = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// Allow reports whether a dispatch may proceed. An open breaker whose
// cooldown has elapsed transitions to half-open and admits a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.consecutiveSuccesses = 0
			cb.halfOpenProbes = 1
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.halfOpenProbes < cb.config.HalfOpenMaxProbes {
			cb.halfOpenProbes++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful dispatch.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == CircuitHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.halfOpenProbes = 0
		}
	}
}

// RecordFailure notes a breaker-relevant failure (a rate-limit rejection).
// The threshold applies to consecutive failures; any half-open failure
// reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()
	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++

	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.halfOpenProbes = 0
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
