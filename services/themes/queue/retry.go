// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/llm"
)

// ErrorClass partitions failures for retry and circuit breaker decisions.
type ErrorClass int

const (
	// ClassPermanent errors are never retried.
	ClassPermanent ErrorClass = iota

	// ClassTransient errors (network blips, 5xx) are retried with backoff.
	ClassTransient

	// ClassRateLimit errors are retried and additionally trip the breaker.
	ClassRateLimit
)

// Classifier maps an error to its ErrorClass.
type Classifier func(error) ErrorClass

// DefaultClassifier classifies errors produced at the LLM boundary.
func DefaultClassifier(err error) ErrorClass {
	switch {
	case llm.IsRateLimit(err):
		return ClassRateLimit
	case llm.IsTransient(err):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// RetryConfig is one retry budget: exponential backoff with jitter and a
// capped attempt count. Latency-sensitive call sites use
// InteractiveRetryConfig, batch call sites the looser BatchRetryConfig.
type RetryConfig struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the backoff each retry. Must be >= 1.
	BackoffFactor float64

	// JitterFactor spreads waits by ±fraction to avoid thundering herds.
	JitterFactor float64
}

// DefaultRetryConfig returns the batch-context defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// InteractiveRetryConfig returns a stricter budget for latency-sensitive
// contexts: fewer attempts, shorter waits.
func InteractiveRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Retry runs fn under the budget as an explicit bounded loop. A rate-limit
// classified error invokes onRateLimit (may be nil) before waiting, so the
// caller can trip its circuit breaker.
//
// Returns fn's value on success; after budget exhaustion returns a typed
// *ExhaustedRetryError wrapping the last error. Permanent errors return
// immediately without consuming further attempts.
func Retry(
	ctx context.Context,
	config RetryConfig,
	classify Classifier,
	onRateLimit func(),
	fn func(ctx context.Context) (any, error),
) (any, error) {
	if classify == nil {
		classify = DefaultClassifier
	}

	backoff := config.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		class := classify(err)
		if class == ClassPermanent {
			return nil, err
		}
		if class == ClassRateLimit && onRateLimit != nil {
			onRateLimit()
		}

		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered(backoff, config.JitterFactor)):
		}
		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}

	return nil, &ExhaustedRetryError{Attempts: config.MaxAttempts, LastErr: lastErr}
}

// jittered spreads base into [base*(1-f), base*(1+f)].
func jittered(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	spread := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(base) * (1 + spread))
}

// nextBackoff grows the backoff, capped at max.
func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
