// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/llm"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestRetryAttemptsExactlyMaxOnTransientFailure(t *testing.T) {
	calls := 0
	transient := &llm.APICallError{Provider: "test", StatusCode: 503, Err: errors.New("unavailable")}

	_, err := Retry(context.Background(), fastRetryConfig(4), nil, nil,
		func(ctx context.Context) (any, error) {
			calls++
			return nil, transient
		})

	if calls != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", calls)
	}
	var exhausted *ExhaustedRetryError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedRetryError, got %v", err)
	}
	if exhausted.Attempts != 4 {
		t.Errorf("exhausted error reports %d attempts, want 4", exhausted.Attempts)
	}
	if !errors.Is(err, transient) {
		t.Error("exhausted error should wrap the last error")
	}
}

func TestRetryPermanentErrorFailsImmediately(t *testing.T) {
	calls := 0
	permanent := errors.New("bad request")

	_, err := Retry(context.Background(), fastRetryConfig(5), nil, nil,
		func(ctx context.Context) (any, error) {
			calls++
			return nil, permanent
		})

	if calls != 1 {
		t.Fatalf("permanent error should not retry, got %d attempts", calls)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if IsExhaustedRetry(err) {
		t.Error("permanent failure must not be wrapped as exhausted retry")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetryConfig(4), nil, nil,
		func(ctx context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, &llm.APICallError{Provider: "test", StatusCode: 500, Err: errors.New("boom")}
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected success on attempt 3, got %d", calls)
	}
}

func TestRetryInvokesRateLimitHook(t *testing.T) {
	hooks := 0
	rateLimited := &llm.APICallError{Provider: "test", StatusCode: 429, Err: errors.New("throttled")}

	_, err := Retry(context.Background(), fastRetryConfig(3), nil,
		func() { hooks++ },
		func(ctx context.Context) (any, error) {
			return nil, rateLimited
		})

	if !IsExhaustedRetry(err) {
		t.Fatalf("expected exhausted retry, got %v", err)
	}
	if hooks != 3 {
		t.Errorf("rate limit hook called %d times, want once per attempt (3)", hooks)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	cfg := fastRetryConfig(10)
	cfg.InitialBackoff = 50 * time.Millisecond

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, cfg, nil, nil, func(ctx context.Context) (any, error) {
		calls++
		return nil, &llm.APICallError{Provider: "test", StatusCode: 500, Err: errors.New("boom")}
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls >= 10 {
		t.Errorf("cancellation should stop the loop early, got %d attempts", calls)
	}
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	backoff := time.Second
	for i := 0; i < 10; i++ {
		backoff = nextBackoff(backoff, 2.0, 8*time.Second)
	}
	if backoff != 8*time.Second {
		t.Errorf("backoff = %v, want capped at 8s", backoff)
	}
}

func TestDefaultClassifier(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"rate limit", &llm.APICallError{StatusCode: 429}, ClassRateLimit},
		{"server error", &llm.APICallError{StatusCode: 502}, ClassTransient},
		{"network", &llm.APICallError{StatusCode: 0, Err: errors.New("conn reset")}, ClassTransient},
		{"client error", &llm.APICallError{StatusCode: 400}, ClassPermanent},
		{"plain error", errors.New("nope"), ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DefaultClassifier(tc.err); got != tc.want {
				t.Errorf("DefaultClassifier(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
