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
	"sync"
	"testing"
	"time"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/llm"
)

func testQueue(opts Options) *Queue {
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = 1
	}
	if opts.DefaultBudget.MaxAttempts == 0 {
		opts.DefaultBudget = fastRetryConfig(1)
	}
	return New(opts)
}

func waitForDepth(t *testing.T, q *Queue, depth int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Stats().Depth >= depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d (at %d)", depth, q.Stats().Depth)
}

func TestEnqueueReturnsTaskResult(t *testing.T) {
	q := testQueue(Options{})
	defer q.Close()

	value, err := q.Enqueue(context.Background(), Request{
		Type: "test",
		Task: func(ctx context.Context) (any, error) { return 42, nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 42 {
		t.Errorf("value = %v, want 42", value)
	}

	stats := q.Stats()
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 1 completed", stats)
	}
}

func TestPriorityOrderWithFIFOTieBreak(t *testing.T) {
	q := testQueue(Options{MaxConcurrency: 1})
	defer q.Close()

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	// Occupy the single concurrency slot so the next four items queue up.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), Request{
			Type: "blocker",
			Task: func(ctx context.Context) (any, error) {
				<-gate
				return nil, nil
			},
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().InFlight == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Enqueued as [2,1,2,1]; dispatch must be the priority-1 pair first,
	// FIFO within each priority.
	labels := []struct {
		name     string
		priority int
	}{
		{"p2-first", 2}, {"p1-first", 1}, {"p2-second", 2}, {"p1-second", 1},
	}
	for i, l := range labels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(context.Background(), Request{
				Type:     l.name,
				Priority: l.priority,
				Task: func(ctx context.Context) (any, error) {
					mu.Lock()
					order = append(order, l.name)
					mu.Unlock()
					return nil, nil
				},
			})
		}()
		waitForDepth(t, q, i+1)
	}

	close(gate)
	wg.Wait()

	want := []string{"p1-first", "p1-second", "p2-first", "p2-second"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestMaxDepthRejectsWithQueueFull(t *testing.T) {
	q := testQueue(Options{MaxConcurrency: 1, MaxDepth: 1})
	defer q.Close()

	gate := make(chan struct{})
	defer close(gate)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), Request{
			Type: "blocker",
			Task: func(ctx context.Context) (any, error) { <-gate; return nil, nil },
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().InFlight == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), Request{
			Type: "waiter",
			Task: func(ctx context.Context) (any, error) { return nil, nil },
		})
	}()
	waitForDepth(t, q, 1)

	_, err := q.Enqueue(context.Background(), Request{
		Type: "overflow",
		Task: func(ctx context.Context) (any, error) { return nil, nil },
	})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestCloseRejectsWaitingItems(t *testing.T) {
	q := testQueue(Options{MaxConcurrency: 1})

	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), Request{
			Type: "blocker",
			Task: func(ctx context.Context) (any, error) { <-gate; return nil, nil },
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().InFlight == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Enqueue(context.Background(), Request{
			Type: "waiter",
			Task: func(ctx context.Context) (any, error) { return nil, nil },
		})
		errCh <- err
	}()
	waitForDepth(t, q, 1)

	close(gate)
	q.Close()

	if err := <-errCh; !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("waiting item should reject with ErrQueueClosed, got %v", err)
	}

	_, err := q.Enqueue(context.Background(), Request{
		Type: "late",
		Task: func(ctx context.Context) (any, error) { return nil, nil },
	})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after close should reject, got %v", err)
	}
	wg.Wait()
}

func TestRateLimitTripsBreakerAndCounts(t *testing.T) {
	q := testQueue(Options{
		MaxConcurrency: 1,
		Breaker:        CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute},
		DefaultBudget:  fastRetryConfig(2),
	})
	defer q.Close()

	throttled := &llm.APICallError{Provider: "test", StatusCode: 429, Err: errors.New("throttled")}
	_, err := q.Enqueue(context.Background(), Request{
		Type: "limited",
		Task: func(ctx context.Context) (any, error) { return nil, throttled },
	})
	if !IsExhaustedRetry(err) {
		t.Fatalf("expected exhausted retry, got %v", err)
	}

	// Two attempts, each rate limited: breaker threshold of 2 reached.
	if q.BreakerState() != CircuitOpen {
		t.Errorf("breaker state = %v, want open", q.BreakerState())
	}
	stats := q.Stats()
	if stats.RateLimited != 2 {
		t.Errorf("rate limited count = %d, want 2", stats.RateLimited)
	}
	if stats.Failed != 1 {
		t.Errorf("failed count = %d, want 1", stats.Failed)
	}
}

func TestAbandonedCallerDoesNotBlockResolution(t *testing.T) {
	q := testQueue(Options{MaxConcurrency: 1})
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	_, err := func() (any, error) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		return q.Enqueue(ctx, Request{
			Type: "slow",
			Task: func(taskCtx context.Context) (any, error) {
				defer close(done)
				time.Sleep(30 * time.Millisecond)
				return "late result", nil
			},
		})
	}()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The dispatched task still runs to completion and frees its slot.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed after caller abandoned")
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.Stats().Completed == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if q.Stats().Completed != 1 {
		t.Errorf("completed = %d, want 1", q.Stats().Completed)
	}
}
