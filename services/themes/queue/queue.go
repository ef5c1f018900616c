// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue serializes all outbound LLM calls for one analysis run
// behind a single priority queue with a global concurrency cap, minimum
// dispatch spacing, retry budgets, and a rate-limit circuit breaker.
//
// The queue is an explicit, constructor-injected instance owned by the run
// context, never package-global state, so tests construct isolated
// queues per case.
//
// Ordering: strictly lower priority numbers dispatch first; within one
// priority, enqueue order (FIFO). In-flight work is never preempted.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Task is the unit of dispatched work, typically one LLM call.
type Task func(ctx context.Context) (any, error)

// Request describes one enqueue.
type Request struct {
	// Type is the logical request type, used for logging and stats.
	Type string

	// Priority orders dispatch; lower dispatches first.
	Priority int

	// Budget is the retry budget; the zero value uses the queue default.
	Budget RetryConfig

	// Task performs the work once a slot is available.
	Task Task
}

// Options configures a Queue.
type Options struct {
	// MaxConcurrency is the global in-flight cap. Must be >= 1.
	MaxConcurrency int

	// MinInterval is the minimum spacing between successive dispatches.
	MinInterval time.Duration

	// MaxDepth caps waiting items; zero means unbounded. When set,
	// Enqueue returns ErrQueueFull instead of accepting more work.
	MaxDepth int

	// Breaker configures the rate-limit circuit breaker.
	Breaker CircuitBreakerConfig

	// DefaultBudget applies to requests with a zero Budget.
	DefaultBudget RetryConfig

	// Classifier maps task errors to retry classes. Defaults to
	// DefaultClassifier.
	Classifier Classifier

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	Depth       int
	InFlight    int
	Completed   uint64
	Failed      uint64
	RateLimited uint64
}

type outcome struct {
	value any
	err   error
}

type item struct {
	id         string
	reqType    string
	priority   int
	seq        uint64
	enqueuedAt time.Time
	budget     RetryConfig
	task       Task

	// result is buffered so resolution never blocks on an abandoned
	// caller. Each item is resolved exactly once.
	result chan outcome
}

func (it *item) resolve(value any, err error) {
	it.result <- outcome{value: value, err: err}
}

// itemHeap orders by priority, then enqueue sequence.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the process-wide request queue and rate limiter.
//
// Thread Safety: safe for concurrent use.
type Queue struct {
	opts    Options
	log     *slog.Logger
	limiter *rate.Limiter
	breaker *CircuitBreaker

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	waiting  itemHeap
	seq      uint64
	inFlight int
	closed   bool

	completed   uint64
	failed      uint64
	rateLimited uint64

	wake     chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// New creates a queue and starts its dispatch loop.
func New(opts Options) *Queue {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.DefaultBudget.MaxAttempts == 0 {
		opts.DefaultBudget = DefaultRetryConfig()
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:     opts,
		log:      opts.Logger,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  NewCircuitBreaker(opts.Breaker),
		baseCtx:  ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Enqueue submits a request and blocks until it resolves or ctx is done.
//
// A caller abandoning via ctx does not cancel the dispatched task; the
// queue still runs it to completion and frees the slot, and the buffered
// result is simply discarded.
func (q *Queue) Enqueue(ctx context.Context, req Request) (any, error) {
	if req.Budget.MaxAttempts == 0 {
		req.Budget = q.opts.DefaultBudget
	}

	it := &item{
		id:         uuid.NewString(),
		reqType:    req.Type,
		priority:   req.Priority,
		enqueuedAt: time.Now(),
		budget:     req.Budget,
		task:       req.Task,
		result:     make(chan outcome, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if q.opts.MaxDepth > 0 && len(q.waiting) >= q.opts.MaxDepth {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	it.seq = q.seq
	q.seq++
	heap.Push(&q.waiting, it)
	q.mu.Unlock()

	q.signal()

	select {
	case out := <-it.result:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns a snapshot of queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:       len(q.waiting),
		InFlight:    q.inFlight,
		Completed:   q.completed,
		Failed:      q.failed,
		RateLimited: q.rateLimited,
	}
}

// BreakerState exposes the circuit breaker state for monitoring.
func (q *Queue) BreakerState() CircuitState { return q.breaker.State() }

// Close stops the dispatch loop, rejects everything still waiting with
// ErrQueueClosed, and waits for in-flight work to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.loopDone

	q.mu.Lock()
	rejected := make([]*item, len(q.waiting))
	copy(rejected, q.waiting)
	q.waiting = q.waiting[:0]
	q.mu.Unlock()

	for _, it := range rejected {
		it.resolve(nil, ErrQueueClosed)
	}
	q.wg.Wait()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// loop is the background dispatcher: whenever a concurrency slot is free,
// the spacing interval has elapsed, and the breaker admits, it pops the
// highest-priority item and runs it.
func (q *Queue) loop() {
	defer close(q.loopDone)

	const idlePoll = 10 * time.Millisecond
	for {
		it, delay := q.next()
		if it == nil {
			if delay <= 0 {
				delay = idlePoll
			}
			select {
			case <-q.baseCtx.Done():
				return
			case <-q.wake:
			case <-time.After(delay):
			}
			continue
		}

		if err := q.limiter.Wait(q.baseCtx); err != nil {
			// Shutting down; the item goes back for Close to reject.
			q.requeue(it)
			return
		}

		q.wg.Add(1)
		go q.run(it)
	}
}

// next pops the next dispatchable item, or returns a suggested wait.
func (q *Queue) next() (*item, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiting) == 0 || q.inFlight >= q.opts.MaxConcurrency {
		return nil, 0
	}
	if !q.breaker.Allow() {
		return nil, 50 * time.Millisecond
	}
	it := heap.Pop(&q.waiting).(*item)
	q.inFlight++
	return it, 0
}

func (q *Queue) requeue(it *item) {
	q.mu.Lock()
	q.inFlight--
	heap.Push(&q.waiting, it)
	q.mu.Unlock()
}

func (q *Queue) run(it *item) {
	defer q.wg.Done()

	start := time.Now()
	value, err := Retry(q.baseCtx, it.budget, q.opts.Classifier, q.noteRateLimit, it.task)

	q.mu.Lock()
	q.inFlight--
	if err != nil {
		q.failed++
	} else {
		q.completed++
	}
	q.mu.Unlock()

	if err == nil {
		q.breaker.RecordSuccess()
	} else {
		q.log.Debug("queue item failed",
			"type", it.reqType,
			"item_id", it.id,
			"queued_for", time.Since(it.enqueuedAt)-time.Since(start),
			"error", err,
		)
	}

	it.resolve(value, err)
	q.signal()
}

// noteRateLimit records a provider throttle: the breaker sees the failure
// and further dispatches pause until the cooldown passes. Waiting items
// keep accumulating; none are dropped.
func (q *Queue) noteRateLimit() {
	q.mu.Lock()
	q.rateLimited++
	q.mu.Unlock()
	q.breaker.RecordFailure()
	q.log.Warn("rate limit from provider, circuit breaker notified",
		"breaker_state", q.breaker.State().String())
}
