// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/cache"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/llm"
	"github.com/6529-Collections/ai-code-review-action-sub003/services/themes/queue"
)

var (
	// ErrProcessorClosed is returned for adds after Close.
	ErrProcessorClosed = errors.New("batch: processor closed")

	// ErrUnknownType is returned for adds to an unregistered request type.
	ErrUnknownType = errors.New("batch: unknown request type")
)

// TypeSpec declares one logical request type the processor can batch.
type TypeSpec struct {
	// Name is the request type identifier, also the cache partition.
	Name string

	// Instructions is the task description shared by every batch prompt
	// of this type, including the per-item response contract.
	Instructions string

	// MaxWait bounds how long the oldest queued item waits before a
	// partial batch flushes. Default 2s.
	MaxWait time.Duration

	// Priority is passed through to the request queue.
	Priority int

	// Budget is the retry budget for this type's dispatches; the zero
	// value uses the queue default (batch profile).
	Budget queue.RetryConfig

	// GroupKey, when set, partitions a drained batch into groups of
	// related items (e.g. same file extension) for better result quality.
	GroupKey func(payload any) string
}

type itemOutcome struct {
	raw json.RawMessage
	err error
}

type pendingItem struct {
	id         string
	payload    any
	enqueuedAt time.Time

	// result is buffered; each item is resolved exactly once regardless
	// of which path (batch, fallback, shutdown) completes it.
	result chan itemOutcome
}

func (it *pendingItem) resolve(raw json.RawMessage, err error) {
	it.result <- itemOutcome{raw: raw, err: err}
}

type typeQueue struct {
	spec TypeSpec

	mu     sync.Mutex
	items  []*pendingItem
	closed bool
}

// Options configures a Processor.
type Options struct {
	// Queue dispatches the actual model calls. Required.
	Queue *queue.Queue

	// Client is the model boundary. Required.
	Client llm.Client

	// Controller advises batch sizes. Required.
	Controller *Controller

	// ResponseCache, when set, is consulted before queuing an item and
	// updated with parsed results.
	ResponseCache *cache.ResponseCache

	// FallbackConcurrency bounds parallel individual retries after a
	// failed batch. Default 3.
	FallbackConcurrency int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Processor drains per-type queues into batched model calls.
//
// Every added item is guaranteed exactly one resolution: batch success,
// individual fallback, a typed failure, or ErrProcessorClosed at shutdown.
//
// Thread Safety: safe for concurrent use.
type Processor struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	types  map[string]*typeQueue
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewProcessor creates a processor. Register types before adding items.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Queue == nil {
		return nil, errors.New("batch: queue is required")
	}
	if opts.Client == nil {
		return nil, errors.New("batch: client is required")
	}
	if opts.Controller == nil {
		return nil, errors.New("batch: controller is required")
	}
	if opts.FallbackConcurrency <= 0 {
		opts.FallbackConcurrency = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		opts:  opts,
		log:   opts.Logger,
		types: make(map[string]*typeQueue),
		stop:  make(chan struct{}),
	}, nil
}

// RegisterType installs a request type and starts its drain loop.
func (p *Processor) RegisterType(spec TypeSpec) error {
	if spec.Name == "" {
		return errors.New("batch: type name is required")
	}
	if spec.MaxWait <= 0 {
		spec.MaxWait = 2 * time.Second
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProcessorClosed
	}
	if _, exists := p.types[spec.Name]; exists {
		return fmt.Errorf("batch: type %q already registered", spec.Name)
	}
	tq := &typeQueue{spec: spec}
	p.types[spec.Name] = tq

	p.wg.Add(1)
	go p.drain(tq)
	return nil
}

// Add queues one item and blocks until it resolves or ctx is done. The
// response cache is consulted first; a hit resolves without queueing.
func (p *Processor) Add(ctx context.Context, reqType string, payload any) (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProcessorClosed
	}
	tq, ok := p.types[reqType]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, reqType)
	}

	if p.opts.ResponseCache != nil {
		if cached, hit := p.opts.ResponseCache.Get(reqType, payload); hit {
			if raw, isRaw := cached.(json.RawMessage); isRaw {
				return raw, nil
			}
		}
	}

	it := &pendingItem{
		id:         uuid.NewString(),
		payload:    payload,
		enqueuedAt: time.Now(),
		result:     make(chan itemOutcome, 1),
	}

	// Re-check under the type queue's own lock: Close may have finished
	// the final drain between the front-door check and this append, and an
	// item landing after that would never be read again.
	tq.mu.Lock()
	if tq.closed {
		tq.mu.Unlock()
		return nil, ErrProcessorClosed
	}
	tq.items = append(tq.items, it)
	tq.mu.Unlock()

	select {
	case out := <-it.result:
		return out.raw, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AddBatch queues many items of one type and waits for all of them.
func (p *Processor) AddBatch(ctx context.Context, reqType string, payloads []any) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	for i, payload := range payloads {
		g.Go(func() error {
			raw, err := p.Add(gctx, reqType, payload)
			if err != nil {
				return err
			}
			results[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Close stops the drain loops after flushing whatever is still queued.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
}

// drain is the per-type background loop: flush when the queue reaches the
// advised size, or when the oldest item has waited past MaxWait.
func (p *Processor) drain(tq *typeQueue) {
	defer p.wg.Done()

	const poll = 20 * time.Millisecond
	for {
		batch := p.collect(tq)
		if batch != nil {
			p.processBatch(tq.spec, batch)
			continue
		}
		select {
		case <-p.stop:
			p.flushRemaining(tq)
			return
		case <-time.After(poll):
		}
	}
}

// collect extracts the next batch if the flush condition holds.
func (p *Processor) collect(tq *typeQueue) []*pendingItem {
	optimal := p.opts.Controller.OptimalBatchSize(tq.spec.Name)

	tq.mu.Lock()
	defer tq.mu.Unlock()

	if len(tq.items) == 0 {
		return nil
	}
	timedOut := time.Since(tq.items[0].enqueuedAt) >= tq.spec.MaxWait
	if len(tq.items) < optimal && !timedOut {
		return nil
	}

	n := optimal
	if n > len(tq.items) {
		n = len(tq.items)
	}
	batch := tq.items[:n:n]
	tq.items = append([]*pendingItem(nil), tq.items[n:]...)
	return batch
}

// flushRemaining drains everything left at shutdown so no item is dropped.
// It seals the type queue first; late adds are rejected instead of landing
// in a queue nothing will read again.
func (p *Processor) flushRemaining(tq *typeQueue) {
	tq.mu.Lock()
	tq.closed = true
	tq.mu.Unlock()

	for {
		tq.mu.Lock()
		if len(tq.items) == 0 {
			tq.mu.Unlock()
			return
		}
		n := p.opts.Controller.OptimalBatchSize(tq.spec.Name)
		if n > len(tq.items) {
			n = len(tq.items)
		}
		batch := tq.items[:n:n]
		tq.items = append([]*pendingItem(nil), tq.items[n:]...)
		tq.mu.Unlock()

		p.processBatch(tq.spec, batch)
	}
}

// processBatch dispatches one collected batch, splitting by group key
// when the type defines one.
func (p *Processor) processBatch(spec TypeSpec, items []*pendingItem) {
	if spec.GroupKey == nil {
		p.dispatchGroup(spec, items)
		return
	}
	groups := make(map[string][]*pendingItem)
	var order []string
	for _, it := range items {
		key := spec.GroupKey(it.payload)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
	}
	for _, key := range order {
		p.dispatchGroup(spec, groups[key])
	}
}

// dispatchGroup runs one model call for the group and resolves every item:
// matched results directly, everything else through individual fallback.
func (p *Processor) dispatchGroup(spec TypeSpec, group []*pendingItem) {
	start := time.Now()

	content, err := p.callModel(spec, group)
	var results map[string]json.RawMessage
	if err == nil {
		results, err = parseBatchResponse(spec.Name, content)
	}

	var unresolved []*pendingItem
	if err != nil {
		p.log.Warn("batch call failed, falling back to individual processing",
			"type", spec.Name, "size", len(group), "error", err)
		unresolved = group
	} else {
		for _, it := range group {
			raw, found := results[it.id]
			if !found {
				unresolved = append(unresolved, it)
				continue
			}
			p.cacheResult(spec.Name, it.payload, raw)
			it.resolve(raw, nil)
		}
		if len(unresolved) > 0 {
			p.log.Warn("batch response missing correlation ids",
				"type", spec.Name, "missing", len(unresolved))
		}
	}

	p.opts.Controller.RecordOutcome(spec.Name, len(group),
		err == nil && len(unresolved) == 0, time.Since(start))

	if len(unresolved) > 0 {
		p.fallbackIndividually(spec, unresolved)
	}
}

// fallbackIndividually reprocesses items one at a time. Smaller blast
// radius, higher cost, guaranteed forward progress.
func (p *Processor) fallbackIndividually(spec TypeSpec, items []*pendingItem) {
	g := new(errgroup.Group)
	g.SetLimit(p.opts.FallbackConcurrency)
	for _, it := range items {
		g.Go(func() error {
			raw, err := p.processSingle(spec, it)
			if err != nil {
				it.resolve(nil, err)
				return nil
			}
			p.cacheResult(spec.Name, it.payload, raw)
			it.resolve(raw, nil)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Processor) processSingle(spec TypeSpec, it *pendingItem) (json.RawMessage, error) {
	content, err := p.callModel(spec, []*pendingItem{it})
	if err != nil {
		return nil, err
	}
	if results, perr := parseBatchResponse(spec.Name, content); perr == nil {
		if raw, found := results[it.id]; found {
			return raw, nil
		}
	}
	// Tolerate a bare object response for a single-item prompt.
	if raw, ok := llm.ExtractJSONObject(content); ok {
		var envelope struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result"`
		}
		if json.Unmarshal(raw, &envelope) == nil && len(envelope.Result) > 0 {
			return envelope.Result, nil
		}
		return raw, nil
	}
	return nil, llm.NewSchemaValidationError(spec.Name, "no JSON payload in individual response", content)
}

// callModel sends one prompt through the request queue.
func (p *Processor) callModel(spec TypeSpec, items []*pendingItem) (string, error) {
	prompt, err := buildPrompt(spec, items)
	if err != nil {
		return "", err
	}

	value, err := p.opts.Queue.Enqueue(context.Background(), queue.Request{
		Type:     spec.Name,
		Priority: spec.Priority,
		Budget:   spec.Budget,
		Task: func(ctx context.Context) (any, error) {
			resp, err := p.opts.Client.Complete(ctx, &llm.Request{
				Prompt:       prompt,
				ContextLabel: spec.Name,
			})
			if err != nil {
				return nil, err
			}
			return resp.Content, nil
		},
	})
	if err != nil {
		return "", err
	}
	content, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("batch: unexpected task result type %T", value)
	}
	return content, nil
}

func (p *Processor) cacheResult(reqType string, payload any, raw json.RawMessage) {
	if p.opts.ResponseCache != nil {
		p.opts.ResponseCache.Set(reqType, payload, raw)
	}
}

type promptItem struct {
	ID    string `json:"id"`
	Input any    `json:"input"`
}

// buildPrompt renders the type instructions plus the correlation-id item
// envelope the response contract relies on.
func buildPrompt(spec TypeSpec, items []*pendingItem) (string, error) {
	envelope := make([]promptItem, len(items))
	for i, it := range items {
		envelope[i] = promptItem{ID: it.id, Input: it.payload}
	}
	payload, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return "", fmt.Errorf("batch: marshal prompt items: %w", err)
	}
	return spec.Instructions +
		"\n\nItems:\n" + string(payload) +
		"\n\nRespond with ONLY a JSON array, one element per item:" +
		` {"id": "<item id>", "result": { ... }}. Preserve ids exactly.`, nil
}

type batchResult struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
}

// parseBatchResponse extracts the correlation-id keyed results from raw
// model output. A malformed response is a typed schema error, never a
// silently accepted partial object.
func parseBatchResponse(reqType, content string) (map[string]json.RawMessage, error) {
	raw, ok := llm.ExtractJSONArray(content)
	if !ok {
		return nil, llm.NewSchemaValidationError(reqType, "no JSON array in response", content)
	}
	var parsed []batchResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, llm.NewSchemaValidationError(reqType, "array elements malformed: "+err.Error(), content)
	}
	results := make(map[string]json.RawMessage, len(parsed))
	for _, res := range parsed {
		if res.ID == "" || len(res.Result) == 0 {
			continue
		}
		results[res.ID] = res.Result
	}
	if len(results) == 0 {
		return nil, llm.NewSchemaValidationError(reqType, "no usable id/result pairs", content)
	}
	return results, nil
}
