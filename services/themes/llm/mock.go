// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"sync"
	"time"
)

// MockClient is a scriptable Client for tests.
//
// Thread Safety:
//
//	MockClient is safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	// responses are returned in order; when exhausted, ResponseFunc or
	// the default response is used.
	responses []mockReply

	// ResponseFunc generates a response per request when set.
	ResponseFunc func(*Request) (*Response, error)

	// Delay adds artificial latency per call.
	Delay time.Duration

	calls []*Request
}

type mockReply struct {
	resp *Response
	err  error
}

// NewMockClient creates an empty mock; with no scripting every call returns
// a canned "{}" response.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// QueueResponse appends a scripted response.
func (m *MockClient) QueueResponse(content string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockReply{resp: &Response{Content: content, Model: "mock-model"}})
	return m
}

// QueueError appends a scripted failure.
func (m *MockClient) QueueError(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockReply{err: err})
	return m
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, request)
	if len(m.responses) > 0 {
		reply := m.responses[0]
		m.responses = m.responses[1:]
		m.mu.Unlock()
		return reply.resp, reply.err
	}
	fn := m.ResponseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(request)
	}
	return &Response{Content: "{}", Model: "mock-model"}, nil
}

// Name implements Client.
func (m *MockClient) Name() string { return "mock" }

// Model implements Client.
func (m *MockClient) Model() string { return "mock-model" }

// Calls returns a copy of all requests seen so far.
func (m *MockClient) Calls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.calls...)
}

// CallCount returns how many requests were made.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
