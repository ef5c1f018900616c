// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm defines the model boundary for theme analysis.
//
// The orchestration core only ever sees this package's Client interface.
// Providers return raw text; extracting and validating structured data out
// of that text (a JSON payload possibly wrapped in prose) is the caller's
// job, helped by ExtractJSONObject/ExtractJSONArray.
//
// Thread Safety:
//
//	All implementations must be safe for concurrent use.
package llm

import (
	"context"
)

// Request is a single completion request.
type Request struct {
	// System is the system prompt, optional.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// ContextLabel tags the request for logging and cache partitioning
	// (e.g. "similarity_judgment", "theme_expansion").
	ContextLabel string

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int

	// Temperature controls sampling. Zero value means provider default.
	Temperature float32
}

// Response is the raw completion result.
type Response struct {
	// Content is the raw response text, including any prose around JSON.
	Content string

	// Model is the model that produced the response.
	Model string

	// TokensUsed is the total token usage if the provider reports it.
	TokensUsed int
}

// Client is implemented by every model backend.
type Client interface {
	// Complete sends one request and returns the raw response.
	Complete(ctx context.Context, request *Request) (*Response, error)

	// Name returns the provider name (e.g. "openai", "ollama").
	Name() string

	// Model returns the configured model identifier.
	Model() string
}
