// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client against the OpenAI chat completion API
// (or any API-compatible endpoint when BaseURL is set).
type OpenAIClient struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

// OpenAIOptions configures NewOpenAIClient.
type OpenAIOptions struct {
	// APIKey is required.
	APIKey string

	// Model defaults to gpt-4o-mini when empty.
	Model string

	// BaseURL overrides the API endpoint for compatible providers.
	BaseURL string

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// NewOpenAIClient creates an OpenAI-backed client.
func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("llm: OpenAI API key is required")
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  opts.Model,
		log:    opts.Logger,
	}, nil
}

// Complete implements Client.
func (o *OpenAIClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if request.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: request.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: request.Prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: request.Temperature,
	}
	if request.MaxTokens > 0 {
		req.MaxCompletionTokens = request.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, o.wrapError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		o.log.Warn("openai returned no choices", "context", request.ContextLabel)
		return nil, fmt.Errorf("%w from openai", ErrEmptyResponse)
	}

	o.log.Debug("openai completion",
		"context", request.ContextLabel,
		"finish_reason", resp.Choices[0].FinishReason,
		"tokens", resp.Usage.TotalTokens,
	)
	return &Response{
		Content:    resp.Choices[0].Message.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// Name implements Client.
func (o *OpenAIClient) Name() string { return "openai" }

// Model implements Client.
func (o *OpenAIClient) Model() string { return o.model }

// wrapError maps go-openai errors into APICallError so the retry layer can
// classify them.
func (o *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APICallError{Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APICallError{Provider: "openai", StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &APICallError{Provider: "openai", Err: err}
}
