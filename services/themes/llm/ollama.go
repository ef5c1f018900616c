// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient implements Client against a local Ollama server. Useful for
// running theme analysis fully offline.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewOllamaClient creates an Ollama-backed client. baseURL defaults to
// http://localhost:11434, model defaults to llama3.1.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1"
	}
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
}

// Complete implements Client.
func (c *OllamaClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	body := ollamaGenerateRequest{
		Model:  c.model,
		System: request.System,
		Prompt: request.Prompt,
		Stream: false,
	}
	opts := map[string]any{}
	if request.Temperature > 0 {
		opts["temperature"] = request.Temperature
	}
	if request.MaxTokens > 0 {
		opts["num_predict"] = request.MaxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APICallError{Provider: "ollama", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APICallError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("server error: %s", strings.TrimSpace(string(snippet))),
		}
	}

	var parsed ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &APICallError{Provider: "ollama", Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Response == "" {
		return nil, fmt.Errorf("%w from ollama", ErrEmptyResponse)
	}

	return &Response{
		Content:    parsed.Response,
		Model:      parsed.Model,
		TokensUsed: parsed.EvalCount,
	}, nil
}

// Name implements Client.
func (c *OllamaClient) Name() string { return "ollama" }

// Model implements Client.
func (c *OllamaClient) Model() string { return c.model }
