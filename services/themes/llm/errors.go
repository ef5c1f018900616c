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
	"net"
)

// ErrEmptyResponse means the provider returned no usable content.
var ErrEmptyResponse = errors.New("llm: empty response")

// APICallError wraps a provider failure with enough context for the retry
// layer to classify it (rate limit vs transient vs permanent).
type APICallError struct {
	// Provider is the client name that produced the error.
	Provider string

	// StatusCode is the HTTP status if known, 0 for transport failures.
	StatusCode int

	// Err is the underlying provider error.
	Err error
}

func (e *APICallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Provider, e.Err)
}

func (e *APICallError) Unwrap() error { return e.Err }

// SchemaValidationError means the model returned text that could not be
// parsed into the expected response shape. These are never retried blindly:
// each call site decides between a documented fallback and propagation.
type SchemaValidationError struct {
	// ContextLabel identifies the logical request type.
	ContextLabel string

	// Detail describes what failed to validate.
	Detail string

	// Raw is a truncated copy of the offending response text.
	Raw string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("llm schema validation (%s): %s", e.ContextLabel, e.Detail)
}

// NewSchemaValidationError builds a SchemaValidationError, truncating the
// raw text so errors stay loggable.
func NewSchemaValidationError(contextLabel, detail, raw string) *SchemaValidationError {
	const maxRaw = 220
	if len(raw) > maxRaw {
		raw = raw[:maxRaw] + "..."
	}
	return &SchemaValidationError{ContextLabel: contextLabel, Detail: detail, Raw: raw}
}

// IsRateLimit reports whether err is a provider rate-limit rejection
// (HTTP 429 or provider-specific equivalent).
func IsRateLimit(err error) bool {
	var apiErr *APICallError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// IsTransient reports whether err is worth retrying: network failures and
// 5xx-equivalent provider errors. Rate limits are handled separately by the
// circuit breaker and are not considered transient here.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APICallError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 0 {
			return true // transport-level failure
		}
		return apiErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsSchemaValidation reports whether err is a malformed-response error.
func IsSchemaValidation(err error) bool {
	var schemaErr *SchemaValidationError
	return errors.As(err, &schemaErr)
}
