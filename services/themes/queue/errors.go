// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed is returned for enqueues after Close, and used to
	// reject items still waiting when the queue shuts down.
	ErrQueueClosed = errors.New("queue: closed")

	// ErrQueueFull is returned when MaxDepth is configured and reached.
	ErrQueueFull = errors.New("queue: at max depth")
)

// ExhaustedRetryError is the terminal failure after the retry budget is
// spent. It carries the attempt count and the last underlying error.
type ExhaustedRetryError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedRetryError) Error() string {
	return fmt.Sprintf("queue: retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedRetryError) Unwrap() error { return e.LastErr }

// IsExhaustedRetry reports whether err is a terminal retry failure.
func IsExhaustedRetry(err error) bool {
	var exhausted *ExhaustedRetryError
	return errors.As(err, &exhausted)
}
