// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSONObject finds the first balanced top-level JSON object in text.
// Models often wrap their JSON in explanatory prose or markdown fences;
// this tolerates both. Returns false if no valid object is present.
func ExtractJSONObject(text string) (json.RawMessage, bool) {
	return extractBalanced(text, '{', '}')
}

// ExtractJSONArray finds the first balanced top-level JSON array in text.
func ExtractJSONArray(text string) (json.RawMessage, bool) {
	return extractBalanced(text, '[', ']')
}

func extractBalanced(text string, open, close byte) (json.RawMessage, bool) {
	text = stripFences(text)
	start := strings.IndexByte(text, open)
	for start >= 0 {
		if raw, ok := scanBalanced(text[start:], open, close); ok {
			return raw, true
		}
		next := strings.IndexByte(text[start+1:], open)
		if next < 0 {
			return nil, false
		}
		start += 1 + next
	}
	return nil, false
}

// scanBalanced scans from the opening delimiter, tracking string literals
// and escapes, and validates the balanced span as JSON.
func scanBalanced(text string, open, close byte) (json.RawMessage, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				candidate := text[:i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate), true
				}
				return nil, false
			}
		}
	}
	return nil, false
}

// stripFences removes markdown code fences so the scanner only sees content.
func stripFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
