// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoToolCall is returned when model output holds no tool call object.
var ErrNoToolCall = errors.New("no tool call in model output")

// Call is a tool invocation chosen by the model.
type Call struct {
	Name string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ParseCall extracts a tool call from model output.
//
// # Description
//
// The first {...} block is decoded as {"tool": name, "args": {...}}.
// "name" and "arguments" are accepted as aliases. Malformed JSON (single
// quotes, trailing commas, unclosed braces) is repaired before giving up.
// A "tool" value of "none" or "" means the model chose not to call a tool
// and yields ErrNoToolCall.
func ParseCall(output string) (Call, error) {
	block := firstObject(output)
	if block == "" {
		return Call{}, ErrNoToolCall
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(block)
		if repairErr != nil {
			return Call{}, fmt.Errorf("tool call is not valid JSON: %w (repair: %v)", err, repairErr)
		}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return Call{}, fmt.Errorf("repaired tool call is not valid JSON: %w", err)
		}
	}

	name := firstString(raw, "tool", "name")
	if name == "" || strings.EqualFold(name, "none") {
		return Call{}, ErrNoToolCall
	}
	call := Call{Name: name, Args: map[string]any{}}
	for _, key := range []string{"args", "arguments", "input"} {
		if m, ok := raw[key].(map[string]any); ok {
			call.Args = m
			break
		}
	}
	return call, nil
}

// firstObject returns the text from the first '{' to its matching '}', or
// to the end of the input when the object is unclosed.
func firstObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
