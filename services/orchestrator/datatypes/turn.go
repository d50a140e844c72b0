// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes bounds a single message or attachment body.
	MaxMessageContentBytes = 32 * 1024

	// MaxHistoryMessages bounds client-supplied history.
	MaxHistoryMessages = 100

	// MaxAttachments bounds attachments per turn.
	MaxAttachments = 10
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var turnValidate *validator.Validate

func init() {
	turnValidate = validator.New()
	_ = turnValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Turn Request
// =============================================================================

// Attachment is a user-supplied document that travels with one turn.
type Attachment struct {
	Name     string `json:"name" validate:"required,max=256"`
	MimeType string `json:"mime_type,omitempty" validate:"omitempty,max=128"`
	Content  string `json:"content" validate:"maxbytes"`
}

// TurnRequest is the input contract of a single conversational turn.
//
// # Description
//
// TurnRequest is decoded from the websocket and SSE transports and from the
// CLI, then mapped directly onto the initial agent state of the turn.
//
// # Fields
//
//   - SessionID: Optional. Generated when empty.
//   - Message: Required. The user's input.
//   - Mode: "chat" (default), "search", "search_agentic" or "agent".
//     "deep_research" is accepted as an alias of "search_agentic".
//   - AgentID: Optional executor agent requested by the client.
//   - AgentMode: "fast"/"low" (default), "high" or "direct".
//   - ThinkingMode: Enables the chain-of-thought pass before chat.
//   - SkipWebSearch: Disables web search for this turn only.
//   - Attachments: Optional documents, at most MaxAttachments.
//   - History: Optional prior messages used to seed a new session.
type TurnRequest struct {
	SessionID     string       `json:"session_id,omitempty" validate:"omitempty,max=128"`
	Message       string       `json:"message" validate:"required,maxbytes"`
	Mode          string       `json:"mode,omitempty" validate:"omitempty,oneof=chat search search_agentic deep_research agent"`
	AgentID       string       `json:"agent_id,omitempty" validate:"omitempty,max=64"`
	AgentMode     string       `json:"agent_mode,omitempty" validate:"omitempty,oneof=fast low high direct"`
	ThinkingMode  bool         `json:"thinking_mode,omitempty"`
	SkipWebSearch bool         `json:"skip_web_search,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty" validate:"max=10,dive"`
	History       []Message    `json:"history,omitempty" validate:"max=100,dive"`
}

// Validate checks the request against its validator tags.
func (r *TurnRequest) Validate() error {
	return turnValidate.Struct(r)
}

// EnsureDefaults fills the session id and mode when the client omitted them.
func (r *TurnRequest) EnsureDefaults() {
	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	}
	if r.Mode == "" {
		r.Mode = "chat"
	}
	if r.AgentMode == "" {
		r.AgentMode = "low"
	}
}
