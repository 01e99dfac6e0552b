// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the gateway service.
//
// This file contains the chat turn request accepted by the relay endpoint and
// the role/content message shape sent upstream.
package datatypes

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageRunes is the maximum length of the trimmed user message.
	MaxMessageRunes = 6000

	// MaxHistoryMessages is how many prior turns the mapper keeps.
	MaxHistoryMessages = 20

	// MaxRecentLogs is how many log entries the composer embeds.
	MaxRecentLogs = 14
)

// Roles used on the client wire and upstream.
const (
	RoleUser      = "user"
	RoleModel     = "model"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// =============================================================================
// Validation
// =============================================================================

var (
	// ErrMessageRequired is returned when the trimmed message is empty.
	ErrMessageRequired = errors.New("message is required")

	// ErrMessageTooLong is returned when the trimmed message exceeds MaxMessageRunes.
	ErrMessageTooLong = errors.New("message is too long")
)

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Length is counted in code points so multi-byte text gets the same budget.
	_ = chatValidate.RegisterValidation("maxrunes", validateMaxRunes)
}

// validateMaxRunes checks a string field against MaxMessageRunes.
func validateMaxRunes(fl validator.FieldLevel) bool {
	return utf8.RuneCountInString(fl.Field().String()) <= MaxMessageRunes
}

// =============================================================================
// Request Types
// =============================================================================

// ChatMessage is one prior turn as the client sends it.
//
// Role is "user" or "model"; "assistant" is accepted as a synonym for model.
type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// IsEmpty reports whether the message carries no visible text.
func (m ChatMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == ""
}

// ChatTurnRequest is the body of POST /api/ora/chat.
//
// # Description
//
// ChatTurnRequest carries the new user message, the prior transcript and a
// window of the user's log entries. Log entries are opaque: they are kept as
// raw JSON and embedded verbatim into the prompt.
//
// Decoding is tolerant in the same way the web client expects: a history or
// recentLogs value that is not an array is treated as empty, and history
// entries that are not {role, text} objects are dropped.
//
// # Validation
//
//   - Message: trimmed, required, at most MaxMessageRunes code points
//
// # Examples
//
//	var req datatypes.ChatTurnRequest
//	if err := json.Unmarshal(body, &req); err != nil { ... }
//	if err := req.Validate(); err != nil {
//	    // err is ErrMessageRequired or ErrMessageTooLong
//	}
//
// # Limitations
//
//   - History and log windows are truncated downstream, not here.
type ChatTurnRequest struct {
	Message    string            `json:"message" validate:"required,maxrunes"`
	History    []ChatMessage     `json:"history"`
	RecentLogs []json.RawMessage `json:"recentLogs"`
}

// UnmarshalJSON implements tolerant decoding of a chat turn.
func (r *ChatTurnRequest) UnmarshalJSON(data []byte) error {
	var wire struct {
		Message    json.RawMessage `json:"message"`
		History    json.RawMessage `json:"history"`
		RecentLogs json.RawMessage `json:"recentLogs"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*r = ChatTurnRequest{}

	var message string
	if json.Unmarshal(wire.Message, &message) == nil {
		r.Message = message
	}

	var history []json.RawMessage
	if json.Unmarshal(wire.History, &history) == nil {
		for _, raw := range history {
			var msg ChatMessage
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			r.History = append(r.History, msg)
		}
	}

	var logs []json.RawMessage
	if json.Unmarshal(wire.RecentLogs, &logs) == nil {
		r.RecentLogs = logs
	}

	return nil
}

// Normalize trims the message in place.
func (r *ChatTurnRequest) Normalize() {
	r.Message = strings.TrimSpace(r.Message)
}

// Validate normalizes and validates the request.
//
// # Outputs
//
//   - error: ErrMessageRequired, ErrMessageTooLong, or nil.
func (r *ChatTurnRequest) Validate() error {
	r.Normalize()

	err := chatValidate.Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Field() == "Message" && fe.Tag() == "maxrunes" {
				return ErrMessageTooLong
			}
		}
	}
	return ErrMessageRequired
}

// =============================================================================
// Upstream Types
// =============================================================================

// Message is one role/content pair in the bundle sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SourceRecord is one reference returned by the context augmenter.
//
// ID is a short token ("S1".."S5") the model cites inline. Records are built
// per request and never persisted.
type SourceRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// ErrorResponse is the JSON body for failures before streaming begins.
type ErrorResponse struct {
	Error string `json:"error"`
}
