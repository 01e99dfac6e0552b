// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm talks to the upstream language-model provider.
//
// It holds the streaming chat client and the SSE-to-text Transcoder that
// turns the provider's event stream into plain text deltas.
package llm

import (
	"context"
	"errors"

	"github.com/femiora/ora-gateway/services/gateway/datatypes"
)

var (
	// ErrMissingAPIKey is returned when no upstream credential is configured.
	ErrMissingAPIKey = errors.New("upstream API key is not configured")

	// ErrUpstreamUnavailable is returned when the upstream stream could not be
	// opened: transport failure, non-2xx status or an empty body. No delta
	// has been emitted when this error is returned.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// GenerationParams are the sampling settings sent upstream.
type GenerationParams struct {
	Temperature float32 `json:"temperature"`
}

// DefaultParams returns the settings used for every companion turn.
func DefaultParams() GenerationParams {
	return GenerationParams{Temperature: 0.2}
}

// StreamResult summarizes one upstream stream.
type StreamResult struct {
	// Outcome is how the stream ended.
	Outcome StreamOutcome

	// Deltas is the number of non-empty deltas emitted.
	Deltas int

	// Malformed is the number of frames that could not be parsed.
	Malformed int
}

// ChatStreamer streams a chat completion as plain text deltas.
//
// # Description
//
// ChatStream sends the ordered message bundle upstream and calls emit once
// per delta, in arrival order. It returns when the stream ends, the context
// is cancelled, or emit fails.
//
// # Outputs
//
//   - StreamResult: Outcome and counters. Always populated.
//   - error: ErrMissingAPIKey or ErrUpstreamUnavailable (wrapped) before any
//     delta; the context error or a write error on abort; a read error on a
//     mid-stream failure; nil on a normal end.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple requests.
type ChatStreamer interface {
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, emit func(string) error) (StreamResult, error)
}
