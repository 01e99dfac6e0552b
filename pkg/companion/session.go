// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package companion

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/femiora/ora-gateway/services/gateway/datatypes"
)

// TurnStreamer sends one turn and streams the reply. *Client implements it.
type TurnStreamer interface {
	StreamTurn(ctx context.Context, req datatypes.ChatTurnRequest, onChunk func(string) error) (string, error)
}

// errSuperseded stops a read whose turn was replaced by a newer one.
var errSuperseded = errors.New("turn superseded")

// Session is one conversation with at most one turn in flight.
//
// # Description
//
// Send cancels any turn still streaming before it starts the next one.
// The transcript is published to the OnUpdate observer after every change:
// turn start, each chunk, commit and rollback.
//
// # Thread Safety
//
// Safe for concurrent use. The observer is called with the session lock
// held, in order; it must not call back into the Session.
type Session struct {
	streamer TurnStreamer
	logger   *slog.Logger

	mu         sync.Mutex
	transcript Transcript
	turn       uint64
	cancel     context.CancelFunc
	onUpdate   func(Transcript)
}

// NewSession creates a Session that starts from history.
func NewSession(streamer TurnStreamer, history []datatypes.ChatMessage, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		streamer:   streamer,
		logger:     logger,
		transcript: NewTranscript(history...),
	}
}

// OnUpdate registers the transcript observer, replacing any earlier one.
func (s *Session) OnUpdate(fn func(Transcript)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Transcript returns the current snapshot.
func (s *Session) Transcript() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Cancel aborts the in-flight turn, if any.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Send runs one turn.
//
// # Description
//
// The user's message and an empty reply placeholder are added before the
// request goes out; chunks grow the placeholder in place. On any failure,
// including an empty reply, the placeholder is removed so the transcript
// never shows an empty assistant message.
//
// # Inputs
//
//   - ctx: Parent context for the turn.
//   - message: The user's text.
//   - recentLogs: Opaque log entries sent as grounding context.
//
// # Outputs
//
//   - string: The reply.
//   - error: ErrTurnCancelled when aborted or superseded, ErrEmptyReply,
//     *StatusError, or a network error. Use UserMessage for display.
func (s *Session) Send(ctx context.Context, message string, recentLogs []json.RawMessage) (string, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.turn++
	turn := s.turn
	s.cancel = cancel
	s.transcript = s.transcript.BeginTurn(message)
	history := s.transcript.History()
	history = history[:len(history)-1]
	s.publishLocked()
	s.mu.Unlock()

	req := datatypes.ChatTurnRequest{
		Message:    message,
		History:    history,
		RecentLogs: recentLogs,
	}

	reply, err := s.streamer.StreamTurn(turnCtx, req, func(chunk string) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.turn != turn {
			return errSuperseded
		}
		s.transcript = s.transcript.GrowLast(chunk)
		s.publishLocked()
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn != turn {
		// A newer turn already rolled this placeholder back.
		return "", ErrTurnCancelled
	}
	s.cancel = nil

	if errors.Is(err, errSuperseded) {
		err = ErrTurnCancelled
	}
	if err == nil && reply == "" {
		err = ErrEmptyReply
	}
	if err != nil {
		s.logger.Debug("chat turn rolled back", "error", err)
		s.transcript = s.transcript.Rollback()
		s.publishLocked()
		return "", err
	}

	s.transcript = s.transcript.Commit()
	s.publishLocked()
	return reply, nil
}

func (s *Session) publishLocked() {
	if s.onUpdate != nil {
		s.onUpdate(s.transcript)
	}
}
