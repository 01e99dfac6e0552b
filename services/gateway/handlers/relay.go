// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP handlers.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/femiora/ora-gateway/services/gateway/datatypes"
	"github.com/femiora/ora-gateway/services/gateway/middleware"
	"github.com/femiora/ora-gateway/services/gateway/observability"
	"github.com/femiora/ora-gateway/services/llm"
	"github.com/femiora/ora-gateway/services/prompt"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Client-Facing Messages
// =============================================================================

const (
	msgMessageRequired = "Message is required."
	msgMessageTooLong  = "Message is too long."
	msgInvalidBody     = "Invalid request body."
	msgBodyTooLarge    = "Request body is too large."
	msgMissingKey      = "Server is missing OPENROUTER_API_KEY."

	// fallbackLine ends the body when the upstream cannot be opened, fails
	// mid-reply, or runs past the turn deadline.
	fallbackLine = "Ora hit a network issue. Please try again.\n"
)

// MaxRequestBodyBytes caps the JSON request body.
const MaxRequestBodyBytes = 1 << 20

// =============================================================================
// Dependencies
// =============================================================================

// Augmenter looks up reference sources for a lab-literacy turn. It must
// never fail the turn: nil means "no sources".
type Augmenter interface {
	Augment(ctx context.Context, message string) []datatypes.SourceRecord
}

// RelayDeps are the collaborators of the relay handler.
type RelayDeps struct {
	// Classifier gates lab-literacy mode. Required.
	Classifier *prompt.Classifier

	// Composer builds the system blocks. Required.
	Composer *prompt.Composer

	// Augmenter is optional; nil disables reference search.
	Augmenter Augmenter

	// Upstream streams the completion. Required.
	Upstream llm.ChatStreamer

	// UpstreamKeyConfigured reports whether the provider credential is set.
	// When false every valid turn gets a 500 before streaming.
	UpstreamKeyConfigured bool

	// TurnTimeout bounds a whole turn. Zero means no limit.
	TurnTimeout time.Duration

	// Logger is optional; nil uses slog.Default().
	Logger *slog.Logger
}

// RelayHandler serves the companion chat relay.
type RelayHandler interface {
	// HandleChat handles POST /api/ora/chat.
	HandleChat(c *gin.Context)
}

// relayHandler implements RelayHandler.
//
// # Thread Safety
//
// Immutable after construction; each request runs independently.
type relayHandler struct {
	classifier    *prompt.Classifier
	composer      *prompt.Composer
	augmenter     Augmenter
	upstream      llm.ChatStreamer
	keyConfigured bool
	turnTimeout   time.Duration
	tracer        trace.Tracer
	logger        *slog.Logger
}

// NewRelayHandler creates the relay handler.
//
// # Examples
//
//	handler := handlers.NewRelayHandler(handlers.RelayDeps{
//	    Classifier:            prompt.NewClassifier(content.Intent),
//	    Composer:              prompt.NewComposer(content),
//	    Augmenter:             searchClient,
//	    Upstream:              openRouter,
//	    UpstreamKeyConfigured: cfg.HasUpstreamKey(),
//	})
//	router.POST("/api/ora/chat", handler.HandleChat)
//
// # Limitations
//
//   - Panics on a nil Classifier, Composer or Upstream
func NewRelayHandler(deps RelayDeps) RelayHandler {
	if deps.Classifier == nil {
		panic("NewRelayHandler: Classifier must not be nil")
	}
	if deps.Composer == nil {
		panic("NewRelayHandler: Composer must not be nil")
	}
	if deps.Upstream == nil {
		panic("NewRelayHandler: Upstream must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &relayHandler{
		classifier:    deps.Classifier,
		composer:      deps.Composer,
		augmenter:     deps.Augmenter,
		upstream:      deps.Upstream,
		keyConfigured: deps.UpstreamKeyConfigured,
		turnTimeout:   deps.TurnTimeout,
		tracer:        otel.Tracer("ora.gateway.handlers.relay"),
		logger:        logger,
	}
}

// =============================================================================
// Handler
// =============================================================================

// HandleChat relays one chat turn as a plain-text stream.
//
// # Description
//
// The flow is:
//  1. Decode the body (max 1 MiB) and validate the message
//  2. Refuse with 500 if the provider credential is missing
//  3. Classify, search references for lab turns, compose the bundle
//  4. Set plain-text streaming headers and flush
//  5. Stream upstream deltas straight to the client
//
// Until step 4 every failure is a JSON error with a 4xx/5xx status and no
// outbound request is made for a rejected body. After step 4 the status is
// fixed at 200: an upstream that cannot be opened, fails mid-reply, or
// overruns the turn deadline ends the body with the fallback line.
//
// A client disconnect cancels the turn context. That aborts the reference
// search or the upstream read, closes the upstream connection, and stops
// all further writes.
//
// # Inputs
//
// Request Body (datatypes.ChatTurnRequest):
//   - message: Required. 1..6000 characters after trimming.
//   - history: Optional. Prior {role, text} turns.
//   - recentLogs: Optional. Opaque log entries.
//
// # Outputs
//
// HTTP Status (before streaming starts):
//   - 400: {"error":"Message is required."} / {"error":"Message is too long."}
//     / {"error":"Invalid request body."}
//   - 413: {"error":"Request body is too large."}
//   - 500: {"error":"Server is missing OPENROUTER_API_KEY."}
//
// Streaming body (200, text/plain): the reply text, followed by the
// fallback line on its own line if the upstream fails partway.
//
// # Examples
//
//	POST /api/ora/chat
//	{"message":"I'm exhausted and my skin broke out again","history":[],"recentLogs":[...]}
//
//	HTTP/1.1 200 OK
//	Content-Type: text/plain; charset=utf-8
//
//	That sounds like a lot to carry today...
func (h *relayHandler) HandleChat(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointOraChat
	requestID := middleware.GetRequestID(c)
	logger := h.logger.With("request_id", requestID)
	m := observability.DefaultMetrics

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleOraChat")
	defer span.End()

	// 1. Decode and validate
	req, status, errMsg := decodeTurn(c)
	if errMsg == "" {
		if err := req.Validate(); err != nil {
			status, errMsg = http.StatusBadRequest, validationMessage(err)
		}
	}
	if errMsg != "" {
		logger.Info("rejected chat turn", "status", status, "reason", errMsg)
		span.SetAttributes(attribute.Int("http.status_code", status))
		if m != nil {
			m.RecordRequest(endpoint, "rejected")
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(status, datatypes.ErrorResponse{Error: errMsg})
		return
	}

	// 2. Credential
	if !h.keyConfigured {
		logger.Error("upstream API key is not configured")
		span.SetStatus(codes.Error, "missing upstream key")
		if m != nil {
			m.RecordRequest(endpoint, "error")
			m.RecordError(endpoint, observability.ErrorCodeMissingKey)
		}
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: msgMissingKey})
		return
	}

	// Turn context: cancelled by client disconnect, optional deadline.
	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()
	if h.turnTimeout > 0 {
		var cancelDeadline context.CancelFunc
		turnCtx, cancelDeadline = context.WithTimeout(turnCtx, h.turnTimeout)
		defer cancelDeadline()
	}

	// 3. Prompt
	bundle := h.buildBundle(turnCtx, req, span, logger)

	// 4. Stream setup
	writer, err := StartTextStream(c.Writer)
	if err != nil {
		logger.Error("streaming not supported", "error", err)
		if m != nil {
			m.RecordRequest(endpoint, "error")
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: middleware.InternalErrorMessage})
		return
	}

	if m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	// Disconnect observer. Waited for on return so that the request context
	// being cancelled after the handler finishes is never mistaken for a
	// client disconnect.
	var disconnected atomic.Bool
	streamDone := make(chan struct{})
	var observer sync.WaitGroup
	observer.Add(1)
	go func() {
		defer observer.Done()
		select {
		case <-c.Request.Context().Done():
			disconnected.Store(true)
			writer.Close()
			cancelTurn()
			if m != nil {
				m.RecordClientDisconnect(endpoint)
			}
		case <-streamDone:
		}
	}()
	defer func() {
		close(streamDone)
		observer.Wait()
	}()

	// 5. Relay
	var firstDelta time.Time
	emit := func(delta string) error {
		if err := turnCtx.Err(); err != nil {
			return err
		}
		if firstDelta.IsZero() {
			firstDelta = time.Now()
			if m != nil {
				m.RecordTimeToFirstDelta(endpoint, firstDelta.Sub(startTime).Seconds())
			}
		}
		return writer.WriteText(delta)
	}

	// fallback ends the body with one readable sentence. It is skipped
	// once the client is gone since nobody is left to read it.
	fallback := func() {
		if disconnected.Load() || c.Request.Context().Err() != nil {
			return
		}
		line := fallbackLine
		if writer.BytesWritten() > 0 {
			line = "\n" + line
		}
		if err := writer.WriteText(line); err != nil {
			logger.Debug("failed to write fallback line", "error", err)
		}
	}

	result, streamErr := h.upstream.ChatStream(turnCtx, bundle, llm.DefaultParams(), emit)

	outcome := result.Outcome.String()
	success := false
	switch {
	case errors.Is(streamErr, llm.ErrUpstreamUnavailable), errors.Is(streamErr, llm.ErrMissingAPIKey):
		outcome = "unavailable"
		logger.Warn("upstream unavailable, sending fallback line", "error", streamErr)
		fallback()
		if m != nil {
			m.RecordError(endpoint, observability.ErrorCodeUpstreamUnavailable)
		}
	case result.Outcome == llm.OutcomeAborted:
		if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
			logger.Warn("turn deadline exceeded, sending fallback line", "timeout", h.turnTimeout)
			fallback()
			if m != nil {
				m.RecordError(endpoint, observability.ErrorCodeTimeout)
			}
		} else {
			logger.Info("turn aborted", "error", streamErr)
			if m != nil {
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
			}
		}
	case result.Outcome == llm.OutcomeUpstreamError:
		logger.Warn("upstream stream failed mid-reply, sending fallback line",
			"error", streamErr, "deltas", result.Deltas)
		fallback()
		if m != nil {
			m.RecordError(endpoint, observability.ErrorCodeUpstreamRead)
		}
	default:
		success = true
	}

	span.SetAttributes(
		attribute.String("relay.outcome", outcome),
		attribute.Int("relay.deltas", result.Deltas),
		attribute.Int("relay.malformed_frames", result.Malformed),
		attribute.Int("relay.bytes", writer.BytesWritten()),
	)
	if !success {
		span.SetStatus(codes.Error, outcome)
	}

	if m != nil {
		status := "success"
		if !success {
			status = "error"
		}
		m.RecordRequest(endpoint, status)
		m.RecordOutcome(endpoint, outcome, time.Since(startTime).Seconds())
		m.RecordDeltas(endpoint, result.Deltas, result.Malformed)
	}

	logger.Info("chat turn finished",
		"outcome", outcome,
		"deltas", result.Deltas,
		"malformed_frames", result.Malformed,
		"client_disconnected", disconnected.Load(),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

// buildBundle runs classify, augment, compose and map for one turn.
func (h *relayHandler) buildBundle(ctx context.Context, req *datatypes.ChatTurnRequest,
	span trace.Span, logger *slog.Logger) []datatypes.Message {

	m := observability.DefaultMetrics

	lab := h.classifier.Classify(req.Message)
	if m != nil {
		m.RecordLabIntent(lab)
	}

	var sources []datatypes.SourceRecord
	if lab && h.augmenter != nil {
		sources = h.augmenter.Augment(ctx, req.Message)
		if m != nil {
			m.RecordAugment(len(sources) > 0)
		}
	}

	span.SetAttributes(
		attribute.Bool("relay.lab_intent", lab),
		attribute.Int("relay.sources", len(sources)),
		attribute.Int("relay.history", len(req.History)),
		attribute.Int("relay.recent_logs", len(req.RecentLogs)),
	)
	logger.Debug("composed chat turn",
		"lab_intent", lab,
		"sources", len(sources),
		"message_chars", utf8.RuneCountInString(req.Message),
	)

	system := h.composer.Compose(req.RecentLogs, lab, sources)
	history := prompt.MapHistory(req.History)
	return h.composer.Bundle(system, history, req.Message)
}

// =============================================================================
// Helper Functions
// =============================================================================

// decodeTurn reads the request body. An empty body decodes as an empty
// request, which then fails validation as "Message is required.".
//
// # Outputs
//
//   - *datatypes.ChatTurnRequest: Decoded request, never nil.
//   - int: HTTP status when decoding failed.
//   - string: Client-facing error, "" on success.
func decodeTurn(c *gin.Context) (*datatypes.ChatTurnRequest, int, string) {
	req := &datatypes.ChatTurnRequest{}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodyBytes)

	if err := c.ShouldBindJSON(req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return req, http.StatusRequestEntityTooLarge, msgBodyTooLarge
		case errors.Is(err, io.EOF):
			return req, 0, ""
		default:
			return req, http.StatusBadRequest, msgInvalidBody
		}
	}
	return req, 0, ""
}

// validationMessage maps a validation error to its client-facing string.
func validationMessage(err error) string {
	if errors.Is(err, datatypes.ErrMessageTooLong) {
		return msgMessageTooLong
	}
	return msgMessageRequired
}
