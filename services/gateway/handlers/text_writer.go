// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// =============================================================================
// Interface Definition
// =============================================================================

// TextStreamWriter writes a plain UTF-8 text stream to an HTTP response.
//
// # Description
//
// The relay output contract is the concatenation of the model's deltas with
// no framing at all. Each WriteText call writes the bytes as given and
// flushes them immediately, so the client sees every delta as soon as it
// arrives upstream.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Limitations
//
//   - Must be used with an http.Flusher-compatible ResponseWriter
//   - Headers must be set before the first write
//
// # Assumptions
//
//   - Caller has set headers via SetTextStreamHeaders
type TextStreamWriter interface {
	// WriteText writes s and flushes. Empty strings are ignored.
	//
	// # Outputs
	//
	//   - error: Non-nil if the client is gone or the writer is closed.
	WriteText(s string) error

	// Close marks the writer closed. Later writes fail with ErrWriterClosed.
	// Called when the client disconnects so nothing more is written.
	Close()

	// BytesWritten returns the number of body bytes written so far.
	BytesWritten() int
}

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("text stream writer closed")

// =============================================================================
// Struct Definition
// =============================================================================

// textStreamWriter implements TextStreamWriter over http.ResponseWriter.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher for immediate send
//   - closed: Set by Close; blocks further writes
//   - written: Body bytes written
//   - mu: Guards all fields
type textStreamWriter struct {
	writer  io.Writer
	flusher http.Flusher
	closed  bool
	written int
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewTextStreamWriter creates a TextStreamWriter for w.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - TextStreamWriter: Ready to write.
//   - error: Non-nil if w does not support flushing.
//
// # Examples
//
//	writer, err := NewTextStreamWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	SetTextStreamHeaders(w)
//	_ = writer.WriteText("Hello")
func NewTextStreamWriter(w http.ResponseWriter) (TextStreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &textStreamWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteText writes s and flushes immediately.
func (w *textStreamWriter) WriteText(s string) error {
	if s == "" {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	n, err := io.WriteString(w.writer, s)
	w.written += n
	if err != nil {
		return fmt.Errorf("failed to write text: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// Close marks the writer closed.
func (w *textStreamWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

// BytesWritten returns the number of body bytes written.
func (w *textStreamWriter) BytesWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// =============================================================================
// Helper Functions
// =============================================================================

// StartTextStream commits a 200 plain-text response and returns its writer.
//
// The headers are only touched once w is known to support flushing, so a
// caller that gets an error can still answer with a JSON error body.
func StartTextStream(w http.ResponseWriter) (TextStreamWriter, error) {
	writer, err := NewTextStreamWriter(w)
	if err != nil {
		return nil, err
	}
	SetTextStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
	return writer, nil
}

// SetTextStreamHeaders configures response headers for a plain-text stream.
//
// # Description
//
// Sets:
//   - Content-Type: text/plain; charset=utf-8
//   - Cache-Control: no-cache, no-transform
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disable nginx buffering)
//
// # Assumptions
//
//   - Called before any body write
func SetTextStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
