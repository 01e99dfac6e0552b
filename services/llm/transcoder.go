// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// =============================================================================
// Stream Outcome
// =============================================================================

// StreamOutcome describes how an upstream stream ended.
type StreamOutcome int

const (
	// OutcomeTerminatedByMarker means the upstream sent the [DONE] frame.
	OutcomeTerminatedByMarker StreamOutcome = iota

	// OutcomeTerminatedByEOF means the body ended without a [DONE] frame.
	OutcomeTerminatedByEOF

	// OutcomeAborted means the turn context was cancelled or the downstream
	// writer failed. Nothing more may be written to the client.
	OutcomeAborted

	// OutcomeUpstreamError means the upstream body failed mid-read.
	OutcomeUpstreamError
)

// String returns the metric/log label for the outcome.
func (o StreamOutcome) String() string {
	switch o {
	case OutcomeTerminatedByMarker:
		return "done_marker"
	case OutcomeTerminatedByEOF:
		return "eof"
	case OutcomeAborted:
		return "aborted"
	case OutcomeUpstreamError:
		return "upstream_error"
	default:
		return "unknown"
	}
}

// =============================================================================
// Transcoder
// =============================================================================

const (
	dataPrefix  = "data:"
	doneMarker  = "[DONE]"
	readBufSize = 4096
)

// Transcoder turns an OpenAI-style SSE byte stream into plain text deltas.
//
// # Description
//
// Transcoder is an explicit line parser. Bytes are appended to a carry-over
// buffer; every complete line is consumed and any partial tail is kept for
// the next Feed. The sequence of deltas therefore does not depend on how the
// stream was split into reads.
//
// For each line:
//   - surrounding whitespace (including a trailing \r) is trimmed
//   - lines not starting with "data:" are ignored (SSE comments, event names)
//   - an empty payload is ignored
//   - "[DONE]" ends the stream
//   - any other payload is a chat completion chunk; its first choice's
//     delta content is the output. Empty content is skipped.
//
// A payload that is not valid JSON is counted and skipped. It never stops
// the stream.
//
// # Thread Safety
//
// Not safe for concurrent use. One Transcoder serves one stream.
//
// # Examples
//
//	tc := llm.NewTranscoder(nil)
//	deltas, done := tc.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n"))
//	// deltas == []string{"Hi"}, done == false
type Transcoder struct {
	buf       []byte
	done      bool
	malformed int
	logger    *slog.Logger
}

// NewTranscoder creates a Transcoder. A nil logger uses slog.Default().
func NewTranscoder(logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{logger: logger}
}

// Feed consumes one chunk of the upstream body.
//
// # Outputs
//
//   - []string: Deltas extracted from the complete lines in chunk, in order.
//   - bool: True once the [DONE] frame has been seen. Further input is
//     ignored after that.
func (t *Transcoder) Feed(chunk []byte) ([]string, bool) {
	if t.done {
		return nil, true
	}
	t.buf = append(t.buf, chunk...)

	var deltas []string
	consumed := 0
	for {
		i := bytes.IndexByte(t.buf[consumed:], '\n')
		if i < 0 {
			break
		}
		line := t.buf[consumed : consumed+i]
		consumed += i + 1

		delta, stop := t.processLine(line)
		if stop {
			t.done = true
			t.buf = nil
			return deltas, true
		}
		if delta != "" {
			deltas = append(deltas, delta)
		}
	}

	// Keep only the unterminated tail.
	t.buf = append(t.buf[:0], t.buf[consumed:]...)
	return deltas, false
}

// Flush processes a final line that arrived without a trailing newline.
func (t *Transcoder) Flush() ([]string, bool) {
	if t.done || len(t.buf) == 0 {
		return nil, t.done
	}
	line := t.buf
	t.buf = nil

	delta, stop := t.processLine(line)
	if stop {
		t.done = true
		return nil, true
	}
	if delta == "" {
		return nil, false
	}
	return []string{delta}, false
}

// Malformed returns how many data frames could not be parsed.
func (t *Transcoder) Malformed() int {
	return t.malformed
}

// processLine extracts the delta from one line.
func (t *Transcoder) processLine(raw []byte) (string, bool) {
	line := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return "", false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return "", false
	}
	if string(payload) == doneMarker {
		return "", true
	}

	var frame openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.malformed++
		t.logger.Debug("skipping malformed stream frame", "error", err)
		return "", false
	}
	if len(frame.Choices) == 0 {
		t.logFrameError(payload)
		return "", false
	}
	return frame.Choices[0].Delta.Content, false
}

// logFrameError reports an error object embedded in a frame. The frame is
// otherwise treated as empty.
func (t *Transcoder) logFrameError(payload []byte) {
	var envelope struct {
		Error *struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(payload, &envelope) == nil && envelope.Error != nil {
		t.logger.Warn("upstream reported an error inside the stream",
			"message", envelope.Error.Message,
			"code", envelope.Error.Code,
		)
	}
}

// =============================================================================
// Driving Loop
// =============================================================================

// Transcode reads r to completion, forwarding every delta to emit.
//
// # Description
//
// Each read is fed to the Transcoder and the resulting deltas are passed to
// emit immediately and in order. Nothing is coalesced. The loop ends when:
//   - the [DONE] frame arrives (OutcomeTerminatedByMarker)
//   - r reports io.EOF (OutcomeTerminatedByEOF, after flushing a final
//     unterminated line)
//   - ctx is cancelled or emit fails (OutcomeAborted)
//   - r fails (OutcomeUpstreamError)
//
// # Inputs
//
//   - ctx: Turn context. Checked before every read and every emit.
//   - r: Upstream body.
//   - emit: Downstream sink. A non-nil error aborts the stream.
//
// # Outputs
//
//   - StreamOutcome: How the stream ended.
//   - error: Non-nil for OutcomeAborted and OutcomeUpstreamError.
//
// # Limitations
//
//   - A Read blocked inside r is only interrupted if r observes ctx. The
//     upstream client binds the request to ctx, which closes the body.
func (t *Transcoder) Transcode(ctx context.Context, r io.Reader, emit func(string) error) (StreamOutcome, error) {
	forward := func(deltas []string) error {
		for _, d := range deltas {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(d); err != nil {
				return fmt.Errorf("downstream write failed: %w", err)
			}
		}
		return nil
	}

	buf := make([]byte, readBufSize)
	for {
		if err := ctx.Err(); err != nil {
			return OutcomeAborted, err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			deltas, done := t.Feed(buf[:n])
			if err := forward(deltas); err != nil {
				return OutcomeAborted, err
			}
			if done {
				return OutcomeTerminatedByMarker, nil
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			deltas, done := t.Flush()
			if err := forward(deltas); err != nil {
				return OutcomeAborted, err
			}
			if done {
				return OutcomeTerminatedByMarker, nil
			}
			return OutcomeTerminatedByEOF, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeAborted, ctxErr
		}
		return OutcomeUpstreamError, fmt.Errorf("upstream read failed: %w", readErr)
	}
}
