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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/femiora/ora-gateway/services/gateway/datatypes"
	"github.com/google/uuid"
)

// DefaultChatPath is the relay route used by the companion app.
const DefaultChatPath = "/api/ora/chat"

// readChunkSize is the size of each body read.
const readChunkSize = 4096

// maxErrorBodyBytes bounds how much of a failed response is read.
const maxErrorBodyBytes = 4096

// UserFacingError is shown in place of a reply when a turn fails and the
// server gave no message of its own.
const UserFacingError = "Ora couldn't respond. Please try again."

var (
	// ErrTurnCancelled is returned when a turn is aborted, either by the
	// caller or by a newer turn superseding it.
	ErrTurnCancelled = errors.New("turn cancelled")

	// ErrEmptyReply is returned when the relay answered 200 with no text.
	ErrEmptyReply = errors.New("empty reply")

	// ErrNetwork wraps transport and mid-stream read failures.
	ErrNetwork = errors.New("network error")
)

// StatusError is returned for a non-2xx relay response.
type StatusError struct {
	StatusCode int

	// Message is the server's {"error": ...} text when present.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("relay returned %d", e.StatusCode)
}

// UserMessage turns a turn error into the string shown to the user.
//
// The relay's own client-facing message is used when it sent one;
// everything else collapses to UserFacingError.
func UserMessage(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		return statusErr.Message
	}
	return UserFacingError
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL of the gateway, for example "http://localhost:3001". Required.
	BaseURL string

	// Path overrides DefaultChatPath.
	Path string

	// HTTPClient is optional. It must not set an overall Timeout shorter
	// than a reply can take to stream.
	HTTPClient *http.Client

	// Logger is optional; nil uses slog.Default().
	Logger *slog.Logger
}

// Client sends chat turns to the relay and reads the streamed reply.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no per-turn state.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	path := cfg.Path
	if path == "" {
		path = DefaultChatPath
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + path,
		httpClient: httpClient,
		logger:     logger,
	}
}

// StreamTurn posts one turn and streams the reply.
//
// # Description
//
// History is trimmed to the last datatypes.MaxHistoryMessages entries and
// recent logs to the last datatypes.MaxRecentLogs before sending. The body
// is read incrementally; each chunk is decoded as UTF-8 with multi-byte
// sequences that straddle a read boundary carried to the next read, and
// passed to onChunk in arrival order.
//
// # Inputs
//
//   - ctx: Cancelling it aborts the request and closes the connection.
//   - req: The turn. Message is sent as given; the relay validates it.
//   - onChunk: Called for every non-empty decoded chunk. An error stops
//     the read and is returned.
//
// # Outputs
//
//   - string: The full reply text received.
//   - error: ErrTurnCancelled, *StatusError, or an ErrNetwork wrap.
//
// # Examples
//
//	reply, err := client.StreamTurn(ctx, datatypes.ChatTurnRequest{Message: "hi"},
//	    func(chunk string) error {
//	        fmt.Print(chunk)
//	        return nil
//	    })
func (c *Client) StreamTurn(ctx context.Context, req datatypes.ChatTurnRequest,
	onChunk func(string) error) (string, error) {

	requestID := uuid.New().String()
	logger := c.logger.With("request_id", requestID)

	if len(req.History) > datatypes.MaxHistoryMessages {
		req.History = req.History[len(req.History)-datatypes.MaxHistoryMessages:]
	}
	if len(req.RecentLogs) > datatypes.MaxRecentLogs {
		req.RecentLogs = req.RecentLogs[len(req.RecentLogs)-datatypes.MaxRecentLogs:]
	}
	if req.History == nil {
		req.History = []datatypes.ChatMessage{}
	}
	if req.RecentLogs == nil {
		req.RecentLogs = []json.RawMessage{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	logger.Debug("sending chat turn",
		"message_length", len(req.Message),
		"history_length", len(req.History),
		"recent_logs", len(req.RecentLogs),
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrTurnCancelled
		}
		logger.Warn("chat request failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debug("failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := readStatusError(resp)
		logger.Warn("relay rejected chat turn", "status_code", resp.StatusCode, "error", statusErr.Message)
		return "", statusErr
	}

	reply, err := c.readReply(ctx, resp.Body, onChunk)
	if err != nil {
		if ctx.Err() != nil {
			return reply, ErrTurnCancelled
		}
		logger.Warn("chat stream interrupted", "error", err, "received_bytes", len(reply))
		return reply, err
	}

	logger.Debug("chat turn completed", "reply_length", len(reply))
	return reply, nil
}

// readReply reads body to EOF, forwarding decoded text.
func (c *Client) readReply(ctx context.Context, body io.Reader, onChunk func(string) error) (string, error) {
	var reply strings.Builder
	decoder := &utf8StreamDecoder{}
	buf := make([]byte, readChunkSize)

	forward := func(text string) error {
		if text == "" {
			return nil
		}
		reply.WriteString(text)
		if onChunk != nil {
			return onChunk(text)
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return reply.String(), err
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := forward(decoder.Decode(buf[:n])); err != nil {
				return reply.String(), err
			}
		}
		if errors.Is(readErr, io.EOF) {
			if err := forward(decoder.Flush()); err != nil {
				return reply.String(), err
			}
			return reply.String(), nil
		}
		if readErr != nil {
			return reply.String(), fmt.Errorf("%w: %v", ErrNetwork, readErr)
		}
	}
}

// readStatusError builds a StatusError, using the relay's JSON error text
// when the body has one.
func readStatusError(resp *http.Response) *StatusError {
	statusErr := &StatusError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return statusErr
	}
	var payload datatypes.ErrorResponse
	if json.Unmarshal(raw, &payload) == nil {
		statusErr.Message = strings.TrimSpace(payload.Error)
	}
	return statusErr
}

// =============================================================================
// UTF-8 Stream Decoding
// =============================================================================

// utf8StreamDecoder turns a byte stream into valid UTF-8 text chunks.
//
// An incomplete multi-byte sequence at the end of a chunk is held back
// until the next chunk completes it. Bytes that can never form a valid
// sequence become U+FFFD.
type utf8StreamDecoder struct {
	carry []byte
}

// Decode returns the text that is complete after appending chunk.
func (d *utf8StreamDecoder) Decode(chunk []byte) string {
	data := append(d.carry, chunk...)
	cut := incompleteTail(data)
	d.carry = append([]byte(nil), data[cut:]...)
	return strings.ToValidUTF8(string(data[:cut]), "�")
}

// Flush returns whatever is still held, replacing invalid bytes.
func (d *utf8StreamDecoder) Flush() string {
	rest := d.carry
	d.carry = nil
	return strings.ToValidUTF8(string(rest), "�")
}

// incompleteTail returns the index where a trailing incomplete UTF-8
// sequence starts, or len(data) when there is none.
func incompleteTail(data []byte) int {
	// A sequence is at most utf8.UTFMax bytes, so only the last three bytes
	// can begin an unfinished one.
	for i := len(data) - 1; i >= 0 && i >= len(data)-(utf8.UTFMax-1); i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if utf8.FullRune(data[i:]) {
			return len(data)
		}
		return i
	}
	return len(data)
}
