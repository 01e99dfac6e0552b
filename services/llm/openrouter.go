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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/femiora/ora-gateway/services/gateway/datatypes"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ora.llm")

const (
	// DefaultBaseURL is the OpenRouter API root.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultModel is used when no model is configured.
	DefaultModel = "anthropic/claude-3.5-sonnet"

	maxErrorBody = 4096
)

// OpenRouterConfig configures an OpenRouterClient.
type OpenRouterConfig struct {
	// APIKey is the bearer credential. Empty makes every call fail with
	// ErrMissingAPIKey.
	APIKey string

	// BaseURL overrides DefaultBaseURL.
	BaseURL string

	// Model overrides DefaultModel.
	Model string

	// AppURL and AppTitle are sent as the HTTP-Referer and X-Title
	// attribution headers.
	AppURL   string
	AppTitle string

	// HTTPClient is optional. It must not set a whole-request Timeout, since
	// streams are long lived; deadlines come from the turn context.
	HTTPClient *http.Client
}

// OpenRouterClient streams chat completions from an OpenRouter-compatible
// provider.
//
// # Description
//
// Requests use the OpenAI chat completion wire format with stream enabled.
// The response body is handed to a fresh Transcoder per call. The request is
// bound to the turn context, so cancelling the context closes the upstream
// connection and unblocks any pending read.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type OpenRouterClient struct {
	apiKey     string
	endpoint   string
	model      string
	appURL     string
	appTitle   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenRouterClient creates a streaming client.
//
// # Examples
//
//	client := llm.NewOpenRouterClient(llm.OpenRouterConfig{
//	    APIKey:   cfg.OpenRouterAPIKey,
//	    Model:    cfg.OpenRouterModel,
//	    AppURL:   cfg.AppURL,
//	    AppTitle: cfg.AppTitle,
//	}, logger)
func NewOpenRouterClient(cfg OpenRouterConfig, logger *slog.Logger) *OpenRouterClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenRouterClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		endpoint:   baseURL + "/chat/completions",
		model:      model,
		appURL:     cfg.AppURL,
		appTitle:   cfg.AppTitle,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Model returns the configured model identifier.
func (c *OpenRouterClient) Model() string {
	return c.model
}

// HasAPIKey reports whether a credential is configured.
func (c *OpenRouterClient) HasAPIKey() bool {
	return c.apiKey != ""
}

// ChatStream implements ChatStreamer.
func (c *OpenRouterClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, emit func(string) error) (StreamResult, error) {

	result := StreamResult{Outcome: OutcomeUpstreamError}
	if !c.HasAPIKey() {
		return result, ErrMissingAPIKey
	}

	ctx, span := tracer.Start(ctx, "OpenRouterClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	resp, err := c.open(ctx, messages, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Outcome = OutcomeAborted
			return result, ctxErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	defer resp.Body.Close()

	transcoder := NewTranscoder(c.logger)
	counted := func(delta string) error {
		if err := emit(delta); err != nil {
			return err
		}
		result.Deltas++
		return nil
	}

	outcome, err := transcoder.Transcode(ctx, resp.Body, counted)
	result.Outcome = outcome
	result.Malformed = transcoder.Malformed()
	span.SetAttributes(
		attribute.String("llm.outcome", outcome.String()),
		attribute.Int("llm.deltas", result.Deltas),
		attribute.Int("llm.malformed_frames", result.Malformed),
	)
	if err != nil && outcome == OutcomeUpstreamError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// open sends the request and returns a response ready for streaming.
func (c *OpenRouterClient) open(ctx context.Context, messages []datatypes.Message, params GenerationParams) (*http.Response, error) {
	payload := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAIMessages(messages),
		Temperature: params.Temperature,
		Stream:      true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.appURL != "" {
		req.Header.Set("HTTP-Referer", c.appURL)
	}
	if c.appTitle != "" {
		req.Header.Set("X-Title", c.appTitle)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("upstream request failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		c.logger.Error("upstream returned an error status",
			"status_code", resp.StatusCode,
			"response", strings.TrimSpace(string(detail)),
		)
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, fmt.Errorf("%w: empty response body", ErrUpstreamUnavailable)
	}
	return resp, nil
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
