// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package augment fetches reputable reference snippets for lab-literacy turns.
//
// # Description
//
// The augmenter performs one best-effort web search against a fixed allow-list
// of medical publishers and turns the results into short source records the
// model can cite. It never fails the turn: every failure degrades to "no
// sources" and is logged.
package augment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/femiora/ora-gateway/services/gateway/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ora.augment")

const (
	// DefaultBaseURL is the Tavily API root.
	DefaultBaseURL = "https://api.tavily.com"

	// DefaultTimeout bounds one search.
	DefaultTimeout = 8 * time.Second

	// maxResults is both the requested and the accepted result count.
	maxResults = 5

	// maxSnippetRunes caps each snippet.
	maxSnippetRunes = 500

	// maxErrorBody caps how much of an error body is read for logging.
	maxErrorBody = 2048
)

// Config configures a Client.
type Config struct {
	// APIKey is the Tavily key. Empty disables search.
	APIKey string

	// BaseURL overrides DefaultBaseURL (tests, proxies).
	BaseURL string

	// Timeout bounds one search. Zero means DefaultTimeout.
	Timeout time.Duration

	// QueryPrefix is prepended to the user message to form the query.
	QueryPrefix string

	// IncludeDomains is the publisher allow-list.
	IncludeDomains []string

	// HTTPClient is optional; a default client is used when nil.
	HTTPClient *http.Client
}

// Client is the context augmenter.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Client struct {
	apiKey         string
	searchURL      string
	timeout        time.Duration
	queryPrefix    string
	includeDomains []string
	httpClient     *http.Client
	logger         *slog.Logger
}

// searchRequest is the body of POST /search.
type searchRequest struct {
	Query             string   `json:"query"`
	SearchDepth       string   `json:"search_depth"`
	MaxResults        int      `json:"max_results"`
	IncludeAnswer     bool     `json:"include_answer"`
	IncludeRawContent bool     `json:"include_raw_content"`
	IncludeDomains    []string `json:"include_domains"`
	Topic             string   `json:"topic"`
}

// searchResponse is the subset of the search reply the augmenter reads.
type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// NewClient creates an augmenter.
//
// # Inputs
//
//   - cfg: Client configuration. An empty APIKey yields a client whose
//     Augment always returns nil.
//   - logger: Logger for degraded outcomes. nil uses slog.Default().
//
// # Outputs
//
//   - *Client: Ready to use.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		apiKey:         strings.TrimSpace(cfg.APIKey),
		searchURL:      baseURL + "/search",
		timeout:        timeout,
		queryPrefix:    cfg.QueryPrefix,
		includeDomains: append([]string(nil), cfg.IncludeDomains...),
		httpClient:     httpClient,
		logger:         logger,
	}
}

// Enabled reports whether a search key is configured.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// Augment looks up reference sources for message.
//
// # Description
//
// Sends a single search request restricted to the allow-listed domains and
// converts the first five results into SourceRecords. Records without a
// title or URL are dropped; IDs keep the original result position, so a
// dropped first result leaves "S2" as the first ID. Snippets are trimmed and
// capped at 500 characters.
//
// # Inputs
//
//   - ctx: Turn context. The search gets its own timeout on top of it, so a
//     client disconnect cancels the search as well.
//   - message: The validated user message.
//
// # Outputs
//
//   - []datatypes.SourceRecord: Up to five records, or nil when search is
//     disabled, fails, times out, or yields nothing usable.
//
// # Limitations
//
//   - No retries. One attempt per turn.
func (c *Client) Augment(ctx context.Context, message string) []datatypes.SourceRecord {
	if !c.Enabled() {
		return nil
	}

	ctx, span := tracer.Start(ctx, "augment.Search")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sources, err := c.search(ctx, c.queryPrefix+message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("reference search failed, continuing without sources", "error", err)
		return nil
	}
	span.SetAttributes(attribute.Int("augment.sources", len(sources)))
	if len(sources) == 0 {
		c.logger.Info("reference search returned no usable results")
		return nil
	}
	return sources
}

func (c *Client) search(ctx context.Context, query string) ([]datatypes.SourceRecord, error) {
	payload, err := json.Marshal(searchRequest{
		Query:             query,
		SearchDepth:       "basic",
		MaxResults:        maxResults,
		IncludeAnswer:     false,
		IncludeRawContent: false,
		IncludeDomains:    c.includeDomains,
		Topic:             "general",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.searchURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("search failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return toSources(decoded.Results), nil
}

// toSources converts raw results into source records.
func toSources(results []searchResult) []datatypes.SourceRecord {
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	var sources []datatypes.SourceRecord
	for i, r := range results {
		title := strings.TrimSpace(r.Title)
		url := strings.TrimSpace(r.URL)
		if title == "" || url == "" {
			continue
		}
		sources = append(sources, datatypes.SourceRecord{
			ID:      fmt.Sprintf("S%d", i+1),
			Title:   title,
			URL:     url,
			Snippet: truncateRunes(strings.TrimSpace(r.Content), maxSnippetRunes),
		})
	}
	return sources
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
