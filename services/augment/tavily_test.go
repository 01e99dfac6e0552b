// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package augment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

var testDomains = []string{"medlineplus.gov", "nhs.uk"}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client := NewClient(Config{
		APIKey:         "tvly-test",
		BaseURL:        server.URL,
		Timeout:        2 * time.Second,
		QueryPrefix:    "Explain this lab test in general terms: ",
		IncludeDomains: testDomains,
	}, nil)
	return client, &calls
}

// =============================================================================
// Tests
// =============================================================================

func TestAugment_RequestShape(t *testing.T) {
	t.Parallel()

	var got searchRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer tvly-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"results":[{"title":"FSH","url":"https://medlineplus.gov/fsh","content":"about fsh"}]}`))
	})

	sources := client.Augment(context.Background(), "my FSH is 30")

	require.Len(t, sources, 1)
	assert.Equal(t, "S1", sources[0].ID)
	assert.Equal(t, "Explain this lab test in general terms: my FSH is 30", got.Query)
	assert.Equal(t, "basic", got.SearchDepth)
	assert.Equal(t, 5, got.MaxResults)
	assert.False(t, got.IncludeAnswer)
	assert.False(t, got.IncludeRawContent)
	assert.Equal(t, "general", got.Topic)
	assert.Equal(t, testDomains, got.IncludeDomains)
}

func TestAugment_FiltersAndNumbersByPosition(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 700)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"title": "", "url": "https://nhs.uk/a"},
				{"title": " B ", "url": " https://nhs.uk/b ", "content": long},
				{"title": "C", "url": ""},
				{"title": "D", "url": "https://nhs.uk/d", "content": " d "},
				{"title": "E", "url": "https://nhs.uk/e"},
				{"title": "F", "url": "https://nhs.uk/f"},
			},
		})
	})

	sources := client.Augment(context.Background(), "tsh")

	require.Len(t, sources, 3)
	assert.Equal(t, "S2", sources[0].ID)
	assert.Equal(t, "B", sources[0].Title)
	assert.Equal(t, "https://nhs.uk/b", sources[0].URL)
	assert.Len(t, sources[0].Snippet, 500)
	assert.Equal(t, "S4", sources[1].ID)
	assert.Equal(t, "d", sources[1].Snippet)
	assert.Equal(t, "S5", sources[2].ID)
}

func TestAugment_DegradesToNil(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"detail":"boom"}`))
		}},
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}},
		{"zero results", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"results":[]}`))
		}},
		{"no usable results", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"results":[{"title":"only title"}]}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, calls := newTestClient(t, tt.handler)
			assert.Nil(t, client.Augment(context.Background(), "ferritin"))
			assert.Equal(t, int32(1), atomic.LoadInt32(calls))
		})
	}
}

func TestAugment_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(Config{APIKey: "k", BaseURL: server.URL, Timeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	assert.Nil(t, client.Augment(context.Background(), "tsh"))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAugment_CancelledContext(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"title":"t","url":"u"}]}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, client.Augment(ctx, "tsh"))
}

func TestAugment_DisabledWithoutKey(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "  ", BaseURL: server.URL}, nil)

	assert.False(t, client.Enabled())
	assert.Nil(t, client.Augment(context.Background(), "tsh"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
