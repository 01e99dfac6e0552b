// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/femiora/ora-gateway/services/gateway/config"
	"github.com/femiora/ora-gateway/services/prompt"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		OpenRouterModel:   "test/model",
		OpenRouterBaseURL: "http://127.0.0.1:1",
		AppURL:            "http://localhost",
		AppTitle:          "Femiora",
		SearchTimeout:     time.Second,
		Port:              "0",
		GinMode:           gin.TestMode,
		ShutdownTimeout:   time.Second,
		LogFormat:         "json",
	}
}

// =============================================================================
// New Tests
// =============================================================================

func TestNew_NilConfig(t *testing.T) {
	_, err := New(nil, prompt.DefaultContent(), nil)
	assert.Error(t, err)
}

func TestNew_RequireUpstreamKey(t *testing.T) {
	cfg := testConfig()
	cfg.RequireUpstreamKey = true

	_, err := New(cfg, prompt.DefaultContent(), nil)
	assert.ErrorIs(t, err, config.ErrMissingUpstreamKey)

	cfg.OpenRouterAPIKey = "sk-test"
	_, err = New(cfg, prompt.DefaultContent(), nil)
	assert.NoError(t, err)
}

func TestNew_RegistersRoutes(t *testing.T) {
	svc, err := New(testConfig(), prompt.DefaultContent(), nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "metrics disabled in this config")
}

func TestNew_MissingKeyRejectsTurns(t *testing.T) {
	svc, err := New(testConfig(), prompt.DefaultContent(), nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ora/chat", strings.NewReader(`{"message":"hi"}`))
	svc.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Server is missing OPENROUTER_API_KEY."}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

// TestNew_UnreachableUpstreamSendsFallback points the upstream at a closed
// port so the stream never opens.
func TestNew_UnreachableUpstreamSendsFallback(t *testing.T) {
	cfg := testConfig()
	cfg.OpenRouterAPIKey = "sk-test"

	svc, err := New(cfg, prompt.DefaultContent(), nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	svc.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ora hit a network issue. Please try again.\n", w.Body.String())
}

func TestNew_EndToEndWithUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hi", " there"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.OpenRouterAPIKey = "sk-test"
	cfg.OpenRouterBaseURL = upstream.URL

	svc, err := New(cfg, prompt.DefaultContent(), nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ora/chat", strings.NewReader(`{"message":"hello"}`))
	svc.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hi there", w.Body.String())
}

// TestNew_UpstreamDropsMidStreamSendsFallback opens a 200 SSE stream that
// carries only a comment and then loses its connection.
func TestNew_UpstreamDropsMidStreamSendsFallback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": OPENROUTER PROCESSING\n\n")
		w.(http.Flusher).Flush()

		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack failed: %v", err)
			return
		}
		_ = conn.Close()
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.OpenRouterAPIKey = "sk-test"
	cfg.OpenRouterBaseURL = upstream.URL

	svc, err := New(cfg, prompt.DefaultContent(), nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ora/chat", strings.NewReader(`{"message":"hello"}`))
	svc.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ora hit a network issue. Please try again.\n", w.Body.String())
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_StopsOnContextCancel(t *testing.T) {
	svc, err := New(testConfig(), prompt.DefaultContent(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Port = "not-a-port"

	svc, err := New(cfg, prompt.DefaultContent(), nil)
	require.NoError(t, err)

	err = svc.Run(context.Background())
	assert.Error(t, err)
}
