// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/femiora/ora-gateway/pkg/companion"
	"github.com/femiora/ora-gateway/pkg/ux"
	"github.com/femiora/ora-gateway/services/gateway/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway replies with reply, or with status and a JSON error.
type fakeGateway struct {
	reply  string
	status int
	errMsg string

	mu       sync.Mutex
	requests []map[string]json.RawMessage
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]json.RawMessage
	_ = json.Unmarshal(raw, &body)
	g.mu.Lock()
	g.requests = append(g.requests, body)
	g.mu.Unlock()

	if g.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(g.status)
		_ = json.NewEncoder(w).Encode(datatypes.ErrorResponse{Error: g.errMsg})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, g.reply)
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// =============================================================================
// ask
// =============================================================================

func TestAsk_StreamsReply(t *testing.T) {
	gw := &fakeGateway{reply: "That sounds heavy."}
	server := httptest.NewServer(gw)
	defer server.Close()

	out, err := execute(t, "", "--url", server.URL, "ask", "I'm", "exhausted")
	require.NoError(t, err)
	assert.Equal(t, "That sounds heavy.\n", out)

	require.Len(t, gw.requests, 1)
	assert.JSONEq(t, `"I'm exhausted"`, string(gw.requests[0]["message"]))
}

func TestAsk_SendsLogsFile(t *testing.T) {
	gw := &fakeGateway{reply: "ok\n"}
	server := httptest.NewServer(gw)
	defer server.Close()

	path := filepath.Join(t.TempDir(), "logs.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"mood":"low"},{"sleep":6}]`), 0o600))

	out, err := execute(t, "", "--url", server.URL, "--logs", path, "ask", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
	assert.JSONEq(t, `[{"mood":"low"},{"sleep":6}]`, string(gw.requests[0]["recentLogs"]))
}

func TestAsk_ShowsServerError(t *testing.T) {
	gw := &fakeGateway{status: http.StatusBadRequest, errMsg: "Message is too long."}
	server := httptest.NewServer(gw)
	defer server.Close()

	out, err := execute(t, "", "--url", server.URL, "ask", "x")
	require.Error(t, err)
	assert.Contains(t, out, "Message is too long.")
}

func TestAsk_RequiresMessage(t *testing.T) {
	_, err := execute(t, "", "ask")
	assert.Error(t, err)
}

func TestAsk_BadLogsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"an array"}`), 0o600))

	_, err := execute(t, "", "--logs", path, "ask", "hi")
	assert.Error(t, err)
}

// =============================================================================
// chat
// =============================================================================

func TestChat_ConversationCarriesHistory(t *testing.T) {
	gw := &fakeGateway{reply: "Hi there"}
	server := httptest.NewServer(gw)
	defer server.Close()

	out, err := execute(t, "hello\n\nhow are you\n/quit\n", "--url", server.URL, "chat")
	require.NoError(t, err)

	assert.Contains(t, out, "You: Ora: Hi there\n")
	require.Len(t, gw.requests, 2, "blank lines are skipped")

	var history []datatypes.ChatMessage
	require.NoError(t, json.Unmarshal(gw.requests[1]["history"], &history))
	assert.Equal(t, []datatypes.ChatMessage{
		{Role: "user", Text: "hello"},
		{Role: "model", Text: "Hi there"},
	}, history)
}

func TestChat_ErrorKeepsSessionUsable(t *testing.T) {
	gw := &fakeGateway{status: http.StatusInternalServerError, errMsg: "Server is missing OPENROUTER_API_KEY."}
	server := httptest.NewServer(gw)
	defer server.Close()

	out, err := execute(t, "one\ntwo\n", "--url", server.URL, "chat")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "Server is missing OPENROUTER_API_KEY."))
}

// =============================================================================
// replyPrinter
// =============================================================================

func TestReplyPrinter_PrintsOnlyNewText(t *testing.T) {
	var buf bytes.Buffer
	rp := &replyPrinter{printer: ux.NewPlainPrinter(&buf)}

	tr := companion.NewTranscript().BeginTurn("q")
	rp.observe(tr)
	tr = tr.GrowLast("Hel")
	rp.observe(tr)
	rp.observe(tr)
	tr = tr.GrowLast("lo")
	rp.observe(tr)
	rp.observe(tr.Commit())
	rp.finish("Hello")

	assert.Equal(t, "Hello\n", buf.String())
}
