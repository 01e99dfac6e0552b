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
	"sync"
	"testing"
	"time"

	"github.com/femiora/ora-gateway/services/gateway/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStreamer emits Chunks then returns Err. When Hold is set, the first
// call blocks after its first chunk until its context ends.
type fakeStreamer struct {
	Chunks []string
	Err    error
	Hold   bool

	mu       sync.Mutex
	requests []datatypes.ChatTurnRequest
	started  chan struct{}
}

func (f *fakeStreamer) StreamTurn(ctx context.Context, req datatypes.ChatTurnRequest,
	onChunk func(string) error) (string, error) {

	f.mu.Lock()
	f.requests = append(f.requests, req)
	first := len(f.requests) == 1
	f.mu.Unlock()

	reply := ""
	for _, c := range f.Chunks {
		if err := onChunk(c); err != nil {
			return reply, err
		}
		reply += c
		if f.Hold && first {
			close(f.started)
			<-ctx.Done()
			return reply, ErrTurnCancelled
		}
	}
	return reply, f.Err
}

func (f *fakeStreamer) Requests() []datatypes.ChatTurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datatypes.ChatTurnRequest(nil), f.requests...)
}

// recorder collects published snapshots.
type recorder struct {
	mu        sync.Mutex
	snapshots []Transcript
}

func (r *recorder) observe(t Transcript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, t)
}

func (r *recorder) all() []Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transcript(nil), r.snapshots...)
}

func TestSession_SuccessfulTurn(t *testing.T) {
	t.Parallel()

	streamer := &fakeStreamer{Chunks: []string{"That ", "sounds ", "hard."}}
	prior := []datatypes.ChatMessage{msg("user", "hi"), msg("model", "hello")}
	session := NewSession(streamer, prior, nil)
	rec := &recorder{}
	session.OnUpdate(rec.observe)

	logs := []json.RawMessage{json.RawMessage(`{"mood":"low"}`)}
	reply, err := session.Send(context.Background(), "rough day", logs)
	require.NoError(t, err)
	assert.Equal(t, "That sounds hard.", reply)

	final := session.Transcript()
	assert.False(t, final.Pending())
	assert.Equal(t, []datatypes.ChatMessage{
		msg("user", "hi"),
		msg("model", "hello"),
		msg("user", "rough day"),
		msg("model", "That sounds hard."),
	}, final.Entries())

	reqs := streamer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "rough day", reqs[0].Message)
	assert.Equal(t, prior, reqs[0].History, "history is the transcript before this turn")
	assert.Equal(t, logs, reqs[0].RecentLogs)

	// begin, three chunks, commit
	snaps := rec.all()
	require.Len(t, snaps, 5)
	assert.Equal(t, 4, snaps[0].Len())
	last, _ := snaps[0].Last()
	assert.Equal(t, "", last.Text)
	for i, want := range []string{"That ", "That sounds ", "That sounds hard."} {
		last, _ := snaps[i+1].Last()
		assert.Equal(t, want, last.Text)
		assert.Equal(t, 4, snaps[i+1].Len(), "placeholder grows in place")
	}
}

func TestSession_FailureRollsBack(t *testing.T) {
	t.Parallel()

	streamer := &fakeStreamer{Err: &StatusError{StatusCode: 500, Message: "Server is missing OPENROUTER_API_KEY."}}
	session := NewSession(streamer, nil, nil)

	_, err := session.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Equal(t, "Server is missing OPENROUTER_API_KEY.", UserMessage(err))

	tr := session.Transcript()
	assert.False(t, tr.Pending())
	assert.Equal(t, []datatypes.ChatMessage{msg("user", "hello")}, tr.Entries())
}

func TestSession_PartialThenFailureRollsBack(t *testing.T) {
	t.Parallel()

	streamer := &fakeStreamer{Chunks: []string{"par"}, Err: ErrNetwork}
	session := NewSession(streamer, nil, nil)

	_, err := session.Send(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, []datatypes.ChatMessage{msg("user", "hello")}, session.Transcript().Entries())
}

func TestSession_EmptyReplyRollsBack(t *testing.T) {
	t.Parallel()

	session := NewSession(&fakeStreamer{}, nil, nil)

	_, err := session.Send(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrEmptyReply)
	for _, e := range session.Transcript().Entries() {
		assert.NotEmpty(t, e.Text, "no empty entry may remain visible")
	}
}

func TestSession_NewTurnCancelsInFlight(t *testing.T) {
	t.Parallel()

	streamer := &fakeStreamer{
		Chunks:  []string{"slow"},
		Hold:    true,
		started: make(chan struct{}),
	}
	session := NewSession(streamer, nil, nil)

	firstErr := make(chan error, 1)
	go func() {
		_, err := session.Send(context.Background(), "first", nil)
		firstErr <- err
	}()
	<-streamer.started

	reply, err := session.Send(context.Background(), "second", nil)
	require.NoError(t, err)
	assert.Equal(t, "slow", reply)

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrTurnCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("first turn was not cancelled")
	}

	tr := session.Transcript()
	assert.False(t, tr.Pending())
	assert.Equal(t, []datatypes.ChatMessage{
		msg("user", "first"),
		msg("user", "second"),
		msg("model", "slow"),
	}, tr.Entries())
}

func TestSession_Cancel(t *testing.T) {
	t.Parallel()

	streamer := &fakeStreamer{
		Chunks:  []string{"slow"},
		Hold:    true,
		started: make(chan struct{}),
	}
	session := NewSession(streamer, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := session.Send(context.Background(), "q", nil)
		done <- err
	}()
	<-streamer.started
	session.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTurnCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not stop the turn")
	}
	assert.Equal(t, []datatypes.ChatMessage{msg("user", "q")}, session.Transcript().Entries())
}
