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
	"testing"

	"github.com/femiora/ora-gateway/services/gateway/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(role, text string) datatypes.ChatMessage {
	return datatypes.ChatMessage{Role: role, Text: text}
}

func TestTranscript_BeginTurnAddsUserAndPlaceholder(t *testing.T) {
	t.Parallel()

	base := NewTranscript(msg("user", "hi"), msg("model", "hello"))
	next := base.BeginTurn("how are you")

	assert.Equal(t, 2, base.Len(), "receiver must not change")
	require.Equal(t, 4, next.Len())
	assert.True(t, next.Pending())
	assert.Equal(t, []datatypes.ChatMessage{
		msg("user", "hi"),
		msg("model", "hello"),
		msg("user", "how are you"),
		msg("model", ""),
	}, next.Entries())
}

func TestTranscript_GrowLastInPlace(t *testing.T) {
	t.Parallel()

	tr := NewTranscript().BeginTurn("q")
	a := tr.GrowLast("Hel")
	b := a.GrowLast("lo")

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, "Hello", last.Text)
	assert.Equal(t, 2, b.Len(), "placeholder grows, never re-created")

	last, _ = a.Last()
	assert.Equal(t, "Hel", last.Text, "earlier snapshot unchanged")
}

func TestTranscript_GrowLastWithoutPendingIsNoop(t *testing.T) {
	t.Parallel()

	tr := NewTranscript(msg("user", "hi"))
	assert.Equal(t, tr.Entries(), tr.GrowLast("x").Entries())
}

func TestTranscript_RollbackRemovesPlaceholderOnly(t *testing.T) {
	t.Parallel()

	tr := NewTranscript(msg("user", "hi")).BeginTurn("q").GrowLast("partial")
	rolled := tr.Rollback()

	assert.False(t, rolled.Pending())
	assert.Equal(t, []datatypes.ChatMessage{msg("user", "hi"), msg("user", "q")}, rolled.Entries())
	assert.Equal(t, rolled.Entries(), rolled.Rollback().Entries(), "second rollback is a no-op")
}

func TestTranscript_CommitKeepsReply(t *testing.T) {
	t.Parallel()

	tr := NewTranscript().BeginTurn("q").GrowLast("answer").Commit()

	assert.False(t, tr.Pending())
	assert.Equal(t, []datatypes.ChatMessage{msg("user", "q"), msg("model", "answer")}, tr.Entries())
	assert.Equal(t, tr.Entries(), tr.Rollback().Entries(), "committed reply cannot be rolled back")
}

func TestTranscript_BeginTurnReplacesStalePlaceholder(t *testing.T) {
	t.Parallel()

	tr := NewTranscript().BeginTurn("first").GrowLast("par").BeginTurn("second")

	assert.Equal(t, []datatypes.ChatMessage{
		msg("user", "first"),
		msg("user", "second"),
		msg("model", ""),
	}, tr.Entries())
}

func TestTranscript_HistoryExcludesPlaceholder(t *testing.T) {
	t.Parallel()

	tr := NewTranscript(msg("user", "hi")).BeginTurn("q")
	assert.Equal(t, []datatypes.ChatMessage{msg("user", "hi"), msg("user", "q")}, tr.History())
}

func TestTranscript_RollbackThenAppendDoesNotAlias(t *testing.T) {
	t.Parallel()

	tr := NewTranscript().BeginTurn("q").GrowLast("a")
	rolled := tr.Rollback()
	_ = rolled.BeginTurn("other")

	last, _ := tr.Last()
	assert.Equal(t, "a", last.Text)
}
