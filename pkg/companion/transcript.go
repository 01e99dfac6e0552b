// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package companion is the client side of the Ora chat relay.
//
// It sends a turn, reads the plain-text reply as it streams, and keeps a
// visible transcript in which the assistant's in-progress reply grows in
// place:
//
//	Session.Send ──► Client.StreamTurn ──► POST /api/ora/chat
//	     │                  │
//	     ▼                  ▼ chunk
//	Transcript.BeginTurn   Transcript.GrowLast ──► OnUpdate(snapshot)
//	     │
//	     ▼ failure
//	Transcript.Rollback (no empty reply is ever left visible)
package companion

import (
	"github.com/femiora/ora-gateway/services/gateway/datatypes"
)

// Transcript is an ordered, immutable conversation log.
//
// # Description
//
// Every operation returns a new Transcript and leaves the receiver
// untouched, so a snapshot handed to a renderer never changes under it.
// While a turn is in progress the last entry is the assistant placeholder;
// there is never more than one, and it is always last.
//
// # Thread Safety
//
// Values are safe to share; they are never mutated.
type Transcript struct {
	entries []datatypes.ChatMessage
	pending bool
}

// NewTranscript returns a transcript holding entries, with no turn pending.
func NewTranscript(entries ...datatypes.ChatMessage) Transcript {
	return Transcript{entries: append([]datatypes.ChatMessage(nil), entries...)}
}

// Entries returns a copy of the entries, placeholder included.
func (t Transcript) Entries() []datatypes.ChatMessage {
	return append([]datatypes.ChatMessage(nil), t.entries...)
}

// Len returns the number of entries.
func (t Transcript) Len() int {
	return len(t.entries)
}

// Pending reports whether an assistant reply is in progress.
func (t Transcript) Pending() bool {
	return t.pending
}

// History returns the committed entries: everything except an in-progress
// placeholder.
func (t Transcript) History() []datatypes.ChatMessage {
	entries := t.entries
	if t.pending {
		entries = entries[:len(entries)-1]
	}
	return append([]datatypes.ChatMessage(nil), entries...)
}

// Last returns the last entry and whether there is one.
func (t Transcript) Last() (datatypes.ChatMessage, bool) {
	if len(t.entries) == 0 {
		return datatypes.ChatMessage{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// BeginTurn appends the user's message and an empty assistant placeholder
// in one step. A placeholder left from an earlier turn is rolled back first.
func (t Transcript) BeginTurn(message string) Transcript {
	base := t.Rollback()
	entries := make([]datatypes.ChatMessage, 0, len(base.entries)+2)
	entries = append(entries, base.entries...)
	entries = append(entries,
		datatypes.ChatMessage{Role: datatypes.RoleUser, Text: message},
		datatypes.ChatMessage{Role: datatypes.RoleModel, Text: ""},
	)
	return Transcript{entries: entries, pending: true}
}

// GrowLast appends delta to the placeholder. It is a no-op when no turn is
// pending.
func (t Transcript) GrowLast(delta string) Transcript {
	if !t.pending || delta == "" {
		return t
	}
	entries := t.Entries()
	last := len(entries) - 1
	entries[last].Text += delta
	return Transcript{entries: entries, pending: true}
}

// Commit ends the pending turn, keeping the reply.
func (t Transcript) Commit() Transcript {
	if !t.pending {
		return t
	}
	return Transcript{entries: t.entries, pending: false}
}

// Rollback removes the pending placeholder, whatever text it had gathered.
// The user's message stays. It is a no-op when no turn is pending.
func (t Transcript) Rollback() Transcript {
	if !t.pending {
		return t
	}
	n := len(t.entries) - 1
	return Transcript{entries: t.entries[:n:n], pending: false}
}
