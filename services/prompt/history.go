// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompt

import "github.com/femiora/ora-gateway/services/gateway/datatypes"

// MapHistory converts the client transcript into upstream role/content pairs.
//
// # Description
//
// Keeps the most recent datatypes.MaxHistoryMessages entries, then drops
// entries whose text is empty or whitespace. The window is taken before
// filtering, so the result never exceeds the limit. "user" stays "user";
// every other role ("model", "assistant", unknown) becomes "assistant".
// Text is passed through untrimmed.
//
// # Inputs
//
//   - history: Prior turns, most recent last. May be nil.
//
// # Outputs
//
//   - []datatypes.Message: Mapped turns, never containing empty content.
func MapHistory(history []datatypes.ChatMessage) []datatypes.Message {
	if len(history) > datatypes.MaxHistoryMessages {
		history = history[len(history)-datatypes.MaxHistoryMessages:]
	}

	mapped := make([]datatypes.Message, 0, len(history))
	for _, m := range history {
		if m.IsEmpty() {
			continue
		}
		role := datatypes.RoleAssistant
		if m.Role == datatypes.RoleUser {
			role = datatypes.RoleUser
		}
		mapped = append(mapped, datatypes.Message{Role: role, Content: m.Text})
	}
	return mapped
}
