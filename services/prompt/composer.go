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

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/femiora/ora-gateway/services/gateway/datatypes"
)

// maxSources caps how many source records are rendered into the lab block.
const maxSources = 5

// =============================================================================
// Composer
// =============================================================================

// Composer builds the system blocks of a prompt bundle.
//
// # Description
//
// Composer is a pure function of its inputs. It always emits the persona
// block, with the user's recent logs embedded verbatim as JSON, and adds the
// lab-literacy block only when asked to. It never summarizes or rewrites
// the logs.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Composer struct {
	content Content
}

// NewComposer creates a Composer over the given content.
func NewComposer(content Content) *Composer {
	return &Composer{content: content}
}

// Compose returns the ordered system blocks for one turn.
//
// # Description
//
// The first block is always the persona block. When labIntent is true a
// second block follows. That block opens with the mandated disclaimer
// instruction. With sources it adds citation rules and a SOURCES section.
// With no sources it carries the no-sources marker and no citation tags.
//
// # Inputs
//
//   - recentLogs: Opaque log entries, most recent last. Only the last
//     datatypes.MaxRecentLogs are embedded.
//   - labIntent: Classifier result for the current message.
//   - sources: Augmenter output. nil or empty means "no sources".
//
// # Outputs
//
//   - []datatypes.Message: One or two system messages.
//
// # Examples
//
//	blocks := composer.Compose(req.RecentLogs, false, nil)
//	// len(blocks) == 1
func (c *Composer) Compose(recentLogs []json.RawMessage, labIntent bool, sources []datatypes.SourceRecord) []datatypes.Message {
	blocks := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: c.PersonaBlock(recentLogs)},
	}
	if labIntent {
		blocks = append(blocks, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: c.LabBlock(sources),
		})
	}
	return blocks
}

// Bundle assembles the full upstream message list for one turn.
//
// Order is fixed: system blocks, mapped history, then the current user
// message. Boundary rules must reach the model before conversation content.
func (c *Composer) Bundle(system, history []datatypes.Message, message string) []datatypes.Message {
	bundle := make([]datatypes.Message, 0, len(system)+len(history)+1)
	bundle = append(bundle, system...)
	bundle = append(bundle, history...)
	bundle = append(bundle, datatypes.Message{Role: datatypes.RoleUser, Content: message})
	return bundle
}

// PersonaBlock renders the fixed persona block with the log window appended.
func (c *Composer) PersonaBlock(recentLogs []json.RawMessage) string {
	lines := make([]string, 0, len(c.content.Persona)+3)
	lines = append(lines, c.content.Persona...)
	lines = append(lines, "", c.content.LogsHeading, serializeLogs(recentLogs))
	return strings.Join(lines, "\n")
}

// LabBlock renders the lab-literacy addendum.
func (c *Composer) LabBlock(sources []datatypes.SourceRecord) string {
	lab := c.content.Lab

	lines := make([]string, 0, len(lab.Rules)+3)
	lines = append(lines, lab.Heading, lab.DisclaimerRule+lab.Disclaimer)
	lines = append(lines, lab.Rules...)

	if len(sources) == 0 {
		lines = append(lines, lab.NoSourcesRule)
		return strings.Join(lines, "\n") + "\n\n" + lab.NoSourcesMarker
	}

	lines = append(lines, lab.CiteRule)
	return strings.Join(lines, "\n") + "\n\n" + lab.SourcesHeading + "\n" + SourcesBlock(sources)
}

// SourcesBlock renders source records the way the model is told to cite them.
//
// Each record becomes "S1 | title | url" followed by a snippet line; records
// are separated by a blank line. At most five records are rendered.
func SourcesBlock(sources []datatypes.SourceRecord) string {
	if len(sources) > maxSources {
		sources = sources[:maxSources]
	}
	parts := make([]string, 0, len(sources))
	for _, s := range sources {
		parts = append(parts, fmt.Sprintf("%s | %s | %s\nSnippet: %s", s.ID, s.Title, s.URL, s.Snippet))
	}
	return strings.Join(parts, "\n\n")
}

// serializeLogs embeds the last MaxRecentLogs entries as a JSON array.
//
// Entries are raw JSON and are written as-is. An entry that is not valid
// JSON would corrupt the array, so it is dropped; an empty window renders
// as "[]".
func serializeLogs(recentLogs []json.RawMessage) string {
	if len(recentLogs) > datatypes.MaxRecentLogs {
		recentLogs = recentLogs[len(recentLogs)-datatypes.MaxRecentLogs:]
	}

	valid := make([]json.RawMessage, 0, len(recentLogs))
	for _, entry := range recentLogs {
		if json.Valid(entry) {
			valid = append(valid, entry)
		}
	}

	out, err := json.Marshal(valid)
	if err != nil {
		return "[]"
	}
	return string(out)
}
