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

import "strings"

// Classifier detects requests to interpret laboratory test results.
//
// # Description
//
// Classifier lower-cases the message and checks it for any configured
// keyword or phrase as a plain substring. It is a heuristic gate: short
// markers such as "lh" can match inside unrelated words, and that is
// accepted. There is no failure mode.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Classifier struct {
	markers []string
}

// NewClassifier builds a Classifier from the intent markers in content.
//
// Markers are lower-cased once here. Blank markers are dropped, since an
// empty substring would match every message.
func NewClassifier(intent IntentContent) *Classifier {
	markers := make([]string, 0, len(intent.Keywords)+len(intent.Phrases))
	for _, group := range [][]string{intent.Keywords, intent.Phrases} {
		for _, m := range group {
			m = strings.ToLower(strings.TrimSpace(m))
			if m != "" {
				markers = append(markers, m)
			}
		}
	}
	return &Classifier{markers: markers}
}

// Classify reports whether message looks like a lab-interpretation request.
//
// # Examples
//
//	c := prompt.NewClassifier(prompt.DefaultContent().Intent)
//	c.Classify("my FSH came back at 30, is that normal?") // true
//	c.Classify("I slept badly again")                     // false
func (c *Classifier) Classify(message string) bool {
	text := strings.ToLower(message)
	for _, m := range c.markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
