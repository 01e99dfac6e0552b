// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt builds everything the upstream model sees for a single turn.
//
// # Description
//
// The package holds the three pure pieces of the relay pipeline:
//
//   - Classifier: lexical gate for lab-result interpretation requests
//   - Composer: layered system prompt (persona block, optional lab block)
//   - MapHistory: client transcript to upstream role/content shape
//
// Wording and markers are data, loaded from an embedded YAML document that an
// operator may override with a file. Content is loaded once at startup and is
// never mutated afterwards, so a single Content value is safe to share across
// concurrent requests.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed content.yaml
var defaultContentYAML []byte

// =============================================================================
// Content Types
// =============================================================================

// Content is the full set of prompt wording and classifier markers.
//
// # Description
//
// Content mirrors content.yaml. Every field has an embedded default; an
// override document only needs to carry the fields it changes.
//
// # Thread Safety
//
// Read-only after LoadContent returns.
type Content struct {
	// Persona is the fixed persona/boundary block, one entry per line.
	Persona []string `yaml:"persona"`

	// LogsHeading precedes the serialized log window.
	LogsHeading string `yaml:"logs_heading"`

	// Lab holds the lab-literacy addendum wording.
	Lab LabContent `yaml:"lab"`

	// Intent holds the classifier markers.
	Intent IntentContent `yaml:"intent"`

	// Search holds the reference-lookup settings.
	Search SearchContent `yaml:"search"`
}

// LabContent is the wording of the lab-literacy addendum.
type LabContent struct {
	Heading         string   `yaml:"heading"`
	Disclaimer      string   `yaml:"disclaimer"`
	DisclaimerRule  string   `yaml:"disclaimer_rule"`
	Rules           []string `yaml:"rules"`
	CiteRule        string   `yaml:"cite_rule"`
	NoSourcesRule   string   `yaml:"no_sources_rule"`
	NoSourcesMarker string   `yaml:"no_sources_marker"`
	SourcesHeading  string   `yaml:"sources_heading"`
}

// IntentContent lists the lexical markers for lab intent.
//
// Keywords and phrases are matched identically (case-insensitive substring);
// they are kept apart only so operators can reason about them separately.
type IntentContent struct {
	Keywords []string `yaml:"keywords"`
	Phrases  []string `yaml:"phrases"`
}

// SearchContent configures the reference lookup.
type SearchContent struct {
	QueryPrefix    string   `yaml:"query_prefix"`
	IncludeDomains []string `yaml:"include_domains"`
}

// =============================================================================
// Loading
// =============================================================================

// DefaultContent returns the embedded prompt content.
//
// # Outputs
//
//   - Content: Parsed embedded defaults.
//
// # Limitations
//
//   - Panics if the embedded document is malformed. That is a build defect,
//     caught by the package tests.
func DefaultContent() Content {
	var c Content
	if err := yaml.Unmarshal(defaultContentYAML, &c); err != nil {
		panic(fmt.Sprintf("prompt: embedded content.yaml is invalid: %v", err))
	}
	return c
}

// LoadContent returns the embedded defaults overlaid with the document at path.
//
// # Description
//
// An empty path returns DefaultContent(). Otherwise the file is parsed and
// every non-empty field replaces its default. Lists replace, they do not
// merge.
//
// # Inputs
//
//   - path: Optional YAML override file.
//
// # Outputs
//
//   - Content: Effective content.
//   - error: Non-nil if the file cannot be read or parsed.
//
// # Examples
//
//	content, err := prompt.LoadContent(os.Getenv("ORA_PROMPT_CONTENT_FILE"))
//	if err != nil {
//	    return fmt.Errorf("load prompt content: %w", err)
//	}
func LoadContent(path string) (Content, error) {
	base := DefaultContent()
	path = strings.TrimSpace(path)
	if path == "" {
		return base, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Content{}, fmt.Errorf("read prompt content %s: %w", path, err)
	}

	var override Content
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return Content{}, fmt.Errorf("parse prompt content %s: %w", path, err)
	}

	return overlay(base, override), nil
}

// overlay copies every non-empty field of o onto base.
func overlay(base, o Content) Content {
	if len(o.Persona) > 0 {
		base.Persona = o.Persona
	}
	base.LogsHeading = pick(o.LogsHeading, base.LogsHeading)

	base.Lab.Heading = pick(o.Lab.Heading, base.Lab.Heading)
	base.Lab.Disclaimer = pick(o.Lab.Disclaimer, base.Lab.Disclaimer)
	base.Lab.DisclaimerRule = pick(o.Lab.DisclaimerRule, base.Lab.DisclaimerRule)
	if len(o.Lab.Rules) > 0 {
		base.Lab.Rules = o.Lab.Rules
	}
	base.Lab.CiteRule = pick(o.Lab.CiteRule, base.Lab.CiteRule)
	base.Lab.NoSourcesRule = pick(o.Lab.NoSourcesRule, base.Lab.NoSourcesRule)
	base.Lab.NoSourcesMarker = pick(o.Lab.NoSourcesMarker, base.Lab.NoSourcesMarker)
	base.Lab.SourcesHeading = pick(o.Lab.SourcesHeading, base.Lab.SourcesHeading)

	if len(o.Intent.Keywords) > 0 {
		base.Intent.Keywords = o.Intent.Keywords
	}
	if len(o.Intent.Phrases) > 0 {
		base.Intent.Phrases = o.Intent.Phrases
	}

	base.Search.QueryPrefix = pick(o.Search.QueryPrefix, base.Search.QueryPrefix)
	if len(o.Search.IncludeDomains) > 0 {
		base.Search.IncludeDomains = o.Search.IncludeDomains
	}
	return base
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
