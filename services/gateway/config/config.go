// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads gateway settings from the environment.
//
// # Description
//
// Settings are read with viper. Priority, highest first:
//
//  1. Process environment (OPENROUTER_API_KEY, PORT, ...)
//  2. A .env file in the working directory, loaded with godotenv. It never
//     overrides variables already set in the process.
//  3. An optional gateway.yaml in ".", "./config" or "/etc/ora"
//  4. Built-in defaults
//
// Keys in gateway.yaml use the lower-case variable name, for example
// "openrouter_model: anthropic/claude-3.5-sonnet".
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Keys, named after the environment variables they read.
const (
	KeyOpenRouterAPIKey   = "openrouter_api_key"
	KeyRequireUpstreamKey = "require_upstream_key"
	KeyOpenRouterModel    = "openrouter_model"
	KeyOpenRouterBaseURL  = "openrouter_base_url"
	KeyAppURL             = "app_url"
	KeyAppTitle           = "app_title"
	KeyTavilyAPIKey       = "tavily_api_key"
	KeyTavilyBaseURL      = "tavily_base_url"
	KeySearchTimeout      = "search_timeout"
	KeyTurnTimeout        = "turn_timeout"
	KeyPort               = "port"
	KeyLogLevel           = "log_level"
	KeyLogFormat          = "log_format"
	KeyLogFile            = "log_file"
	KeyOTLPEndpoint       = "otel_exporter_otlp_endpoint"
	KeyOTelStdout         = "otel_stdout"
	KeyMetricsEnabled     = "metrics_enabled"
	KeyGinMode            = "gin_mode"
	KeyPromptContentFile  = "ora_prompt_content_file"
	KeyShutdownTimeout    = "shutdown_timeout"
)

// ErrMissingUpstreamKey is returned when REQUIRE_UPSTREAM_KEY is set and
// OPENROUTER_API_KEY is not.
var ErrMissingUpstreamKey = errors.New("OPENROUTER_API_KEY is required when REQUIRE_UPSTREAM_KEY is set")

// Config holds every gateway setting.
type Config struct {
	// Upstream provider.
	OpenRouterAPIKey string

	// RequireUpstreamKey makes a missing OpenRouterAPIKey fatal at startup
	// instead of failing each chat turn with a 500.
	RequireUpstreamKey bool

	OpenRouterModel   string
	OpenRouterBaseURL string
	AppURL            string
	AppTitle          string

	// Reference search. Empty key disables it.
	TavilyAPIKey  string
	TavilyBaseURL string
	SearchTimeout time.Duration

	// TurnTimeout bounds a whole turn. Zero means no limit beyond the
	// client connection.
	TurnTimeout time.Duration

	// Server.
	Port            string
	GinMode         string
	ShutdownTimeout time.Duration

	// Logging.
	LogLevel  string
	LogFormat string
	LogFile   string

	// Observability.
	OTLPEndpoint   string
	OTelStdout     bool
	MetricsEnabled bool

	// PromptContentFile optionally overrides the embedded prompt content.
	PromptContentFile string
}

// LoadOptions controls where Load looks.
type LoadOptions struct {
	// EnvFiles are dotenv files to load. nil means ".env"; missing files
	// are skipped.
	EnvFiles []string

	// ConfigPaths are directories searched for gateway.yaml. nil means
	// ".", "./config" and "/etc/ora".
	ConfigPaths []string
}

// Load reads the configuration.
//
// # Outputs
//
//   - *Config: Effective configuration with defaults applied.
//   - error: Non-nil if a config file is unreadable or a value is invalid.
//
// # Examples
//
//	cfg, err := config.Load(config.LoadOptions{})
//	if err != nil {
//	    log.Fatalf("invalid configuration: %v", err)
//	}
func Load(opts LoadOptions) (*Config, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading env file %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("gateway")
	v.SetConfigType("yaml")
	paths := opts.ConfigPaths
	if paths == nil {
		paths = []string{".", "./config", "/etc/ora"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		OpenRouterAPIKey:   strings.TrimSpace(v.GetString(KeyOpenRouterAPIKey)),
		RequireUpstreamKey: v.GetBool(KeyRequireUpstreamKey),
		OpenRouterModel:    strings.TrimSpace(v.GetString(KeyOpenRouterModel)),
		OpenRouterBaseURL:  strings.TrimSpace(v.GetString(KeyOpenRouterBaseURL)),
		AppURL:             strings.TrimSpace(v.GetString(KeyAppURL)),
		AppTitle:           strings.TrimSpace(v.GetString(KeyAppTitle)),
		TavilyAPIKey:       strings.TrimSpace(v.GetString(KeyTavilyAPIKey)),
		TavilyBaseURL:      strings.TrimSpace(v.GetString(KeyTavilyBaseURL)),
		SearchTimeout:      v.GetDuration(KeySearchTimeout),
		TurnTimeout:        v.GetDuration(KeyTurnTimeout),
		Port:               strings.TrimSpace(v.GetString(KeyPort)),
		GinMode:            strings.TrimSpace(v.GetString(KeyGinMode)),
		ShutdownTimeout:    v.GetDuration(KeyShutdownTimeout),
		LogLevel:           v.GetString(KeyLogLevel),
		LogFormat:          strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		LogFile:            strings.TrimSpace(v.GetString(KeyLogFile)),
		OTLPEndpoint:       strings.TrimSpace(v.GetString(KeyOTLPEndpoint)),
		OTelStdout:         v.GetBool(KeyOTelStdout),
		MetricsEnabled:     v.GetBool(KeyMetricsEnabled),
		PromptContentFile:  strings.TrimSpace(v.GetString(KeyPromptContentFile)),
	}

	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyOpenRouterModel, "anthropic/claude-3.5-sonnet")
	v.SetDefault(KeyOpenRouterBaseURL, "https://openrouter.ai/api/v1")
	v.SetDefault(KeyAppURL, "http://localhost")
	v.SetDefault(KeyAppTitle, "Femiora")
	v.SetDefault(KeyTavilyBaseURL, "https://api.tavily.com")
	v.SetDefault(KeySearchTimeout, "8s")
	v.SetDefault(KeyTurnTimeout, "0s")
	v.SetDefault(KeyPort, "3001")
	v.SetDefault(KeyGinMode, "release")
	v.SetDefault(KeyShutdownTimeout, "10s")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
	v.SetDefault(KeyMetricsEnabled, true)
	v.SetDefault(KeyOTelStdout, false)
	v.SetDefault(KeyRequireUpstreamKey, false)
}

// applyDefaults covers values that were set but blank.
func applyDefaults(cfg *Config) {
	if cfg.OpenRouterModel == "" {
		cfg.OpenRouterModel = "anthropic/claude-3.5-sonnet"
	}
	if cfg.AppURL == "" {
		cfg.AppURL = "http://localhost"
	}
	if cfg.AppTitle == "" {
		cfg.AppTitle = "Femiora"
	}
	if cfg.Port == "" {
		cfg.Port = "3001"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 8 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

func (c *Config) validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid PORT %q", c.Port)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid LOG_FORMAT %q: want json or text", c.LogFormat)
	}
	if c.TurnTimeout < 0 {
		return fmt.Errorf("invalid TURN_TIMEOUT %s", c.TurnTimeout)
	}
	if c.RequireUpstreamKey && !c.HasUpstreamKey() {
		return ErrMissingUpstreamKey
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// HasUpstreamKey reports whether the provider credential is configured.
func (c *Config) HasUpstreamKey() bool {
	return c.OpenRouterAPIKey != ""
}
