// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gateway starts the Ora chat relay.
//
// Configuration comes from the environment, an optional .env file, and an
// optional gateway.yaml (see services/gateway/config).
//
// # Environment Variables
//
//   - OPENROUTER_API_KEY: Upstream credential (required for chat turns)
//   - REQUIRE_UPSTREAM_KEY: Fail startup when OPENROUTER_API_KEY is unset
//   - OPENROUTER_MODEL: Model id (default: anthropic/claude-3.5-sonnet)
//   - TAVILY_API_KEY: Enables reference search for lab questions
//   - PORT: HTTP port (default: 3001)
//   - LOG_LEVEL, LOG_FORMAT, LOG_FILE: Logging
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_STDOUT: Tracing
//   - ORA_PROMPT_CONTENT_FILE: Prompt content override (YAML)
//
// # Usage
//
//	go build -o gateway ./cmd/gateway
//	OPENROUTER_API_KEY=sk-... ./gateway
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/femiora/ora-gateway/pkg/logging"
	"github.com/femiora/ora-gateway/services/gateway"
	"github.com/femiora/ora-gateway/services/gateway/config"
	"github.com/femiora/ora-gateway/services/prompt"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Gateway error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(config.LoadOptions{})
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: gateway.ServiceName,
		JSON:    cfg.LogFormat == "json",
		LogFile: cfg.LogFile,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())
	startup := logger.With("port", cfg.Port, "model", cfg.OpenRouterModel)

	if cfg.GinMode == "debug" {
		startup.Warn("Gin is running in debug mode")
	}

	content, err := prompt.LoadContent(cfg.PromptContentFile)
	if err != nil {
		startup.Error("failed to load prompt content", "path", cfg.PromptContentFile, "error", err)
		return fmt.Errorf("failed to load prompt content: %w", err)
	}
	if cfg.PromptContentFile != "" {
		startup.Debug("loaded prompt content override", "path", cfg.PromptContentFile)
	}

	svc, err := gateway.New(cfg, content, logger.Slog())
	if err != nil {
		startup.Error("failed to create gateway", "error", err)
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		startup.Error("gateway stopped with error", "error", err)
		return err
	}
	startup.Info("Gateway stopped")
	return nil
}
