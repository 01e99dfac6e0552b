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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/femiora/ora-gateway/pkg/companion"
	"github.com/femiora/ora-gateway/pkg/logging"
	"github.com/spf13/cobra"
)

const defaultGatewayURL = "http://localhost:3001"

// options are the persistent flags shared by every command.
type options struct {
	gatewayURL string
	logsFile   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "oractl",
		Short:         "Chat with Ora, Femiora's pattern companion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("ORA_GATEWAY_URL")
	if defaultURL == "" {
		defaultURL = defaultGatewayURL
	}
	rootCmd.PersistentFlags().StringVar(&opts.gatewayURL, "url", defaultURL,
		"Gateway base URL (env ORA_GATEWAY_URL)")
	rootCmd.PersistentFlags().StringVar(&opts.logsFile, "logs", "",
		"JSON file with an array of recent log entries to send as context")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false,
		"Log request details to stderr")

	rootCmd.AddCommand(newAskCmd(opts), newChatCmd(opts))
	return rootCmd
}

func newAskCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, opts, strings.Join(args, " "))
		},
	}
}

func newChatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation (Ctrl-C cancels a reply)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts)
		},
	}
}

// newClient builds the companion client and a CLI logger.
func (o *options) newClient(cmd *cobra.Command) (*companion.Client, *slog.Logger) {
	level := logging.LevelWarn
	if o.verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Service: "oractl",
		Output:  cmd.ErrOrStderr(),
	}).Slog()

	return companion.NewClient(companion.ClientConfig{
		BaseURL: o.gatewayURL,
		Logger:  logger,
	}), logger
}

// loadLogs reads recent log entries from a JSON array file.
func loadLogs(path string) ([]json.RawMessage, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read logs file: %w", err)
	}
	var logs []json.RawMessage
	if err := json.Unmarshal(data, &logs); err != nil {
		return nil, fmt.Errorf("logs file %s must hold a JSON array: %w", path, err)
	}
	return logs, nil
}
