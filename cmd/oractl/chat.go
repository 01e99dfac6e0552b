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
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"

	"github.com/femiora/ora-gateway/pkg/companion"
	"github.com/femiora/ora-gateway/pkg/ux"
	"github.com/spf13/cobra"
)

// replyPrinter streams the growing reply from transcript snapshots.
//
// Only the text not yet printed is written, so the terminal shows the
// reply as it arrives without redrawing.
type replyPrinter struct {
	printer *ux.Printer
	printed int
}

func (r *replyPrinter) reset() {
	r.printed = 0
}

func (r *replyPrinter) observe(t companion.Transcript) {
	if !t.Pending() {
		return
	}
	last, ok := t.Last()
	if !ok || len(last.Text) <= r.printed {
		return
	}
	r.printer.Text(last.Text[r.printed:])
	r.printed = len(last.Text)
}

// finish ends the reply line.
func (r *replyPrinter) finish(reply string) {
	if r.printed > 0 && !strings.HasSuffix(reply, "\n") {
		r.printer.Text("\n")
	}
}

func runAsk(cmd *cobra.Command, opts *options, message string) error {
	logs, err := loadLogs(opts.logsFile)
	if err != nil {
		return err
	}
	client, logger := opts.newClient(cmd)
	printer := ux.NewPrinter(cmd.OutOrStdout())

	session := companion.NewSession(client, nil, logger)
	rp := &replyPrinter{printer: printer}
	session.OnUpdate(rp.observe)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	reply, err := session.Send(ctx, message, logs)
	if err != nil {
		if rp.printed > 0 {
			printer.Text("\n")
		}
		printer.Error(companion.UserMessage(err))
		return err
	}
	rp.finish(reply)
	return nil
}

func runChat(cmd *cobra.Command, opts *options) error {
	logs, err := loadLogs(opts.logsFile)
	if err != nil {
		return err
	}
	client, logger := opts.newClient(cmd)
	printer := ux.NewPrinter(cmd.OutOrStdout())

	session := companion.NewSession(client, nil, logger)
	rp := &replyPrinter{printer: printer}
	session.OnUpdate(rp.observe)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Ctrl-C cancels the reply in flight; when idle it leaves.
	var inTurn atomic.Bool
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-sigs:
				if inTurn.Load() {
					session.Cancel()
				} else {
					cancel()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	printer.Title("Ora · Femiora's pattern companion")
	printer.Muted("Type a message. /quit to leave. Ctrl-C cancels a reply.")

	for {
		printer.Text(printer.YouPrompt())

		var line string
		select {
		case <-ctx.Done():
			printer.Text("\n")
			return nil
		case l, ok := <-lines:
			if !ok {
				printer.Text("\n")
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		printer.OraLabel()
		rp.reset()
		inTurn.Store(true)
		reply, err := session.Send(ctx, line, logs)
		inTurn.Store(false)

		if err != nil {
			if rp.printed > 0 {
				printer.Text("\n")
			}
			if errors.Is(err, companion.ErrTurnCancelled) {
				printer.Warning("Reply cancelled.")
				continue
			}
			printer.Error(companion.UserMessage(err))
			continue
		}
		rp.finish(reply)
	}
}
