// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the oractl CLI.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Femiora palette
var (
	ColorRose     = lipgloss.Color("#D98E9B") // Primary rose - Ora's voice
	ColorPlum     = lipgloss.Color("#7E5A7B") // Plum - headings
	ColorSage     = lipgloss.Color("#8FAF9A") // Sage - user turns, success
	ColorSand     = lipgloss.Color("#C8B8A6") // Sand - muted text
	ColorWarning  = lipgloss.Color("#E6B655") // Amber for warnings
	ColorError    = lipgloss.Color("#D9534F") // Red for errors
	ColorMidnight = lipgloss.Color("#2E2A36") // Midnight - borders
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	// Speaker labels
	You lipgloss.Style
	Ora lipgloss.Style

	Box lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorPlum),
	Muted:   lipgloss.NewStyle().Foreground(ColorSand),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),

	You: lipgloss.NewStyle().Bold(true).Foreground(ColorSage),
	Ora: lipgloss.NewStyle().Bold(true).Foreground(ColorRose),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPlum).
		Padding(0, 1),
}

// Printer writes CLI output, styled on a terminal and plain otherwise.
//
// Streamed reply text is always written verbatim so it can be piped.
type Printer struct {
	out    io.Writer
	styled bool
}

// NewPrinter returns a Printer for out. Styling is enabled only when out is
// a terminal and NO_COLOR is unset.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, styled: isTerminal(out) && os.Getenv("NO_COLOR") == ""}
}

// NewPlainPrinter returns a Printer that never styles.
func NewPlainPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// Title prints a boxed title. Plain output prints nothing.
func (p *Printer) Title(text string) {
	if !p.styled {
		return
	}
	fmt.Fprintln(p.out, Styles.Box.Render(Styles.Title.Render(text)))
}

// Muted prints a hint line.
func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.out, p.render(Styles.Muted, text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	fmt.Fprintln(p.out, p.render(Styles.Error, "✗ "+text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	fmt.Fprintln(p.out, p.render(Styles.Warning, "⚠ "+text))
}

// OraLabel prints the label that precedes a streamed reply.
func (p *Printer) OraLabel() {
	fmt.Fprint(p.out, p.render(Styles.Ora, "Ora: "))
}

// YouPrompt returns the input prompt.
func (p *Printer) YouPrompt() string {
	return p.render(Styles.You, "You: ")
}

// Text writes s verbatim.
func (p *Printer) Text(s string) {
	fmt.Fprint(p.out, s)
}

func (p *Printer) render(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}

// isTerminal reports whether w is a terminal file.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
