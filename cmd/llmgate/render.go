package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"golang.org/x/term"

	"llmgate/pkg/gateway"
)

const defaultWrapWidth = 100

// renderMode selects when replies are rendered as Markdown.
type renderMode string

const (
	renderAuto   renderMode = "auto"
	renderAlways renderMode = "always"
	renderNever  renderMode = "never"
)

func parseRenderMode(s string) (renderMode, error) {
	switch m := renderMode(strings.ToLower(s)); m {
	case renderAuto, renderAlways, renderNever:
		return m, nil
	default:
		return "", usageErrorf("--render must be auto, always or never, got %q", s)
	}
}

// terminalFd returns the descriptor behind w when w is a terminal.
func terminalFd(w any) (int, bool) {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// shouldRender resolves the mode against the output stream.
func shouldRender(mode renderMode, w io.Writer) bool {
	switch mode {
	case renderAlways:
		return true
	case renderNever:
		return false
	default:
		_, tty := terminalFd(w)
		return tty
	}
}

// renderMarkdown formats text for the terminal, wrapping at its width.
func renderMarkdown(text string, w io.Writer) (string, error) {
	width := defaultWrapWidth
	if fd, ok := terminalFd(w); ok {
		if cols, _, err := term.GetSize(fd); err == nil && cols > 0 {
			width = cols
		}
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	out, err := r.Render(text)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return out, nil
}

// printToolCalls lists the tool calls of a reply.
func printToolCalls(w io.Writer, calls []gateway.ToolCall) {
	label := color.New(color.FgMagenta, color.Bold)
	for _, call := range calls {
		label.Fprintf(w, "tool call %s", call.Function.Name)
		fmt.Fprintf(w, " (%s): %s\n", call.ID, call.Function.Arguments)
	}
}

// printUsage writes the token accounting line.
func printUsage(w io.Writer, model string, usage *gateway.Usage, attempts int) {
	if usage == nil {
		return
	}
	line := fmt.Sprintf("%s: %d prompt + %d completion = %d tokens",
		model, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	if usage.Cost != nil {
		line += fmt.Sprintf(", $%.6f", *usage.Cost)
	}
	if attempts > 1 {
		line += fmt.Sprintf(" (%d attempts)", attempts)
	}
	color.New(color.Faint).Fprintln(w, line)
}
