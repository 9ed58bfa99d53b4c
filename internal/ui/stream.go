package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"

	"github.com/iishyfishyy/chatterm/internal/completion"
	"github.com/iishyfishyy/chatterm/internal/conversation"
	"github.com/iishyfishyy/chatterm/internal/executor"
)

var (
	labelColor   = color.New(color.FgCyan, color.Bold)
	commandColor = color.New(color.FgGreen)
	thinkColor   = color.New(color.FgHiBlack)
)

// Label renders a role tag such as "[Command]: ".
func Label(role string) string {
	return conversation.Tag(role) + " "
}

// StreamPrinter writes streamed chunks under their role label. Its Handle
// method is a conversation.StreamFunc.
type StreamPrinter struct {
	w       io.Writer
	agent   string
	role    string
	pending bool
}

func NewStreamPrinter(w io.Writer, agent string) *StreamPrinter {
	return &StreamPrinter{w: w, agent: agent}
}

func (p *StreamPrinter) Handle(role string, chunk completion.Chunk) {
	if !p.pending || role != p.role {
		labelColor.Fprint(p.w, Label(role))
		p.role = role
		p.pending = true
	}
	if chunk.Content != "" {
		p.colorFor(role).Fprint(p.w, chunk.Content)
	}
	if chunk.Stop {
		fmt.Fprintln(p.w)
		p.pending = false
	}
}

func (p *StreamPrinter) colorFor(role string) *color.Color {
	switch role {
	case conversation.RoleCommand:
		return commandColor
	case conversation.ThinkingRole(p.agent):
		return thinkColor
	default:
		return color.New(color.Reset)
	}
}

// ShowObservation prints command output the way it was captured.
func ShowObservation(w io.Writer, res executor.Result) {
	labelColor.Fprint(w, Label(conversation.RoleObservation))
	if res.Empty() {
		fmt.Fprintln(w, `""""""`)
		return
	}
	if len(res.Stdout) > 0 {
		fmt.Fprintf(w, "\nStdout:\n%s\n", strings.TrimSpace(string(res.Stdout)))
	}
	if len(res.Stderr) > 0 {
		fmt.Fprintf(w, "\nStderr:\n%s\n", strings.TrimSpace(string(res.Stderr)))
	}
	if res.ExitCode != 0 {
		ShowWarning(fmt.Sprintf("exit status %d", res.ExitCode))
	}
}

// FormatMarkdown renders markdown for the terminal. It returns text
// unchanged if rendering fails.
func FormatMarkdown(text string, width int) string {
	if width < 40 {
		width = 76
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return text
	}
	rendered, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(rendered, "\n")
}
