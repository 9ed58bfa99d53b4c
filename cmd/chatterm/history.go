package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iishyfishyy/chatterm/internal/config"
	"github.com/iishyfishyy/chatterm/internal/history"
	"github.com/iishyfishyy/chatterm/internal/ui"
)

func runHistory(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(false)
	if err != nil {
		return err
	}

	path, err := config.GetHistoryPath()
	if err != nil {
		return err
	}
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.ShowInfo("No history yet.")
		return nil
	}

	md := renderHistory(entries, settings.ChatTerminal.User, settings.ChatTerminal.Agent)
	fmt.Print(ui.FormatMarkdown(md, ui.TerminalWidth(80)))
	return nil
}

func renderHistory(entries []history.Entry, user, agent string) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "### %s\n\n", e.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&sb, "**%s:** %s\n\n", user, e.Query)
		if e.Thinking != "" {
			fmt.Fprintf(&sb, "*%s*\n\n", e.Thinking)
		}
		fmt.Fprintf(&sb, "```sh\n%s\n```\n\n", e.Command)
		if e.CommandRefused {
			sb.WriteString("_refused_\n\n")
		}
		if e.Reply != "" {
			fmt.Fprintf(&sb, "**%s:** %s\n\n", agent, e.Reply)
		}
	}
	return sb.String()
}
