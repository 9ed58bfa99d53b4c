package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/iishyfishyy/chatterm/internal/config"
	"github.com/iishyfishyy/chatterm/internal/conversation"
	"github.com/iishyfishyy/chatterm/internal/executor"
	"github.com/iishyfishyy/chatterm/internal/gate"
	"github.com/iishyfishyy/chatterm/internal/history"
	"github.com/iishyfishyy/chatterm/internal/server"
	"github.com/iishyfishyy/chatterm/internal/ui"
)

// chatSession is one REPL conversation.
type chatSession struct {
	engine    *conversation.Engine
	gate      *gate.Gate
	printer   *ui.StreamPrinter
	lines     *ui.LineReader
	store     *history.Store
	sessionID string
	logger    *slog.Logger
	out       io.Writer

	// interruptible returns the context for one generation or execution;
	// Ctrl-C cancels that step only.
	interruptible func() (context.Context, context.CancelFunc)
}

func interruptOnSignal() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runChat(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(false)
	if err != nil {
		return err
	}
	settings = applyChatFlags(cmd, settings)
	if err := settings.Validate(); err != nil {
		return err
	}
	logger := slog.Default()

	g, err := settings.Gate()
	if err != nil {
		return err
	}
	engine, err := server.NewEngineFactory(logger)(settings)
	if err != nil {
		return err
	}

	s := &chatSession{
		engine:    engine,
		gate:      g,
		printer:   ui.NewStreamPrinter(os.Stdout, settings.ChatTerminal.Agent),
		sessionID: history.NewSessionID(),
		logger:    logger,
		out:       os.Stdout,

		interruptible: interruptOnSignal,
	}
	if !ui.IsInteractive() {
		s.lines = ui.NewLineReader(os.Stdin)
	}

	if !noHistory {
		if path, err := config.GetHistoryPath(); err == nil {
			if store, err := history.Open(path); err != nil {
				ui.ShowWarning(fmt.Sprintf("History disabled: %v", err))
			} else {
				s.store = store
				defer store.Close()
			}
		}
	}

	if debug {
		logger.Debug("chat session started",
			"session", s.sessionID,
			"endpoint", settings.ChatTerminal.Endpoint,
			"black_list", g.Enabled())
	}

	return s.loop(settings.ChatTerminal.User)
}

// applyChatFlags overrides the file settings with the flags that were set.
func applyChatFlags(cmd *cobra.Command, settings config.Settings) config.Settings {
	settings = settings.WithEndpoint(endpoint)
	ct := settings.ChatTerminal
	flags := cmd.Flags()
	if flags.Changed("thinking") {
		ct.Thinking = thinking
	}
	if flags.Changed("use-black-list") {
		ct.UseBlackList = useBlackList
	}
	if flags.Changed("black-list-pattern") {
		ct.BlackListPattern = blackListPattern
	}
	return settings.WithChatTerminal(ct)
}

func (s *chatSession) loop(user string) error {
	for {
		query, err := ui.PromptQuery(user, s.lines)
		if errors.Is(err, io.EOF) || errors.Is(err, ui.ErrInterrupted) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read query: %w", err)
		}
		if query == "" {
			continue
		}

		if err := s.turn(query); err != nil {
			return err
		}
	}
}

// turn runs one query through command generation, confirmation, execution
// and reply. Generation failures, interrupts included, are shown and the
// turn is dropped; only errors that leave the conversation unusable are
// returned.
func (s *chatSession) turn(query string) error {
	ctx, stop := s.interruptible()
	res, err := s.engine.QueryCommand(ctx, query, environment(), s.printer.Handle)
	stop()
	if err != nil {
		ui.ShowError(fmt.Sprintf("Failed to generate a command: %v", err))
		return nil
	}

	run, err := s.confirm(res.Command)
	if err != nil {
		return err
	}

	var observation string
	if run {
		ctx, stop := s.interruptible()
		result, err := executor.Run(ctx, res.Command, s.logger)
		stop()
		if err != nil {
			ui.ShowError(err.Error())
			result.Stderr = append(result.Stderr, []byte(err.Error())...)
		}
		ui.ShowObservation(s.out, result)
		observation = executor.Observation(result)
	} else {
		ui.ShowInfo("Command refused.")
	}

	for {
		ctx, stop := s.interruptible()
		_, err := s.engine.QueryReply(ctx, !run, observation, environment(), s.printer.Handle)
		stop()
		if err == nil {
			break
		}
		ui.ShowError(fmt.Sprintf("Failed to generate a reply: %v", err))
		if s.lines != nil {
			return err
		}
		retry, perr := ui.PromptYesNo("Retry?", true)
		if perr != nil || !retry {
			return err
		}
	}

	s.record()
	return nil
}

// confirm decides whether command runs, asking the user when the gate
// requires it. Copying to the clipboard asks again.
func (s *chatSession) confirm(command string) (bool, error) {
	if !s.gate.NeedsConfirmation(command) {
		return true, nil
	}
	if s.lines != nil {
		ui.ShowWarning("Input is not a terminal; refusing a command that needs confirmation.")
		return false, nil
	}

	for {
		action, err := ui.ConfirmCommand(command)
		if errors.Is(err, ui.ErrInterrupted) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to get user confirmation: %w", err)
		}

		switch action {
		case ui.ActionRun:
			return true, nil
		case ui.ActionCopy:
			if err := ui.CopyToClipboard(command); err != nil {
				ui.ShowError(err.Error())
			} else {
				ui.ShowSuccess("Command copied to clipboard!")
			}
		default:
			return false, nil
		}
	}
}

func (s *chatSession) record() {
	if s.store == nil {
		return
	}
	transcript := s.engine.Transcript()
	if len(transcript) == 0 {
		return
	}
	if err := s.store.Record(context.Background(), s.sessionID, transcript[len(transcript)-1]); err != nil {
		// Log error but don't fail
		s.logger.Warn("failed to save history", "error", err)
	}
}

// environment is what the prompt template sees about the local machine.
func environment() map[string]any {
	env := map[string]any{}
	if wd, err := os.Getwd(); err == nil {
		env["cwd"] = wd
	}
	return env
}
