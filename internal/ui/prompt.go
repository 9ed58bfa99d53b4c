package ui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/atotto/clipboard"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// Action represents the user's choice
type Action int

const (
	ActionRun Action = iota
	ActionCopy
	ActionRefuse
)

// ErrInterrupted is returned when the user aborts a prompt with Ctrl-C.
var ErrInterrupted = errors.New("interrupted")

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// TerminalWidth returns the width of stdout, or fallback when it is not a
// terminal.
func TerminalWidth(fallback int) int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// LineReader reads queries from a non-interactive stdin.
type LineReader struct {
	scanner *bufio.Scanner
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{scanner: bufio.NewScanner(r)}
}

// PromptQuery asks for the next query. It returns io.EOF when input ends.
// lines is used when stdin is not a terminal and may be nil otherwise.
func PromptQuery(user string, lines *LineReader) (string, error) {
	if lines != nil {
		fmt.Print(Label(user))
		if !lines.scanner.Scan() {
			if err := lines.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return strings.TrimSpace(lines.scanner.Text()), nil
	}

	var query string
	prompt := &survey.Input{Message: Label(user)}
	if err := survey.AskOne(prompt, &query); err != nil {
		return "", surveyErr(err)
	}
	return strings.TrimSpace(query), nil
}

// ConfirmCommand shows the command and asks the user what to do
func ConfirmCommand(command string) (Action, error) {
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Println("\nProposed command:")
	fmt.Printf("  %s\n\n", command)

	var choice string
	prompt := &survey.Select{
		Message: "What would you like to do?",
		Options: []string{
			"Run it",
			"Copy to clipboard",
			"Refuse",
		},
	}

	if err := survey.AskOne(prompt, &choice); err != nil {
		return ActionRefuse, surveyErr(err)
	}

	switch choice {
	case "Run it":
		return ActionRun, nil
	case "Copy to clipboard":
		return ActionCopy, nil
	default:
		return ActionRefuse, nil
	}
}

// PromptYesNo asks a yes/no question.
func PromptYesNo(message string, def bool) (bool, error) {
	answer := def
	prompt := &survey.Confirm{Message: message, Default: def}
	if err := survey.AskOne(prompt, &answer); err != nil {
		return false, surveyErr(err)
	}
	return answer, nil
}

// CopyToClipboard puts command on the system clipboard.
func CopyToClipboard(command string) error {
	if clipboard.Unsupported {
		return errors.New("no clipboard utility available")
	}
	if err := clipboard.WriteAll(command); err != nil {
		return fmt.Errorf("failed to copy to clipboard: %w", err)
	}
	return nil
}

func surveyErr(err error) error {
	if errors.Is(err, terminal.InterruptErr) {
		return ErrInterrupted
	}
	return err
}

// ShowSuccess displays a success message
func ShowSuccess(message string) {
	green := color.New(color.FgGreen, color.Bold)
	green.Printf("✓ %s\n", message)
}

// ShowError displays an error message
func ShowError(message string) {
	red := color.New(color.FgRed, color.Bold)
	red.Printf("✗ %s\n", message)
}

// ShowWarning displays a warning message
func ShowWarning(message string) {
	yellow := color.New(color.FgYellow)
	yellow.Printf("! %s\n", message)
}

// ShowInfo displays an info message
func ShowInfo(message string) {
	blue := color.New(color.FgBlue)
	blue.Println(message)
}

// ShowSection prints a bold heading.
func ShowSection(title string) {
	bold := color.New(color.Bold)
	bold.Printf("\n%s\n%s\n", title, strings.Repeat("─", len([]rune(title))))
}
