package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Result is the captured outcome of a command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Empty reports whether the command produced no output at all.
func (r Result) Empty() bool {
	return len(r.Stdout) == 0 && len(r.Stderr) == 0
}

// Shell returns the shell and the arguments that make it run command.
func Shell(command string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C", command}
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return shell, []string{"-c", command}
}

// Run executes command through the user's shell and captures its output.
// A non-zero exit is reported in Result.ExitCode, not as an error; err is
// set only when the command could not be run at all.
func Run(ctx context.Context, command string, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	shell, args := Shell(command)
	logger.Debug("executing command", "shell", shell, "command", command)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		logger.Debug("command failed", "exit_code", res.ExitCode)
	default:
		return res, fmt.Errorf("command failed: %w", err)
	}
	return res, nil
}

// Observation formats a result the way the model sees it:
//
//	"""Stdout: "...."
//	Stderr: "...." """
//
// with each stream trimmed and quoted, and absent streams left out.
func Observation(r Result) string {
	var sb strings.Builder
	if out := strings.TrimSpace(string(r.Stdout)); len(r.Stdout) > 0 {
		sb.WriteString("Stdout: " + strconv.Quote(out) + "\n")
	}
	if errs := strings.TrimSpace(string(r.Stderr)); len(r.Stderr) > 0 {
		sb.WriteString("Stderr: " + strconv.Quote(errs))
	}
	return `"""` + strings.TrimSpace(sb.String()) + `"""`
}
