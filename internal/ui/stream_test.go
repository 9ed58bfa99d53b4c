package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/iishyfishyy/chatterm/internal/completion"
	"github.com/iishyfishyy/chatterm/internal/executor"
)

func init() {
	color.NoColor = true
}

func TestStreamPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewStreamPrinter(&buf, "Alice")

	p.Handle("Alice Thinking", completion.Chunk{Content: "they want "})
	p.Handle("Alice Thinking", completion.Chunk{Content: "the date"})
	p.Handle("Alice Thinking", completion.Chunk{Stop: true})
	p.Handle("Command", completion.Chunk{Content: "date"})
	p.Handle("Command", completion.Chunk{Stop: true})

	want := "[Alice Thinking]: they want the date\n[Command]: date\n"
	if buf.String() != want {
		t.Fatalf("output = %q, want %q", buf.String(), want)
	}
}

func TestStreamPrinterSingleChunk(t *testing.T) {
	var buf bytes.Buffer
	p := NewStreamPrinter(&buf, "Assistant")
	p.Handle("Assistant", completion.Chunk{Content: "Done.", Stop: true})
	if buf.String() != "[Assistant]: Done.\n" {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestShowObservation(t *testing.T) {
	var buf bytes.Buffer
	ShowObservation(&buf, executor.Result{})
	if buf.String() != "[Observation]: \"\"\"\"\"\"\n" {
		t.Fatalf("empty output = %q", buf.String())
	}

	buf.Reset()
	ShowObservation(&buf, executor.Result{Stdout: []byte("a\nb\n"), Stderr: []byte("warn\n")})
	got := buf.String()
	if !strings.Contains(got, "Stdout:\na\nb\n") || !strings.Contains(got, "Stderr:\nwarn\n") {
		t.Fatalf("output = %q", got)
	}
}

func TestFormatMarkdownKeepsText(t *testing.T) {
	out := FormatMarkdown("**ls -la** lists files", 80)
	if !strings.Contains(out, "ls -la") {
		t.Fatalf("rendered markdown lost content: %q", out)
	}
}
