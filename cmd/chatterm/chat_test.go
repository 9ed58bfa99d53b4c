package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/iishyfishyy/chatterm/internal/completion"
	"github.com/iishyfishyy/chatterm/internal/conversation"
	"github.com/iishyfishyy/chatterm/internal/domain"
	"github.com/iishyfishyy/chatterm/internal/gate"
	"github.com/iishyfishyy/chatterm/internal/prompt"
	"github.com/iishyfishyy/chatterm/internal/ui"
)

// cancellableBackend fails like a real backend once its context is done.
type cancellableBackend struct{}

func (cancellableBackend) Tokenize(ctx context.Context, text string) (int, error) {
	return len(text), nil
}

func (cancellableBackend) Create(ctx context.Context, req completion.Request, h completion.Handler) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &domain.BackendError{Provider: "stub", Message: "request cancelled", Err: err}
	}
	reply := "It was refused."
	if strings.HasSuffix(req.Prompt, conversation.Tag(conversation.RoleCommand)) {
		reply = "date"
	}
	if h != nil {
		h(completion.Chunk{Content: reply, Stop: true})
	}
	return reply, nil
}

func TestInterruptedTurnDoesNotPoisonSession(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	composer, err := prompt.New("sys", conversation.DefaultUser, conversation.DefaultAgent)
	if err != nil {
		t.Fatal(err)
	}
	g, _ := gate.Compile(false, "")

	interrupted := true
	s := &chatSession{
		engine:  conversation.New(conversation.DefaultConfig(), cancellableBackend{}, composer, logger),
		gate:    g,
		printer: ui.NewStreamPrinter(io.Discard, conversation.DefaultAgent),
		lines:   ui.NewLineReader(strings.NewReader("")),
		logger:  logger,
		out:     io.Discard,
		interruptible: func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(context.Background())
			if interrupted {
				// Ctrl-C during the first generation
				cancel()
				interrupted = false
			}
			return ctx, cancel
		},
	}

	if err := s.turn("what day is it"); err != nil {
		t.Fatalf("interrupted turn: %v", err)
	}
	if n := len(s.engine.Transcript()); n != 0 {
		t.Fatalf("interrupted turn left %d items", n)
	}

	if err := s.turn("what day is it"); err != nil {
		t.Fatalf("turn after interrupt: %v", err)
	}
	transcript := s.engine.Transcript()
	if len(transcript) != 1 || transcript[0].Command != "date" || transcript[0].Reply != "It was refused." {
		t.Fatalf("transcript = %+v", transcript)
	}
	if !transcript[0].CommandRefused {
		t.Fatalf("non-interactive session should refuse commands that need confirmation")
	}
}
