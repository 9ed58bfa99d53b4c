// Package conversation runs the query, command, observation and reply
// cycle of one chat against a completion backend.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iishyfishyy/chatterm/internal/completion"
	"github.com/iishyfishyy/chatterm/internal/domain"
	"github.com/iishyfishyy/chatterm/internal/truncate"
)

// State is where an Engine is in the current turn.
type State int

const (
	AwaitingQuery State = iota
	ThinkingGenerated
	CommandGenerated
	AwaitingObservation
	ReplyGenerated
)

func (s State) String() string {
	switch s {
	case AwaitingQuery:
		return "awaiting_query"
	case ThinkingGenerated:
		return "thinking_generated"
	case CommandGenerated:
		return "command_generated"
	case AwaitingObservation:
		return "awaiting_observation"
	case ReplyGenerated:
		return "reply_generated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Composer renders the prompt for generating role from the transcript so
// far and the caller's environment values.
type Composer interface {
	Compose(role string, history []Item, env map[string]any) (string, error)
}

// StreamFunc receives every chunk the backend produces, tagged with the
// role being generated. Each generation ends with its own Stop chunk.
type StreamFunc func(role string, chunk completion.Chunk)

type CommandResult struct {
	Thinking string `json:"thinking,omitempty"`
	Command  string `json:"command"`
}

type ReplyResult struct {
	Reply string `json:"reply"`
}

// Engine owns the transcript of one conversation. It is not safe for
// concurrent use; Pool serializes access per conversation id.
type Engine struct {
	cfg      Config
	backend  completion.Backend
	composer Composer
	logger   *slog.Logger

	transcript []Item
	state      State
}

// New creates an engine with an empty transcript. logger may be nil.
func New(cfg Config, backend completion.Backend, composer Composer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		backend:  backend,
		composer: composer,
		logger:   logger,
	}
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) State() State { return e.state }

// Transcript returns a copy of the turns so far.
func (e *Engine) Transcript() []Item {
	out := make([]Item, len(e.transcript))
	copy(out, e.transcript)
	return out
}

// QueryCommand starts a new turn for text and generates its command,
// preceded by a thinking segment when enabled. It fails with an
// InvalidStateError while the previous command has no observation.
// On failure the turn is discarded.
func (e *Engine) QueryCommand(ctx context.Context, text string, env map[string]any, stream StreamFunc) (CommandResult, error) {
	if n := len(e.transcript); n > 0 && !e.transcript[n-1].ObservationReceived {
		return CommandResult{}, domain.NewInvalidStateError("the previous command is still waiting for its observation")
	}

	prevState := e.state
	e.transcript = append(e.transcript, Item{Query: text})
	rollback := func() {
		e.transcript = e.transcript[:len(e.transcript)-1]
		e.state = prevState
	}
	item := &e.transcript[len(e.transcript)-1]

	var res CommandResult
	if e.cfg.Thinking {
		thinking, err := e.generate(ctx, ThinkingRole(e.cfg.Agent), env, stream)
		if err != nil {
			rollback()
			return CommandResult{}, err
		}
		item.Thinking = thinking
		res.Thinking = thinking
		e.state = ThinkingGenerated
	}

	command, err := e.generate(ctx, RoleCommand, env, stream)
	if err != nil {
		rollback()
		return CommandResult{}, err
	}
	command = cleanCommand(command)
	if command == "" {
		rollback()
		return CommandResult{}, &domain.BackendError{Message: "model returned an empty command"}
	}
	item.Command = command
	res.Command = command
	e.state = CommandGenerated

	e.logger.Debug("command generated", "command", item.Command)
	e.state = AwaitingObservation
	return res, nil
}

// QueryReply records the outcome of the last command and generates the
// agent's reply. A refused command is recorded as RefusedObservation;
// otherwise observation is truncated to the configured token budget.
// On failure the observation is discarded so the call can be retried.
func (e *Engine) QueryReply(ctx context.Context, refused bool, observation string, env map[string]any, stream StreamFunc) (ReplyResult, error) {
	n := len(e.transcript)
	if n == 0 || e.transcript[n-1].Command == "" {
		return ReplyResult{}, domain.NewInvalidStateError("there is no command awaiting an observation")
	}
	item := &e.transcript[n-1]
	if item.ObservationReceived {
		return ReplyResult{}, domain.NewInvalidStateError("the last command already has an observation")
	}

	if refused {
		observation = RefusedObservation
	} else {
		res, err := truncate.Truncate(ctx, e.backend, observation, e.cfg.truncateOptions())
		if err != nil {
			return ReplyResult{}, fmt.Errorf("failed to truncate observation: %w", err)
		}
		if res.Truncated {
			e.logger.Debug("observation truncated",
				"from_chars", len(observation), "to_chars", len(res.Content))
		}
		observation = res.Content
	}

	item.CommandRefused = refused
	item.Observation = observation
	item.ObservationReceived = true

	reply, err := e.generate(ctx, e.cfg.Agent, env, stream)
	if err != nil {
		item.CommandRefused = false
		item.Observation = ""
		item.ObservationReceived = false
		return ReplyResult{}, err
	}
	item.Reply = strings.TrimSpace(reply)
	e.state = ReplyGenerated

	return ReplyResult{Reply: item.Reply}, nil
}

func (e *Engine) generate(ctx context.Context, role string, env map[string]any, stream StreamFunc) (string, error) {
	prompt, err := e.composer.Compose(role, e.transcript, env)
	if err != nil {
		return "", fmt.Errorf("failed to compose prompt for %s: %w", role, err)
	}

	params := e.cfg.Params
	params.Stop = e.cfg.Stops()

	var h completion.Handler
	if stream != nil {
		h = func(c completion.Chunk) { stream(role, c) }
	}

	e.logger.Debug("generating", "role", role, "prompt_chars", len(prompt))
	return e.backend.Create(ctx, completion.Request{Prompt: prompt, Params: params}, h)
}
