package completion

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/iishyfishyy/chatterm/internal/domain"
)

// Endpoint names accepted by New.
const (
	EndpointLocalLlama = "local-llama"
	EndpointOpenAI     = "openai"
	EndpointAnthropic  = "anthropic"
	EndpointOllama     = "ollama"
)

// Backend is a text-completion provider.
type Backend interface {
	// Tokenize returns the number of tokens text occupies for this backend.
	// Returns domain.ErrUnsupported when the backend cannot count tokens.
	Tokenize(ctx context.Context, text string) (int, error)

	// Create runs a completion and returns the accumulated, trimmed text.
	// Streaming backends deliver each increment to h followed by exactly one
	// terminal chunk with Stop set and no content. Non-streaming backends
	// call h once with the full text and Stop set.
	Create(ctx context.Context, req Request, h Handler) (string, error)
}

// Message is one role-tagged entry of a chat-style request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the sampling parameters of a completion request.
type Params struct {
	Temperature *float64       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Stop        []string       `json:"stop,omitempty" yaml:"stop,omitempty"`
	Stream      bool           `json:"stream,omitempty" yaml:"stream,omitempty"`
	Extra       map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// WithStop returns a copy of p whose stop set is p.Stop followed by extra.
func (p Params) WithStop(extra ...string) Params {
	stops := make([]string, 0, len(p.Stop)+len(extra))
	stops = append(stops, p.Stop...)
	stops = append(stops, extra...)
	p.Stop = stops
	return p
}

// Request is a prompt or a role-tagged message list plus parameters.
// Messages takes precedence over Prompt when both are set.
type Request struct {
	Prompt   string
	Messages []Message
	Params   Params
}

// Chunk is one increment of a completion.
type Chunk struct {
	Content string
	Stop    bool
	// Raw is the backend-specific envelope, for diagnostics only.
	Raw any
}

// Handler receives completion chunks in order.
type Handler func(Chunk)

func (h Handler) emit(c Chunk) {
	if h != nil {
		h(c)
	}
}

// EndpointConfig carries what a backend needs at construction time.
type EndpointConfig struct {
	ServerURL     string
	Model         string
	APIKey        string
	SystemMessage string
	// MaxRetries bounds attempts for cloud backends; <= 0 retries forever.
	MaxRetries int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c EndpointConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c EndpointConfig) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// New builds the backend registered under name.
func New(name string, cfg EndpointConfig) (Backend, error) {
	switch name {
	case EndpointLocalLlama:
		if cfg.ServerURL == "" {
			return nil, domain.NewConfigurationError("endpoint '%s' requires server_url", name)
		}
		return NewLlama(cfg), nil
	case EndpointOpenAI:
		if cfg.Model == "" {
			return nil, domain.NewConfigurationError("endpoint '%s' requires model", name)
		}
		return NewOpenAI(cfg), nil
	case EndpointAnthropic:
		if cfg.Model == "" {
			return nil, domain.NewConfigurationError("endpoint '%s' requires model", name)
		}
		return NewAnthropic(cfg), nil
	case EndpointOllama:
		if cfg.ServerURL == "" || cfg.Model == "" {
			return nil, domain.NewConfigurationError("endpoint '%s' requires server_url and model", name)
		}
		return NewOllama(cfg), nil
	default:
		return nil, domain.NewConfigurationError("invalid endpoint '%s' (known: %s)", name, strings.Join(Endpoints(), ", "))
	}
}

// Endpoints lists the endpoint names New understands.
func Endpoints() []string {
	names := []string{EndpointLocalLlama, EndpointOpenAI, EndpointAnthropic, EndpointOllama}
	sort.Strings(names)
	return names
}

// buildMessages turns a request into a message list, prepending the
// configured system message when the caller only supplied a prompt.
func buildMessages(req Request, systemMessage string) []Message {
	if len(req.Messages) > 0 {
		return req.Messages
	}
	var msgs []Message
	if systemMessage != "" {
		msgs = append(msgs, Message{Role: "system", Content: systemMessage})
	}
	return append(msgs, Message{Role: "user", Content: req.Prompt})
}

// promptText flattens a request for backends that only take a raw prompt.
func promptText(req Request) string {
	if req.Prompt != "" || len(req.Messages) == 0 {
		return req.Prompt
	}
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}
