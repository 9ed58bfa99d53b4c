package completion

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/iishyfishyy/chatterm/internal/domain"
)

// anthropicDefaultMaxTokens is used when the request leaves MaxTokens
// unset; the messages API requires a value.
const anthropicDefaultMaxTokens = 1024

// AnthropicBackend uses the messages API. It does not stream.
type AnthropicBackend struct {
	client        anthropic.Client
	model         string
	systemMessage string
	retry         retrier
	logger        *slog.Logger
}

// NewAnthropic creates a backend for cfg.Model.
func NewAnthropic(cfg EndpointConfig) *AnthropicBackend {
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithHTTPClient(cfg.httpClient()),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.ServerURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.ServerURL))
	}

	return &AnthropicBackend{
		client:        anthropic.NewClient(opts...),
		model:         cfg.Model,
		systemMessage: cfg.SystemMessage,
		retry:         newRetrier(EndpointAnthropic, cfg),
		logger:        cfg.logger(),
	}
}

// Tokenize asks the API how many input tokens text costs as a user message.
func (a *AnthropicBackend) Tokenize(ctx context.Context, text string) (int, error) {
	var count int64
	err := a.retry.do(ctx, func(ctx context.Context) error {
		res, err := a.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
			Model: anthropic.Model(a.model),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
			},
		})
		if err != nil {
			return classifyAnthropicError(err)
		}
		count = res.InputTokens
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Create sends one message request and reports the whole reply as a single
// terminal chunk.
func (a *AnthropicBackend) Create(ctx context.Context, req Request, h Handler) (string, error) {
	system, msgs, err := splitSystem(req, a.systemMessage)
	if err != nil {
		return "", err
	}
	if req.Params.Stream {
		a.logger.Debug("streaming not supported, using a single response", "provider", EndpointAnthropic)
	}

	maxTokens := int64(req.Params.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Params.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		params.TopP = anthropic.Float(*req.Params.TopP)
	}
	if len(req.Params.Stop) > 0 {
		params.StopSequences = req.Params.Stop
	}

	var reply string
	err = a.retry.do(ctx, func(ctx context.Context) error {
		message, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return classifyAnthropicError(err)
		}
		reply = ""
		for _, block := range message.Content {
			if block.Type == "text" {
				reply = block.Text
				break
			}
		}
		h.emit(Chunk{Content: reply, Stop: true, Raw: message})
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// splitSystem separates the system prompt from the conversation. The
// messages API takes at most one system message, out of band.
func splitSystem(req Request, defaultSystem string) (string, []anthropic.MessageParam, error) {
	if len(req.Messages) == 0 {
		return defaultSystem, []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		}, nil
	}

	var system string
	seenSystem := false
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if seenSystem {
				return "", nil, domain.NewConfigurationError("%s does not accept more than one system message", EndpointAnthropic)
			}
			seenSystem = true
			system = m.Content
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, msgs, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(EndpointAnthropic, apiErr.StatusCode, err)
	}
	return classifyStatus(EndpointAnthropic, 0, err)
}
