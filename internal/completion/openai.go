package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkoukk/tiktoken-go"

	"github.com/iishyfishyy/chatterm/internal/domain"
)

// OpenAIMaxStops is the largest stop set the chat completions API accepts.
const OpenAIMaxStops = 4

// OpenAIBackend uses the chat completions API.
type OpenAIBackend struct {
	client        openai.Client
	model         string
	systemMessage string
	retry         retrier
	logger        *slog.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
}

// NewOpenAI creates a backend for cfg.Model. A missing API key is not an
// error here; the first request fails instead. cfg.ServerURL points the
// client at an OpenAI-compatible server.
func NewOpenAI(cfg EndpointConfig) *OpenAIBackend {
	opts := []option.RequestOption{
		// Retries are ours, see retrier.
		option.WithMaxRetries(0),
		option.WithHTTPClient(cfg.httpClient()),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.ServerURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.ServerURL))
	}

	return &OpenAIBackend{
		client:        openai.NewClient(opts...),
		model:         cfg.Model,
		systemMessage: cfg.SystemMessage,
		retry:         newRetrier(EndpointOpenAI, cfg),
		logger:        cfg.logger(),
	}
}

// Tokenize counts tokens with the model's BPE encoding.
func (o *OpenAIBackend) Tokenize(ctx context.Context, text string) (int, error) {
	o.encOnce.Do(func() {
		o.enc, o.encErr = tiktoken.EncodingForModel(o.model)
		if o.encErr != nil {
			o.enc, o.encErr = tiktoken.GetEncoding("cl100k_base")
		}
	})
	if o.encErr != nil {
		return 0, fmt.Errorf("%s tokenizer unavailable (%v): %w", EndpointOpenAI, o.encErr, domain.ErrUnsupported)
	}
	return len(o.enc.Encode(text, nil, nil)), nil
}

// Create runs a chat completion, streaming when req.Params.Stream is set.
func (o *OpenAIBackend) Create(ctx context.Context, req Request, h Handler) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: toOpenAIMessages(buildMessages(req, o.systemMessage)),
	}
	if req.Params.Temperature != nil {
		params.Temperature = openai.Float(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		params.TopP = openai.Float(*req.Params.TopP)
	}
	if req.Params.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.Params.MaxTokens))
	}
	if stops := capStopsWithWarning(o.logger, EndpointOpenAI, req.Params.Stop, OpenAIMaxStops); len(stops) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: stops}
	}

	var reply string
	err := o.retry.do(ctx, func(ctx context.Context) error {
		var err error
		if req.Params.Stream {
			reply, err = o.stream(ctx, params, h)
		} else {
			reply, err = o.complete(ctx, params, h)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func (o *OpenAIBackend) complete(ctx context.Context, params openai.ChatCompletionNewParams, h Handler) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &domain.BackendError{Provider: EndpointOpenAI, Message: "response has no choices"}
	}

	choice := resp.Choices[0]
	h.emit(Chunk{Content: choice.Message.Content, Stop: true, Raw: resp})
	return choice.Message.Content, nil
}

func (o *OpenAIBackend) stream(ctx context.Context, params openai.ChatCompletionNewParams, h Handler) (string, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var reply strings.Builder
	stopped := false
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if content := choice.Delta.Content; content != "" {
			reply.WriteString(content)
			h.emit(Chunk{Content: content, Raw: chunk})
		}
		if choice.FinishReason != "" {
			stopped = true
			h.emit(Chunk{Stop: true, Raw: chunk})
			break
		}
	}
	if err := stream.Err(); err != nil {
		// Content already handed to h cannot be taken back, so a stream
		// that breaks after its first chunk is not retried.
		if reply.Len() > 0 {
			return "", &domain.BackendError{Provider: EndpointOpenAI, Message: "stream interrupted", Err: err}
		}
		return "", classifyOpenAIError(err)
	}
	if !stopped {
		o.logger.Warn("stream ended without a finish reason", "provider", EndpointOpenAI)
		h.emit(Chunk{Stop: true})
	}
	return reply.String(), nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(EndpointOpenAI, apiErr.StatusCode, err)
	}
	return classifyStatus(EndpointOpenAI, 0, err)
}
