package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/iishyfishyy/chatterm/internal/domain"
)

// llamaFramePrefix is the marker in front of every frame the server emits.
const llamaFramePrefix = "data: "

// LlamaBackend talks to a llama.cpp-style completion server.
type LlamaBackend struct {
	serverURL string
	client    *http.Client
	logger    *slog.Logger
}

// NewLlama creates a backend for the server at cfg.ServerURL.
func NewLlama(cfg EndpointConfig) *LlamaBackend {
	return &LlamaBackend{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		client:    cfg.httpClient(),
		logger:    cfg.logger(),
	}
}

// Tokenize asks the server to tokenize text and returns the token count.
func (l *LlamaBackend) Tokenize(ctx context.Context, text string) (int, error) {
	resp, err := postJSON(ctx, l.client, EndpointLocalLlama, l.serverURL+"/tokenize", map[string]any{
		"content": text,
	})
	if err != nil {
		return 0, backendFailure(ctx, EndpointLocalLlama, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, backendFailure(ctx, EndpointLocalLlama, fmt.Errorf("failed to read response: %w", err))
	}

	tokens := gjson.GetBytes(data, "tokens")
	if !tokens.IsArray() {
		return 0, fmt.Errorf("%s tokenize response has no tokens: %w", EndpointLocalLlama, domain.ErrUnsupported)
	}
	return len(tokens.Array()), nil
}

// Create streams a completion for req.Prompt. The server always streams.
func (l *LlamaBackend) Create(ctx context.Context, req Request, h Handler) (string, error) {
	body := make(map[string]any, len(req.Params.Extra)+6)
	for k, v := range req.Params.Extra {
		body[k] = v
	}
	if req.Params.Temperature != nil {
		body["temperature"] = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		body["top_p"] = *req.Params.TopP
	}
	if req.Params.MaxTokens > 0 {
		body["n_predict"] = req.Params.MaxTokens
	}
	if len(req.Params.Stop) > 0 {
		body["stop"] = req.Params.Stop
	}
	body["prompt"] = promptText(req)
	body["stream"] = true

	resp, err := postJSON(ctx, l.client, EndpointLocalLlama, l.serverURL+"/completion", body)
	if err != nil {
		return "", backendFailure(ctx, EndpointLocalLlama, err)
	}
	defer resp.Body.Close()

	var reply strings.Builder
	stopped, err := readFrames(resp.Body, newFrameBuffer(llamaFramePrefix), func(frame []byte) (bool, error) {
		if msg := errorMessage(frame); msg != "" {
			return false, &domain.BackendError{Provider: EndpointLocalLlama, Message: msg}
		}
		content := gjson.GetBytes(frame, "content").String()
		stop := gjson.GetBytes(frame, "stop").Bool()
		raw := json.RawMessage(frame)

		if content != "" {
			reply.WriteString(content)
			h.emit(Chunk{Content: content, Raw: raw})
		}
		if stop {
			h.emit(Chunk{Stop: true, Raw: raw})
		}
		return stop, nil
	})
	if err != nil {
		return "", backendFailure(ctx, EndpointLocalLlama, err)
	}
	if !stopped {
		l.logger.Warn("stream ended without a stop frame", "provider", EndpointLocalLlama)
		h.emit(Chunk{Stop: true})
	}

	return strings.TrimSpace(reply.String()), nil
}
