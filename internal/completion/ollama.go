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

// OllamaBackend uses Ollama's raw generate API.
type OllamaBackend struct {
	serverURL string
	model     string
	client    *http.Client
	logger    *slog.Logger
}

// NewOllama creates a backend for cfg.Model served at cfg.ServerURL.
func NewOllama(cfg EndpointConfig) *OllamaBackend {
	return &OllamaBackend{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		model:     cfg.Model,
		client:    cfg.httpClient(),
		logger:    cfg.logger(),
	}
}

// Tokenize runs text through the embed endpoint, which reports how many
// prompt tokens it evaluated.
func (o *OllamaBackend) Tokenize(ctx context.Context, text string) (int, error) {
	resp, err := postJSON(ctx, o.client, EndpointOllama, o.serverURL+"/api/embed", map[string]any{
		"model": o.model,
		"input": text,
	})
	if err != nil {
		return 0, backendFailure(ctx, EndpointOllama, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, backendFailure(ctx, EndpointOllama, fmt.Errorf("failed to read response: %w", err))
	}

	count := gjson.GetBytes(data, "prompt_eval_count")
	if !count.Exists() {
		return 0, fmt.Errorf("%s embed response has no prompt_eval_count: %w", EndpointOllama, domain.ErrUnsupported)
	}
	return int(count.Int()), nil
}

// Create streams a raw-mode generation for req.Prompt.
func (o *OllamaBackend) Create(ctx context.Context, req Request, h Handler) (string, error) {
	options := make(map[string]any, len(req.Params.Extra)+4)
	for k, v := range req.Params.Extra {
		options[k] = v
	}
	if req.Params.Temperature != nil {
		options["temperature"] = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		options["top_p"] = *req.Params.TopP
	}
	if req.Params.MaxTokens > 0 {
		options["num_predict"] = req.Params.MaxTokens
	}
	if len(req.Params.Stop) > 0 {
		options["stop"] = req.Params.Stop
	}

	resp, err := postJSON(ctx, o.client, EndpointOllama, o.serverURL+"/api/generate", map[string]any{
		"model":   o.model,
		"prompt":  promptText(req),
		"raw":     true,
		"stream":  true,
		"options": options,
	})
	if err != nil {
		return "", backendFailure(ctx, EndpointOllama, err)
	}
	defer resp.Body.Close()

	var reply strings.Builder
	stopped, err := readFrames(resp.Body, newFrameBuffer(""), func(frame []byte) (bool, error) {
		if msg := errorMessage(frame); msg != "" {
			o.logger.Warn("encountered error", "provider", EndpointOllama, "error", msg)
			return false, &domain.BackendError{Provider: EndpointOllama, Message: "error from server: " + msg}
		}
		content := gjson.GetBytes(frame, "response").String()
		done := gjson.GetBytes(frame, "done").Bool()
		raw := json.RawMessage(frame)

		if content != "" {
			reply.WriteString(content)
			h.emit(Chunk{Content: content, Raw: raw})
		}
		if done {
			h.emit(Chunk{Stop: true, Raw: raw})
		}
		return done, nil
	})
	if err != nil {
		return "", backendFailure(ctx, EndpointOllama, err)
	}
	if !stopped {
		o.logger.Warn("stream ended without a done frame", "provider", EndpointOllama)
		h.emit(Chunk{Stop: true})
	}

	return strings.TrimSpace(reply.String()), nil
}
