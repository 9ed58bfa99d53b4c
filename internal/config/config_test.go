package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/iishyfishyy/chatterm/internal/completion"
	"github.com/iishyfishyy/chatterm/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "chat.yaml", `
chat_terminal:
  endpoint: ollama
  agent: Alice
  thinking: true
  max_observation_tokens: 256
text_completion_endpoints:
  ollama:
    server_url: http://127.0.0.1:11434
    model: llama3
    params:
      temperature: 0.2
      num_predict: 128
      stop: ["###"]
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ct := s.ChatTerminal
	if ct.Endpoint != "ollama" || ct.Agent != "Alice" || !ct.Thinking || ct.MaxObservationTokens != 256 {
		t.Fatalf("unexpected chat settings %+v", ct)
	}
	if ct.User != "User" || ct.FrontRatio != 0.3 || ct.CoarseGap != 16 {
		t.Fatalf("defaults not kept for missing keys: %+v", ct)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	backend, params, err := s.Backend(nil)
	if err != nil {
		t.Fatalf("Backend: %v", err)
	}
	if _, ok := backend.(*completion.OllamaBackend); !ok {
		t.Fatalf("backend = %T", backend)
	}
	if params.MaxTokens != 128 || len(params.Stop) != 1 || *params.Temperature != 0.2 {
		t.Fatalf("params = %+v", params)
	}

	cfg := s.Conversation(params)
	if cfg.Agent != "Alice" || !cfg.Thinking || cfg.MaxObservationTokens != 256 {
		t.Fatalf("conversation config = %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "chat.toml", `
[chat_terminal]
endpoint = "openai"
use_black_list = true

[text_completion_endpoints.openai]
model = "gpt-4o-mini"
api_key = "sk-inline"
max_retries = 3
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.ChatTerminal.UseBlackList || s.ChatTerminal.BlackListPattern == "" {
		t.Fatalf("unexpected chat settings %+v", s.ChatTerminal)
	}
	if ep := s.Endpoints["openai"]; ep.MaxRetries != 3 || ep.Model != "gpt-4o-mini" {
		t.Fatalf("endpoint = %+v", ep)
	}
	g, err := s.Gate()
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if g.NeedsConfirmation("ls") {
		t.Fatalf("default blacklist should approve ls")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for an explicit missing file")
	}

	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ChatTerminal.Endpoint != completion.EndpointLocalLlama {
		t.Fatalf("expected defaults, got %+v", s.ChatTerminal)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ChatTerminal)
	}{
		{"unknown endpoint", func(ct *ChatTerminal) { ct.Endpoint = "gpt-9000" }},
		{"front ratio", func(ct *ChatTerminal) { ct.FrontRatio = 1.5 }},
		{"negative gap", func(ct *ChatTerminal) { ct.CoarseGap = -1 }},
		{"bad pattern", func(ct *ChatTerminal) { ct.UseBlackList = true; ct.BlackListPattern = "(" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := DefaultChatTerminal()
			tt.modify(&ct)
			err := Default().WithChatTerminal(ct).Validate()
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestWithHelpersDoNotMutate(t *testing.T) {
	base := Default()
	other := base.WithEndpoint("openai")
	if base.ChatTerminal.Endpoint != completion.EndpointLocalLlama {
		t.Fatalf("base mutated: %s", base.ChatTerminal.Endpoint)
	}
	if other.ChatTerminal.Endpoint != "openai" {
		t.Fatalf("override lost")
	}
}

func TestMerge(t *testing.T) {
	got := ChatTerminal{Agent: "Alice", Thinking: true}.Merge(DefaultChatTerminal())
	if got.Agent != "Alice" || !got.Thinking || got.User != "User" || got.MaxObservationTokens == 0 {
		t.Fatalf("Merge = %+v", got)
	}
}

func TestResolveAPIKey(t *testing.T) {
	dir := t.TempDir()
	creds := writeFile(t, dir, "openai.yaml", "api_key: sk-from-file\n")

	t.Setenv("OPENAI_API_KEY", "")
	key, err := resolveAPIKey("openai", Endpoint{Credentials: creds})
	if err != nil || key != "sk-from-file" {
		t.Fatalf("resolveAPIKey = %q, %v", key, err)
	}

	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	key, err = resolveAPIKey("openai", Endpoint{Credentials: creds})
	if err != nil || key != "sk-from-env" {
		t.Fatalf("env should win, got %q, %v", key, err)
	}

	key, err = resolveAPIKey("anthropic", Endpoint{})
	if err != nil || key != "" {
		t.Fatalf("missing key must be tolerated, got %q, %v", key, err)
	}

	if _, err := resolveAPIKey("anthropic", Endpoint{Credentials: filepath.Join(dir, "missing.yaml")}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
