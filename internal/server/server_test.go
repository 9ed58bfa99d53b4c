package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iishyfishyy/chatterm/internal/completion"
	"github.com/iishyfishyy/chatterm/internal/config"
	"github.com/iishyfishyy/chatterm/internal/conversation"
	"github.com/iishyfishyy/chatterm/internal/domain"
	"github.com/iishyfishyy/chatterm/internal/prompt"
)

// stubBackend answers by the role at the end of the prompt and streams
// each reply word by word.
type stubBackend struct {
	replies map[string]string
	fail    bool
}

func (b *stubBackend) Tokenize(ctx context.Context, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func (b *stubBackend) Create(ctx context.Context, req completion.Request, h completion.Handler) (string, error) {
	if b.fail {
		return "", &domain.BackendError{Provider: "stub", Message: "secret upstream detail"}
	}
	var reply string
	for role, r := range b.replies {
		if strings.HasSuffix(req.Prompt, conversation.Tag(role)) {
			reply = r
		}
	}
	for _, word := range strings.SplitAfter(reply, " ") {
		if h != nil {
			h(completion.Chunk{Content: word})
		}
	}
	if h != nil {
		h(completion.Chunk{Stop: true})
	}
	return reply, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, backend *stubBackend) *httptest.Server {
	t.Helper()
	factory := func(settings config.Settings) (*conversation.Engine, error) {
		ct := settings.ChatTerminal
		composer, err := prompt.New("test", ct.User, ct.Agent)
		if err != nil {
			return nil, err
		}
		return conversation.New(settings.Conversation(completion.Params{}), backend, composer, discardLogger()), nil
	}
	srv := httptest.NewServer(New(config.Default(), factory, discardLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) (int, Envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, env
}

func readEvents(t *testing.T, resp *http.Response) []Event {
	t.Helper()
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	var events []Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func assertSingleFinish(t *testing.T, events []Event) {
	t.Helper()
	if len(events) == 0 {
		t.Fatalf("no events")
	}
	for i, ev := range events {
		if ev.Finished != (i == len(events)-1) {
			t.Fatalf("event %d finished=%v; want finished only on the last event", i, ev.Finished)
		}
	}
}

func TestConversationRoundTrip(t *testing.T) {
	srv := newTestServer(t, &stubBackend{replies: map[string]string{
		conversation.RoleCommand:  "ls -la",
		conversation.DefaultAgent: "Two files.",
	}})

	code, env := do(t, http.MethodPost, srv.URL+"/chat/c1/init", nil)
	if code != http.StatusOK || env.Status != "success" {
		t.Fatalf("init = %d %+v", code, env)
	}

	code, env = do(t, http.MethodPost, srv.URL+"/chat/c1/command", map[string]any{"message": "list files", "env": map[string]any{"cwd": "/tmp"}})
	if code != http.StatusOK {
		t.Fatalf("command = %d %+v", code, env)
	}
	payload := env.Payload.(map[string]any)
	if payload["command"] != "ls -la" || payload["needs_confirmation"] != true {
		t.Fatalf("command payload = %v", payload)
	}

	code, env = do(t, http.MethodPost, srv.URL+"/chat/c1/reply", map[string]any{"message": "a\nb", "command_executed": true})
	if code != http.StatusOK || env.Payload.(map[string]any)["reply"] != "Two files." {
		t.Fatalf("reply = %d %+v", code, env)
	}

	code, env = do(t, http.MethodGet, srv.URL+"/chat/c1", nil)
	if code != http.StatusOK {
		t.Fatalf("transcript = %d %+v", code, env)
	}
	transcript := env.Payload.(map[string]any)["transcript"].([]any)
	item := transcript[0].(map[string]any)
	if len(transcript) != 1 || item["observation_received"] != true || item["observation"] != "a\nb" {
		t.Fatalf("transcript = %v", transcript)
	}

	if code, _ := do(t, http.MethodDelete, srv.URL+"/chat/c1", nil); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	code, env = do(t, http.MethodPost, srv.URL+"/chat/c1/command", map[string]any{"message": "again"})
	if code != http.StatusConflict || env.Status != "error" {
		t.Fatalf("command after delete = %d %+v", code, env)
	}
}

func TestInitTwiceIsInvalidState(t *testing.T) {
	srv := newTestServer(t, &stubBackend{})
	do(t, http.MethodPost, srv.URL+"/chat/dup/init", nil)
	code, env := do(t, http.MethodPost, srv.URL+"/chat/dup/init", nil)
	if code != http.StatusConflict || env.Error != "conversation 'dup' already exists" {
		t.Fatalf("second init = %d %+v", code, env)
	}
}

func TestReplyBeforeCommand(t *testing.T) {
	srv := newTestServer(t, &stubBackend{})
	do(t, http.MethodPost, srv.URL+"/chat/c/init", nil)
	code, env := do(t, http.MethodPost, srv.URL+"/chat/c/reply", map[string]any{"message": "x", "command_executed": true})
	if code != http.StatusConflict || env.Status != "error" {
		t.Fatalf("reply = %d %+v", code, env)
	}
}

func TestInitOverrideEnablesBlackList(t *testing.T) {
	srv := newTestServer(t, &stubBackend{replies: map[string]string{conversation.RoleCommand: "ls"}})
	code, env := do(t, http.MethodPost, srv.URL+"/chat/g/init", map[string]any{"use_black_list": true, "black_list_pattern": "rm"})
	if code != http.StatusOK {
		t.Fatalf("init = %d %+v", code, env)
	}
	_, env = do(t, http.MethodPost, srv.URL+"/chat/g/command", map[string]any{"message": "list"})
	if env.Payload.(map[string]any)["needs_confirmation"] != false {
		t.Fatalf("ls should not need confirmation under pattern rm: %+v", env)
	}
}

func TestCommandRequiresMessage(t *testing.T) {
	srv := newTestServer(t, &stubBackend{})
	do(t, http.MethodPost, srv.URL+"/chat/c/init", nil)
	code, env := do(t, http.MethodPost, srv.URL+"/chat/c/command", map[string]any{"message": ""})
	if code != http.StatusBadRequest || env.Status != "error" {
		t.Fatalf("command = %d %+v", code, env)
	}
}

func TestBackendFailureIsOpaque(t *testing.T) {
	srv := newTestServer(t, &stubBackend{fail: true})
	do(t, http.MethodPost, srv.URL+"/chat/c/init", nil)
	code, env := do(t, http.MethodPost, srv.URL+"/chat/c/command", map[string]any{"message": "list"})
	if code != http.StatusBadGateway || env.Error != domain.UpstreamFailureMessage {
		t.Fatalf("command = %d %+v", code, env)
	}
}

func TestStreamingCommand(t *testing.T) {
	srv := newTestServer(t, &stubBackend{replies: map[string]string{conversation.RoleCommand: "find . -name x"}})
	do(t, http.MethodPost, srv.URL+"/chat/s/init", nil)

	resp, err := http.Post(srv.URL+"/chat/s/command", "application/json",
		strings.NewReader(`{"message": "find x", "stream": true}`))
	if err != nil {
		t.Fatal(err)
	}
	events := readEvents(t, resp)
	assertSingleFinish(t, events)

	var content strings.Builder
	for _, ev := range events[:len(events)-1] {
		if ev.Role != conversation.RoleCommand {
			t.Fatalf("event role = %q", ev.Role)
		}
		content.WriteString(ev.Content)
	}
	if content.String() != "find . -name x" {
		t.Fatalf("streamed content = %q", content.String())
	}
	last := events[len(events)-1]
	if last.Error != "" || last.Payload.(map[string]any)["command"] != "find . -name x" {
		t.Fatalf("final event = %+v", last)
	}
}

func TestStreamingFailureEndsWithError(t *testing.T) {
	srv := newTestServer(t, &stubBackend{fail: true})
	do(t, http.MethodPost, srv.URL+"/chat/s/init", nil)

	resp, err := http.Post(srv.URL+"/chat/s/command", "application/json",
		strings.NewReader(`{"message": "x", "stream": true}`))
	if err != nil {
		t.Fatal(err)
	}
	events := readEvents(t, resp)
	assertSingleFinish(t, events)
	if events[0].Error != domain.UpstreamFailureMessage {
		t.Fatalf("final event = %+v", events[0])
	}
}

func TestInitWithUnknownEndpoint(t *testing.T) {
	srv := httptest.NewServer(New(config.Default(), NewEngineFactory(discardLogger()), discardLogger()).Handler())
	defer srv.Close()

	code, env := do(t, http.MethodPost, srv.URL+"/chat/x/init", map[string]any{"endpoint": "gpt-9000"})
	if code != http.StatusBadRequest || !strings.Contains(env.Error, "gpt-9000") {
		t.Fatalf("init = %d %+v", code, env)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubBackend{})
	code, env := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	if code != http.StatusOK || env.Status != "success" {
		t.Fatalf("healthz = %d %+v", code, env)
	}
}
