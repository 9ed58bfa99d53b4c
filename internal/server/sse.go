package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/iishyfishyy/chatterm/internal/completion"
	"github.com/iishyfishyy/chatterm/internal/domain"
)

// Event is one server-sent event of a streaming response. A stream is a
// run of content events ended by exactly one event with Finished set,
// which carries either the payload or the error.
type Event struct {
	Role     string `json:"role,omitempty"`
	Content  string `json:"content"`
	Finished bool   `json:"finished"`
	Payload  any    `json:"payload,omitempty"`
	Error    string `json:"error,omitempty"`
}

type eventWriter struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	logger   *slog.Logger
	finished bool
}

func newEventWriter(w http.ResponseWriter, logger *slog.Logger) (*eventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventWriter{w: w, flusher: flusher, logger: logger}, nil
}

func (e *eventWriter) write(ev Event) {
	if e.finished {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("failed to encode event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		e.logger.Debug("write event failed", "error", err)
		return
	}
	e.flusher.Flush()
	e.finished = ev.Finished
}

// chunk forwards backend content. Per-generation stop chunks are not
// forwarded; the stream ends with finish or fail.
func (e *eventWriter) chunk(role string, c completion.Chunk) {
	if c.Content == "" {
		return
	}
	e.write(Event{Role: role, Content: c.Content})
}

func (e *eventWriter) finish(payload any) {
	e.write(Event{Finished: true, Payload: payload})
}

func (e *eventWriter) fail(err error) {
	e.logger.Error("streaming request failed", "error", err)
	e.write(Event{Finished: true, Error: domain.PublicMessage(err)})
}
