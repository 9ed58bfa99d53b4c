package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/iishyfishyy/chatterm/internal/domain"
)

// readChunkSize matches the granularity the servers flush at; frames are
// routinely split across reads.
const readChunkSize = 1024

// frameBuffer reassembles JSON frames from a byte stream that may split a
// frame anywhere. A fragment that does not parse yet is kept until more
// bytes arrive; that is not an error.
type frameBuffer struct {
	prefix []byte
	buf    []byte
}

func newFrameBuffer(prefix string) *frameBuffer {
	return &frameBuffer{prefix: []byte(prefix)}
}

// Push appends data and returns every frame that is now complete.
func (f *frameBuffer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		f.buf = f.buf[i+1:]
		// Complete lines that are not JSON (keep-alives, [DONE]) are dropped.
		if frame, ok := f.frame(line); ok {
			frames = append(frames, frame)
		}
	}

	// Servers do not always terminate the last frame with a newline.
	if frame, ok := f.frame(f.buf); ok {
		frames = append(frames, frame)
		f.buf = nil
	}
	return frames
}

// Pending reports whether unparsed bytes remain.
func (f *frameBuffer) Pending() bool {
	return len(bytes.TrimSpace(f.buf)) > 0
}

func (f *frameBuffer) frame(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(f.prefix) > 0 {
		line = bytes.TrimPrefix(line, f.prefix)
		line = bytes.TrimSpace(line)
	}
	if len(line) == 0 || line[0] != '{' || !gjson.ValidBytes(line) {
		return nil, false
	}
	out := make([]byte, len(line))
	copy(out, line)
	return out, true
}

// readFrames feeds r through fb and hands each frame to handle until handle
// reports the terminal frame. It returns false if the stream ended first.
func readFrames(r io.Reader, fb *frameBuffer, handle func(frame []byte) (bool, error)) (bool, error) {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, frame := range fb.Push(chunk[:n]) {
				done, herr := handle(frame)
				if herr != nil {
					return false, herr
				}
				if done {
					return true, nil
				}
			}
		}
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}

// postJSON sends body as JSON and returns the response if the server
// answered 2xx. Other statuses are turned into classified errors carrying
// the server's error message when it sent one.
func postJSON(ctx context.Context, client *http.Client, provider, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyStatus(provider, 0, fmt.Errorf("request failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := errorMessage(data)
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return nil, classifyStatus(provider, resp.StatusCode, fmt.Errorf("%s returned status %d: %s", provider, resp.StatusCode, msg))
	}

	return resp, nil
}

// errorMessage extracts an error description from a JSON error envelope.
// Both {"error": "msg"} and {"error": {"message": "msg"}} are understood.
func errorMessage(data []byte) string {
	e := gjson.GetBytes(data, "error")
	if !e.Exists() {
		return ""
	}
	if e.IsObject() {
		if m := e.Get("message"); m.Exists() {
			return m.String()
		}
		return e.Raw
	}
	return e.String()
}

// backendFailure turns any failure of a non-retrying backend into a
// *domain.BackendError.
func backendFailure(ctx context.Context, provider string, err error) error {
	var backendErr *domain.BackendError
	if errors.As(err, &backendErr) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &domain.BackendError{Provider: provider, Message: "request cancelled", Err: ctxErr}
	}
	return &domain.BackendError{Provider: provider, Err: err}
}
