package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/iishyfishyy/chatterm/internal/domain"
)

const maxBodyBytes = 10 << 20

// Envelope wraps every non-streaming response.
type Envelope struct {
	Status  string `json:"status"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func respondSuccess(w http.ResponseWriter, payload any) {
	respondJSON(w, http.StatusOK, Envelope{Status: statusSuccess, Payload: payload})
}

// respondError logs err and sends only its public message.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := http.StatusInternalServerError
	var httpErr domain.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.StatusCode()
	}
	if code >= 500 {
		logger.Error("request failed", "error", err)
	} else {
		logger.Debug("request rejected", "error", err)
	}
	respondJSON(w, code, Envelope{Status: statusError, Error: domain.PublicMessage(err)})
}

// parseJSON decodes the request body into dest. An empty body leaves dest
// untouched when optional is set.
func parseJSON(w http.ResponseWriter, r *http.Request, dest any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dest)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return domain.NewConfigurationError("invalid request body: %v", err)
	}
	return nil
}

// recovery turns a panic into a 500 response.
func recovery(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered",
					"error", rec,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(debug.Stack()),
				)
				respondError(w, logger, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
