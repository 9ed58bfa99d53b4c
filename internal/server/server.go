// Package server exposes conversations over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/cors"

	"github.com/iishyfishyy/chatterm/internal/config"
	"github.com/iishyfishyy/chatterm/internal/conversation"
	"github.com/iishyfishyy/chatterm/internal/domain"
	"github.com/iishyfishyy/chatterm/internal/gate"
	"github.com/iishyfishyy/chatterm/internal/prompt"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 16099
)

// EngineFactory builds the engine for a new conversation from its settings.
type EngineFactory func(settings config.Settings) (*conversation.Engine, error)

// NewEngineFactory returns the factory used in production: it validates
// the settings, connects the configured backend and loads the prompt.
func NewEngineFactory(logger *slog.Logger) EngineFactory {
	return func(settings config.Settings) (*conversation.Engine, error) {
		if err := settings.Validate(); err != nil {
			return nil, err
		}
		backend, params, err := settings.Backend(logger)
		if err != nil {
			return nil, err
		}
		composer, err := LoadComposer(settings.ChatTerminal)
		if err != nil {
			return nil, err
		}
		return conversation.New(settings.Conversation(params), backend, composer, logger), nil
	}
}

// LoadComposer loads the prompt named in ct, or the built-in one.
func LoadComposer(ct config.ChatTerminal) (*prompt.Composer, error) {
	if ct.Prompt == "" {
		return prompt.New("", ct.User, ct.Agent)
	}
	path, err := config.SearchConfigFile(ct.Prompt)
	if err != nil {
		return nil, domain.NewConfigurationError("prompt: %v", err)
	}
	return prompt.Load(path, ct.User, ct.Agent)
}

type Server struct {
	settings  config.Settings
	newEngine EngineFactory
	pool      *conversation.Pool
	logger    *slog.Logger

	gatesMu sync.Mutex
	gates   map[string]*gate.Gate
}

func New(settings config.Settings, newEngine EngineFactory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		settings:  settings,
		newEngine: newEngine,
		pool:      conversation.NewPool(),
		logger:    logger,
		gates:     make(map[string]*gate.Gate),
	}
}

// Handler returns the routes wrapped in panic recovery and CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("POST /chat/{id}/init", s.initChat)
	mux.HandleFunc("POST /chat/{id}/command", s.queryCommand)
	mux.HandleFunc("POST /chat/{id}/reply", s.queryReply)
	mux.HandleFunc("GET /chat/{id}", s.transcript)
	mux.HandleFunc("DELETE /chat/{id}", s.deleteChat)

	var handler http.Handler = mux
	handler = recovery(s.logger, handler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "Last-Event-ID"},
	})
	return corsHandler.Handler(handler)
}

// ListenAndServe serves on host:port until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	srv := &http.Server{
		Addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// streams stay open for as long as the backend generates
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, map[string]any{"conversations": s.pool.Len()})
}

func (s *Server) initChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var override *config.ChatTerminal
	if err := parseJSON(w, r, &override, true); err != nil {
		respondError(w, s.logger, err)
		return
	}
	settings := s.settings
	if override != nil {
		settings = settings.WithChatTerminal(override.Merge(s.settings.ChatTerminal))
	}

	g, err := settings.Gate()
	if err != nil {
		respondError(w, s.logger, domain.NewConfigurationError("%v", err))
		return
	}
	engine, err := s.newEngine(settings)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	if err := s.pool.Init(id, engine); err != nil {
		respondError(w, s.logger, err)
		return
	}

	s.gatesMu.Lock()
	s.gates[id] = g
	s.gatesMu.Unlock()

	s.logger.Info("conversation initialized", "id", id, "endpoint", settings.ChatTerminal.Endpoint)
	respondSuccess(w, nil)
}

type commandRequest struct {
	Message string         `json:"message"`
	Env     map[string]any `json:"env"`
	Stream  bool           `json:"stream"`
}

func (req commandRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Message, validation.Required),
	)
}

// CommandPayload is returned for a generated command.
type CommandPayload struct {
	conversation.CommandResult
	NeedsConfirmation bool `json:"needs_confirmation"`
}

func (s *Server) queryCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req commandRequest
	if err := parseJSON(w, r, &req, false); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, s.logger, domain.NewConfigurationError("%v", err))
		return
	}

	s.run(w, r, id, req.Stream, func(e *conversation.Engine, stream conversation.StreamFunc) (any, error) {
		res, err := e.QueryCommand(r.Context(), req.Message, req.Env, stream)
		if err != nil {
			return nil, err
		}
		return CommandPayload{
			CommandResult:     res,
			NeedsConfirmation: s.gate(id).NeedsConfirmation(res.Command),
		}, nil
	})
}

type replyRequest struct {
	Message         string         `json:"message"`
	CommandExecuted bool           `json:"command_executed"`
	Env             map[string]any `json:"env"`
	Stream          bool           `json:"stream"`
}

func (s *Server) queryReply(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req replyRequest
	if err := parseJSON(w, r, &req, false); err != nil {
		respondError(w, s.logger, err)
		return
	}

	s.run(w, r, id, req.Stream, func(e *conversation.Engine, stream conversation.StreamFunc) (any, error) {
		return e.QueryReply(r.Context(), !req.CommandExecuted, req.Message, req.Env, stream)
	})
}

func (s *Server) transcript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var items []conversation.Item
	var state string
	err := s.pool.Do(r.Context(), id, func(e *conversation.Engine) error {
		items = e.Transcript()
		state = e.State().String()
		return nil
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondSuccess(w, map[string]any{"state": state, "transcript": items})
}

func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.pool.Remove(id) {
		respondError(w, s.logger, domain.NewInvalidStateError("conversation '%s' does not exist", id))
		return
	}
	s.gatesMu.Lock()
	delete(s.gates, id)
	s.gatesMu.Unlock()

	s.logger.Info("conversation removed", "id", id)
	respondSuccess(w, nil)
}

func (s *Server) gate(id string) *gate.Gate {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	return s.gates[id]
}

// run executes fn against the conversation with exclusive access, replying
// with an envelope or, when streaming, with server-sent events.
func (s *Server) run(w http.ResponseWriter, r *http.Request, id string, streaming bool,
	fn func(*conversation.Engine, conversation.StreamFunc) (any, error)) {

	var payload any
	var events *eventWriter
	err := s.pool.Do(r.Context(), id, func(e *conversation.Engine) error {
		var stream conversation.StreamFunc
		if streaming {
			ew, err := newEventWriter(w, s.logger)
			if err != nil {
				return err
			}
			events = ew
			stream = ew.chunk
		}
		var err error
		payload, err = fn(e, stream)
		return err
	})

	switch {
	case events != nil && err != nil:
		events.fail(err)
	case events != nil:
		events.finish(payload)
	case err != nil:
		respondError(w, s.logger, err)
	default:
		respondSuccess(w, payload)
	}
}
