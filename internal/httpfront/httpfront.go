// Package httpfront is the HTTP Front (spec.md §6): it exposes the router
// over four routes — Anthropic-wire /v1/messages (the primary surface),
// OpenAI-wire /v1/chat/completions, Gemini-wire
// /v1beta/models/{model}/generateContent, and an auto-detecting
// pass-through /v1/proxy/{provider}/{model} — decoding each inbound body
// into a core.Request, running it through the Pipeline Coordinator, and
// re-encoding the result in the caller's own wire format. Route layout and
// middleware wrapping follow the teacher pack's haasonsaas-nexus
// internal/web package: one *http.ServeMux per Handler, routes registered
// in a setupRoutes method, middleware applied around the finished mux
// rather than per-handler.
package httpfront

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/anyllm/broker/internal/coordinator"
	"github.com/anyllm/broker/internal/rcerrors"
)

// Server is the HTTP Front. One Server is built per listening port; its
// logger should be internal/logging's per-port handle so request logs land
// in that port's rotating directory (spec.md §9).
type Server struct {
	co     *coordinator.Coordinator
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer builds a Server wired to co. logger defaults to slog.Default
// if nil.
func NewServer(co *coordinator.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{co: co, logger: logger, mux: http.NewServeMux()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/messages", s.handleAnthropicMessages)
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleOpenAIChatCompletions)
	s.mux.HandleFunc("POST /v1beta/models/{model}/generateContent", s.handleGeminiGenerateContent)
	s.mux.HandleFunc("POST /v1beta/models/{model}/streamGenerateContent", s.handleGeminiGenerateContent)
	s.mux.HandleFunc("POST /v1/proxy/{provider}/{model}", s.handleProxy)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// Handler returns the fully wrapped http.Handler cmd/router hands to
// http.Server.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// statusRecorder captures the status code a handler wrote, for the access
// log line — http.ResponseWriter doesn't expose it otherwise.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("latency", time.Since(start)),
		)
	})
}

// writeError maps err to the HTTP status/body spec.md §7 asks the front to
// return: a RouterError's Code decides the status, anything else is a
// generic 500 — the front never leaks an unclassified internal error's raw
// text to the caller.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal-error"
	details := err.Error()

	var rerr *rcerrors.RouterError
	if errors.As(err, &rerr) {
		status = rerr.Code.HTTPStatus()
		code = string(rerr.Code)
		details = rerr.Details
	}

	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    code,
			"message": details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
