// Package web serves the prompt page, its event stream and the stateless
// generation endpoint.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hurricanerix/blink/internal/image"
	"github.com/hurricanerix/blink/internal/imagegen"
	"github.com/hurricanerix/blink/internal/logging"
	"github.com/hurricanerix/blink/internal/metrics"
	"github.com/hurricanerix/blink/internal/session"
	"github.com/hurricanerix/blink/internal/style"
)

//go:embed templates/* static/*
var embeddedFS embed.FS

const (
	// DefaultAddr is the default address the server listens on.
	DefaultAddr = "localhost:8080"

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 15 * time.Second

	// WriteTimeout is the maximum duration before timing out writes.
	// It covers a full generation round trip on /api/generateImages.
	WriteTimeout = 60 * time.Second

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout = 60 * time.Second

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 30 * time.Second

	// MaxRequestBodySize is the maximum size of POST request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxPromptLength is the maximum length of an image prompt (4KB).
	MaxPromptLength = 4 * 1024

	// MaxAPIKeyLength is the maximum length of a user API key.
	MaxAPIKeyLength = 256
)

// Config holds the dependencies of a Server. Generator is required.
type Config struct {
	Addr      string
	Generator imagegen.Generator
	Styles    *style.Catalog
	Images    *image.Storage
	History   session.HistoryStore
	Debounce  time.Duration
	// FreePerMinute limits generations without a user API key per client.
	// Zero disables the limit.
	FreePerMinute int
	// TrustProxy keys the free tier on X-Forwarded-For instead of the
	// connection address. Enable only behind a proxy that sets the header.
	TrustProxy  bool
	MaxSessions int
	Logger      *logging.Logger
}

// Server provides HTTP serving for the web UI.
type Server struct {
	addr      string
	server    *http.Server
	broker    *Broker
	templates *template.Template
	logger    *logging.Logger

	generator imagegen.Generator
	styles    *style.Catalog
	images    *image.Storage
	sessions  *session.SessionManager

	freeTier   *rateLimiter
	input      *rateLimiter
	trustProxy bool
}

// NewServer creates a Server from cfg.
// Returns an error if templates cannot be parsed.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Styles == nil {
		cfg.Styles = style.Builtin()
	}
	if cfg.Images == nil {
		cfg.Images = image.NewStorage()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	tmpl, err := template.ParseFS(embeddedFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		addr:       cfg.Addr,
		broker:     NewBroker(),
		templates:  tmpl,
		logger:     cfg.Logger,
		generator:  cfg.Generator,
		styles:     cfg.Styles,
		images:     cfg.Images,
		freeTier:   newPerMinuteLimiter(cfg.FreePerMinute),
		input:      newRateLimiter(MaxInputEventsPerSecond, InputEventBurst),
		trustProxy: cfg.TrustProxy,
	}

	s.sessions, err = session.NewSessionManager(func(id string) *session.Session {
		return session.New(session.Options{
			ID:        id,
			Generator: s.freeTier.freeTier(cfg.Generator, id),
			Styles:    cfg.Styles,
			Debounce:  cfg.Debounce,
			Images:    cfg.Images,
			History:   cfg.History,
			Observer:  s.broker,
			Logger:    cfg.Logger,
		})
	}, session.ManagerOptions{MaxSessions: cfg.MaxSessions, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	s.broker.OnConnect(func(sessionID string) {
		s.sessions.GetOrCreate(context.Background(), sessionID).PublishCurrent()
	})

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      SessionMiddleware(mux),
		ReadTimeout:  ReadTimeout,
		WriteTimeout: WriteTimeout,
		IdleTimeout:  IdleTimeout,
	}

	return s, nil
}

// Broker returns the SSE broker.
func (s *Server) Broker() *Broker {
	return s.broker
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.SessionManager {
	return s.sessions
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /static/", http.FileServer(http.FS(embeddedFS)))
	mux.HandleFunc("GET /events", s.handleEvents)

	// Session input
	mux.HandleFunc("POST /prompt", s.handlePrompt)
	mux.HandleFunc("POST /style", s.handleStyle)
	mux.HandleFunc("POST /api-key", s.handleAPIKey)
	mux.HandleFunc("POST /consistency", s.handleConsistency)
	mux.HandleFunc("POST /history/select", s.handleSelect)
	mux.HandleFunc("GET /state", s.handleState)

	mux.HandleFunc("GET /styles", s.handleStyles)
	mux.HandleFunc("GET /images/{id}", s.handleImage)

	mux.HandleFunc("POST /api/generateImages", s.handleGenerateImages)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
}

// ListenAndServe starts the HTTP server and blocks until the context is cancelled.
// Returns an error if the server fails to start or encounters a non-graceful shutdown error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.freeTier.startCleanup(ctx)
	s.input.startCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting web server on http://%s", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down web server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		// Streams never finish on their own, so close them first.
		if err := s.broker.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("broker shutdown failed: %w", err)
		}
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		s.sessions.Shutdown()

		s.logger.Info("Web server stopped")
		return nil

	case err := <-errCh:
		s.sessions.Shutdown()
		return fmt.Errorf("server error: %w", err)
	}
}

type indexData struct {
	Styles []style.Style
	View   session.View
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.GetOrCreate(r.Context(), GetSessionID(r.Context()))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := indexData{Styles: s.styles.All(), View: sess.View()}
	if err := s.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		s.logger.Error("Failed to execute template: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.broker.ServeHTTP(w, r)
}

// sessionForInput applies the body limit, input rate limit and form parsing
// shared by the input handlers. It writes the error response and returns nil
// when the request should stop.
func (s *Server) sessionForInput(w http.ResponseWriter, r *http.Request) *session.Session {
	sessionID := GetSessionID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	if !s.input.allow(sessionID) {
		s.logger.Warn("Input rate limit exceeded for session %s", sessionID)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return nil
	}
	if err := r.ParseForm(); err != nil {
		s.logger.Debug("Failed to parse form: %v", err)
		writeError(w, http.StatusBadRequest, "failed to parse form")
		return nil
	}

	sess := s.sessions.GetOrCreate(r.Context(), sessionID)
	sess.Touch()
	return sess
}

// handlePrompt records a prompt edit. Empty prompts are allowed.
// The optional seq field numbers edits so one that arrives after a newer
// edit is dropped.
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionForInput(w, r)
	if sess == nil {
		return
	}

	prompt := r.FormValue("prompt")
	if len(prompt) > MaxPromptLength {
		writeError(w, http.StatusRequestEntityTooLarge, "prompt too long")
		return
	}

	var seq uint64
	if raw := r.FormValue("seq"); raw != "" {
		var err error
		seq, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "seq must be a non-negative integer")
			return
		}
	}

	if _, err := sess.SetPromptSeq(prompt, seq); err != nil {
		s.inputError(w, sess, err)
		return
	}
	writeOK(w, sess.ID())
}

func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionForInput(w, r)
	if sess == nil {
		return
	}

	if err := sess.SetStyle(r.FormValue("style")); err != nil {
		s.inputError(w, sess, err)
		return
	}
	writeOK(w, sess.ID())
}

func (s *Server) handleAPIKey(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionForInput(w, r)
	if sess == nil {
		return
	}

	key := strings.TrimSpace(r.FormValue("apiKey"))
	if len(key) > MaxAPIKeyLength {
		writeError(w, http.StatusBadRequest, "API key too long")
		return
	}

	if err := sess.SetAPIKey(key); err != nil {
		s.inputError(w, sess, err)
		return
	}
	writeOK(w, sess.ID())
}

// handleConsistency accepts enabled=true/false, or a checkbox's "on".
func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionForInput(w, r)
	if sess == nil {
		return
	}

	raw := r.FormValue("enabled")
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		switch raw {
		case "on":
			enabled = true
		case "", "off":
			enabled = false
		default:
			writeError(w, http.StatusBadRequest, "invalid enabled value")
			return
		}
	}

	if err := sess.SetConsistencyMode(enabled); err != nil {
		s.inputError(w, sess, err)
		return
	}
	writeOK(w, sess.ID())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionForInput(w, r)
	if sess == nil {
		return
	}

	index, err := strconv.Atoi(r.FormValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return
	}

	if err := sess.Select(index); err != nil {
		s.inputError(w, sess, err)
		return
	}
	writeOK(w, sess.ID())
}

func (s *Server) inputError(w http.ResponseWriter, sess *session.Session, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownStyle):
		writeError(w, http.StatusBadRequest, "unknown style")
	case errors.Is(err, session.ErrIndexOutOfRange):
		writeError(w, http.StatusBadRequest, "history index out of range")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "session closed, reload the page")
	default:
		s.logger.Error("Session %s input failed: %v", sess.ID(), err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.GetOrCreate(r.Context(), GetSessionID(r.Context()))
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleStyles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.styles.All())
}

// handleImage serves a generated image by ID. Images missing from storage
// are rebuilt from the requesting session's history.
// GET /images/{id}
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Missing image ID", http.StatusBadRequest)
		return
	}

	data, mime, err := s.images.Get(id)
	if errors.Is(err, image.ErrNotFound) {
		data, mime, err = s.rebuildImage(r.Context(), id)
	}
	if err != nil {
		switch {
		case errors.Is(err, image.ErrNotFound):
			http.Error(w, "Image not found", http.StatusNotFound)
		case errors.Is(err, image.ErrInvalidID):
			http.Error(w, "Invalid image ID", http.StatusBadRequest)
		default:
			s.logger.Error("Failed to load image %s: %v", id, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("Failed to write image data for %s: %v", id, err)
	}
}

func (s *Server) rebuildImage(ctx context.Context, id string) ([]byte, string, error) {
	sess, ok := s.sessions.Get(GetSessionID(ctx))
	if !ok {
		return nil, "", image.ErrNotFound
	}
	gen, ok := sess.Generation(id)
	if !ok {
		return nil, "", image.ErrNotFound
	}
	data, mime, err := imagegen.DecodeImage(gen.Image.B64JSON)
	if err != nil {
		return nil, "", fmt.Errorf("decode stored generation: %w", err)
	}
	if err := s.images.Put(id, data); err != nil {
		s.logger.Warn("Failed to cache rebuilt image %s: %v", id, err)
	}
	return data, mime, nil
}

// handleGenerateImages is the stateless generation endpoint.
// Failures are plain text with the generation service's status.
// POST /api/generateImages
func (s *Server) handleGenerateImages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req imagegen.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	if len(req.Prompt) > MaxPromptLength {
		http.Error(w, "prompt too long", http.StatusRequestEntityTooLarge)
		return
	}
	if !s.styles.Valid(req.Style) {
		http.Error(w, "unknown style", http.StatusBadRequest)
		return
	}

	gen := s.freeTier.freeTier(s.generator, "ip:"+clientIP(r, s.trustProxy))
	res, err := gen.Generate(r.Context(), req)
	if err != nil {
		var reqErr *imagegen.RequestError
		if errors.As(err, &reqErr) {
			http.Error(w, reqErr.Message, reqErr.StatusCode)
			return
		}
		s.logger.Error("Generation failed: %v", err)
		http.Error(w, "generation failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Count(),
		"streams":  s.broker.ConnectionCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, sessionID string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session_id": sessionID})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
