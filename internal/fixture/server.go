package fixture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/lightfoot/internal/client"
	"github.com/TimurManjosov/lightfoot/internal/evaluation"
	"github.com/TimurManjosov/lightfoot/internal/logging"
	"github.com/TimurManjosov/lightfoot/internal/snapshot"
	"github.com/TimurManjosov/lightfoot/internal/telemetry"
	"github.com/TimurManjosov/lightfoot/internal/validation"
)

// maxRequestBodySize limits evaluate request bodies (64KB)
const maxRequestBodySize = 64 * 1024

// Server answers evaluate requests from the live fixture.
// Every context receives the same values; nothing is targeted.
type Server struct {
	path      string
	flags     *snapshot.Holder
	rateLimit int
	log       zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit caps requests per minute per client IP. Zero disables the limit.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) { s.rateLimit = perMinute }
}

// WithLogger sets the parent logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = logging.Component(log, "fixture") }
}

// NewServer serves flags. path is the file Reload and Watch read from; it
// may be empty for a server that never reloads.
func NewServer(path string, flags map[string]evaluation.Stored, opts ...Option) *Server {
	s := &Server{path: path, flags: snapshot.NewHolder(), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.install(flags)
	return s
}

// Open loads the fixture at path and returns a server for it.
func Open(path string, opts ...Option) (*Server, error) {
	flags, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewServer(path, flags, opts...), nil
}

func (s *Server) install(flags map[string]evaluation.Stored) {
	snap := snapshot.Build(flags, "", time.Now(), 0)
	s.flags.Update(snap)
	s.log.Info().Int("flags", len(snap.Flags)).Str("etag", snap.ETag).Msg("fixture installed")
}

// Flags returns the live fixture.
func (s *Server) Flags() map[string]evaluation.Stored {
	return s.flags.Load().Flags
}

// Subscribe notifies the caller with the new ETag after every reload.
func (s *Server) Subscribe() (<-chan string, func()) {
	return s.flags.Subscribe()
}

// Router returns the HTTP handler of the fixture evaluation service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Use(telemetry.Middleware)
	if s.rateLimit > 0 {
		r.Use(httprate.LimitByIP(s.rateLimit, time.Minute))
	}

	// health
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post(client.EvaluateConfigPath, s.handleEvaluateConfig)

	return r
}

// MetricsRouter serves Prometheus metrics on a separate listener.
func MetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleEvaluateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large", nil)
		return
	}

	if check := validation.ValidateEvaluateRequest(body); !check.Valid {
		writeError(w, r, http.StatusBadRequest, "invalid evaluate request", check.Errors)
		return
	}

	var req struct {
		Context evaluation.Context `json:"context"`
	}
	_ = json.Unmarshal(body, &req) // shape already validated

	snap := s.flags.Load()
	s.log.Debug().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("targeting_key", req.Context.TargetingKey).
		Str("session", r.Header.Get(client.SessionHeader)).
		Int("flags", len(snap.Flags)).
		Msg("evaluate config")

	w.Header().Set("ETag", snap.ETag)
	writeJSON(w, http.StatusOK, snap.Flags)
}

// Reload re-reads the fixture file. An invalid file leaves the live fixture in place.
func (s *Server) Reload() error {
	if s.path == "" {
		return fmt.Errorf("fixture server has no file to reload")
	}
	flags, err := Load(s.path)
	if err != nil {
		return err
	}
	s.install(flags)
	return nil
}

// Watch reloads the fixture whenever its file changes. It blocks until ctx
// is cancelled. The parent directory is watched so editors that replace the
// file by rename are picked up too.
func (s *Server) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("fixture server has no file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}
	s.log.Debug().Str("path", target).Msg("watching fixture")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Warn().Err(err).Msg("fixture reload failed, keeping previous flags")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("fixture watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}

type errorResponse struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string, fields map[string]string) {
	writeJSON(w, code, errorResponse{
		Error:     http.StatusText(code),
		Message:   msg,
		Fields:    fields,
		RequestID: middleware.GetReqID(r.Context()),
	})
}
