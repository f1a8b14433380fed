// Package api exposes the management HTTP surface: recording metadata,
// manual processing triggers and daemon status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/mkaserer/hookbook/internal/call"
	"github.com/mkaserer/hookbook/internal/config"
	hblog "github.com/mkaserer/hookbook/internal/log"
	"github.com/mkaserer/hookbook/internal/store"
)

// RecordingStore is the metadata surface the API reads and mutates.
type RecordingStore interface {
	List(ctx context.Context) ([]store.Recording, error)
	Get(ctx context.Context, filename string) (store.Recording, error)
	Remove(ctx context.Context, filename string) error
	MarkPending(ctx context.Context, filename string) error
}

// QueueControl is the enrichment queue surface the API drives.
type QueueControl interface {
	TriggerProcessNow()
	IsProcessing() bool
	Depth() int
}

// CallStatus reports the live call flow state.
type CallStatus interface {
	State() call.State
	IsCallActive() bool
}

// Server serves the management API.
type Server struct {
	cfg           config.APIConfig
	store         RecordingStore
	queue         QueueControl
	calls         CallStatus
	recordingsDir string
	version       string
	logger        zerolog.Logger
}

// ServerOptions holds the collaborators for a Server.
type ServerOptions struct {
	Config        config.APIConfig
	Store         RecordingStore
	Queue         QueueControl
	Calls         CallStatus
	RecordingsDir string
	Version       string
}

// NewServer wires the management API.
func NewServer(opts ServerOptions) *Server {
	return &Server{
		cfg:           opts.Config,
		store:         opts.Store,
		queue:         opts.Queue,
		calls:         opts.Calls,
		recordingsDir: opts.RecordingsDir,
		version:       opts.Version,
		logger:        hblog.WithComponent("api"),
	}
}

// Handler builds the chi router with the standard middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if s.cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/recordings", s.handleListRecordings)
		r.Route("/recordings/{filename}", func(r chi.Router) {
			r.Get("/", s.handleGetRecording)
			r.Delete("/", s.handleDeleteRecording)
			r.Post("/process", s.handleProcessRecording)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"call_state":            string(s.calls.State()),
		"call_active":           s.calls.IsCallActive(),
		"enrichment_queue":      s.queue.Depth(),
		"enrichment_processing": s.queue.IsProcessing(),
		"version":               s.version,
	})
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("recording listing failed")
		writeError(w, http.StatusInternalServerError, "recording listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recordings": recs,
		"count":      len(recs),
	})
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	filename, ok := s.filename(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), filename)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("filename", filename).Msg("recording lookup failed")
		writeError(w, http.StatusInternalServerError, "recording lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	filename, ok := s.filename(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Get(r.Context(), filename); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "recording lookup failed")
		return
	}

	path := filepath.Join(s.recordingsDir, filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Error().Err(err).Str("filename", filename).Msg("recording file removal failed")
		writeError(w, http.StatusInternalServerError, "recording removal failed")
		return
	}
	if err := s.store.Remove(r.Context(), filename); err != nil {
		s.logger.Error().Err(err).Str("filename", filename).Msg("recording row removal failed")
		writeError(w, http.StatusInternalServerError, "recording removal failed")
		return
	}
	s.logger.Info().
		Str("event", "api.recording_deleted").
		Str("filename", filename).
		Msg("recording deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProcessRecording(w http.ResponseWriter, r *http.Request) {
	filename, ok := s.filename(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Get(r.Context(), filename); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "recording lookup failed")
		return
	}

	if err := s.store.MarkPending(r.Context(), filename); err != nil {
		s.logger.Error().Err(err).Str("filename", filename).Msg("mark pending failed")
		writeError(w, http.StatusInternalServerError, "could not queue recording")
		return
	}
	s.queue.TriggerProcessNow()
	s.logger.Info().
		Str("event", "api.process_triggered").
		Str("filename", filename).
		Msg("manual processing triggered")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"filename": filename,
		"status":   string(store.StatusPending),
	})
}

// filename extracts and validates the path parameter. Anything that could
// escape the recordings directory is rejected outright.
func (s *Server) filename(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return "", false
	}
	return name, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
