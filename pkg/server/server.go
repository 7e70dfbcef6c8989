// Package server exposes the chat adapter and the snapshot pipeline over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/entrhq/charsnap/pkg/browser"
	"github.com/entrhq/charsnap/pkg/chat"
	"github.com/entrhq/charsnap/pkg/logging"
	"github.com/entrhq/charsnap/pkg/metrics"
	"github.com/entrhq/charsnap/pkg/snapshot"
)

const maxMessageBytes = 64 << 10

// Snapshots is the pipeline as seen by the HTTP host.
type Snapshots interface {
	GetSnapshot(ctx context.Context, identifier, name string) (*snapshot.Artifact, error)
	SnapshotByName(ctx context.Context, name string) (*snapshot.Artifact, error)
	MaxAge() time.Duration
}

// Bot answers chat triggers.
type Bot interface {
	Handle(ctx context.Context, text string) (chat.Reply, bool)
}

// Engine reports browser engine readiness.
type Engine interface {
	State() browser.State
	ListSessions() []browser.SessionInfo
}

// Options configures a Server.
type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// RateLimit is requests per second per client on render endpoints;
	// zero disables limiting.
	RateLimit float64
	RateBurst int

	Snapshots Snapshots
	Bot       Bot
	Engine    Engine

	// Metrics and Gatherer are optional; /metrics is only mounted with a Gatherer.
	Metrics  *metrics.Recorder
	Gatherer prometheus.Gatherer

	Logger *logging.Logger
}

// Server is the HTTP host.
type Server struct {
	opts   Options
	log    *logging.Logger
	router chi.Router
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Snapshots == nil || opts.Bot == nil {
		return nil, errors.New("server: snapshots and bot are required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard("server")
	}

	s := &Server{opts: opts, log: opts.Logger}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	if s.opts.Metrics != nil {
		r.Use(s.opts.Metrics.Middleware)
	}

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(recoverer(s.log))

	r.Route("/v1", func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(newClientLimiter(s.opts.RateLimit, s.opts.RateBurst).middleware)
		}
		r.With(maxBodySize(maxMessageBytes)).Post("/messages", s.handleMessage)
		r.Get("/snapshots/{name}", s.handleSnapshot)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.opts.Gatherer))
	}
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then drains in-flight requests for up to
// ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.log.Infof("shutting down, draining for up to %s", s.opts.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

type messageRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with a text field")
		return
	}

	reply, ok := s.opts.Bot.Handle(r.Context(), req.Text)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid subject name")
		return
	}

	var art *snapshot.Artifact
	if id := r.URL.Query().Get("id"); id != "" {
		art, err = s.opts.Snapshots.GetSnapshot(r.Context(), id, name)
	} else {
		art, err = s.opts.Snapshots.SnapshotByName(r.Context(), name)
	}
	if err != nil {
		s.writeSnapshotError(w, err)
		return
	}

	cacheState := "miss"
	if art.FromCache {
		cacheState = "hit"
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	w.Header().Set("X-Snapshot-Cache", cacheState)
	fresh := s.opts.Snapshots.MaxAge()
	if !art.CreatedAt.IsZero() {
		w.Header().Set("Last-Modified", art.CreatedAt.UTC().Format(http.TimeFormat))
		fresh -= time.Since(art.CreatedAt)
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int64(max(fresh, 0)/time.Second)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Data)
}

func (s *Server) writeSnapshotError(w http.ResponseWriter, err error) {
	kind := snapshot.Classify(err)
	msg := chat.FailureMessage(err)

	switch kind {
	case snapshot.KindNotFound:
		writeError(w, http.StatusNotFound, kind.String(), msg)
	case snapshot.KindInitializing:
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, kind.String(), msg)
	default:
		writeError(w, http.StatusBadGateway, kind.String(), msg)
	}
}

type readyResponse struct {
	State    string                `json:"state"`
	Sessions []browser.SessionInfo `json:"sessions"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Engine == nil {
		writeJSON(w, http.StatusOK, readyResponse{State: "unknown"})
		return
	}

	state := s.opts.Engine.State()
	resp := readyResponse{State: state.String(), Sessions: s.opts.Engine.ListSessions()}
	status := http.StatusOK
	if state != browser.StateReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
