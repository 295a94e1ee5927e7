// Package api exposes the HTTP control surface: manual check triggers,
// monitor history, and runtime settings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pagesentry/pagesentry/internal/metrics"
	"github.com/pagesentry/pagesentry/internal/monitor"
)

const (
	defaultHistoryLimit = 50
	maxListLimit        = 500
	requestTimeout      = 30 * time.Second
)

type checkTrigger interface {
	Trigger(monitorID int64) bool
}

type settingsService interface {
	Get(ctx context.Context) (monitor.RuntimeSettings, error)
	Update(ctx context.Context, updates map[string]string) (monitor.RuntimeSettings, error)
}

// Config wires the API server.
type Config struct {
	Addr      string
	Store     monitor.Store
	Scheduler checkTrigger
	Settings  settingsService
	Logger    *zap.Logger
}

// Server is the HTTP API front end.
type Server struct {
	http      *http.Server
	store     monitor.Store
	scheduler checkTrigger
	settings  settingsService
	logger    *zap.Logger
}

// New builds the server with its router and middleware chain.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Scheduler == nil || cfg.Settings == nil {
		return nil, fmt.Errorf("api: store, scheduler, and settings are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		settings:  cfg.Settings,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/monitors/{monitor_id}", func(r chi.Router) {
			r.Post("/check", s.handleTriggerCheck)
			r.Get("/", s.handleGetMonitor)
			r.Get("/history", s.handleHistory)
			r.Get("/links", s.handleLinks)
			r.Get("/attachments", s.handleAttachments)
			r.Get("/audit", s.handleAudit)
		})
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
	})

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start blocks serving HTTP until shutdown or listener failure.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListActiveMonitors(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleTriggerCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := s.monitorID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetMonitor(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "monitor not found")
		return
	}
	if !s.scheduler.Trigger(id) {
		writeError(w, http.StatusConflict, "check already running or queue is full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"monitor_id": id, "queued": true})
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	id, ok := s.monitorID(w, r)
	if !ok {
		return
	}
	m, err := s.store.GetMonitor(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "monitor not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.monitorID(w, r)
	if !ok {
		return
	}
	records, err := s.store.ListChangeRecords(r.Context(), id, listLimit(r))
	if err != nil {
		s.serverError(w, r, "list change records", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitor_id": id, "history": emptyAsList(records)})
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.monitorID(w, r)
	if !ok {
		return
	}
	tracked, err := s.store.ListLinks(r.Context(), id, listLimit(r))
	if err != nil {
		s.serverError(w, r, "list links", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitor_id": id, "links": emptyAsList(tracked)})
}

func (s *Server) handleAttachments(w http.ResponseWriter, r *http.Request) {
	id, ok := s.monitorID(w, r)
	if !ok {
		return
	}
	atts, err := s.store.ListAttachments(r.Context(), id)
	if err != nil {
		s.serverError(w, r, "list attachments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitor_id": id, "attachments": emptyAsList(atts)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.monitorID(w, r)
	if !ok {
		return
	}
	level := monitor.Severity(r.URL.Query().Get("level"))
	if level == "" {
		level = monitor.SeverityInfo
	}
	entries, err := s.store.ListAuditEntries(r.Context(), id, level, listLimit(r))
	if err != nil {
		s.serverError(w, r, "list audit entries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitor_id": id, "audit": emptyAsList(entries)})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.settings.Get(r.Context())
	if err != nil {
		s.serverError(w, r, "load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, err := s.settings.Update(r.Context(), updates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) monitorID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "monitor_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid monitor id")
		return 0, false
	}
	return id, true
}

// listLimit reads the limit query parameter, defaulting and clamping it
// so a single request cannot pull an unbounded result set.
func listLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// emptyAsList keeps empty results as [] instead of null in responses.
func emptyAsList[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
