// Package daemon serves the grading engine over HTTP.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/ratelimit"

	"github.com/felixgeelhaar/cellgrade/internal/config"
	"github.com/felixgeelhaar/cellgrade/internal/domain"
	"github.com/felixgeelhaar/cellgrade/internal/grader"
	"github.com/felixgeelhaar/cellgrade/internal/report"
	"github.com/felixgeelhaar/cellgrade/internal/storage/sqlite"
	"github.com/felixgeelhaar/cellgrade/internal/suite"
)

// maxSourceBytes bounds the body of a grade request
const maxSourceBytes = 1 << 20

// History reads recorded grading runs
type History interface {
	List(ctx context.Context, f sqlite.Filter) ([]sqlite.Entry, error)
	Get(ctx context.Context, id string) (*sqlite.Entry, error)
	Stats(ctx context.Context) ([]sqlite.ExerciseStats, error)
}

// Server is the cellgrade daemon HTTP server
type Server struct {
	cfg      *config.LocalConfig
	server   *http.Server
	router   *http.ServeMux
	handler  http.Handler
	version  string
	started  time.Time
	grader   *grader.Service
	registry *suite.Registry
	history  History
	bulkhead bulkhead.Bulkhead[[]grader.Outcome]
	limiter  ratelimit.RateLimiter
}

// ServerConfig holds what the server is built from
type ServerConfig struct {
	Config   *config.LocalConfig
	Grader   *grader.Service
	Registry *suite.Registry
	History  History // optional
	Version  string
}

// NewServer creates a daemon server
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("%w: server needs a config", domain.ErrInvalidInput)
	}
	if cfg.Grader == nil {
		cfg.Grader = grader.FromConfig(cfg.Config)
	}
	if cfg.Registry == nil {
		cfg.Registry = suite.NewRegistry(cfg.Config.Grading.TestsDir)
	}

	s := &Server{
		cfg:      cfg.Config,
		router:   http.NewServeMux(),
		version:  cfg.Version,
		started:  time.Now(),
		grader:   cfg.Grader,
		registry: cfg.Registry,
		history:  cfg.History,
	}

	maxConcurrent := cfg.Config.Daemon.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	s.bulkhead = bulkhead.New[[]grader.Outcome](bulkhead.Config{
		MaxConcurrent: maxConcurrent,
		MaxQueue:      maxConcurrent * 2,
		QueueTimeout:  30 * time.Second,
	})

	if rate := cfg.Config.Daemon.RatePerMinute; rate > 0 {
		s.limiter = ratelimit.New(&ratelimit.Config{
			Rate:     rate,
			Burst:    rate,
			Interval: time.Minute,
		})
	}

	s.setupRoutes()

	s.handler = recoveryMiddleware(correlationIDMiddleware(loggingMiddleware(rateLimitMiddleware(s.limiter)(s.router))))
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Daemon.Bind, cfg.Config.Daemon.Port),
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /v1/health", s.handleHealth)
	s.router.HandleFunc("GET /v1/status", s.handleStatus)

	s.router.HandleFunc("POST /v1/grade", s.handleGrade)

	s.router.HandleFunc("GET /v1/suites", s.handleListSuites)
	s.router.HandleFunc("GET /v1/suites/{module}", s.handleGetSuite)
	s.router.HandleFunc("POST /v1/suites/reload", s.handleReloadSuites)

	s.router.HandleFunc("GET /v1/attempts", s.handleAttempts)

	s.router.HandleFunc("GET /v1/history", s.handleListHistory)
	s.router.HandleFunc("GET /v1/history/{id}", s.handleGetHistory)
	s.router.HandleFunc("GET /v1/stats", s.handleStats)
}

// Handler returns the HTTP handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start serves until Shutdown
func (s *Server) Start() error {
	slog.Info("starting cellgrade daemon",
		"addr", s.server.Addr,
		"tests_dir", s.cfg.Grading.TestsDir,
		"isolate", s.cfg.Grading.Isolate,
	)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down daemon")
	if s.limiter != nil {
		if err := s.limiter.Close(); err != nil {
			slog.Warn("failed to close rate limiter", "error", err)
		}
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "running",
		"version":          s.version,
		"uptime_seconds":   int(time.Since(s.started).Seconds()),
		"tests_dir":        s.registry.Dir(),
		"isolate":          s.cfg.Grading.Isolate,
		"reveal_threshold": s.grader.Renderer().RevealThreshold,
		"active_runs":      s.grader.Runner().Active(),
		"history":          s.history != nil,
	})
}

// GradeRequest is the body of POST /v1/grade
type GradeRequest struct {
	CellID            string            `json:"cell_id"`
	Source            string            `json:"source"`
	Module            string            `json:"module,omitempty"`
	Context           map[string]string `json:"context,omitempty"`
	Isolate           *bool             `json:"isolate,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds,omitempty"`
	SuppressTraceback *bool             `json:"suppress_traceback,omitempty"`
}

// GradeResponse is the body returned by POST /v1/grade
type GradeResponse struct {
	Reports []*report.Report `json:"reports"`
}

func (s *Server) options(req GradeRequest) grader.Options {
	opts := grader.OptionsFromConfig(s.cfg)
	if req.Isolate != nil {
		opts.Isolate = *req.Isolate
	}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if req.SuppressTraceback != nil {
		opts.SuppressTraceback = *req.SuppressTraceback
	}
	return opts
}

func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req GradeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSourceBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		writeError(w, http.StatusBadRequest, "source is required", nil)
		return
	}
	if req.CellID == "" {
		req.CellID = GetCorrelationID(r.Context())
	}

	sub := grader.Submission{
		CellID:     req.CellID,
		Source:     req.Source,
		ModuleHint: req.Module,
		Context:    req.Context,
	}

	var gradeErr error
	ran := false
	outcomes, err := s.bulkhead.Execute(r.Context(), func(ctx context.Context) ([]grader.Outcome, error) {
		ran = true
		out, err := s.grader.Grade(ctx, sub, s.options(req))
		gradeErr = err
		return out, err
	})
	if err != nil && !ran {
		writeError(w, http.StatusServiceUnavailable, "grader is busy", err)
		return
	}
	if gradeErr != nil {
		switch {
		case errors.Is(gradeErr, domain.ErrTestModuleNotFound):
			writeError(w, http.StatusNotFound, "test module not found", gradeErr)
		case errors.Is(gradeErr, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "invalid submission", gradeErr)
		default:
			writeError(w, http.StatusInternalServerError, "grading failed", gradeErr)
		}
		return
	}

	reports := make([]*report.Report, 0, len(outcomes))
	for _, o := range outcomes {
		reports = append(reports, o.Report)
	}

	switch r.URL.Query().Get("format") {
	case "text":
		writeText(w, "text/plain; charset=utf-8", renderAll(reports, func(rep *report.Report) string {
			return report.RenderText(rep, report.PlainTheme())
		}))
	case "markdown":
		writeText(w, "text/markdown; charset=utf-8", renderAll(reports, report.RenderMarkdown))
	default:
		writeJSON(w, http.StatusOK, GradeResponse{Reports: reports})
	}
}

func renderAll(reports []*report.Report, render func(*report.Report) string) string {
	parts := make([]string, 0, len(reports))
	for _, rep := range reports {
		parts = append(parts, render(rep))
	}
	return strings.Join(parts, "\n")
}

func (s *Server) handleListSuites(w http.ResponseWriter, r *http.Request) {
	suites, err := s.registry.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list suites", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suites": suites,
		"count":  len(suites),
	})
}

func (s *Server) handleGetSuite(w http.ResponseWriter, r *http.Request) {
	summary, err := s.registry.Get(r.PathValue("module"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "suite not found", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load suites", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReloadSuites(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload suites", err)
		return
	}
	suites, _ := s.registry.List()

	invalid := make(map[string]string)
	for path, err := range s.registry.Invalid() {
		invalid[path] = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(suites),
		"invalid": invalid,
	})
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	counts := s.grader.Tracker().Snapshot()
	if cell := r.URL.Query().Get("cell_id"); cell != "" {
		filtered := counts[:0]
		for _, c := range counts {
			if c.CellID == cell {
				filtered = append(filtered, c)
			}
		}
		counts = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": counts})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "grading history is disabled", nil)
		return
	}

	q := r.URL.Query()
	f := sqlite.Filter{
		CellID:   q.Get("cell_id"),
		Module:   q.Get("module"),
		Exercise: q.Get("exercise"),
		Limit:    50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		f.Limit = n
	}

	entries, err := s.history.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": entries})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "grading history is disabled", nil)
		return
	}

	entry, err := s.history.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "grading run not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "grading history is disabled", nil)
		return
	}

	stats, err := s.history.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exercises": stats})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]any{
		"error":  message,
		"status": status,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	writeJSON(w, status, response)
}
