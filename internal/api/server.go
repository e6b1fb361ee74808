// Package api exposes the submission and status endpoints over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"portfolio-tasks/internal/config"
	"portfolio-tasks/internal/gateway"
	"portfolio-tasks/internal/models"
	"portfolio-tasks/internal/ratelimit"
	"portfolio-tasks/internal/registry"
	"portfolio-tasks/internal/telemetry"
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// Server wires HTTP handlers for submission and status.
type Server struct {
	cfg      config.Config
	gw       *gateway.Gateway
	reporter *gateway.Reporter
	limiter  *ratelimit.TokenBucket
	logger   *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate
// limiting.
func New(cfg config.Config, gw *gateway.Gateway, reporter *gateway.Reporter, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		gw:       gw,
		reporter: reporter,
		limiter:  limiter,
		logger:   logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handleSubmit)
	r.Get("/tasks/{id}", s.handleStatus)
	r.Post("/process-image", s.handleProcessImage)
	r.Post("/rag-query", s.handleRAGQuery)
	return r
}

type submitRequest struct {
	Kind    models.WorkKind `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// handleSubmit accepts a generic {kind, payload} submission. The payload is
// passed through opaquely.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.submit(w, r, req.Kind, req.Payload, "application/json")
}

// handleProcessImage accepts a multipart image upload and submits an
// image-processing task for it.
func (s *Server) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	if err := r.ParseMultipartForm(s.cfg.MaxPayloadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	contents, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxPayloadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload failed")
		return
	}
	if int64(len(contents)) > s.cfg.MaxPayloadBytes {
		telemetry.ValidationReject.Inc()
		writeError(w, http.StatusBadRequest, "file too large")
		return
	}

	contentType := http.DetectContentType(contents)
	if !allowedImageTypes[contentType] {
		telemetry.ValidationReject.Inc()
		writeError(w, http.StatusBadRequest, "unsupported file type "+contentType)
		return
	}

	s.submit(w, r, models.KindImageProcessing, contents, contentType)
}

type ragQueryRequest struct {
	Query string `json:"query"`
}

// handleRAGQuery submits a rag-query task for a question about the
// portfolio documents.
func (s *Server) handleRAGQuery(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req ragQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" || len(req.Query) > 1000 {
		telemetry.ValidationReject.Inc()
		writeError(w, http.StatusBadRequest, "query must be 1-1000 characters")
		return
	}
	payload, err := json.Marshal(map[string]string{"query": req.Query})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode payload failed")
		return
	}
	s.submit(w, r, models.KindRAGQuery, payload, "application/json")
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind models.WorkKind, payload []byte, contentType string) {
	taskID, err := s.gw.Submit(r.Context(), kind, payload, contentType)
	if err != nil {
		var verr *gateway.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, gateway.ErrQueueUnavailable):
			writeError(w, http.StatusServiceUnavailable, "queue unavailable, submission rolled back")
		default:
			s.logger.Error("submit failed", "error", err)
			writeError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: taskID})
}

// handleStatus resolves a task ID against the registry.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.reporter.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("status read failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "status read failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// allow applies the per-client submission rate limit.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	dec, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
	if err != nil {
		s.logger.Error("rate limit check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !dec.Allowed {
		telemetry.RateLimitRejects.Inc()
		if dec.RetryAfter > 0 {
			secs := int((dec.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	if host == "" {
		return "anonymous"
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
