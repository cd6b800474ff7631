// Package http exposes ingest, operator actions and the live alert stream.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"vehicle-blackbox/internal/domain"
	"vehicle-blackbox/internal/metrics"
	"vehicle-blackbox/internal/pipeline"
)

const (
	maxReadingBytes = 64 << 10
	defaultPageSize = 50
	maxPageSize     = 500
)

type Pipeline interface {
	Ingest(ctx context.Context, r *domain.Reading) (*domain.Reading, error)
	TriggerClassificationPass(ctx context.Context) (int, error)
	StartReplay(ctx context.Context, done func(pipeline.ReplaySummary, error)) bool
	GetClassified(ctx context.Context, id string) (*domain.Reading, error)
	ListAlerts(ctx context.Context) ([]*domain.Reading, error)
	ListReadings(ctx context.Context, limit, offset int) ([]*domain.Reading, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Pipeline Pipeline
	Auth     KeyValidator
	// Checks are pinged by /healthz, keyed by name.
	Checks map[string]Pinger
	Alerts AlertSource
	Logger *zap.Logger
}

type Server struct {
	pipeline Pipeline
	auth     *AuthMiddleware
	checks   map[string]Pinger
	alerts   AlertSource
	logger   *zap.Logger
	// baseCtx outlives individual requests; background replays run on it.
	baseCtx context.Context
}

func NewServer(baseCtx context.Context, deps Deps) *Server {
	return &Server{
		pipeline: deps.Pipeline,
		auth:     NewAuthMiddleware(deps.Auth),
		checks:   deps.Checks,
		alerts:   deps.Alerts,
		logger:   deps.Logger,
		baseCtx:  baseCtx,
	}
}

func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/readings", s.handleIngest)
	api.HandleFunc("POST /api/classify", s.handleClassify)
	api.HandleFunc("POST /api/alerts/replay", s.handleReplay)
	api.HandleFunc("GET /api/readings/{id}", s.handleGetReading)
	api.HandleFunc("GET /api/accidents", s.handleListAccidents)
	api.HandleFunc("GET /api/events", s.handleListEvents)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.auth.Wrap(api))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws/alerts", s.handleAlertStream)
	return accessLog(s.logger, mux)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var reading domain.Reading
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReadingBytes)).Decode(&reading); err != nil {
		metrics.ParseErrors.WithLabelValues("http").Inc()
		writeError(w, http.StatusBadRequest, "invalid reading payload: "+err.Error())
		return
	}

	if bound := boundDevice(r.Context()); bound != "" {
		if reading.DeviceID == "" {
			reading.DeviceID = bound
		} else if reading.DeviceID != bound {
			writeError(w, http.StatusForbidden, "API key is not issued to device "+reading.DeviceID)
			return
		}
	}

	saved, err := s.pipeline.Ingest(r.Context(), &reading)
	switch {
	case errors.Is(err, domain.ErrParse):
		metrics.ParseErrors.WithLabelValues("http").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("ingest failed", zap.String("device_id", reading.DeviceID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "reading could not be stored")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       saved.ID,
		"deviceId": saved.DeviceID,
		"status":   saved.Status,
	})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	queued, err := s.pipeline.TriggerClassificationPass(r.Context())
	if err != nil {
		s.logger.Error("classification pass failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "classification pass failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": queued})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if !s.pipeline.StartReplay(s.baseCtx, nil) {
		writeError(w, http.StatusConflict, "alert replay already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "replay started"})
}

func (s *Server) handleGetReading(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reading, err := s.pipeline.GetClassified(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "reading not found")
	case errors.Is(err, pipeline.ErrNotClassified):
		writeError(w, http.StatusNotFound, "reading not classified yet")
	case err != nil:
		s.logger.Error("reading lookup failed", zap.String("reading_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "reading lookup failed")
	default:
		writeJSON(w, http.StatusOK, reading)
	}
}

func (s *Server) handleListAccidents(w http.ResponseWriter, r *http.Request) {
	readings, err := s.pipeline.ListAlerts(r.Context())
	if err != nil {
		s.logger.Error("accident list failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "accident list failed")
		return
	}
	if readings == nil {
		readings = []*domain.Reading{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accidents": readings, "count": len(readings)})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxPageSize))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	readings, err := s.pipeline.ListReadings(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("reading list failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "reading list failed")
		return
	}
	if readings == nil {
		readings = []*domain.Reading{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"readings": readings,
		"limit":    limit,
		"offset":   offset,
	})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(s.checks))
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
