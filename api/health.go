// Package api serves the health and run-inspection endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rideradar/models"
)

// HealthSource exposes the vendor health registry.
type HealthSource interface {
	Snapshot() map[string]models.VendorHealthRecord
}

// RunReader reads the run ledger.
type RunReader interface {
	GetRun(id uuid.UUID) (*models.RunSummary, error)
	RunLogs(runID uuid.UUID) ([]models.RunLog, error)
}

type Server struct {
	health HealthSource
	runs   RunReader
}

func NewServer(health HealthSource, runs RunReader) *Server {
	return &Server{health: health, runs: runs}
}

// Router mounts every route. runs may be nil, in which case /runs is not
// served.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/vendors", s.vendors)
	r.Get("/health/vendors/{vendor}", s.vendor)
	if s.runs != nil {
		r.Get("/runs/{id}", s.run)
	}
	return r
}

func (s *Server) vendors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Snapshot())
}

func (s *Server) vendor(w http.ResponseWriter, r *http.Request) {
	key := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "vendor")))
	rec, ok := s.health.Snapshot()[key]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown vendor")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type runResponse struct {
	Run  *models.RunSummary `json:"run"`
	Logs []models.RunLog    `json:"logs"`
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.runs.GetRun(id)
	if err != nil {
		zap.L().Error("get run", zap.String("run_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	logs, err := s.runs.RunLogs(id)
	if err != nil {
		zap.L().Warn("run logs", zap.String("run_id", id.String()), zap.Error(err))
	}
	if logs == nil {
		logs = []models.RunLog{}
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Logs: logs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
