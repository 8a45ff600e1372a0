// Package api serves the pipeline's outputs over HTTP: the patient export,
// the raw event file, similarity search over the journey index and ad-hoc
// SQL against the relational store.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common/telemetry"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/data/orchestrator"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/sqlite"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/textsearch"
	"github.com/fhnw-medical-informatics/patient-journey-public/internal/vector"
)

type Server struct {
	router      chi.Router
	logger      *slog.Logger
	index       *vector.Index
	keywords    *textsearch.Index
	store       *sqlite.Store
	patientsCSV string
	eventsPath  string
}

// NewServer exposes the handles returned by a pipeline run. eventsPath is the
// source events file, served unchanged.
func NewServer(result *orchestrator.Result, eventsPath string, logger *slog.Logger) (*Server, error) {
	if result == nil || result.Index == nil || result.Store == nil {
		return nil, errors.New("api: initialized pipeline result required")
	}
	srv := &Server{
		router:      chi.NewRouter(),
		logger:      common.LoggerOr(logger),
		index:       result.Index,
		keywords:    result.Keywords,
		store:       result.Store,
		patientsCSV: result.PatientsCSV,
		eventsPath:  eventsPath,
	}
	srv.routes()
	srv.logger.Info("api: server ready")
	return srv, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logger.Debug("api: request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Get("/v1/patients.csv", s.handlePatients)
	s.router.Get("/v1/events.csv", s.handleEvents)
	s.router.Get("/v1/search", s.handleSearch)
	s.router.Get("/v1/similar", s.handleSimilar)
	s.router.Get("/v1/keyword", s.handleKeyword)
	s.router.Get("/v1/journeys", s.handleJourneys)
	s.router.Get("/v1/schema", s.handleSchema)
	s.router.Post("/v1/sql", s.handleSQL)
	s.router.Get("/v1/logs", s.handleLogs)
	s.router.Handle("/metrics", telemetry.Handler())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("api: request failed", "status", status, "error", err)
	} else {
		s.logger.Warn("api: request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
