package api

import (
	"net/http"
	"strings"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
)

func (s *Server) handlePatients(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=patients.csv")
	w.Header().Set("Cache-Control", "no-store, max-age=0")
	_, _ = w.Write([]byte(s.patientsCSV))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=events.csv")
	w.Header().Set("Cache-Control", "no-store, max-age=0")
	http.ServeFile(w, r, s.eventsPath)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := common.LogEntries()
	component := strings.TrimSpace(r.URL.Query().Get("component"))
	if component != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Component == component {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
