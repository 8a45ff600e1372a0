package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/vector"
)

type searchHit struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Document string            `json:"document"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type journeyEntry struct {
	ID       string            `json:"id"`
	Document string            `json:"document"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func convertMatches(matches []vector.Match) []searchHit {
	out := make([]searchHit, 0, len(matches))
	for _, m := range matches {
		out = append(out, searchHit{ID: m.ID, Score: m.Score, Document: m.Document, Metadata: m.Metadata})
	}
	return out
}

// listParam accepts repeated and comma-separated values: ?pid=P1&pid=P2,P3.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s parameter %q", name, raw)
	}
	return n, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing q parameter"))
		return
	}
	k, err := intParam(r, "k", vector.DefaultSearchK)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	pids := listParam(r, "pid")
	s.logger.Info("api: search request", "query", query, "k", k, "pids", len(pids))
	matches, err := s.index.Search(r.Context(), query, k, pids)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": convertMatches(matches)})
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing q parameter"))
		return
	}
	k, err := intParam(r, "k", vector.DefaultSearchK)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	threshold := vector.DefaultMinScore
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		threshold, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid threshold parameter %q", raw))
			return
		}
	}
	matches, err := s.index.SearchWithThreshold(r.Context(), query, k, threshold)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": convertMatches(matches), "threshold": threshold})
}

func (s *Server) handleKeyword(w http.ResponseWriter, r *http.Request) {
	if s.keywords == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("keyword index not available"))
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing q parameter"))
		return
	}
	k, err := intParam(r, "k", vector.DefaultSearchK)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	hits, err := s.keywords.Search(r.Context(), query, k, listParam(r, "pid"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]searchHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, searchHit{ID: h.ID, Score: h.Score, Document: h.Document.Text, Metadata: h.Document.Metadata})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleJourneys(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", vector.DefaultFetchLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.index.Fetch(r.Context(), listParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	out := make([]journeyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, journeyEntry{ID: e.ID, Document: e.Document, Metadata: e.Metadata})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"journeys": out})
}
