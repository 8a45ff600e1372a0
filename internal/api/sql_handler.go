package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type sqlRequest struct {
	Query string `json:"query"`
}

// handleSQL always answers 200 for well-formed requests; query failures are
// part of the result text.
func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing query"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": s.store.Run(r.Context(), req.Query)})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.TableInfo(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"schema": info})
}
