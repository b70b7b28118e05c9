package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/duckhouse/duckhouse/internal/types"
)

// keyCreated carries the one-time secret beside the stored metadata.
type keyCreated struct {
	Key    *types.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	p := mux.Vars(r)["p"]
	var body struct {
		Scope       string `json:"scope"`
		BranchID    string `json:"branch_id,omitempty"`
		Description string `json:"description,omitempty"`
		TTLSeconds  int64  `json:"ttl_seconds,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	key, secret, err := s.auth.Create(r.Context(), p, types.KeyScope(body.Scope),
		body.BranchID, body.Description, time.Duration(body.TTLSeconds)*time.Second)
	s.record(r, p, "create_api_key", "api_key", body.Scope, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyCreated{Key: key, Secret: secret})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	p := mux.Vars(r)["p"]
	includeRevoked := r.URL.Query().Get("include_revoked") == "true"
	list, err := s.auth.List(r.Context(), p, includeRevoked)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	key, err := s.auth.Get(r.Context(), mux.Vars(r)["kid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	start := time.Now()
	err := s.auth.Revoke(r.Context(), vars["kid"])
	s.record(r, vars["p"], "revoke_api_key", "api_key", vars["kid"], start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	start := time.Now()
	key, secret, err := s.auth.Rotate(r.Context(), vars["kid"])
	s.record(r, vars["p"], "rotate_api_key", "api_key", vars["kid"], start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyCreated{Key: key, Secret: secret})
}
