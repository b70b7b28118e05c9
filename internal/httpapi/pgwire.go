package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/duckhouse/duckhouse/internal/types"
)

// The pgwire endpoints serve the wire-protocol frontend process, not
// end users. All of them require the admin key.

func (s *Server) handlePgwireAuth(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		ClientIP string `json:"client_ip,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.wire.Authenticate(r.Context(), body.Username, body.Password, body.ClientIP)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePgwireCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Project     string `json:"project"`
		BranchID    string `json:"branch_id,omitempty"`
		Username    string `json:"username"`
		Password    string `json:"password"`
		MaxMemoryMB int    `json:"max_memory_mb,omitempty"`
		TTLSeconds  int64  `json:"ttl_seconds,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	ws, err := s.wire.CreateWorkspace(r.Context(), body.Project, body.BranchID,
		body.Username, body.Password, body.MaxMemoryMB,
		time.Duration(body.TTLSeconds)*time.Second)
	s.record(r, body.Project, "create_workspace", "workspace", body.Username, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handlePgwireCreateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		SessionID   string `json:"session_id,omitempty"`
		WorkspaceID string `json:"workspace_id"`
		ClientAddr  string `json:"client_addr,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.wire.CreateSession(r.Context(), body.SessionID, body.WorkspaceID, body.ClientAddr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handlePgwireListSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	list, err := s.wire.ListSessions(r.Context(), q.Get("workspace"), types.SessionStatus(q.Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePgwireCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		IdleSeconds int64 `json:"idle_seconds,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	idle := time.Duration(body.IdleSeconds) * time.Second
	if idle == 0 {
		idle = s.sessionIdle
	}
	n, err := s.wire.CleanupStale(r.Context(), idle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

func (s *Server) handlePgwireActivity(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		IncrementQueries bool `json:"increment_queries,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sid := mux.Vars(r)["sid"]
	if err := s.wire.UpdateActivity(r.Context(), sid, body.IncrementQueries); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePgwireCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	reason := types.SessionStatus(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = types.SessionUserDisconnect
	}
	sid := mux.Vars(r)["sid"]
	if err := s.wire.CloseSession(r.Context(), sid, reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
