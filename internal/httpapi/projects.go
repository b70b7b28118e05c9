package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/duckhouse/duckhouse/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cat.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "catalog": err.Error(),
		})
		return
	}
	if _, err := os.Stat(s.st.Layout().Root); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "data_root": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.metrics.Expose(s.st.Locks().ActiveLocks())))
}

func (s *Server) handleBackendInit(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	if err := s.st.InitRoot(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

// handleBackendRemove acknowledges without touching data: removal of a
// live backend is an operator action, not an API one.
func (s *Server) handleBackendRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// record appends one oplog entry; failures are logged, never surfaced.
func (s *Server) record(r *http.Request, project, op, rtype, rid string, start time.Time, opErr error) {
	status, msg := "success", ""
	if opErr != nil {
		status, msg = "error", opErr.Error()
	}
	e := &types.OperationEntry{
		ProjectID: project, Operation: op, Status: status,
		ResourceType: rtype, ResourceID: rid, Error: msg,
		DurationMS: time.Since(start).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.cat.AppendOperation(r.Context(), e); err != nil {
		s.log.Warn("operation log append failed", "project", project, "operation", op, "error", err)
	}
}

type projectBody struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	var body projectBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	p, err := s.st.CreateProject(r.Context(), body.ID, body.Name, body.Settings)
	s.record(r, body.ID, "create_project", "project", body.ID, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.st.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	proj, err := s.st.GetProject(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Name     *string           `json:"name,omitempty"`
		Settings map[string]string `json:"settings,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	err := s.cat.UpdateProject(r.Context(), p, body.Name, body.Settings)
	s.record(r, p, "update_project", "project", p, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	proj, err := s.st.GetProject(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		writeError(w, err)
		return
	}
	p := mux.Vars(r)["p"]
	start := time.Now()
	err := s.st.DeleteProject(r.Context(), p)
	s.record(r, p, "delete_project", "project", p, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	proj, err := s.st.GetProject(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	buckets, err := s.st.ListBuckets(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	branches, err := s.br.List(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project":      proj,
		"buckets":      buckets,
		"branches":     branches,
		"active_locks": s.st.Locks().ActiveLocks(),
	})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 0)
	ops, err := s.cat.ListOperations(r.Context(), p, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}
