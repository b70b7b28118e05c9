package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/snapshot"
	"github.com/duckhouse/duckhouse/internal/types"
)

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	b, err := s.br.Create(r.Context(), p, body.ID, body.Name)
	s.record(r, p, "create_branch", "branch", body.ID, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.br.List(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.br.Get(r.Context(), p, vars["b"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	err := s.br.Delete(r.Context(), p, vars["b"])
	s.record(r, p, "delete_branch", "branch", vars["b"], start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePullTable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, b := vars["p"], vars["b"]
	if err := s.authorize(r, p, b, true); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	err := s.br.Pull(r.Context(), p, b, vars["bn"], vars["t"])
	s.record(r, p, "pull_table", "table", vars["bn"]+"/"+vars["t"], start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pulled"})
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Bucket string `json:"bucket"`
		Table  string `json:"table"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	snap, err := s.snap.Create(r.Context(), p, body.Bucket, body.Table)
	s.record(r, p, "create_snapshot", "snapshot", body.Bucket+"/"+body.Table, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	list, err := s.snap.List(r.Context(), p, catalog.SnapshotFilter{
		Bucket: q.Get("bucket"),
		Table:  q.Get("table"),
		Type:   types.SnapshotType(q.Get("type")),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.snap.Get(r.Context(), p, vars["sid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	err := s.snap.Delete(r.Context(), p, vars["sid"])
	s.record(r, p, "delete_snapshot", "snapshot", vars["sid"], start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		TargetBucket string `json:"target_bucket,omitempty"`
		TargetTable  string `json:"target_table,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	res, err := s.snap.Restore(r.Context(), p, vars["sid"], body.TargetBucket, body.TargetTable)
	s.record(r, p, "restore_snapshot", "snapshot", vars["sid"], start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// settingsTarget maps the settings routes to their scope and entity.
func settingsTarget(vars map[string]string) (types.SettingsScope, string, string, string) {
	p, bn, t := vars["p"], vars["bn"], vars["t"]
	switch {
	case t != "":
		return types.ScopeTable, p, bn, t
	case bn != "":
		return types.ScopeBucket, p, bn, ""
	default:
		return types.ScopeProject, p, "", ""
	}
}

func (s *Server) handleGetSnapshotSettings(w http.ResponseWriter, r *http.Request) {
	_, p, bn, t := settingsTarget(mux.Vars(r))
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	eff, err := snapshot.Resolve(r.Context(), s.cat, p, bn, t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

func (s *Server) handlePutSnapshotSettings(w http.ResponseWriter, r *http.Request) {
	scope, p, bn, t := settingsTarget(mux.Vars(r))
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	raw, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := snapshot.ParseDelta(raw); err != nil {
		writeError(w, err)
		return
	}
	entity := snapshot.SettingsEntityID(p, bn, t)
	start := time.Now()
	err = s.cat.PutSettingsDelta(r.Context(), scope, entity, raw)
	s.record(r, p, "update_snapshot_settings", "settings", entity, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	eff, err := snapshot.Resolve(r.Context(), s.cat, p, bn, t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

func (s *Server) handleDeleteSnapshotSettings(w http.ResponseWriter, r *http.Request) {
	scope, p, bn, t := settingsTarget(mux.Vars(r))
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	entity := snapshot.SettingsEntityID(p, bn, t)
	start := time.Now()
	err := s.cat.DeleteSettingsDelta(r.Context(), scope, entity)
	s.record(r, p, "delete_snapshot_settings", "settings", entity, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	eff, err := snapshot.Resolve(r.Context(), s.cat, p, bn, t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}
