package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/duckhouse/duckhouse/internal/branch"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/export"
	"github.com/duckhouse/duckhouse/internal/importer"
	"github.com/duckhouse/duckhouse/internal/snapshot"
	"github.com/duckhouse/duckhouse/internal/types"
)

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	if err := branch.RequireMain(branchVar(vars)); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	b, err := s.st.CreateBucket(r.Context(), p, body.Name)
	s.record(r, p, "create_bucket", "bucket", body.Name, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["p"]
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.st.ListBuckets(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.st.GetBucket(r.Context(), p, vars["bn"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	if err := branch.RequireMain(branchVar(vars)); err != nil {
		writeError(w, err)
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	start := time.Now()
	err := s.st.DeleteBucket(r.Context(), p, vars["bn"], cascade)
	s.record(r, p, "delete_bucket", "bucket", vars["bn"], start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	if err := branch.RequireMain(branchVar(vars)); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Name       string         `json:"name"`
		Columns    []types.Column `json:"columns"`
		PrimaryKey []string       `json:"primary_key,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	tbl, err := s.st.CreateTable(r.Context(), p, vars["bn"], body.Name, body.Columns, body.PrimaryKey)
	s.record(r, p, "create_table", "table", vars["bn"]+"/"+body.Name, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tbl)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", false); err != nil {
		writeError(w, err)
		return
	}
	list, err := s.st.ListTables(r.Context(), p, vars["bn"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDescribeTable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, b := vars["p"], branchVar(vars)
	if err := s.authorize(r, p, b, false); err != nil {
		writeError(w, err)
		return
	}
	path, err := s.br.ReadPath(r.Context(), p, b, vars["bn"], vars["t"])
	if err != nil {
		writeError(w, err)
		return
	}
	tbl, err := s.st.DescribeTable(r.Context(), p, vars["bn"], vars["t"], path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tbl)
}

func (s *Server) handlePreviewTable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, b := vars["p"], branchVar(vars)
	if err := s.authorize(r, p, b, false); err != nil {
		writeError(w, err)
		return
	}
	path, err := s.br.ReadPath(r.Context(), p, b, vars["bn"], vars["t"])
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.st.Preview(r.Context(), p, vars["bn"], vars["t"], path, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := vars["p"]
	if err := s.authorize(r, p, "", true); err != nil {
		writeError(w, err)
		return
	}
	if err := branch.RequireMain(branchVar(vars)); err != nil {
		writeError(w, err)
		return
	}
	bn, t := vars["bn"], vars["t"]
	start := time.Now()
	snap, err := s.snap.WithAutoSnapshot(r.Context(), p, bn, t,
		snapshot.TriggerDropTable, func(ctx context.Context) error {
			return s.st.DeleteTableLocked(ctx, p, bn, t)
		})
	s.record(r, p, "delete_table", "table", bn+"/"+t, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.st.Locks().Remove(p, bn, t)
	if snap != nil {
		s.log.Info("auto snapshot before drop",
			"project", p, "table", bn+"/"+t, "snapshot", snap.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// destructiveRowOp shares the plumbing of the truncate, delete-rows,
// and drop-column endpoints. On main the statement runs under the
// auto-snapshot wrapper; on a dev branch the table is materialized
// first and the statement applies to the branch copy, main untouched.
func (s *Server) destructiveRowOp(w http.ResponseWriter, r *http.Request,
	trigger snapshot.Trigger, op string, stmt func(ctx context.Context, conn *engine.TableConn) error) {
	vars := mux.Vars(r)
	p, b := vars["p"], branchVar(vars)
	if err := s.authorize(r, p, b, true); err != nil {
		writeError(w, err)
		return
	}
	bn, t := vars["bn"], vars["t"]
	start := time.Now()
	var snap *types.Snapshot
	var err error
	if types.IsMainBranch(b) {
		snap, err = s.snap.WithAutoSnapshot(r.Context(), p, bn, t, trigger,
			func(ctx context.Context) error {
				conn, err := s.st.OpenTable(ctx, s.st.Layout().TablePath(p, bn, t))
				if err != nil {
					return err
				}
				defer conn.Close()
				return stmt(ctx, conn)
			})
	} else {
		err = s.branchRowOp(r.Context(), p, b, bn, t, stmt)
	}
	s.record(r, p, op, "table", bn+"/"+t, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.st.RefreshCounters(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	path, err := s.br.ReadPath(r.Context(), p, b, bn, t)
	if err != nil {
		writeError(w, err)
		return
	}
	tbl, err := s.st.DescribeTable(r.Context(), p, bn, t, path)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"table": tbl}
	if snap != nil {
		resp["snapshot_id"] = snap.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// branchRowOp applies a destructive statement to a dev branch under the
// table lock: copy-on-write materialization, then the statement against
// the branch-local file. Auto-snapshots do not fire here; snapshot
// creation is restricted to main.
func (s *Server) branchRowOp(ctx context.Context, p, b, bn, t string,
	stmt func(ctx context.Context, conn *engine.TableConn) error) error {
	release, err := s.st.Locks().Acquire(ctx, p, bn, t)
	if err != nil {
		return err
	}
	defer release()

	path, err := s.br.Materialize(ctx, p, b, bn, t)
	if err != nil {
		return err
	}
	conn, err := s.st.OpenTable(ctx, path)
	if err != nil {
		return err
	}
	defer conn.Close()
	return stmt(ctx, conn)
}

func (s *Server) handleTruncateTable(w http.ResponseWriter, r *http.Request) {
	s.destructiveRowOp(w, r, snapshot.TriggerTruncateTable, "truncate_table",
		func(ctx context.Context, conn *engine.TableConn) error {
			return conn.Truncate(ctx)
		})
}

func (s *Server) handleDeleteAllRows(w http.ResponseWriter, r *http.Request) {
	s.destructiveRowOp(w, r, snapshot.TriggerDeleteAllRows, "delete_all_rows",
		func(ctx context.Context, conn *engine.TableConn) error {
			return conn.DeleteAllRows(ctx)
		})
}

func (s *Server) handleDropColumn(w http.ResponseWriter, r *http.Request) {
	col := mux.Vars(r)["col"]
	s.destructiveRowOp(w, r, snapshot.TriggerDropColumn, "drop_column",
		func(ctx context.Context, conn *engine.TableConn) error {
			return conn.DropColumn(ctx, col)
		})
}

func (s *Server) handleImportFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, b := vars["p"], branchVar(vars)
	if err := s.authorize(r, p, b, true); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		FileID      string            `json:"file_id"`
		Format      string            `json:"format"`
		CSV         engine.CSVOptions `json:"csv,omitempty"`
		Incremental bool              `json:"incremental,omitempty"`
		DedupMode   string            `json:"dedup_mode,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.files.Get(r.Context(), body.FileID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.ProjectID != p {
		writeError(w, errkind.New(errkind.NotFound, "file %q not found", body.FileID))
		return
	}
	start := time.Now()
	res, err := s.imp.Import(r.Context(), p, b, vars["bn"], vars["t"],
		s.files.AbsPath(rec), engine.Format(body.Format), body.CSV, importer.Options{
			Incremental: body.Incremental,
			DedupMode:   importer.DedupMode(body.DedupMode),
		})
	s.record(r, p, "import_file", "table", vars["bn"]+"/"+vars["t"], start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportTable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, b := vars["p"], branchVar(vars)
	if err := s.authorize(r, p, b, false); err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Format      string   `json:"format"`
		Columns     []string `json:"columns,omitempty"`
		Compression string   `json:"compression,omitempty"`
		Limit       int      `json:"limit,omitempty"`
		Filter      string   `json:"filter,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	start := time.Now()
	res, err := s.exp.Export(r.Context(), p, b, vars["bn"], vars["t"], export.Request{
		Format: engine.Format(body.Format), Columns: body.Columns,
		Compression: body.Compression, Limit: body.Limit, Filter: body.Filter,
	})
	s.record(r, p, "export_table", "table", vars["bn"]+"/"+vars["t"], start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
