package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/duckhouse/duckhouse/internal/auth"
	"github.com/duckhouse/duckhouse/internal/branch"
	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/export"
	"github.com/duckhouse/duckhouse/internal/filestore"
	"github.com/duckhouse/duckhouse/internal/importer"
	"github.com/duckhouse/duckhouse/internal/pgbridge"
	"github.com/duckhouse/duckhouse/internal/snapshot"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/types"
)

// Handlers binds the command set to the domain services.
type Handlers struct {
	st    *storage.Storage
	br    *branch.Manager
	snap  *snapshot.Engine
	imp   *importer.Importer
	exp   *export.Exporter
	auth  *auth.Manager
	files *filestore.Store
	wire  *pgbridge.Bridge
	cat   *catalog.Catalog
	log   *slog.Logger
}

// NewHandlers wires the full command set into a fresh dispatcher.
func NewHandlers(st *storage.Storage, br *branch.Manager, snap *snapshot.Engine,
	imp *importer.Importer, exp *export.Exporter, am *auth.Manager,
	files *filestore.Store, wire *pgbridge.Bridge, cat *catalog.Catalog,
	log *slog.Logger) *Handlers {
	return &Handlers{
		st: st, br: br, snap: snap, imp: imp, exp: exp,
		auth: am, files: files, wire: wire, cat: cat, log: log,
	}
}

// Register installs every command handler.
func (h *Handlers) Register(d *Dispatcher) {
	d.Register("CreateProjectCommand", h.createProject)
	d.Register("GetProjectCommand", h.getProject)
	d.Register("ListProjectsCommand", h.listProjects)
	d.Register("DeleteProjectCommand", h.deleteProject)

	d.Register("CreateBucketCommand", h.createBucket)
	d.Register("ListBucketsCommand", h.listBuckets)
	d.Register("DeleteBucketCommand", h.deleteBucket)

	d.Register("CreateTableCommand", h.createTable)
	d.Register("DescribeTableCommand", h.describeTable)
	d.Register("ListTablesCommand", h.listTables)
	d.Register("PreviewTableCommand", h.previewTable)
	d.Register("DeleteTableCommand", h.deleteTable)
	d.Register("TruncateTableCommand", h.truncateTable)
	d.Register("DeleteAllRowsCommand", h.deleteAllRows)
	d.Register("DropColumnCommand", h.dropColumn)

	d.Register("ImportFileCommand", h.importFile)
	d.Register("ExportTableCommand", h.exportTable)

	d.Register("CreateBranchCommand", h.createBranch)
	d.Register("ListBranchesCommand", h.listBranches)
	d.Register("DeleteBranchCommand", h.deleteBranch)
	d.Register("PullTableCommand", h.pullTable)

	d.Register("CreateSnapshotCommand", h.createSnapshot)
	d.Register("ListSnapshotsCommand", h.listSnapshots)
	d.Register("GetSnapshotCommand", h.getSnapshot)
	d.Register("DeleteSnapshotCommand", h.deleteSnapshot)
	d.Register("RestoreSnapshotCommand", h.restoreSnapshot)

	d.Register("GetSnapshotSettingsCommand", h.getSnapshotSettings)
	d.Register("UpdateSnapshotSettingsCommand", h.updateSnapshotSettings)
	d.Register("DeleteSnapshotSettingsCommand", h.deleteSnapshotSettings)

	d.Register("CreateApiKeyCommand", h.createAPIKey)
	d.Register("ListApiKeysCommand", h.listAPIKeys)
	d.Register("RevokeApiKeyCommand", h.revokeAPIKey)
	d.Register("RotateApiKeyCommand", h.rotateAPIKey)

	d.Register("ListOperationsCommand", h.listOperations)
}

// requireAdmin checks the process-wide admin secret.
func (h *Handlers) requireAdmin(req *Request) error {
	if !h.auth.IsAdminKey(req.Key()) {
		return errkind.New(errkind.Forbidden, "administrative credentials required")
	}
	return nil
}

// authorize validates the presented key against project, branch, and
// access mode. The admin secret passes every check.
func (h *Handlers) authorize(ctx context.Context, req *Request, project, branchID string, write bool) error {
	if h.auth.IsAdminKey(req.Key()) {
		return nil
	}
	k, err := h.auth.Authenticate(ctx, req.Key())
	if err != nil {
		return err
	}
	return auth.Authorize(k, project, branchID, write)
}

// record appends one oplog entry. Append failures are logged, never
// surfaced.
func (h *Handlers) record(ctx context.Context, project, op, rtype, rid string, start time.Time, opErr error) {
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
	if err := h.cat.AppendOperation(context.WithoutCancel(ctx), e); err != nil {
		h.log.Warn("operation log append failed", "project", project, "operation", op, "error", err)
	}
}

// -- projects ---------------------------------------------------------

type projectCommand struct {
	ProjectID string            `json:"projectId"`
	Name      string            `json:"name,omitempty"`
	Settings  map[string]string `json:"settings,omitempty"`
}

func (h *Handlers) createProject(ctx context.Context, req *Request) (any, error) {
	if err := h.requireAdmin(req); err != nil {
		return nil, err
	}
	var cmd projectCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	start := time.Now()
	p, err := h.st.CreateProject(ctx, cmd.ProjectID, cmd.Name, cmd.Settings)
	h.record(ctx, cmd.ProjectID, "create_project", "project", cmd.ProjectID, start, err)
	if err != nil {
		return nil, err
	}
	req.Log.Infof("project %s created", p.ID)
	return p, nil
}

func (h *Handlers) getProject(ctx context.Context, req *Request) (any, error) {
	var cmd projectCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", false); err != nil {
		return nil, err
	}
	return h.st.GetProject(ctx, cmd.ProjectID)
}

func (h *Handlers) listProjects(ctx context.Context, req *Request) (any, error) {
	if err := h.requireAdmin(req); err != nil {
		return nil, err
	}
	return h.st.ListProjects(ctx)
}

func (h *Handlers) deleteProject(ctx context.Context, req *Request) (any, error) {
	if err := h.requireAdmin(req); err != nil {
		return nil, err
	}
	var cmd projectCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	start := time.Now()
	err := h.st.DeleteProject(ctx, cmd.ProjectID)
	h.record(ctx, cmd.ProjectID, "delete_project", "project", cmd.ProjectID, start, err)
	return nil, err
}

// -- buckets ----------------------------------------------------------

type bucketCommand struct {
	ProjectID string `json:"projectId"`
	Bucket    string `json:"bucket"`
	Cascade   bool   `json:"cascade,omitempty"`
}

func (h *Handlers) createBucket(ctx context.Context, req *Request) (any, error) {
	var cmd bucketCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	start := time.Now()
	b, err := h.st.CreateBucket(ctx, cmd.ProjectID, cmd.Bucket)
	h.record(ctx, cmd.ProjectID, "create_bucket", "bucket", cmd.Bucket, start, err)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (h *Handlers) listBuckets(ctx context.Context, req *Request) (any, error) {
	var cmd bucketCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", false); err != nil {
		return nil, err
	}
	return h.st.ListBuckets(ctx, cmd.ProjectID)
}

func (h *Handlers) deleteBucket(ctx context.Context, req *Request) (any, error) {
	var cmd bucketCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	start := time.Now()
	err := h.st.DeleteBucket(ctx, cmd.ProjectID, cmd.Bucket, cmd.Cascade)
	h.record(ctx, cmd.ProjectID, "delete_bucket", "bucket", cmd.Bucket, start, err)
	return nil, err
}

// -- tables -----------------------------------------------------------

type tableCommand struct {
	ProjectID  string         `json:"projectId"`
	BranchID   string         `json:"branchId,omitempty"`
	Bucket     string         `json:"bucket"`
	Table      string         `json:"table"`
	Columns    []types.Column `json:"columns,omitempty"`
	PrimaryKey []string       `json:"primaryKey,omitempty"`
	Column     string         `json:"column,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

func (h *Handlers) createTable(ctx context.Context, req *Request) (any, error) {
	var cmd tableCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	if err := branch.RequireMain(cmd.BranchID); err != nil {
		return nil, err
	}
	start := time.Now()
	tbl, err := h.st.CreateTable(ctx, cmd.ProjectID, cmd.Bucket, cmd.Table, cmd.Columns, cmd.PrimaryKey)
	h.record(ctx, cmd.ProjectID, "create_table", "table", cmd.Bucket+"/"+cmd.Table, start, err)
	if err != nil {
		return nil, err
	}
	req.Log.Infof("table %s/%s created", cmd.Bucket, cmd.Table)
	return tbl, nil
}

func (h *Handlers) describeTable(ctx context.Context, req *Request) (any, error) {
	var cmd tableCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, cmd.BranchID, false); err != nil {
		return nil, err
	}
	path, err := h.br.ReadPath(ctx, cmd.ProjectID, cmd.BranchID, cmd.Bucket, cmd.Table)
	if err != nil {
		return nil, err
	}
	return h.st.DescribeTable(ctx, cmd.ProjectID, cmd.Bucket, cmd.Table, path)
}

func (h *Handlers) listTables(ctx context.Context, req *Request) (any, error) {
	var cmd tableCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", false); err != nil {
		return nil, err
	}
	return h.st.ListTables(ctx, cmd.ProjectID, cmd.Bucket)
}

func (h *Handlers) previewTable(ctx context.Context, req *Request) (any, error) {
	var cmd tableCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, cmd.BranchID, false); err != nil {
		return nil, err
	}
	path, err := h.br.ReadPath(ctx, cmd.ProjectID, cmd.BranchID, cmd.Bucket, cmd.Table)
	if err != nil {
		return nil, err
	}
	return h.st.Preview(ctx, cmd.ProjectID, cmd.Bucket, cmd.Table, path, cmd.Limit)
}

func (h *Handlers) deleteTable(ctx context.Context, req *Request) (any, error) {
	var cmd tableCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	if err := branch.RequireMain(cmd.BranchID); err != nil {
		return nil, err
	}
	start := time.Now()
	snap, err := h.snap.WithAutoSnapshot(ctx, cmd.ProjectID, cmd.Bucket, cmd.Table,
		snapshot.TriggerDropTable, func(ctx context.Context) error {
			return h.st.DeleteTableLocked(ctx, cmd.ProjectID, cmd.Bucket, cmd.Table)
		})
	h.record(ctx, cmd.ProjectID, "delete_table", "table", cmd.Bucket+"/"+cmd.Table, start, err)
	if err != nil {
		return nil, err
	}
	h.st.Locks().Remove(cmd.ProjectID, cmd.Bucket, cmd.Table)
	if snap != nil {
		req.Log.Infof("pre-drop snapshot %s taken", snap.ID)
	}
	return nil, nil
}

// destructiveRowOp runs a destructive statement under the table lock.
// On main it is preceded by its auto snapshot when the policy asks for
// one; on a dev branch the table is materialized first and the
// statement applies to the branch copy, main untouched.
func (h *Handlers) destructiveRowOp(ctx context.Context, req *Request, cmd *tableCommand,
	trigger snapshot.Trigger, op string, stmt func(ctx context.Context, conn *engine.TableConn) error) (any, error) {
	if err := h.authorize(ctx, req, cmd.ProjectID, cmd.BranchID, true); err != nil {
		return nil, err
	}
	start := time.Now()
	var snap *types.Snapshot
	var err error
	if types.IsMainBranch(cmd.BranchID) {
		snap, err = h.snap.WithAutoSnapshot(ctx, cmd.ProjectID, cmd.Bucket, cmd.Table,
			trigger, func(ctx context.Context) error {
				conn, err := h.st.OpenTable(ctx, h.st.Layout().TablePath(cmd.ProjectID, cmd.Bucket, cmd.Table))
				if err != nil {
					return err
				}
				defer conn.Close()
				return stmt(ctx, conn)
			})
	} else {
		err = h.branchRowOp(ctx, cmd, stmt)
	}
	h.record(ctx, cmd.ProjectID, op, "table", cmd.Bucket+"/"+cmd.Table, start, err)
	if err != nil {
		return nil, err
	}
	if err := h.st.RefreshCounters(ctx, cmd.ProjectID); err != nil {
		return nil, err
	}
	if snap != nil {
		req.Log.Infof("automatic snapshot %s taken", snap.ID)
	}
	path, err := h.br.ReadPath(ctx, cmd.ProjectID, cmd.BranchID, cmd.Bucket, cmd.Table)
	if err != nil {
		return nil, err
	}
	return h.st.DescribeTable(ctx, cmd.ProjectID, cmd.Bucket, cmd.Table, path)
}

// branchRowOp applies a destructive statement to a dev branch: table
// lock, copy-on-write materialization, then the statement against the
// branch-local file. Auto-snapshots do not fire; snapshot creation is
// restricted to main.
func (h *Handlers) branchRowOp(ctx context.Context, cmd *tableCommand,
	stmt func(ctx context.Context, conn *engine.TableConn) error) error {
	release, err := h.st.Locks().Acquire(ctx, cmd.ProjectID, cmd.Bucket, cmd.Table)
	if err != nil {
		return err
	}
	defer release()

	path, err := h.br.Materialize(ctx, cmd.ProjectID, cmd.BranchID, cmd.Bucket, cmd.Table)
	if err != nil {
		return err
	}
	conn, err := h.st.OpenTable(ctx, path)
	if err != nil {
		return err
	}
	defer conn.Close()
	return stmt(ctx, conn)
}

func (h *Handlers) truncateTable(ctx context.Context, req *Request) (any, error) {
	var cmd tableCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	return h.destructiveRowOp(ctx, req, &cmd, snapshot.TriggerTruncateTable, "truncate_table",
		func(ctx context.Context, conn *engine.TableConn) error {
			return conn.Truncate(ctx)
		})
}

func (h *Handlers) deleteAllRows(ctx context.Context, req *Request) (any, error) {
	var cmd tableCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	return h.destructiveRowOp(ctx, req, &cmd, snapshot.TriggerDeleteAllRows, "delete_all_rows",
		func(ctx context.Context, conn *engine.TableConn) error {
			return conn.DeleteAllRows(ctx)
		})
}

func (h *Handlers) dropColumn(ctx context.Context, req *Request) (any, error) {
	var cmd tableCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if cmd.Column == "" {
		return nil, errkind.New(errkind.Invalid, "column is required")
	}
	return h.destructiveRowOp(ctx, req, &cmd, snapshot.TriggerDropColumn, "drop_column",
		func(ctx context.Context, conn *engine.TableConn) error {
			return conn.DropColumn(ctx, cmd.Column)
		})
}

// -- import / export --------------------------------------------------

type importCommand struct {
	ProjectID   string            `json:"projectId"`
	BranchID    string            `json:"branchId,omitempty"`
	Bucket      string            `json:"bucket"`
	Table       string            `json:"table"`
	FileID      string            `json:"fileId"`
	Format      string            `json:"format"`
	CSV         engine.CSVOptions `json:"csv,omitempty"`
	Incremental bool              `json:"incremental,omitempty"`
	DedupMode   string            `json:"dedupMode,omitempty"`
}

func (h *Handlers) importFile(ctx context.Context, req *Request) (any, error) {
	var cmd importCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, cmd.BranchID, true); err != nil {
		return nil, err
	}
	rec, err := h.files.Get(ctx, cmd.FileID)
	if err != nil {
		return nil, err
	}
	if rec.ProjectID != cmd.ProjectID {
		return nil, errkind.New(errkind.NotFound, "file %q not found", cmd.FileID)
	}
	start := time.Now()
	res, err := h.imp.Import(ctx, cmd.ProjectID, cmd.BranchID, cmd.Bucket, cmd.Table,
		h.files.AbsPath(rec), engine.Format(cmd.Format), cmd.CSV, importer.Options{
			Incremental: cmd.Incremental,
			DedupMode:   importer.DedupMode(cmd.DedupMode),
		})
	h.record(ctx, cmd.ProjectID, "import_file", "table", cmd.Bucket+"/"+cmd.Table, start, err)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		req.Log.Warnf("%s", w)
	}
	req.Log.Infof("imported %d rows into %s/%s", res.ImportedRows, cmd.Bucket, cmd.Table)
	return res, nil
}

type exportCommand struct {
	ProjectID   string   `json:"projectId"`
	BranchID    string   `json:"branchId,omitempty"`
	Bucket      string   `json:"bucket"`
	Table       string   `json:"table"`
	Format      string   `json:"format"`
	Columns     []string `json:"columns,omitempty"`
	Compression string   `json:"compression,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Filter      string   `json:"filter,omitempty"`
}

func (h *Handlers) exportTable(ctx context.Context, req *Request) (any, error) {
	var cmd exportCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, cmd.BranchID, false); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := h.exp.Export(ctx, cmd.ProjectID, cmd.BranchID, cmd.Bucket, cmd.Table, export.Request{
		Format: engine.Format(cmd.Format), Columns: cmd.Columns,
		Compression: cmd.Compression, Limit: cmd.Limit, Filter: cmd.Filter,
	})
	h.record(ctx, cmd.ProjectID, "export_table", "table", cmd.Bucket+"/"+cmd.Table, start, err)
	return res, err
}

// -- branches ---------------------------------------------------------

type branchCommand struct {
	ProjectID string `json:"projectId"`
	BranchID  string `json:"branchId"`
	Name      string `json:"name,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Table     string `json:"table,omitempty"`
}

func (h *Handlers) createBranch(ctx context.Context, req *Request) (any, error) {
	var cmd branchCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	start := time.Now()
	b, err := h.br.Create(ctx, cmd.ProjectID, cmd.BranchID, cmd.Name)
	h.record(ctx, cmd.ProjectID, "create_branch", "branch", cmd.BranchID, start, err)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (h *Handlers) listBranches(ctx context.Context, req *Request) (any, error) {
	var cmd branchCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", false); err != nil {
		return nil, err
	}
	return h.br.List(ctx, cmd.ProjectID)
}

func (h *Handlers) deleteBranch(ctx context.Context, req *Request) (any, error) {
	var cmd branchCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	start := time.Now()
	err := h.br.Delete(ctx, cmd.ProjectID, cmd.BranchID)
	h.record(ctx, cmd.ProjectID, "delete_branch", "branch", cmd.BranchID, start, err)
	return nil, err
}

func (h *Handlers) pullTable(ctx context.Context, req *Request) (any, error) {
	var cmd branchCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, cmd.BranchID, true); err != nil {
		return nil, err
	}
	start := time.Now()
	err := h.br.Pull(ctx, cmd.ProjectID, cmd.BranchID, cmd.Bucket, cmd.Table)
	h.record(ctx, cmd.ProjectID, "pull_table", "table", cmd.Bucket+"/"+cmd.Table, start, err)
	if err != nil {
		return nil, err
	}
	req.Log.Infof("branch %s now reads %s/%s from main", cmd.BranchID, cmd.Bucket, cmd.Table)
	return nil, nil
}

// -- snapshots --------------------------------------------------------

type snapshotCommand struct {
	ProjectID    string `json:"projectId"`
	SnapshotID   string `json:"snapshotId,omitempty"`
	Bucket       string `json:"bucket,omitempty"`
	Table        string `json:"table,omitempty"`
	Type         string `json:"type,omitempty"`
	TargetBucket string `json:"targetBucket,omitempty"`
	TargetTable  string `json:"targetTable,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

func (h *Handlers) createSnapshot(ctx context.Context, req *Request) (any, error) {
	var cmd snapshotCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	start := time.Now()
	snap, err := h.snap.Create(ctx, cmd.ProjectID, cmd.Bucket, cmd.Table)
	h.record(ctx, cmd.ProjectID, "create_snapshot", "snapshot", cmd.Bucket+"/"+cmd.Table, start, err)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (h *Handlers) listSnapshots(ctx context.Context, req *Request) (any, error) {
	var cmd snapshotCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", false); err != nil {
		return nil, err
	}
	return h.snap.List(ctx, cmd.ProjectID, catalog.SnapshotFilter{
		Bucket: cmd.Bucket, Table: cmd.Table,
		Type: types.SnapshotType(cmd.Type), Limit: cmd.Limit,
	})
}

func (h *Handlers) getSnapshot(ctx context.Context, req *Request) (any, error) {
	var cmd snapshotCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", false); err != nil {
		return nil, err
	}
	return h.snap.Get(ctx, cmd.ProjectID, cmd.SnapshotID)
}

func (h *Handlers) deleteSnapshot(ctx context.Context, req *Request) (any, error) {
	var cmd snapshotCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	start := time.Now()
	err := h.snap.Delete(ctx, cmd.ProjectID, cmd.SnapshotID)
	h.record(ctx, cmd.ProjectID, "delete_snapshot", "snapshot", cmd.SnapshotID, start, err)
	return nil, err
}

func (h *Handlers) restoreSnapshot(ctx context.Context, req *Request) (any, error) {
	var cmd snapshotCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := h.snap.Restore(ctx, cmd.ProjectID, cmd.SnapshotID, cmd.TargetBucket, cmd.TargetTable)
	h.record(ctx, cmd.ProjectID, "restore_snapshot", "snapshot", cmd.SnapshotID, start, err)
	if err != nil {
		return nil, err
	}
	req.Log.Infof("snapshot %s restored to %s/%s (%d rows)",
		cmd.SnapshotID, res.Bucket, res.Table, res.RowCount)
	return res, nil
}

// -- snapshot settings ------------------------------------------------

type settingsCommand struct {
	ProjectID string          `json:"projectId"`
	Bucket    string          `json:"bucket,omitempty"`
	Table     string          `json:"table,omitempty"`
	Delta     json.RawMessage `json:"delta,omitempty"`
}

func settingsScope(cmd *settingsCommand) types.SettingsScope {
	switch {
	case cmd.Table != "":
		return types.ScopeTable
	case cmd.Bucket != "":
		return types.ScopeBucket
	default:
		return types.ScopeProject
	}
}

func (h *Handlers) getSnapshotSettings(ctx context.Context, req *Request) (any, error) {
	var cmd settingsCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", false); err != nil {
		return nil, err
	}
	return snapshot.Resolve(ctx, h.cat, cmd.ProjectID, cmd.Bucket, cmd.Table)
}

func (h *Handlers) updateSnapshotSettings(ctx context.Context, req *Request) (any, error) {
	var cmd settingsCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	if _, err := snapshot.ParseDelta(cmd.Delta); err != nil {
		return nil, err
	}
	scope := settingsScope(&cmd)
	entity := snapshot.SettingsEntityID(cmd.ProjectID, cmd.Bucket, cmd.Table)
	if err := h.cat.PutSettingsDelta(ctx, scope, entity, cmd.Delta); err != nil {
		return nil, err
	}
	return snapshot.Resolve(ctx, h.cat, cmd.ProjectID, cmd.Bucket, cmd.Table)
}

func (h *Handlers) deleteSnapshotSettings(ctx context.Context, req *Request) (any, error) {
	var cmd settingsCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", true); err != nil {
		return nil, err
	}
	scope := settingsScope(&cmd)
	entity := snapshot.SettingsEntityID(cmd.ProjectID, cmd.Bucket, cmd.Table)
	if err := h.cat.DeleteSettingsDelta(ctx, scope, entity); err != nil {
		return nil, err
	}
	return snapshot.Resolve(ctx, h.cat, cmd.ProjectID, cmd.Bucket, cmd.Table)
}

// -- api keys ---------------------------------------------------------

type apiKeyCommand struct {
	ProjectID   string `json:"projectId"`
	KeyID       string `json:"keyId,omitempty"`
	Scope       string `json:"scope,omitempty"`
	BranchID    string `json:"branchId,omitempty"`
	Description string `json:"description,omitempty"`
	TTLSeconds  int64  `json:"ttlSeconds,omitempty"`
	Revoked     bool   `json:"revoked,omitempty"`
}

// keyCreated carries the one-time secret beside the stored metadata.
type keyCreated struct {
	Key    *types.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

func (h *Handlers) createAPIKey(ctx context.Context, req *Request) (any, error) {
	var cmd apiKeyCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.requireAdmin(req); err != nil {
		return nil, err
	}
	start := time.Now()
	key, secret, err := h.auth.Create(ctx, cmd.ProjectID, types.KeyScope(cmd.Scope),
		cmd.BranchID, cmd.Description, time.Duration(cmd.TTLSeconds)*time.Second)
	h.record(ctx, cmd.ProjectID, "create_api_key", "api_key", cmd.Scope, start, err)
	if err != nil {
		return nil, err
	}
	return &keyCreated{Key: key, Secret: secret}, nil
}

func (h *Handlers) listAPIKeys(ctx context.Context, req *Request) (any, error) {
	var cmd apiKeyCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.requireAdmin(req); err != nil {
		return nil, err
	}
	return h.auth.List(ctx, cmd.ProjectID, cmd.Revoked)
}

func (h *Handlers) revokeAPIKey(ctx context.Context, req *Request) (any, error) {
	var cmd apiKeyCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.requireAdmin(req); err != nil {
		return nil, err
	}
	start := time.Now()
	err := h.auth.Revoke(ctx, cmd.KeyID)
	h.record(ctx, cmd.ProjectID, "revoke_api_key", "api_key", cmd.KeyID, start, err)
	return nil, err
}

func (h *Handlers) rotateAPIKey(ctx context.Context, req *Request) (any, error) {
	var cmd apiKeyCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.requireAdmin(req); err != nil {
		return nil, err
	}
	start := time.Now()
	key, secret, err := h.auth.Rotate(ctx, cmd.KeyID)
	h.record(ctx, cmd.ProjectID, "rotate_api_key", "api_key", cmd.KeyID, start, err)
	if err != nil {
		return nil, err
	}
	return &keyCreated{Key: key, Secret: secret}, nil
}

// -- operations -------------------------------------------------------

type operationsCommand struct {
	ProjectID string `json:"projectId"`
	Limit     int    `json:"limit,omitempty"`
}

func (h *Handlers) listOperations(ctx context.Context, req *Request) (any, error) {
	var cmd operationsCommand
	if err := req.Decode(&cmd); err != nil {
		return nil, err
	}
	if err := h.authorize(ctx, req, cmd.ProjectID, "", false); err != nil {
		return nil, err
	}
	return h.cat.ListOperations(ctx, cmd.ProjectID, cmd.Limit)
}
