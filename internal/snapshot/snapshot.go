// Package snapshot implements point-in-time table snapshots: creation,
// restore, retention, and the automatic pre-destructive snapshots driven
// by the hierarchical policy resolver.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/types"
)

// DataFileName is the columnar payload inside a snapshot directory; the
// side-car carries the catalog row for crash recovery.
const (
	DataFileName     = "data.parquet"
	MetadataFileName = "metadata.json"
)

// Engine creates, restores, and deletes snapshots. Snapshot operations
// are main-only; callers enforce the branch restriction.
type Engine struct {
	st  *storage.Storage
	cat *catalog.Catalog
	log *slog.Logger
}

// NewEngine returns a snapshot engine.
func NewEngine(st *storage.Storage, cat *catalog.Catalog, log *slog.Logger) *Engine {
	return &Engine{st: st, cat: cat, log: log}
}

// Create takes a manual snapshot of a table under its lock.
func (e *Engine) Create(ctx context.Context, project, bucket, table string) (*types.Snapshot, error) {
	eff, err := Resolve(ctx, e.cat, project, bucket, table)
	if err != nil {
		return nil, err
	}
	if !eff.Config.Enabled {
		return nil, errkind.New(errkind.Invalid, "snapshots are disabled for %s", SettingsEntityID(project, bucket, table))
	}

	release, err := e.st.Locks().Acquire(ctx, project, bucket, table)
	if err != nil {
		return nil, err
	}
	defer release()

	return e.createLocked(ctx, project, bucket, table, types.SnapshotManual, eff)
}

// WithAutoSnapshot runs a destructive operation under the table lock,
// taking an automatic snapshot first when the resolved configuration
// enables the trigger. A failed snapshot aborts the destructive
// operation. Returns the snapshot taken, if any.
func (e *Engine) WithAutoSnapshot(ctx context.Context, project, bucket, table string, trigger Trigger, op func(ctx context.Context) error) (*types.Snapshot, error) {
	eff, err := Resolve(ctx, e.cat, project, bucket, table)
	if err != nil {
		return nil, err
	}

	release, err := e.st.Locks().Acquire(ctx, project, bucket, table)
	if err != nil {
		return nil, err
	}
	defer release()

	var snap *types.Snapshot
	if eff.Config.Enabled && eff.Config.Triggers[trigger] {
		snap, err = e.createLocked(ctx, project, bucket, table, trigger.Type(), eff)
		if err != nil {
			return nil, fmt.Errorf("auto snapshot before %s: %w", trigger, err)
		}
	}
	if err := op(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

// createLocked exports the table; the caller holds the table lock.
func (e *Engine) createLocked(ctx context.Context, project, bucket, table string, typ types.SnapshotType, eff *Effective) (*types.Snapshot, error) {
	lay := e.st.Layout()
	srcPath := lay.TablePath(project, bucket, table)
	if _, err := os.Stat(srcPath); err != nil {
		return nil, errkind.New(errkind.NotFound, "table %q not found", table)
	}

	now := time.Now().UTC()
	id := fmt.Sprintf("snap_%s_%s_%03d", table, now.Format("20060102150405"), now.Nanosecond()/1e6)
	dir := lay.SnapshotDir(project, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	dataPath := filepath.Join(dir, DataFileName)

	conn, err := e.st.Engine().OpenReadOnly(ctx, srcPath)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	defer conn.Close()

	columns, err := conn.Columns(ctx)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	pk, err := conn.PrimaryKey(ctx)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	rows, err := conn.RowCount(ctx)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if err := conn.ExportRelationParquet(ctx, dataPath); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	info, err := os.Stat(dataPath)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("stat snapshot file: %w", err)
	}

	days := eff.Config.Retention.AutoDays
	if typ == types.SnapshotManual {
		days = eff.Config.Retention.ManualDays
	}
	expires := now.Add(time.Duration(days) * 24 * time.Hour)

	snap := &types.Snapshot{
		ID: id, ProjectID: project, Bucket: bucket, Table: table, Type: typ,
		RowCount: rows, SizeBytes: info.Size(),
		Columns: columns, PrimaryKey: pk,
		DataPath: dataPath, CreatedAt: now, ExpiresAt: &expires,
	}
	if err := e.writeSidecar(dir, snap); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if err := e.cat.CreateSnapshot(ctx, snap); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	e.log.Info("snapshot created",
		"project", project, "bucket", bucket, "table", table,
		"snapshot", id, "type", typ, "rows", rows)
	return snap, nil
}

func (e *Engine) writeSidecar(dir string, snap *types.Snapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFileName), raw, 0o640); err != nil {
		return fmt.Errorf("write snapshot metadata: %w", err)
	}
	return nil
}

// Get returns a snapshot. A row whose data file has gone missing is
// reported as not found; the sweeper reaps the row.
func (e *Engine) Get(ctx context.Context, project, id string) (*types.Snapshot, error) {
	snap, err := e.cat.GetSnapshot(ctx, project, id)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(snap.DataPath); err != nil {
		return nil, errkind.New(errkind.NotFound, "snapshot %q data file missing", id)
	}
	return snap, nil
}

// List returns a project's snapshots through the catalog filter.
func (e *Engine) List(ctx context.Context, project string, f catalog.SnapshotFilter) ([]*types.Snapshot, error) {
	return e.cat.ListSnapshots(ctx, project, f)
}

// Delete removes the snapshot directory and the catalog row.
func (e *Engine) Delete(ctx context.Context, project, id string) error {
	snap, err := e.cat.GetSnapshot(ctx, project, id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(e.st.Layout().SnapshotDir(project, snap.ID)); err != nil {
		return fmt.Errorf("remove snapshot directory: %w", err)
	}
	if err := e.cat.DeleteSnapshot(ctx, project, id); err != nil {
		return err
	}
	e.log.Info("snapshot deleted", "project", project, "snapshot", id)
	return nil
}

// RestoreResult reports a completed restore.
type RestoreResult struct {
	SnapshotID string `json:"snapshot_id"`
	Bucket     string `json:"bucket"`
	Table      string `json:"table"`
	RowCount   int64  `json:"row_count"`
}

// Restore rebuilds a table from a snapshot. The target defaults to the
// snapshot's source table and is replaced in place; restoring over a
// different existing table is refused with conflict.
func (e *Engine) Restore(ctx context.Context, project, id, targetBucket, targetTable string) (*RestoreResult, error) {
	snap, err := e.Get(ctx, project, id)
	if err != nil {
		return nil, err
	}
	if targetBucket == "" {
		targetBucket = snap.Bucket
	}
	if targetTable == "" {
		targetTable = snap.Table
	}
	if !e.st.BucketExists(project, targetBucket) {
		return nil, errkind.New(errkind.NotFound, "bucket %q not found", targetBucket)
	}
	sameAsSource := targetBucket == snap.Bucket && targetTable == snap.Table
	if !sameAsSource && e.st.TableExists(project, targetBucket, targetTable) {
		return nil, errkind.New(errkind.Conflict,
			"table %s/%s already exists; restore replaces only the snapshot's own table", targetBucket, targetTable)
	}

	release, err := e.st.Locks().Acquire(ctx, project, targetBucket, targetTable)
	if err != nil {
		return nil, err
	}
	defer release()

	path := e.st.Layout().TablePath(project, targetBucket, targetTable)
	conn, err := e.st.Engine().Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.ReplaceFromParquet(ctx, snap.DataPath); err != nil {
		return nil, err
	}
	if len(snap.PrimaryKey) > 0 {
		if err := conn.ApplyPrimaryKey(ctx, snap.Columns, snap.PrimaryKey); err != nil {
			e.log.Warn("restore: primary key not re-applied",
				"project", project, "snapshot", id, "error", err)
		}
	}
	rows, err := conn.RowCount(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.st.RefreshCounters(ctx, project); err != nil {
		return nil, err
	}
	e.log.Info("snapshot restored",
		"project", project, "snapshot", id, "bucket", targetBucket, "table", targetTable, "rows", rows)
	return &RestoreResult{SnapshotID: id, Bucket: targetBucket, Table: targetTable, RowCount: rows}, nil
}

// SweepExpired deletes snapshots past their expiry. Returns the number
// removed.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.cat.ListExpiredSnapshots(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, snap := range expired {
		if err := e.Delete(ctx, snap.ProjectID, snap.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
