package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckhouse/duckhouse/internal/auth"
	"github.com/duckhouse/duckhouse/internal/branch"
	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/export"
	"github.com/duckhouse/duckhouse/internal/filestore"
	"github.com/duckhouse/duckhouse/internal/idempotency"
	"github.com/duckhouse/duckhouse/internal/importer"
	"github.com/duckhouse/duckhouse/internal/locks"
	"github.com/duckhouse/duckhouse/internal/pgbridge"
	"github.com/duckhouse/duckhouse/internal/snapshot"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/telemetry"
)

const testAdminKey = "admin-secret-for-tests"

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	root := t.TempDir()
	lay := storage.Layout{
		Root:     filepath.Join(root, "data"),
		SnapRoot: filepath.Join(root, "snapshots"),
		FileRoot: filepath.Join(root, "files"),
	}
	cat, err := catalog.Open(context.Background(), filepath.Join(root, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	log := slog.New(slog.DiscardHandler)
	st := storage.New(lay, engine.New(0, 0), cat, locks.NewRegistry(), log)
	require.NoError(t, st.InitRoot())

	bm := branch.NewManager(st, cat, log)
	snaps := snapshot.NewEngine(st, cat, log)
	imp := importer.New(st, bm, log)
	exp := export.New(st, bm, cat, log)
	am := auth.NewManager(cat, testAdminKey, log)
	files := filestore.New(lay, cat, 0, log)
	wire := pgbridge.New(cat, st, 0, log)
	idem := idempotency.New(cat, 0, log)

	srv := New(st, bm, snaps, imp, exp, am, files, wire, cat,
		idem, telemetry.NewRequestMetrics(), log)
	return srv.Router()
}

type reqOpt func(*http.Request)

func withKey(key string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+key) }
}

func withHeader(name, value string) reqOpt {
	return func(r *http.Request) { r.Header.Set(name, value) }
}

// do issues a request with an optional JSON body.
func do(h http.Handler, method, path string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	switch v := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		rd = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, path, rd)
	for _, o := range opts {
		o(r)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v),
		"body: %s", w.Body.String())
}

// stageAndImport stages a CSV body and imports it into the table.
func stageAndImport(t *testing.T, h http.Handler, project, branchID, bucket, table, name, csv string) {
	t.Helper()
	w := do(h, http.MethodPost,
		"/projects/"+project+"/files?name="+name, csv, withKey(testAdminKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec struct {
		ID string `json:"id"`
	}
	decode(t, w, &rec)

	w = do(h, http.MethodPost,
		fmt.Sprintf("/projects/%s/branches/%s/buckets/%s/tables/%s/import/file",
			project, branchID, bucket, table),
		map[string]any{"file_id": rec.ID, "format": "csv", "incremental": true},
		withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func seedTable(t *testing.T, h http.Handler, project, bucket, table string) {
	t.Helper()
	w := do(h, http.MethodPost, "/projects", map[string]any{"id": project}, withKey(testAdminKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(h, http.MethodPost, "/projects/"+project+"/branches/default/buckets",
		map[string]any{"name": bucket}, withKey(testAdminKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(h, http.MethodPost,
		"/projects/"+project+"/branches/default/buckets/"+bucket+"/tables",
		map[string]any{
			"name": table,
			"columns": []map[string]any{
				{"name": "id", "type": "INTEGER"},
				{"name": "payload", "type": "VARCHAR", "nullable": true},
			},
			"primary_key": []string{"id"},
		}, withKey(testAdminKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestProjectLifecycle(t *testing.T) {
	h := newTestHandler(t)

	w := do(h, http.MethodPost, "/projects",
		map[string]any{"id": "p1", "name": "Project One"}, withKey(testAdminKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// Project creation requires the admin secret.
	w = do(h, http.MethodPost, "/projects", map[string]any{"id": "p2"},
		withKey("proj_p1_admin_00000000000000000000000000000000"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	var eb struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	decode(t, w, &eb)
	assert.Equal(t, "forbidden", eb.Error)
	assert.NotEmpty(t, eb.Message)

	w = do(h, http.MethodGet, "/projects", nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code)
	var list []struct {
		ID string `json:"id"`
	}
	decode(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].ID)

	w = do(h, http.MethodPut, "/projects/p1",
		map[string]any{"name": "Renamed"}, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var proj struct {
		Name string `json:"name"`
	}
	decode(t, w, &proj)
	assert.Equal(t, "Renamed", proj.Name)

	w = do(h, http.MethodGet, "/projects/p1/stats", nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(h, http.MethodDelete, "/projects/p1", nil, withKey(testAdminKey))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Empty(t, w.Body.String())

	w = do(h, http.MethodGet, "/projects/p1", nil, withKey(testAdminKey))
	assert.Equal(t, http.StatusNotFound, w.Code)
	decode(t, w, &eb)
	assert.Equal(t, "not_found", eb.Error)
}

func TestRequestIDEchoed(t *testing.T) {
	h := newTestHandler(t)
	w := do(h, http.MethodGet, "/health", nil, withHeader(RequestIDHeader, "req-42"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}

func TestTableImportPreviewExport(t *testing.T) {
	h := newTestHandler(t)
	seedTable(t, h, "p1", "analytics", "events")

	stageAndImport(t, h, "p1", "default", "analytics", "events", "events.csv",
		"id,payload\n1,a\n2,b\n3,c\n")

	w := do(h, http.MethodGet,
		"/projects/p1/branches/default/buckets/analytics/tables/events", nil,
		withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tbl struct {
		Name       string   `json:"name"`
		PrimaryKey []string `json:"primary_key"`
		RowCount   int64    `json:"row_count"`
	}
	decode(t, w, &tbl)
	assert.Equal(t, "events", tbl.Name)
	assert.Equal(t, []string{"id"}, tbl.PrimaryKey)
	assert.Equal(t, int64(3), tbl.RowCount)

	w = do(h, http.MethodGet,
		"/projects/p1/branches/default/buckets/analytics/tables/events/preview?limit=2",
		nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var prev struct {
		Columns  []string `json:"columns"`
		Rows     [][]any  `json:"rows"`
		RowCount int64    `json:"row_count"`
	}
	decode(t, w, &prev)
	assert.Equal(t, []string{"id", "payload"}, prev.Columns)
	assert.Len(t, prev.Rows, 2)
	assert.Equal(t, int64(3), prev.RowCount)

	w = do(h, http.MethodPost,
		"/projects/p1/branches/default/buckets/analytics/tables/events/export",
		map[string]any{"format": "csv"}, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The oplog records the mutations newest first.
	w = do(h, http.MethodGet, "/projects/p1/operations", nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code)
	var ops []struct {
		Operation string `json:"operation"`
		Status    string `json:"status"`
	}
	decode(t, w, &ops)
	require.NotEmpty(t, ops)
	assert.Equal(t, "export_table", ops[0].Operation)
	assert.Equal(t, "success", ops[0].Status)
}

func TestIdempotencyReplayAndConflict(t *testing.T) {
	h := newTestHandler(t)

	body := map[string]any{"id": "p1"}
	w := do(h, http.MethodPost, "/projects", body,
		withKey(testAdminKey), withHeader(idempotency.KeyHeader, "k1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := w.Body.String()

	// Identical replay returns the cached response without re-running
	// the handler, so it does not hit the duplicate-project conflict.
	w = do(h, http.MethodPost, "/projects", body,
		withKey(testAdminKey), withHeader(idempotency.KeyHeader, "k1"))
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get(idempotency.ReplayHeader))
	assert.Equal(t, first, w.Body.String())

	// Same key with a different body conflicts.
	w = do(h, http.MethodPost, "/projects", map[string]any{"id": "p2"},
		withKey(testAdminKey), withHeader(idempotency.KeyHeader, "k1"))
	assert.Equal(t, http.StatusConflict, w.Code)

	// Without the replay, the duplicate create fails for real.
	w = do(h, http.MethodPost, "/projects", body, withKey(testAdminKey))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, w.Header().Get(idempotency.ReplayHeader))
}

func TestBranchLiveViewAndPull(t *testing.T) {
	h := newTestHandler(t)
	seedTable(t, h, "p1", "analytics", "events")
	stageAndImport(t, h, "p1", "default", "analytics", "events", "seed.csv",
		"id,payload\n1,a\n2,b\n")

	w := do(h, http.MethodPost, "/projects/p1/branches",
		map[string]any{"id": "dev1"}, withKey(testAdminKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var prev struct {
		RowCount int64 `json:"row_count"`
	}
	// Until a table is pulled, the branch reads main live.
	w = do(h, http.MethodGet,
		"/projects/p1/branches/dev1/buckets/analytics/tables/events/preview",
		nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &prev)
	assert.Equal(t, int64(2), prev.RowCount)

	w = do(h, http.MethodPost,
		"/projects/p1/branches/dev1/tables/analytics/events/pull", nil,
		withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// New main rows no longer show through the branch copy.
	stageAndImport(t, h, "p1", "default", "analytics", "events", "more.csv",
		"id,payload\n3,c\n")
	w = do(h, http.MethodGet,
		"/projects/p1/branches/dev1/buckets/analytics/tables/events/preview",
		nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &prev)
	assert.Equal(t, int64(2), prev.RowCount)

	w = do(h, http.MethodGet,
		"/projects/p1/branches/default/buckets/analytics/tables/events/preview",
		nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &prev)
	assert.Equal(t, int64(3), prev.RowCount)
}

func TestBranchDeleteRowsMaterializesCopy(t *testing.T) {
	h := newTestHandler(t)
	seedTable(t, h, "p1", "analytics", "events")
	stageAndImport(t, h, "p1", "default", "analytics", "events", "seed.csv",
		"id,payload\n1,a\n2,b\n3,c\n")

	w := do(h, http.MethodPost, "/projects/p1/branches",
		map[string]any{"id": "dev1"}, withKey(testAdminKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// The first write to the branch copies the table from main.
	w = do(h, http.MethodDelete,
		"/projects/p1/branches/dev1/buckets/analytics/tables/events/rows",
		nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Table struct {
			RowCount int64 `json:"row_count"`
		} `json:"table"`
		SnapshotID string `json:"snapshot_id"`
	}
	decode(t, w, &res)
	assert.Equal(t, int64(0), res.Table.RowCount)
	assert.Empty(t, res.SnapshotID, "auto snapshots only fire on main")

	var prev struct {
		RowCount int64 `json:"row_count"`
	}
	w = do(h, http.MethodGet,
		"/projects/p1/branches/dev1/buckets/analytics/tables/events/preview",
		nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &prev)
	assert.Equal(t, int64(0), prev.RowCount)

	// Main keeps the original rows.
	w = do(h, http.MethodGet,
		"/projects/p1/branches/default/buckets/analytics/tables/events/preview",
		nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &prev)
	assert.Equal(t, int64(3), prev.RowCount)

	// Pull discards the branch copy; the branch reads main live again.
	w = do(h, http.MethodPost,
		"/projects/p1/branches/dev1/tables/analytics/events/pull", nil,
		withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(h, http.MethodGet,
		"/projects/p1/branches/dev1/buckets/analytics/tables/events/preview",
		nil, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &prev)
	assert.Equal(t, int64(3), prev.RowCount)
}

func TestConcurrentImportsSerialize(t *testing.T) {
	h := newTestHandler(t)
	seedTable(t, h, "p1", "analytics", "events")

	const workers = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			csv := fmt.Sprintf("id,payload\n%d,w\n%d,w\n", n*10, n*10+1)
			stageAndImport(t, h, "p1", "default", "analytics", "events",
				fmt.Sprintf("w%d.csv", n), csv)
		}(i)
	}
	wg.Wait()

	w := do(h, http.MethodGet,
		"/projects/p1/branches/default/buckets/analytics/tables/events", nil,
		withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tbl struct {
		RowCount int64 `json:"row_count"`
	}
	decode(t, w, &tbl)
	assert.Equal(t, int64(workers*2), tbl.RowCount)
}

func TestDeleteTableTakesAutoSnapshot(t *testing.T) {
	h := newTestHandler(t)
	seedTable(t, h, "p1", "analytics", "events")

	w := do(h, http.MethodDelete,
		"/projects/p1/branches/default/buckets/analytics/tables/events", nil,
		withKey(testAdminKey))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Empty(t, w.Body.String())

	w = do(h, http.MethodGet,
		"/projects/p1/branches/default/snapshots?type=auto_predrop", nil,
		withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []struct {
		ID     string `json:"id"`
		Bucket string `json:"bucket"`
		Table  string `json:"table"`
	}
	decode(t, w, &snaps)
	require.Len(t, snaps, 1, "drop_table is auto-snapshot enabled by default")
	assert.Equal(t, "analytics", snaps[0].Bucket)
	assert.Equal(t, "events", snaps[0].Table)

	w = do(h, http.MethodGet,
		"/projects/p1/branches/default/buckets/analytics/tables/events", nil,
		withKey(testAdminKey))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSnapshotSettingsRoutes(t *testing.T) {
	h := newTestHandler(t)
	seedTable(t, h, "p1", "analytics", "events")

	w := do(h, http.MethodPut, "/projects/p1/settings/snapshots",
		map[string]any{"enabled": false}, withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var eff struct {
		Config struct {
			Enabled bool `json:"enabled"`
		} `json:"config"`
		Source map[string]string `json:"source"`
	}
	decode(t, w, &eff)
	assert.False(t, eff.Config.Enabled)
	assert.Equal(t, "project", eff.Source["enabled"])

	// Table scope inherits from the project until it sets its own delta.
	w = do(h, http.MethodGet,
		"/projects/p1/buckets/analytics/tables/events/settings/snapshots", nil,
		withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &eff)
	assert.False(t, eff.Config.Enabled)
	assert.Equal(t, "project", eff.Source["enabled"])

	w = do(h, http.MethodPut, "/projects/p1/settings/snapshots",
		map[string]any{"bogus": 1}, withKey(testAdminKey))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodDelete, "/projects/p1/settings/snapshots", nil,
		withKey(testAdminKey))
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &eff)
	assert.True(t, eff.Config.Enabled)
}

func TestScopedKeyAuthorization(t *testing.T) {
	h := newTestHandler(t)
	seedTable(t, h, "p1", "analytics", "events")

	w := do(h, http.MethodPost, "/projects/p1/branches",
		map[string]any{"id": "dev1"}, withKey(testAdminKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(h, http.MethodPost, "/projects/p1/api-keys",
		map[string]any{"scope": "branch_read", "branch_id": "dev1"},
		withKey(testAdminKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Secret string `json:"secret"`
	}
	decode(t, w, &created)
	require.NotEmpty(t, created.Secret)

	// The branch key reads its branch but cannot reach main or write.
	w = do(h, http.MethodGet,
		"/projects/p1/branches/dev1/buckets/analytics/tables/events", nil,
		withKey(created.Secret))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(h, http.MethodGet,
		"/projects/p1/branches/default/buckets/analytics/tables/events", nil,
		withKey(created.Secret))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(h, http.MethodPost,
		"/projects/p1/branches/dev1/tables/analytics/events/pull", nil,
		withKey(created.Secret))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(h, http.MethodGet, "/projects/p1", nil, withKey("not-a-key"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUnknownRoutesAndMetrics(t *testing.T) {
	h := newTestHandler(t)

	w := do(h, http.MethodGet, "/no/such/endpoint", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var eb struct {
		Error string `json:"error"`
	}
	decode(t, w, &eb)
	assert.Equal(t, "not_found", eb.Error)

	w = do(h, http.MethodPatch, "/projects", nil, withKey(testAdminKey))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.True(t, strings.HasPrefix(out, "duckhouse_uptime_seconds"), out)
	assert.Contains(t, out, "duckhouse_table_locks_active 0")
	// The failed requests above were already counted by route template.
	assert.Contains(t, out, `duckhouse_command_errors_total{kind="not_found"}`)
}
